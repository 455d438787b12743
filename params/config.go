package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Executor struct {
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JobTimeout bounds one job end to end; it must exceed the sum of the
	// step timeouts or healthy orders are cancelled.
	JobTimeout time.Duration
	RatePerMin int
}

type Timeouts struct {
	Quote   time.Duration
	Submit  time.Duration
	Confirm time.Duration
	Lookup  time.Duration
	Persist time.Duration
}

type Venues struct {
	Enabled    []string
	Executable []string
	// FeeBps overrides a simulated venue's fee, keyed by venue name.
	FeeBps map[string]int
	// Latency of simulated venue calls.
	Latency time.Duration
}

type Storage struct {
	Backend string // memory | pebble
	Path    string
}

type Queue struct {
	Backend  string // memory | redis
	RedisURL string
	Name     string
}

type Chain struct {
	Backend        string // sim | evm
	RPCURL         string
	PollInterval   time.Duration
	InclusionDelay time.Duration // sim only
	RevertRate     float64       // sim only
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Log struct {
	File  string
	Level string
}

type OrderGen struct {
	Enabled bool
	Rate    time.Duration
}

type Config struct {
	Executor Executor
	Timeouts Timeouts
	Venues   Venues
	Storage  Storage
	Queue    Queue
	Chain    Chain
	API      API
	Log      Log
	OrderGen OrderGen
}

func Default() Config {
	return Config{
		Executor: Executor{
			Concurrency:    10,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			JobTimeout:     2 * time.Minute,
			RatePerMin:     100,
		},
		Timeouts: Timeouts{
			Quote:   5 * time.Second,
			Submit:  20 * time.Second,
			Confirm: 30 * time.Second,
			Lookup:  10 * time.Second,
			Persist: 5 * time.Second,
		},
		Venues: Venues{
			Enabled:    []string{"raydium", "meteora"},
			Executable: []string{"raydium"},
			FeeBps:     map[string]int{},
			Latency:    200 * time.Millisecond,
		},
		Storage: Storage{
			Backend: "pebble",
			Path:    "data/ledger",
		},
		Queue: Queue{
			Backend:  "memory",
			RedisURL: "redis://localhost:6379/0",
			Name:     "orders",
		},
		Chain: Chain{
			Backend:        "sim",
			PollInterval:   time.Second,
			InclusionDelay: 2 * time.Second,
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Log: Log{
			File:  "logs/executor.log",
			Level: "info",
		},
		OrderGen: OrderGen{
			Rate: 2 * time.Second,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	envInt("EXECUTOR_CONCURRENCY", &cfg.Executor.Concurrency)
	envInt("EXECUTOR_MAX_ATTEMPTS", &cfg.Executor.MaxAttempts)
	envMillis("EXECUTOR_BACKOFF_MS", &cfg.Executor.InitialBackoff)
	envMillis("EXECUTOR_MAX_BACKOFF_MS", &cfg.Executor.MaxBackoff)
	envMillis("EXECUTOR_JOB_TIMEOUT_MS", &cfg.Executor.JobTimeout)
	envInt("EXECUTOR_RATE_PER_MIN", &cfg.Executor.RatePerMin)

	envMillis("QUOTE_TIMEOUT_MS", &cfg.Timeouts.Quote)
	envMillis("SUBMIT_TIMEOUT_MS", &cfg.Timeouts.Submit)
	envMillis("CONFIRM_TIMEOUT_MS", &cfg.Timeouts.Confirm)
	envMillis("LOOKUP_TIMEOUT_MS", &cfg.Timeouts.Lookup)
	envMillis("PERSIST_TIMEOUT_MS", &cfg.Timeouts.Persist)

	envList("VENUES", &cfg.Venues.Enabled)
	envList("VENUES_EXECUTABLE", &cfg.Venues.Executable)
	envMillis("VENUE_LATENCY_MS", &cfg.Venues.Latency)
	for _, v := range cfg.Venues.Enabled {
		var bps int
		if envInt("VENUE_"+strings.ToUpper(v)+"_FEE_BPS", &bps) {
			cfg.Venues.FeeBps[v] = bps
		}
	}

	cfg.Storage.Backend = getEnv("LEDGER_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Path = getEnv("LEDGER_PATH", cfg.Storage.Path)

	cfg.Queue.Backend = getEnv("QUEUE_BACKEND", cfg.Queue.Backend)
	cfg.Queue.RedisURL = getEnv("REDIS_URL", cfg.Queue.RedisURL)
	cfg.Queue.Name = getEnv("QUEUE_NAME", cfg.Queue.Name)

	cfg.Chain.Backend = getEnv("CHAIN_BACKEND", cfg.Chain.Backend)
	cfg.Chain.RPCURL = getEnv("CHAIN_RPC_URL", cfg.Chain.RPCURL)
	envMillis("CHAIN_POLL_MS", &cfg.Chain.PollInterval)
	envMillis("SIM_INCLUSION_MS", &cfg.Chain.InclusionDelay)
	if rate := os.Getenv("SIM_REVERT_RATE"); rate != "" {
		if f, err := strconv.ParseFloat(rate, 64); err == nil {
			cfg.Chain.RevertRate = f
		}
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	envList("API_ALLOWED_ORIGINS", &cfg.API.AllowedOrigins)

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	if gen := os.Getenv("ENABLE_ORDERGEN"); gen != "" {
		cfg.OrderGen.Enabled = gen == "true"
	}
	envMillis("ORDERGEN_RATE_MS", &cfg.OrderGen.Rate)

	return cfg
}

// Validate rejects settings the executor cannot start with.
func (c Config) Validate() error {
	if len(c.Venues.Enabled) == 0 {
		return fmt.Errorf("VENUES: at least one venue required")
	}
	enabled := make(map[string]bool, len(c.Venues.Enabled))
	for _, v := range c.Venues.Enabled {
		enabled[v] = true
	}
	for _, v := range c.Venues.Executable {
		if !enabled[v] {
			return fmt.Errorf("VENUES_EXECUTABLE: %q is not an enabled venue", v)
		}
	}
	switch c.Storage.Backend {
	case "memory", "pebble":
	default:
		return fmt.Errorf("LEDGER_BACKEND: unknown backend %q", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("QUEUE_BACKEND: unknown backend %q", c.Queue.Backend)
	}
	switch c.Chain.Backend {
	case "sim":
	case "evm":
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("CHAIN_RPC_URL required for evm backend")
		}
	default:
		return fmt.Errorf("CHAIN_BACKEND: unknown backend %q", c.Chain.Backend)
	}
	if c.Chain.RevertRate < 0 || c.Chain.RevertRate > 1 {
		return fmt.Errorf("SIM_REVERT_RATE: %v not in [0,1]", c.Chain.RevertRate)
	}
	if c.Executor.Concurrency <= 0 || c.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor concurrency and attempts must be positive")
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, dst *int) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return false
	}
	*dst = n
	return true
}

func envMillis(key string, dst *time.Duration) {
	var ms int
	if envInt(key, &ms) {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

// envList parses a comma-separated list, e.g. "raydium,meteora".
func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
