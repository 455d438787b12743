package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Executor.Concurrency != 10 || cfg.Executor.MaxAttempts != 3 || cfg.Executor.RatePerMin != 100 {
		t.Fatalf("executor defaults = %+v", cfg.Executor)
	}
	if cfg.Timeouts.Quote != 5*time.Second || cfg.Timeouts.Confirm != 30*time.Second || cfg.Timeouts.Lookup != 10*time.Second {
		t.Fatalf("timeout defaults = %+v", cfg.Timeouts)
	}
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "EXECUTOR_CONCURRENCY=4\nVENUES=raydium, meteora\nQUEUE_BACKEND=redis\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	// process env wins over the file
	t.Setenv("EXECUTOR_CONCURRENCY", "7")
	t.Setenv("QUOTE_TIMEOUT_MS", "1500")
	t.Setenv("VENUES_EXECUTABLE", "raydium,meteora")
	t.Setenv("VENUE_METEORA_FEE_BPS", "25")
	t.Setenv("ENABLE_ORDERGEN", "true")
	t.Setenv("SIM_REVERT_RATE", "0.1")

	cfg := LoadFromEnv(envFile)

	if cfg.Executor.Concurrency != 7 {
		t.Errorf("concurrency = %d, want 7", cfg.Executor.Concurrency)
	}
	if cfg.Timeouts.Quote != 1500*time.Millisecond {
		t.Errorf("quote timeout = %v", cfg.Timeouts.Quote)
	}
	if len(cfg.Venues.Enabled) != 2 || cfg.Venues.Enabled[1] != "meteora" {
		t.Errorf("venues = %v", cfg.Venues.Enabled)
	}
	if len(cfg.Venues.Executable) != 2 {
		t.Errorf("executable = %v", cfg.Venues.Executable)
	}
	if cfg.Venues.FeeBps["meteora"] != 25 {
		t.Errorf("fee bps = %v", cfg.Venues.FeeBps)
	}
	if cfg.Queue.Backend != "redis" {
		t.Errorf("queue backend = %s", cfg.Queue.Backend)
	}
	if !cfg.OrderGen.Enabled || cfg.Chain.RevertRate != 0.1 {
		t.Errorf("ordergen=%v revert=%v", cfg.OrderGen.Enabled, cfg.Chain.RevertRate)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no venues", func(c *Config) { c.Venues.Enabled = nil }},
		{"executable not enabled", func(c *Config) { c.Venues.Executable = []string{"orca"} }},
		{"bad ledger", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"bad queue", func(c *Config) { c.Queue.Backend = "sqs" }},
		{"evm without rpc", func(c *Config) { c.Chain.Backend = "evm" }},
		{"revert rate", func(c *Config) { c.Chain.RevertRate = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
