// Package swap wires the execution pipeline together: intake, queue,
// worker, venues, settlement and the ledger.
package swap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/notify"
	"github.com/uhyunpark/hyperswap/pkg/order"
	"github.com/uhyunpark/hyperswap/pkg/queue"
	"github.com/uhyunpark/hyperswap/pkg/settlement"
	"github.com/uhyunpark/hyperswap/pkg/storage"
	"github.com/uhyunpark/hyperswap/pkg/telemetry"
	"github.com/uhyunpark/hyperswap/pkg/util"
	"github.com/uhyunpark/hyperswap/pkg/venue"
	"github.com/uhyunpark/hyperswap/pkg/worker"
)

// Deps are the collaborators App runs on. Nil fields get in-memory
// defaults.
type Deps struct {
	Config   params.Config
	Ledger   storage.Ledger
	Backend  queue.Backend
	Notifier *notify.Notifier
	Adapters []venue.Adapter
	Chain    settlement.Chain
	Clock    util.Clock
	Logger   *zap.Logger
	Registry prometheus.Registerer
}

type App struct {
	cfg      params.Config
	ledger   storage.Ledger
	queue    *queue.Queue
	notifier *notify.Notifier
	router   *venue.Router
	worker   *worker.Worker
	metrics  *telemetry.Metrics
	logger   *zap.Logger

	closers []func() error

	mu        sync.Mutex
	cancelRun context.CancelFunc
	runDone   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New builds an App from configuration: ledger and queue backends,
// simulated venues and the configured settlement chain.
func New(ctx context.Context, cfg params.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := Deps{Config: cfg, Logger: logger, Registry: reg}

	// owned is released in reverse if construction fails part way.
	var owned, extra []func() error
	fail := func(err error) (*App, error) {
		for i := len(owned) - 1; i >= 0; i-- {
			owned[i]()
		}
		return nil, err
	}

	switch cfg.Storage.Backend {
	case "pebble":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return nil, fmt.Errorf("ledger dir: %w", err)
		}
		ps, err := storage.NewPebbleStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger %s: %w", cfg.Storage.Path, err)
		}
		d.Ledger = ps
	default:
		d.Ledger = storage.NewMemoryStore()
	}
	owned = append(owned, d.Ledger.Close)

	if cfg.Queue.Backend == "redis" {
		rb, err := queue.DialRedis(ctx, cfg.Queue.RedisURL, cfg.Queue.Name)
		if err != nil {
			return fail(err)
		}
		d.Backend = rb
		owned = append(owned, rb.Close)
	}

	var broadcaster venue.Broadcaster
	switch cfg.Chain.Backend {
	case "evm":
		ec, err := settlement.DialEVM(ctx, cfg.Chain.RPCURL, cfg.Chain.PollInterval)
		if err != nil {
			return fail(err)
		}
		logger.Warn("evm_chain_backend",
			zap.String("rpc", cfg.Chain.RPCURL),
			zap.String("note", "simulated venues cannot broadcast to an EVM chain; supply adapters via NewWithDeps"))
		closeEVM := func() error { ec.Close(); return nil }
		owned = append(owned, closeEVM)
		extra = append(extra, closeEVM)
		d.Chain = ec
	default:
		mc := settlement.NewMemChain(settlement.MemChainConfig{
			InclusionDelay: cfg.Chain.InclusionDelay,
			RevertRate:     cfg.Chain.RevertRate,
		})
		d.Chain = mc
		broadcaster = mc
	}

	for _, name := range cfg.Venues.Enabled {
		id, err := venue.ParseID(name)
		if err != nil {
			return fail(err)
		}
		sc := venue.DefaultSimConfig(id)
		sc.Latency = cfg.Venues.Latency
		if bps, ok := cfg.Venues.FeeBps[name]; ok {
			sc.Fee = decimal.New(int64(bps), -4)
		}
		d.Adapters = append(d.Adapters, venue.NewSimulated(id, sc, broadcaster))
	}

	a := NewWithDeps(d)
	a.closers = extra
	return a, nil
}

// NewWithDeps assembles an App from explicit parts.
func NewWithDeps(d Deps) *App {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Ledger == nil {
		d.Ledger = storage.NewMemoryStore()
	}
	if d.Backend == nil {
		d.Backend = queue.NewMemoryBackend()
	}
	if d.Notifier == nil {
		d.Notifier = notify.New(notify.DefaultShards, notify.DefaultBuffer, d.Logger)
	}
	if d.Chain == nil {
		d.Chain = settlement.NewMemChain(settlement.MemChainConfig{})
	}
	if d.Clock == nil {
		d.Clock = util.NewMonotonicClock(util.RealClock{})
	}
	cfg := d.Config
	metrics := telemetry.NewMetrics(d.Registry)

	router := venue.NewRouter(d.Adapters, cfg.Timeouts.Quote, d.Logger, metrics)
	confirmer := settlement.NewConfirmer(d.Chain, cfg.Timeouts.Confirm, cfg.Timeouts.Lookup, d.Logger, metrics)

	executable := make([]venue.ID, 0, len(cfg.Venues.Executable))
	for _, v := range cfg.Venues.Executable {
		executable = append(executable, venue.ID(v))
	}
	w := worker.New(worker.Deps{
		Router:    router,
		Ledger:    d.Ledger,
		Notifier:  d.Notifier,
		Confirmer: confirmer,
		Clock:     d.Clock,
		Logger:    d.Logger,
		Metrics:   metrics,
	}, worker.Config{
		SubmitTimeout:  cfg.Timeouts.Submit,
		PersistTimeout: cfg.Timeouts.Persist,
		Executable:     executable,
	})

	q := queue.New(d.Backend, queue.Config{
		Concurrency:    cfg.Executor.Concurrency,
		MaxAttempts:    cfg.Executor.MaxAttempts,
		InitialBackoff: cfg.Executor.InitialBackoff,
		MaxBackoff:     cfg.Executor.MaxBackoff,
		JobTimeout:     cfg.Executor.JobTimeout,
		RatePerMinute:  cfg.Executor.RatePerMin,
	}, d.Logger, metrics)

	return &App{
		cfg:      cfg,
		ledger:   d.Ledger,
		queue:    q,
		notifier: d.Notifier,
		router:   router,
		worker:   w,
		metrics:  metrics,
		logger:   d.Logger.Named("app"),
	}
}

func (a *App) Config() params.Config { return a.cfg }

// Start runs the queue consumer until ctx ends or Close is called.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runDone != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancelRun = cancel
	a.runDone = make(chan struct{})
	go func() {
		defer close(a.runDone)
		a.queue.Run(runCtx, a.worker.Handle, a.worker.OnDeadLetter)
	}()
	a.logger.Info("executor_started",
		zap.Int("concurrency", a.queue.Config().Concurrency),
		zap.Strings("venues", a.Venues()))
}

// Close stops the consumer and shuts down queue, notifier and ledger in
// that order.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		cancel, done := a.cancelRun, a.runDone
		a.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
		var errs []error
		errs = append(errs, a.queue.Close())
		a.notifier.Close()
		errs = append(errs, a.ledger.Close())
		for _, c := range a.closers {
			errs = append(errs, c())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) Venues() []string {
	out := make([]string, 0, len(a.router.Adapters()))
	for _, ad := range a.router.Adapters() {
		out = append(out, string(ad.ID()))
	}
	return out
}

// SubmitOrder validates an intent, stores it as PENDING and enqueues it.
func (a *App) SubmitOrder(ctx context.Context, pair string, amount decimal.Decimal) (*order.Order, error) {
	pair = order.NormalizePair(pair)
	if err := order.Validate(pair, amount); err != nil {
		return nil, err
	}
	o, err := a.worker.Accept(ctx, uuid.NewString(), pair, amount)
	if err != nil {
		return nil, err
	}
	if _, err := a.queue.Enqueue(ctx, o.ID, submitPayload{Pair: pair, Amount: amount}); err != nil {
		a.worker.Fail(ctx, o, err)
		return nil, err
	}
	return o, nil
}

type submitPayload struct {
	Pair   string          `json:"pair"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderView is an order with its full history.
type OrderView struct {
	Order       *order.Order             `json:"order"`
	Events      []order.Event            `json:"events"`
	Settlements []order.SettlementRecord `json:"settlements"`
}

func (a *App) GetOrder(ctx context.Context, id string) (*OrderView, error) {
	o, err := a.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := a.ledger.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := a.ledger.ListSettlementRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: o, Events: events, Settlements: records}, nil
}

// Events returns the history of an existing order.
func (a *App) Events(ctx context.Context, id string) ([]order.Event, error) {
	if _, err := a.ledger.GetOrder(ctx, id); err != nil {
		return nil, err
	}
	return a.ledger.ListEvents(ctx, id)
}

type OrderPage struct {
	Orders     []*order.Order `json:"orders"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	Total      int            `json:"total"`
	TotalPages int            `json:"totalPages"`
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// ListOrders returns page (1-based) of orders, newest first.
func (a *App) ListOrders(ctx context.Context, page, limit int) (*OrderPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	orders, err := a.ledger.ListOrders(ctx, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	total, err := a.ledger.CountOrders(ctx)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	return &OrderPage{
		Orders:     orders,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

// Subscribe streams updates for orderID published after the call.
func (a *App) Subscribe(orderID string) *notify.Subscription {
	return a.notifier.Subscribe(orderID)
}
