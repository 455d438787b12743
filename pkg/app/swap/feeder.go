package swap

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultPairs are the markets the order feeder trades.
var DefaultPairs = []string{"SOL/USDC", "BONK/SOL", "JUP/USDC", "ORCA/SOL", "RAY/USDC"}

// OrderFeederConfig controls synthetic order generation
type OrderFeederConfig struct {
	Interval  time.Duration // one order per tick
	Pairs     []string
	MinAmount int64
	MaxAmount int64
	Seed      int64
}

// DefaultFeederConfig returns reasonable defaults for devnet
func DefaultFeederConfig() OrderFeederConfig {
	return OrderFeederConfig{
		Interval:  2 * time.Second,
		Pairs:     DefaultPairs,
		MinAmount: 1,
		MaxAmount: 1000,
		Seed:      time.Now().UnixNano(),
	}
}

// StartOrderFeeder submits a random order every Interval until the returned
// cancel function is called or ctx ends.
func StartOrderFeeder(ctx context.Context, app *App, cfg OrderFeederConfig, logger *zap.Logger) context.CancelFunc {
	if len(cfg.Pairs) == 0 {
		cfg.Pairs = DefaultPairs
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFeederConfig().Interval
	}
	if cfg.MinAmount <= 0 {
		cfg.MinAmount = 1
	}
	if cfg.MaxAmount < cfg.MinAmount {
		cfg.MaxAmount = cfg.MinAmount
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("feeder")
	rng := rand.New(rand.NewSource(cfg.Seed))

	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		startTime := time.Now()
		total, rejected := 0, 0
		logger.Info("feeder_started", zap.Duration("interval", cfg.Interval), zap.Strings("pairs", cfg.Pairs))

		for {
			select {
			case <-feedCtx.Done():
				logger.Info("feeder_stopped",
					zap.Int("submitted", total),
					zap.Int("rejected", rejected),
					zap.Duration("elapsed", time.Since(startTime).Round(time.Second)))
				return

			case <-ticker.C:
				pair := cfg.Pairs[rng.Intn(len(cfg.Pairs))]
				amount := decimal.NewFromInt(cfg.MinAmount + rng.Int63n(cfg.MaxAmount-cfg.MinAmount+1))
				o, err := app.SubmitOrder(feedCtx, pair, amount)
				if err != nil {
					rejected++
					logger.Warn("feeder_submit_failed", zap.String("pair", pair), zap.Error(err))
					continue
				}
				total++
				logger.Debug("feeder_submitted", zap.String("order_id", o.ID), zap.String("pair", pair))
			}
		}
	}()

	return cancel
}
