package venue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Broadcaster accepts a signed execution for inclusion on-chain.
type Broadcaster interface {
	Broadcast(ctx context.Context, handle string) error
}

// SimConfig drives the devnet pricing model: a fixed fee plus a quoted
// price drawn uniformly from BasePrice*[VarianceLow, VarianceLow+VarianceWidth].
type SimConfig struct {
	Fee           decimal.Decimal
	BasePrice     decimal.Decimal
	VarianceLow   float64
	VarianceWidth float64
	Latency       time.Duration
	Seed          int64
}

// DefaultSimConfig returns the devnet model for a known venue.
func DefaultSimConfig(id ID) SimConfig {
	cfg := SimConfig{
		BasePrice: decimal.NewFromInt(100),
		Latency:   200 * time.Millisecond,
		Seed:      time.Now().UnixNano(),
	}
	switch id {
	case Meteora:
		cfg.Fee = decimal.RequireFromString("0.002")
		cfg.VarianceLow, cfg.VarianceWidth = 0.97, 0.05
	default:
		cfg.Fee = decimal.RequireFromString("0.003")
		cfg.VarianceLow, cfg.VarianceWidth = 0.98, 0.04
	}
	return cfg
}

// Simulated is a venue with synthetic prices that submits to a Broadcaster.
// It stands in for real pool integrations on devnet.
type Simulated struct {
	id    ID
	cfg   SimConfig
	chain Broadcaster

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Adapter = (*Simulated)(nil)

func NewSimulated(id ID, cfg SimConfig, chain Broadcaster) *Simulated {
	return &Simulated{
		id:    id,
		cfg:   cfg,
		chain: chain,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (s *Simulated) ID() ID { return s.id }

func (s *Simulated) Quote(ctx context.Context, pair string, amount decimal.Decimal) (Quote, error) {
	if err := sleep(ctx, s.cfg.Latency); err != nil {
		return Quote{}, err
	}
	s.mu.Lock()
	factor := s.cfg.VarianceLow + s.rng.Float64()*s.cfg.VarianceWidth
	s.mu.Unlock()

	return Quote{
		Venue:    s.id,
		Pair:     pair,
		Amount:   amount,
		Price:    s.cfg.BasePrice.Mul(decimal.NewFromFloat(factor)).Round(4),
		Fee:      s.cfg.Fee,
		QuotedAt: time.Now().UTC(),
	}, nil
}

func (s *Simulated) Execute(ctx context.Context, q Quote) (Handle, error) {
	if q.Venue != s.id {
		return "", fmt.Errorf("quote from %s executed on %s", q.Venue, s.id)
	}
	if s.chain == nil {
		return "", errors.New("no chain attached")
	}
	if err := sleep(ctx, s.cfg.Latency); err != nil {
		return "", err
	}
	handle := "tx_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:13]
	if err := s.chain.Broadcast(ctx, handle); err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	return Handle(handle), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
