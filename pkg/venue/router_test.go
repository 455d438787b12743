package venue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperswap/pkg/order"
)

type fakeAdapter struct {
	id    ID
	price string
	fee   string
	err   error
	delay time.Duration // ignores ctx on purpose
}

func (f *fakeAdapter) ID() ID { return f.id }

func (f *fakeAdapter) Quote(_ context.Context, pair string, amount decimal.Decimal) (Quote, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return Quote{}, f.err
	}
	return Quote{
		Venue:  f.id,
		Pair:   pair,
		Amount: amount,
		Price:  decimal.RequireFromString(f.price),
		Fee:    decimal.RequireFromString(f.fee),
	}, nil
}

func (f *fakeAdapter) Execute(context.Context, Quote) (Handle, error) { return "tx_fake", nil }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSelectFeeAdjusted(t *testing.T) {
	quotes := []Quote{
		{Venue: Raydium, Price: dec("100"), Fee: dec("0.003")},
		{Venue: Meteora, Price: dec("102"), Fee: dec("0.002")},
	}
	sel, err := Select(quotes)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Best.Venue != Raydium {
		t.Fatalf("best = %s, want raydium", sel.Best.Venue)
	}
	if got := quotes[0].EffectivePrice(); !got.Equal(dec("100.3")) {
		t.Errorf("raydium effective = %s", got)
	}
	if got := quotes[1].EffectivePrice().StringFixed(2); got != "102.20" {
		t.Errorf("meteora effective = %s", got)
	}
	if !sel.Spread.Equal(dec("1.904")) {
		t.Errorf("spread = %s, want 1.904", sel.Spread)
	}
	if len(sel.Ranked) != 2 || sel.Ranked[1].Venue != Meteora {
		t.Errorf("ranked = %+v", sel.Ranked)
	}
}

func TestSelectTieFirstRegisteredWins(t *testing.T) {
	quotes := []Quote{
		{Venue: Meteora, Price: dec("100"), Fee: dec("0.003")},
		{Venue: Raydium, Price: dec("100"), Fee: dec("0.003")},
	}
	for i := 0; i < 20; i++ {
		sel, _ := Select(quotes)
		if sel.Best.Venue != Meteora {
			t.Fatalf("tie broken towards %s", sel.Best.Venue)
		}
	}
}

func TestSelectEmpty(t *testing.T) {
	if _, err := Select(nil); !errors.Is(err, order.ErrNoQuotesAvailable) {
		t.Fatalf("expected ErrNoQuotesAvailable, got %v", err)
	}
}

func TestRoutePartialFailure(t *testing.T) {
	r := NewRouter([]Adapter{
		&fakeAdapter{id: Raydium, err: errors.New("pool not found")},
		&fakeAdapter{id: Meteora, price: "102", fee: "0.002"},
	}, time.Second, nil, nil)

	sel, err := r.Route(context.Background(), "SOL/USDC", dec("1000"))
	if err != nil {
		t.Fatal(err)
	}
	if sel.Best.Venue != Meteora {
		t.Fatalf("best = %s", sel.Best.Venue)
	}
	if len(sel.Failures) != 1 || sel.Failures[0].Venue != string(Raydium) {
		t.Fatalf("failures = %+v", sel.Failures)
	}
	if !sel.Spread.IsZero() {
		t.Errorf("single quote should have zero spread, got %s", sel.Spread)
	}
}

func TestRouteAllFail(t *testing.T) {
	r := NewRouter([]Adapter{
		&fakeAdapter{id: Raydium, err: errors.New("rpc down")},
		&fakeAdapter{id: Meteora, err: errors.New("rpc down")},
	}, time.Second, nil, nil)

	sel, err := r.Route(context.Background(), "SOL/USDC", dec("1"))
	if !errors.Is(err, order.ErrNoQuotesAvailable) {
		t.Fatalf("expected ErrNoQuotesAvailable, got %v", err)
	}
	if len(sel.Failures) != 2 {
		t.Fatalf("failures = %d", len(sel.Failures))
	}
}

func TestRouteTimeoutIsolated(t *testing.T) {
	r := NewRouter([]Adapter{
		&fakeAdapter{id: Raydium, price: "99", fee: "0.003", delay: 500 * time.Millisecond},
		&fakeAdapter{id: Meteora, price: "102", fee: "0.002"},
	}, 30*time.Millisecond, nil, nil)

	start := time.Now()
	sel, err := r.Route(context.Background(), "SOL/USDC", dec("1"))
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("route blocked on slow venue for %v", elapsed)
	}
	if sel.Best.Venue != Meteora || len(sel.Failures) != 1 {
		t.Fatalf("best=%s failures=%d", sel.Best.Venue, len(sel.Failures))
	}
	if !errors.Is(sel.Failures[0], context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", sel.Failures[0])
	}
}

type recordingChain struct {
	mu      sync.Mutex
	handles []string
}

func (c *recordingChain) Broadcast(_ context.Context, h string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles = append(c.handles, h)
	return nil
}

func TestSimulatedVenue(t *testing.T) {
	chain := &recordingChain{}
	cfg := DefaultSimConfig(Raydium)
	cfg.Latency = 0
	cfg.Seed = 42
	v := NewSimulated(Raydium, cfg, chain)

	q, err := v.Quote(context.Background(), "SOL/USDC", dec("1000"))
	if err != nil {
		t.Fatal(err)
	}
	if q.Price.LessThan(dec("98")) || q.Price.GreaterThan(dec("102")) {
		t.Fatalf("price %s outside variance band", q.Price)
	}
	if !q.Fee.Equal(dec("0.003")) {
		t.Fatalf("fee = %s", q.Fee)
	}

	h, err := v.Execute(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain.handles) != 1 || chain.handles[0] != string(h) {
		t.Fatalf("broadcast %v, handle %s", chain.handles, h)
	}

	if _, err := v.Execute(context.Background(), Quote{Venue: Meteora}); err == nil {
		t.Fatal("expected error executing another venue's quote")
	}
}
