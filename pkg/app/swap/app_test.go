package swap

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/order"
	"github.com/uhyunpark/hyperswap/pkg/settlement"
	"github.com/uhyunpark/hyperswap/pkg/venue"
)

func testConfig() params.Config {
	cfg := params.Default()
	cfg.Storage.Backend = "memory"
	cfg.Executor.InitialBackoff = time.Millisecond
	cfg.Executor.RatePerMin = 0
	cfg.Timeouts.Confirm = time.Second
	cfg.Venues.Latency = 0
	cfg.Chain.InclusionDelay = 0
	return cfg
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	chain := settlement.NewMemChain(settlement.MemChainConfig{})
	var adapters []venue.Adapter
	for _, id := range venue.Known {
		sc := venue.DefaultSimConfig(id)
		sc.Latency = 0
		adapters = append(adapters, venue.NewSimulated(id, sc, chain))
	}
	app := NewWithDeps(Deps{
		Config:   testConfig(),
		Adapters: adapters,
		Chain:    chain,
		Registry: prometheus.NewRegistry(),
	})
	t.Cleanup(func() { app.Close() })
	return app
}

func waitTerminal(t *testing.T, app *App, id string) *OrderView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		v, err := app.GetOrder(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if v.Order.Status.IsTerminal() {
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("order %s never reached a terminal status", id)
	return nil
}

func TestSubmitOrderEndToEnd(t *testing.T) {
	app := newTestApp(t)
	app.Start(context.Background())

	o, err := app.SubmitOrder(context.Background(), " sol/usdc ", decimal.NewFromInt(1000))
	if err != nil {
		t.Fatal(err)
	}
	if o.Pair != "SOL/USDC" || o.Status != order.StatusPending {
		t.Fatalf("accepted %+v", o)
	}

	v := waitTerminal(t, app, o.ID)
	if v.Order.Status != order.StatusConfirmed {
		t.Fatalf("status=%s reason=%s", v.Order.Status, v.Order.FailureReason)
	}
	// only raydium is executable by default
	if v.Order.ChosenVenue != "raydium" {
		t.Fatalf("chosen venue = %s", v.Order.ChosenVenue)
	}
	if first := v.Events[0].Kind(); first != order.KindOrderCreated {
		t.Fatalf("first event = %s", first)
	}
	if last := v.Events[len(v.Events)-1].Kind(); last != order.KindSettled {
		t.Fatalf("last event = %s", last)
	}
	if len(v.Settlements) != 1 || v.Settlements[0].Status != order.SettlementConfirmed {
		t.Fatalf("settlements = %+v", v.Settlements)
	}
}

func TestSubscribeSeesTerminalUpdate(t *testing.T) {
	app := newTestApp(t)

	o, err := app.SubmitOrder(context.Background(), "JUP/USDC", decimal.NewFromInt(10))
	if err != nil {
		t.Fatal(err)
	}
	sub := app.Subscribe(o.ID)
	defer sub.Close()
	app.Start(context.Background())

	timeout := time.After(3 * time.Second)
	for {
		select {
		case u := <-sub.C:
			if u.Status.IsTerminal() {
				if u.Status != order.StatusConfirmed {
					t.Fatalf("terminal update %+v", u)
				}
				return
			}
		case <-timeout:
			t.Fatal("no terminal update")
		}
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	app := newTestApp(t)
	tests := []struct {
		pair   string
		amount decimal.Decimal
		field  string
	}{
		{"", decimal.NewFromInt(1), "pair"},
		{"SOLUSDC", decimal.NewFromInt(1), "pair"},
		{"SOL/USDC", decimal.Zero, "amount"},
		{"SOL/USDC", decimal.NewFromInt(-5), "amount"},
	}
	for _, tt := range tests {
		_, err := app.SubmitOrder(context.Background(), tt.pair, tt.amount)
		var ve *order.ValidationError
		if !errors.As(err, &ve) || ve.Field != tt.field {
			t.Errorf("pair=%q amount=%s: err = %v, want validation error on %s", tt.pair, tt.amount, err, tt.field)
		}
	}
	if n, _ := app.ledger.CountOrders(context.Background()); n != 0 {
		t.Fatalf("invalid intents were stored: %d", n)
	}
}

func TestListOrdersPagination(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	var ids []string
	for _, pair := range []string{"SOL/USDC", "BONK/SOL", "RAY/USDC"} {
		o, err := app.SubmitOrder(ctx, pair, decimal.NewFromInt(1))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, o.ID)
	}

	page, err := app.ListOrders(ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || page.TotalPages != 2 || len(page.Orders) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Orders[0].ID != ids[2] {
		t.Fatal("orders not newest first")
	}

	page, err = app.ListOrders(ctx, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Limit != DefaultPageLimit || len(page.Orders) != 0 || page.Orders == nil {
		t.Fatalf("out-of-range page = %+v", page)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	app := newTestApp(t)
	if _, err := app.GetOrder(context.Background(), "nope"); !errors.Is(err, order.ErrOrderNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := app.Events(context.Background(), "nope"); !errors.Is(err, order.ErrOrderNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = "pebble"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "ledger")

	app, err := New(context.Background(), cfg, nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	if got := app.Venues(); len(got) != 2 || got[0] != "raydium" || got[1] != "meteora" {
		t.Fatalf("venues = %v", got)
	}
	app.Start(context.Background())
	o, err := app.SubmitOrder(context.Background(), "ORCA/SOL", decimal.NewFromInt(3))
	if err != nil {
		t.Fatal(err)
	}
	if v := waitTerminal(t, app, o.ID); v.Order.Status != order.StatusConfirmed {
		t.Fatalf("status = %s", v.Order.Status)
	}
	if err := app.Close(); err != nil {
		t.Fatal(err)
	}
	if err := app.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	cfg.Venues.Enabled = []string{"orca"}
	cfg.Venues.Executable = nil
	if _, err := New(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("unknown venue accepted")
	}
}

func TestOrderFeeder(t *testing.T) {
	app := newTestApp(t)
	fc := DefaultFeederConfig()
	fc.Interval = 5 * time.Millisecond
	stop := StartOrderFeeder(context.Background(), app, fc, nil)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		page, err := app.ListOrders(context.Background(), 1, 10)
		if err != nil {
			t.Fatal(err)
		}
		if page.Total >= 3 {
			for _, o := range page.Orders {
				if o.Amount.LessThan(decimal.NewFromInt(1)) || o.Amount.GreaterThan(decimal.NewFromInt(1000)) {
					t.Fatalf("amount out of range: %s", o.Amount)
				}
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("feeder did not submit orders")
}
