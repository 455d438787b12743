package venue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperswap/pkg/order"
	"github.com/uhyunpark/hyperswap/pkg/telemetry"
)

// DefaultQuoteTimeout bounds each venue's quote request independently.
const DefaultQuoteTimeout = 5 * time.Second

var hundred = decimal.NewFromInt(100)

// Selection is the outcome of one routing decision.
type Selection struct {
	Best Quote
	// Ranked holds every surviving quote, best first.
	Ranked []Quote
	// Failures lists the venues dropped from consideration.
	Failures []*order.QuoteError

	// Spread between best and second-best effective price. Telemetry only.
	Spread        decimal.Decimal
	SpreadPercent decimal.Decimal
}

// QuotedPrices maps venue name to its raw quoted price.
func (s Selection) QuotedPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.Ranked))
	for _, q := range s.Ranked {
		out[string(q.Venue)] = q.Price
	}
	return out
}

// Select ranks quotes by effective price, lowest first. quotes must be in
// adapter registration order; the stable sort keeps that order on ties so
// the first registered venue wins.
func Select(quotes []Quote) (Selection, error) {
	if len(quotes) == 0 {
		return Selection{}, order.ErrNoQuotesAvailable
	}
	ranked := make([]Quote, len(quotes))
	copy(ranked, quotes)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].EffectivePrice().LessThan(ranked[j].EffectivePrice())
	})

	sel := Selection{Best: ranked[0], Ranked: ranked, Spread: decimal.Zero, SpreadPercent: decimal.Zero}
	if len(ranked) > 1 {
		best := ranked[0].EffectivePrice()
		sel.Spread = ranked[1].EffectivePrice().Sub(best)
		if best.IsPositive() {
			sel.SpreadPercent = sel.Spread.Div(best).Mul(hundred).Round(4)
		}
	}
	return sel, nil
}

// Router fans quote requests out to every adapter and picks the best.
type Router struct {
	adapters     []Adapter
	quoteTimeout time.Duration
	logger       *zap.Logger
	metrics      *telemetry.Metrics
}

func NewRouter(adapters []Adapter, quoteTimeout time.Duration, logger *zap.Logger, metrics *telemetry.Metrics) *Router {
	if quoteTimeout <= 0 {
		quoteTimeout = DefaultQuoteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		adapters:     adapters,
		quoteTimeout: quoteTimeout,
		logger:       logger.Named("router"),
		metrics:      metrics,
	}
}

func (r *Router) Adapters() []Adapter { return r.adapters }

// Adapter returns the registered adapter for id.
func (r *Router) Adapter(id ID) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.ID() == id {
			return a, true
		}
	}
	return nil, false
}

// Route quotes every venue concurrently and selects the best quote. A venue
// that errors or exceeds the quote timeout is dropped; only an empty result
// set fails, with order.ErrNoQuotesAvailable.
func (r *Router) Route(ctx context.Context, pair string, amount decimal.Decimal) (Selection, error) {
	quotes := make([]*Quote, len(r.adapters))
	errs := make([]error, len(r.adapters))

	var g errgroup.Group
	for i, a := range r.adapters {
		i, a := i, a
		g.Go(func() error {
			q, err := r.quote(ctx, a, pair, amount)
			if err != nil {
				errs[i] = err
				return nil
			}
			quotes[i] = &q
			return nil
		})
	}
	_ = g.Wait() // branches report through errs, never through the group

	var (
		ok       []Quote
		failures []*order.QuoteError
	)
	for i, a := range r.adapters {
		if errs[i] != nil {
			qe := &order.QuoteError{Venue: string(a.ID()), Err: errs[i]}
			failures = append(failures, qe)
			r.metrics.ObserveQuoteFailure(string(a.ID()))
			r.logger.Warn("quote_failed", zap.String("venue", string(a.ID())), zap.String("pair", pair), zap.Error(errs[i]))
			continue
		}
		ok = append(ok, *quotes[i])
	}

	sel, err := Select(ok)
	sel.Failures = failures
	if err != nil {
		return sel, fmt.Errorf("route %s: %w", pair, errors.Join(err, joinQuoteErrors(failures)))
	}

	spread, _ := sel.SpreadPercent.Float64()
	r.metrics.ObserveSpread(spread)
	r.logger.Info("route_selected",
		zap.String("pair", pair),
		zap.String("venue", string(sel.Best.Venue)),
		zap.String("effective_price", sel.Best.EffectivePrice().StringFixed(4)),
		zap.String("spread_pct", sel.SpreadPercent.StringFixed(2)),
		zap.Int("quotes", len(ok)),
		zap.Int("failed", len(failures)))
	return sel, nil
}

// quote runs one adapter call under its own timeout. The call runs in its
// own goroutine so an adapter that ignores ctx still cannot hold the join.
func (r *Router) quote(ctx context.Context, a Adapter, pair string, amount decimal.Decimal) (Quote, error) {
	qctx, cancel := context.WithTimeout(ctx, r.quoteTimeout)
	defer cancel()

	type result struct {
		q   Quote
		err error
	}
	ch := make(chan result, 1)
	go func() {
		q, err := a.Quote(qctx, pair, amount)
		ch <- result{q, err}
	}()

	select {
	case <-qctx.Done():
		return Quote{}, fmt.Errorf("quote timed out: %w", qctx.Err())
	case res := <-ch:
		if res.err != nil {
			return Quote{}, res.err
		}
		if !res.q.Price.IsPositive() {
			return Quote{}, fmt.Errorf("non-positive price %s", res.q.Price)
		}
		res.q.Venue = a.ID()
		return res.q, nil
	}
}

func joinQuoteErrors(failures []*order.QuoteError) error {
	errs := make([]error, len(failures))
	for i, f := range failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
