package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/order"
	"github.com/uhyunpark/hyperswap/pkg/telemetry"
)

const (
	DefaultWaitTimeout   = 30 * time.Second
	DefaultLookupTimeout = 10 * time.Second
)

type Verdict string

const (
	VerdictConfirmed    Verdict = "confirmed"
	VerdictReverted     Verdict = "reverted"
	VerdictUnresolvable Verdict = "unresolvable"
)

// Path records how a receipt was discovered. It never affects the verdict.
type Path string

const (
	PathWait   Path = "wait"
	PathLookup Path = "lookup"
	PathNone   Path = "none"
)

type Outcome struct {
	Verdict Verdict
	Receipt Receipt
	Path    Path
	Reason  string
}

// Err is nil for a confirmed settlement and wraps order.ErrOnChainRevert or
// order.ErrUnresolvable otherwise.
func (o Outcome) Err() error {
	switch o.Verdict {
	case VerdictConfirmed:
		return nil
	case VerdictReverted:
		return fmt.Errorf("%w: %s", order.ErrOnChainRevert, o.Reason)
	default:
		return fmt.Errorf("%w: %s", order.ErrUnresolvable, o.Reason)
	}
}

// SettlementStatus maps the verdict onto the persisted record status.
func (o Outcome) SettlementStatus() order.SettlementStatus {
	switch o.Verdict {
	case VerdictConfirmed:
		return order.SettlementConfirmed
	case VerdictReverted:
		return order.SettlementReverted
	default:
		return order.SettlementUnresolved
	}
}

// Classify is the single verdict function for every discovery path: a
// receipt carrying an execution error reverted, anything else settled.
func Classify(r Receipt, path Path) Outcome {
	if r.Err != nil {
		return Outcome{Verdict: VerdictReverted, Receipt: r, Path: path, Reason: r.Err.Error()}
	}
	return Outcome{Verdict: VerdictConfirmed, Receipt: r, Path: path}
}

type Confirmer struct {
	chain         Chain
	waitTimeout   time.Duration
	lookupTimeout time.Duration
	logger        *zap.Logger
	metrics       *telemetry.Metrics
}

func NewConfirmer(chain Chain, waitTimeout, lookupTimeout time.Duration, logger *zap.Logger, metrics *telemetry.Metrics) *Confirmer {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	if lookupTimeout <= 0 {
		lookupTimeout = DefaultLookupTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Confirmer{
		chain:         chain,
		waitTimeout:   waitTimeout,
		lookupTimeout: lookupTimeout,
		logger:        logger.Named("confirmer"),
		metrics:       metrics,
	}
}

// Confirm resolves handle to a verdict. It first waits for inclusion; if
// that wait fails or times out it looks the receipt up directly, since
// inclusion may have happened without the wait observing it. The returned
// error is non-nil only when ctx itself ended.
func (c *Confirmer) Confirm(ctx context.Context, handle string) (Outcome, error) {
	r, err := bounded(ctx, c.waitTimeout, func(wctx context.Context) (Receipt, error) {
		return c.chain.WaitIncluded(wctx, handle)
	})
	if err == nil {
		return c.done(handle, Classify(r, PathWait)), nil
	}
	if ctx.Err() != nil {
		return Outcome{}, fmt.Errorf("%w: confirming %s: %w", order.ErrCancelled, handle, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", order.ErrConfirmationTimeout, err)
	}
	c.logger.Warn("confirmation_wait_failed", zap.String("handle", handle), zap.Error(err))

	type lookup struct {
		r     Receipt
		found bool
	}
	res, err := bounded(ctx, c.lookupTimeout, func(lctx context.Context) (lookup, error) {
		r, found, err := c.chain.Lookup(lctx, handle)
		return lookup{r, found}, err
	})
	if ctx.Err() != nil {
		return Outcome{}, fmt.Errorf("%w: confirming %s: %w", order.ErrCancelled, handle, ctx.Err())
	}
	switch {
	case err != nil:
		return c.done(handle, Outcome{Verdict: VerdictUnresolvable, Path: PathNone,
			Reason: fmt.Sprintf("on-chain existence unknown: fallback lookup failed: %v", err)}), nil
	case !res.found:
		return c.done(handle, Outcome{Verdict: VerdictUnresolvable, Path: PathNone,
			Reason: "on-chain existence unknown: no receipt after confirmation timeout"}), nil
	}
	return c.done(handle, Classify(res.r, PathLookup)), nil
}

func (c *Confirmer) done(handle string, o Outcome) Outcome {
	c.metrics.ObserveConfirmation(string(o.Path), string(o.Verdict))
	c.logger.Info("settlement_resolved",
		zap.String("handle", handle),
		zap.String("verdict", string(o.Verdict)),
		zap.String("path", string(o.Path)),
		zap.String("reason", o.Reason))
	return o
}

// bounded runs fn under a timeout derived from ctx and returns as soon as
// the deadline passes, even if fn does not honour its context.
func bounded[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		ch <- result{v, err}
	}()
	select {
	case res := <-ch:
		return res.v, res.err
	case <-cctx.Done():
		var zero T
		return zero, cctx.Err()
	}
}
