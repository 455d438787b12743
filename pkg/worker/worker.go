// Package worker drives one order through routing, submission and
// settlement, recording every status transition.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/notify"
	"github.com/uhyunpark/hyperswap/pkg/order"
	"github.com/uhyunpark/hyperswap/pkg/queue"
	"github.com/uhyunpark/hyperswap/pkg/settlement"
	"github.com/uhyunpark/hyperswap/pkg/storage"
	"github.com/uhyunpark/hyperswap/pkg/telemetry"
	"github.com/uhyunpark/hyperswap/pkg/util"
	"github.com/uhyunpark/hyperswap/pkg/venue"
)

const (
	DefaultSubmitTimeout  = 20 * time.Second
	DefaultPersistTimeout = 5 * time.Second

	eventAppendAttempts = 3
	eventAppendBackoff  = 50 * time.Millisecond
)

type Config struct {
	SubmitTimeout  time.Duration
	PersistTimeout time.Duration
	// Executable lists the venues orders may execute on. Empty allows all.
	Executable []venue.ID
}

type Deps struct {
	Router    *venue.Router
	Ledger    storage.Ledger
	Notifier  *notify.Notifier
	Confirmer *settlement.Confirmer
	Clock     util.Clock
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics
}

type Worker struct {
	router    *venue.Router
	ledger    storage.Ledger
	notifier  *notify.Notifier
	confirmer *settlement.Confirmer
	clock     util.Clock
	logger    *zap.Logger
	metrics   *telemetry.Metrics

	submitTimeout  time.Duration
	persistTimeout time.Duration
	executable     map[venue.ID]bool
}

func New(d Deps, cfg Config) *Worker {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if d.Clock == nil {
		d.Clock = util.NewMonotonicClock(util.RealClock{})
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	var executable map[venue.ID]bool
	if len(cfg.Executable) > 0 {
		executable = make(map[venue.ID]bool, len(cfg.Executable))
		for _, id := range cfg.Executable {
			executable[id] = true
		}
	}
	return &Worker{
		router:         d.Router,
		ledger:         d.Ledger,
		notifier:       d.Notifier,
		confirmer:      d.Confirmer,
		clock:          d.Clock,
		logger:         d.Logger.Named("worker"),
		metrics:        d.Metrics,
		submitTimeout:  cfg.SubmitTimeout,
		persistTimeout: cfg.PersistTimeout,
		executable:     executable,
	}
}

// Handle is the queue handler. Domain failures end the order and return
// nil; only an unreadable order is returned as an error for the queue to
// retry.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	return w.Execute(ctx, job.OrderID)
}

// Execute runs orderID from its stored status to a terminal status.
// Re-running a terminal order does nothing; a submitted order resumes at
// confirmation with its stored handle.
func (w *Worker) Execute(ctx context.Context, orderID string) error {
	o, err := w.load(ctx, orderID)
	if err != nil {
		return err
	}
	log := w.logger.With(zap.String("order_id", o.ID))
	if o.Status.IsTerminal() || w.terminalInLog(ctx, o) {
		log.Info("order_already_terminal", zap.String("status", o.Status.String()))
		return nil
	}
	if o.Status == order.StatusSubmitted {
		if o.TxHash == "" {
			w.fail(ctx, o, fmt.Errorf("submitted order has no transaction handle"))
			return nil
		}
		log.Info("resume_confirmation", zap.String("tx_hash", o.TxHash))
		w.confirm(ctx, o)
		return nil
	}

	sel, ok := w.route(ctx, o)
	if !ok {
		return nil
	}
	quote, ok := w.build(ctx, o, sel)
	if !ok {
		return nil
	}
	if !w.submit(ctx, o, quote) {
		return nil
	}
	w.confirm(ctx, o)
	return nil
}

// Accept stores a new pending order and its creation event. Unlike step
// transitions, a failed snapshot write is returned: the job cannot run
// without it.
func (w *Worker) Accept(ctx context.Context, id, pair string, amount decimal.Decimal) (*order.Order, error) {
	o := order.New(id, pair, amount, w.clock.Now())
	pctx, cancel := w.persistContext(ctx)
	defer cancel()
	if err := w.ledger.UpsertOrder(pctx, o); err != nil {
		return nil, fmt.Errorf("store order %s: %w", id, err)
	}
	w.metrics.ObserveTransition(order.StatusPending.String())
	w.record(pctx, o, w.newEvent(o, order.OrderCreated{Pair: pair, Amount: amount}, o.CreatedAt))
	w.logger.Info("order_accepted",
		zap.String("order_id", id),
		zap.String("pair", pair),
		zap.String("amount", amount.String()))
	return o, nil
}

// OnDeadLetter forces a non-terminal order to FAILED once the queue gives up.
func (w *Worker) OnDeadLetter(ctx context.Context, job queue.Job, cause error) {
	o, err := w.load(ctx, job.OrderID)
	if err != nil {
		w.logger.Error("dead_letter_load_failed", zap.String("order_id", job.OrderID), zap.Error(err))
		return
	}
	if o.Status.IsTerminal() || w.terminalInLog(ctx, o) {
		return
	}
	w.fail(ctx, o, fmt.Errorf("%w after %d attempts: %w", order.ErrQueueExhausted, job.Attempt, cause))
}

func (w *Worker) load(ctx context.Context, id string) (*order.Order, error) {
	lctx, cancel := context.WithTimeout(ctx, w.persistTimeout)
	defer cancel()
	o, err := w.ledger.GetOrder(lctx, id)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	return o, nil
}

// terminalInLog reports whether the event log already ends o. The terminal
// snapshot write is best-effort, so a stored non-terminal snapshot may trail
// its terminal event; o is rebuilt from that event and stored again.
func (w *Worker) terminalInLog(ctx context.Context, o *order.Order) bool {
	pctx, cancel := w.persistContext(ctx)
	defer cancel()
	events, err := w.ledger.ListEvents(pctx, o.ID)
	if err != nil {
		w.logger.Warn("event_log_read_failed", zap.String("order_id", o.ID), zap.Error(err))
		return false
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if !e.Status.IsTerminal() {
			continue
		}
		o.Status = e.Status
		o.UpdatedAt = e.Timestamp
		switch p := e.Payload.(type) {
		case order.Failed:
			o.FailureReason = p.Reason
			if p.TxHash != "" {
				o.TxHash = p.TxHash
			}
		case order.Settled:
			o.TxHash = p.TxHash
		}
		if err := w.ledger.UpsertOrder(pctx, o); err != nil {
			w.logger.Error("snapshot_repair_failed", zap.String("order_id", o.ID), zap.Error(err))
		} else {
			w.logger.Info("snapshot_repaired", zap.String("order_id", o.ID), zap.String("status", o.Status.String()))
		}
		return true
	}
	return false
}

// route: PENDING → ROUTING, then quote every venue.
func (w *Worker) route(ctx context.Context, o *order.Order) (venue.Selection, bool) {
	if w.cancelled(ctx, o) {
		return venue.Selection{}, false
	}
	venues := make([]string, 0, len(w.router.Adapters()))
	for _, a := range w.router.Adapters() {
		venues = append(venues, string(a.ID()))
	}
	started := order.RoutingStarted{Venues: venues, Resumed: o.Status != order.StatusPending}
	if !w.transition(ctx, o, order.StatusRouting, started) {
		return venue.Selection{}, false
	}

	sel, err := w.router.Route(ctx, o.Pair, o.Amount)
	for _, f := range sel.Failures {
		w.emit(ctx, o, order.QuoteFailed{Venue: f.Venue, Error: f.Err.Error()})
	}
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", order.ErrCancelled, ctx.Err())
		}
		w.fail(ctx, o, err)
		return venue.Selection{}, false
	}
	return sel, true
}

// build: ROUTING → BUILDING. Picks the best quote on an executable venue.
func (w *Worker) build(ctx context.Context, o *order.Order, sel venue.Selection) (venue.Quote, bool) {
	if w.cancelled(ctx, o) {
		return venue.Quote{}, false
	}
	chosen, ok := w.pick(sel)
	if !ok {
		w.fail(ctx, o, fmt.Errorf("%w: best quotes from %s", order.ErrVenueNotAuthorized, rankedVenues(sel)))
		return venue.Quote{}, false
	}

	o.Quotes = sel.QuotedPrices()
	o.ChosenVenue = string(chosen.Venue)
	o.ExecutionPrice.Decimal = chosen.EffectivePrice()
	o.ExecutionPrice.Valid = true

	payload := order.VenueChosen{
		Venue:          string(chosen.Venue),
		BestQuoted:     string(sel.Best.Venue),
		Quotes:         o.Quotes,
		QuotedPrice:    chosen.Price,
		Fee:            chosen.Fee,
		ExecutionPrice: o.ExecutionPrice.Decimal,
		AmountOut:      chosen.AmountOut(),
		Spread:         sel.Spread,
		SpreadPercent:  sel.SpreadPercent,
	}
	if !w.transition(ctx, o, order.StatusBuilding, payload) {
		return venue.Quote{}, false
	}
	return chosen, true
}

func (w *Worker) pick(sel venue.Selection) (venue.Quote, bool) {
	for _, q := range sel.Ranked {
		if w.executable == nil || w.executable[q.Venue] {
			return q, true
		}
	}
	return venue.Quote{}, false
}

// submit: BUILDING → SUBMITTED. No retry inside the step.
func (w *Worker) submit(ctx context.Context, o *order.Order, q venue.Quote) bool {
	if w.cancelled(ctx, o) {
		return false
	}
	adapter, ok := w.router.Adapter(q.Venue)
	if !ok {
		w.fail(ctx, o, fmt.Errorf("%w: venue %s not registered", order.ErrSubmissionFailed, q.Venue))
		return false
	}

	handle, err := w.execute(ctx, adapter, q)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: submitting to %s: %w", order.ErrCancelled, q.Venue, ctx.Err())
		} else {
			err = fmt.Errorf("%w: %s: %w", order.ErrSubmissionFailed, q.Venue, err)
		}
		w.fail(ctx, o, err)
		return false
	}

	o.TxHash = string(handle)
	payload := order.TxSubmitted{
		Venue:          string(q.Venue),
		TxHash:         o.TxHash,
		ExecutionPrice: o.ExecutionPrice.Decimal,
	}
	if !w.transition(ctx, o, order.StatusSubmitted, payload) {
		return false
	}
	w.recordSettlement(ctx, o, order.SettlementPending, "")
	return true
}

// execute calls the adapter under the submit timeout and returns when the
// timeout passes even if the adapter ignores its context.
func (w *Worker) execute(ctx context.Context, a venue.Adapter, q venue.Quote) (venue.Handle, error) {
	sctx, cancel := context.WithTimeout(ctx, w.submitTimeout)
	defer cancel()

	type result struct {
		h   venue.Handle
		err error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := a.Execute(sctx, q)
		ch <- result{h, err}
	}()
	select {
	case res := <-ch:
		if res.err == nil && res.h == "" {
			return "", errors.New("adapter returned an empty handle")
		}
		return res.h, res.err
	case <-sctx.Done():
		return "", sctx.Err()
	}
}

// confirm: SUBMITTED → CONFIRMED | FAILED.
func (w *Worker) confirm(ctx context.Context, o *order.Order) {
	out, err := w.confirmer.Confirm(ctx, o.TxHash)
	if err != nil {
		w.recordSettlement(ctx, o, order.SettlementUnresolved, err.Error())
		w.fail(ctx, o, err)
		return
	}
	w.recordSettlement(ctx, o, out.SettlementStatus(), out.Reason)
	if out.Verdict != settlement.VerdictConfirmed {
		w.fail(ctx, o, out.Err())
		return
	}
	w.transition(ctx, o, order.StatusConfirmed, order.Settled{
		TxHash: o.TxHash,
		Block:  out.Receipt.Block,
		Path:   string(out.Path),
	})
}

// cancelled fails o if ctx has ended.
func (w *Worker) cancelled(ctx context.Context, o *order.Order) bool {
	if ctx.Err() == nil {
		return false
	}
	w.fail(ctx, o, fmt.Errorf("%w: %w", order.ErrCancelled, ctx.Err()))
	return true
}

// Fail moves a non-terminal order to FAILED outside the normal job flow,
// for example when it could not be enqueued.
func (w *Worker) Fail(ctx context.Context, o *order.Order, cause error) {
	if o.Status.IsTerminal() {
		return
	}
	w.fail(ctx, o, cause)
}

// fail moves o to FAILED, recording the reason code and error.
func (w *Worker) fail(ctx context.Context, o *order.Order, cause error) {
	reason := order.ReasonOf(cause)
	o.FailureReason = reason
	payload := order.Failed{Reason: reason, Error: cause.Error(), TxHash: o.TxHash}
	if w.transition(ctx, o, order.StatusFailed, payload) {
		w.metrics.ObserveFailure(string(reason))
		w.logger.Warn("order_failed",
			zap.String("order_id", o.ID),
			zap.String("reason", string(reason)),
			zap.Error(cause))
	}
}

// transition advances o and records the change. It reports whether the
// caller may continue: false means o could not move to status to.
func (w *Worker) transition(ctx context.Context, o *order.Order, to order.Status, payload order.Payload) bool {
	now := w.clock.Now()
	changed, err := o.Advance(to, now)
	if err != nil {
		w.logger.Error("transition_rejected",
			zap.String("order_id", o.ID),
			zap.String("from", o.Status.String()),
			zap.String("to", to.String()),
			zap.Error(err))
		if to != order.StatusFailed && !o.Status.IsTerminal() {
			w.fail(ctx, o, err)
		}
		return false
	}
	if !changed {
		return true
	}
	w.metrics.ObserveTransition(to.String())
	w.logger.Info("order_transition",
		zap.String("order_id", o.ID),
		zap.String("status", to.String()),
		zap.String("kind", string(payload.Kind())))

	pctx, cancel := w.persistContext(ctx)
	defer cancel()
	if err := w.ledger.UpsertOrder(pctx, o); err != nil {
		w.logger.Error("snapshot_persist_failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	w.record(pctx, o, w.newEvent(o, payload, now))
	return true
}

// emit records an event that does not change status.
func (w *Worker) emit(ctx context.Context, o *order.Order, payload order.Payload) {
	pctx, cancel := w.persistContext(ctx)
	defer cancel()
	w.record(pctx, o, w.newEvent(o, payload, w.clock.Now()))
}

func (w *Worker) newEvent(o *order.Order, payload order.Payload, at time.Time) order.Event {
	return order.Event{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		Status:    o.Status,
		Payload:   payload,
		Timestamp: at,
	}
}

// record appends e and publishes it. Both are attempted regardless of the
// other's outcome.
func (w *Worker) record(ctx context.Context, o *order.Order, e order.Event) {
	err := util.Retry(ctx, eventAppendAttempts, eventAppendBackoff, func(ctx context.Context) error {
		return w.ledger.AppendEvent(ctx, e)
	})
	if err != nil {
		w.logger.Error("event_append_failed",
			zap.String("order_id", o.ID),
			zap.String("kind", string(e.Kind())),
			zap.Error(err))
	}
	w.notifier.Publish(o.ID, notify.Update{
		OrderID:   o.ID,
		Status:    e.Status,
		Kind:      e.Kind(),
		Data:      e.Payload,
		Timestamp: e.Timestamp,
	})
}

func (w *Worker) recordSettlement(ctx context.Context, o *order.Order, status order.SettlementStatus, errText string) {
	pctx, cancel := w.persistContext(ctx)
	defer cancel()
	now := w.clock.Now()
	rec := order.SettlementRecord{
		OrderID:        o.ID,
		Venue:          o.ChosenVenue,
		ExecutionPrice: o.ExecutionPrice.Decimal,
		TxHash:         o.TxHash,
		Status:         status,
		Error:          errText,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := w.ledger.InsertSettlementRecord(pctx, rec); err != nil {
		w.logger.Error("settlement_record_failed",
			zap.String("order_id", o.ID),
			zap.String("tx_hash", o.TxHash),
			zap.Error(err))
	}
}

// persistContext detaches writes from job cancellation so a cancelled job
// still records its FAILED transition, bounded by the persist timeout.
func (w *Worker) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.persistTimeout)
}

func rankedVenues(sel venue.Selection) string {
	s := ""
	for i, q := range sel.Ranked {
		if i > 0 {
			s += ","
		}
		s += string(q.Venue)
	}
	return s
}
