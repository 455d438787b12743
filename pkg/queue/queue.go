package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/hyperswap/pkg/telemetry"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

const pushTimeout = 5 * time.Second

type Config struct {
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JobTimeout     time.Duration
	RatePerMinute  int // 0 disables the limit
}

func DefaultConfig() Config {
	return Config{
		Concurrency:    10,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		JobTimeout:     2 * time.Minute,
		RatePerMinute:  100,
	}
}

// Handler processes one job. A nil return completes it; an error schedules
// a retry until MaxAttempts is reached.
type Handler func(ctx context.Context, job Job) error

// DeadLetterHook runs once for a job that exhausted its attempts.
type DeadLetterHook func(ctx context.Context, job Job, err error)

type Queue struct {
	backend Backend
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *telemetry.Metrics

	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func New(backend Backend, cfg Config, logger *zap.Logger, metrics *telemetry.Metrics) *Queue {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		backend: backend,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.Named("queue"),
		metrics: metrics,
	}
}

func (q *Queue) Config() Config { return q.cfg }

// Enqueue adds a job for orderID. payload is JSON encoded.
func (q *Queue) Enqueue(ctx context.Context, orderID string, payload any) (Job, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Job{}, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	job := Job{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.backend.Push(ctx, job); err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", orderID, err)
	}
	q.metrics.ObserveJob("enqueued")
	return job, nil
}

// Run dispatches jobs to h until ctx ends or the backend closes, then waits
// for in-flight jobs to return. It first redelivers jobs a previous
// consumer popped but never finished.
func (q *Queue) Run(ctx context.Context, h Handler, onDead DeadLetterHook) error {
	sem := make(chan struct{}, q.cfg.Concurrency)
	defer q.inflight.Wait()

	if n, err := q.backend.Recover(ctx); err != nil {
		q.logger.Error("recover_failed", zap.Error(err))
	} else if n > 0 {
		q.logger.Warn("jobs_recovered", zap.Int("count", n))
	}

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		if err := q.limiter.Wait(ctx); err != nil {
			<-sem
			return nil
		}
		job, err := q.backend.Pop(ctx)
		if err != nil {
			<-sem
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, ErrClosed):
				return nil
			}
			q.logger.Warn("pop_failed", zap.Error(err))
			select {
			case <-time.After(q.cfg.InitialBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		q.inflight.Add(1)
		go func(job Job) {
			defer q.inflight.Done()
			defer func() { <-sem }()
			q.process(ctx, job, h, onDead)
		}(job)
	}
}

func (q *Queue) process(ctx context.Context, job Job, h Handler, onDead DeadLetterHook) {
	job.Attempt++
	jctx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	err := h(jctx, job)
	cancel()

	// Settle the job even when ctx has ended so shutdown does not strand it.
	bctx, bcancel := context.WithTimeout(context.Background(), pushTimeout)
	defer bcancel()

	if err == nil {
		if aerr := q.backend.Ack(bctx, job); aerr != nil {
			q.logger.Error("ack_failed", zap.String("job_id", job.ID), zap.Error(aerr))
		}
		q.metrics.ObserveJob("completed")
		return
	}
	job.LastError = err.Error()
	log := q.logger.With(
		zap.String("job_id", job.ID),
		zap.String("order_id", job.OrderID),
		zap.Int("attempt", job.Attempt),
		zap.Error(err))

	if job.Attempt < q.cfg.MaxAttempts {
		delay := util.Backoff(job.Attempt, q.cfg.InitialBackoff, q.cfg.MaxBackoff)
		if rerr := q.backend.Retry(bctx, job, time.Now().Add(delay)); rerr != nil {
			log.Error("retry_schedule_failed", zap.NamedError("retry_err", rerr))
			return
		}
		log.Warn("job_retry_scheduled", zap.Duration("delay", delay))
		q.metrics.ObserveJob("retried")
		return
	}

	log.Error("job_dead_lettered")
	q.metrics.ObserveJob("dead")
	if derr := q.backend.DeadLetter(bctx, job); derr != nil {
		log.Error("dead_letter_failed", zap.NamedError("dead_letter_err", derr))
	}
	if onDead != nil {
		onDead(bctx, job, err)
	}
}

// Close closes the backend. Call it after Run has returned; delayed and
// in-flight jobs stay in a durable backend for the next consumer.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		err = q.backend.Close()
	})
	return err
}
