package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/uhyunpark/hyperswap/pkg/telemetry"
)

func fastConfig() Config {
	return Config{
		Concurrency:    4,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		JobTimeout:     time.Second,
	}
}

// runQueue starts q.Run in the background and stops it at cleanup.
func runQueue(t *testing.T, q *Queue, h Handler, onDead DeadLetterHook) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, h, onDead)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		q.Close()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestEnqueueAndProcess(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	q := New(NewMemoryBackend(), fastConfig(), nil, m)

	var mu sync.Mutex
	seen := map[string]int{}
	runQueue(t, q, func(ctx context.Context, job Job) error {
		mu.Lock()
		seen[job.OrderID] = job.Attempt
		mu.Unlock()
		return nil
	}, nil)

	job, err := q.Enqueue(context.Background(), "o1", map[string]string{"pair": "SOL/USDC"})
	if err != nil {
		t.Fatal(err)
	}
	if job.ID == "" || string(job.Payload) != `{"pair":"SOL/USDC"}` {
		t.Fatalf("job = %+v", job)
	}
	waitFor(t, "job processed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["o1"] == 1
	})
	const want = `
# HELP swap_queue_jobs_total Queue job outcomes.
# TYPE swap_queue_jobs_total counter
swap_queue_jobs_total{outcome="completed"} 1
swap_queue_jobs_total{outcome="enqueued"} 1
`
	waitFor(t, "job metrics", func() bool {
		return testutil.GatherAndCompare(reg, strings.NewReader(want), "swap_queue_jobs_total") == nil
	})
}

func TestRetryThenSucceed(t *testing.T) {
	q := New(NewMemoryBackend(), fastConfig(), nil, nil)

	var calls atomic.Int32
	var lastAttempt atomic.Int32
	runQueue(t, q, func(ctx context.Context, job Job) error {
		lastAttempt.Store(int32(job.Attempt))
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(context.Context, Job, error) {
		t.Error("dead-letter hook should not run")
	})

	if _, err := q.Enqueue(context.Background(), "o1", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "third attempt", func() bool { return calls.Load() == 3 })
	if lastAttempt.Load() != 3 {
		t.Fatalf("attempt = %d, want 3", lastAttempt.Load())
	}
}

func TestExhaustedJobIsDeadLettered(t *testing.T) {
	backend := NewMemoryBackend()
	q := New(backend, fastConfig(), nil, nil)

	var calls atomic.Int32
	hook := make(chan Job, 2)
	runQueue(t, q, func(ctx context.Context, job Job) error {
		calls.Add(1)
		return fmt.Errorf("attempt %d failed", job.Attempt)
	}, func(_ context.Context, job Job, err error) {
		hook <- job
	})

	if _, err := q.Enqueue(context.Background(), "o1", nil); err != nil {
		t.Fatal(err)
	}
	select {
	case job := <-hook:
		if job.Attempt != 3 || job.LastError != "attempt 3 failed" {
			t.Fatalf("dead job = %+v", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dead-letter hook not called")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if len(backend.Dead()) != 1 {
		t.Fatalf("dead list = %d", len(backend.Dead()))
	}
}

func TestConcurrencyBounded(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 3
	q := New(NewMemoryBackend(), cfg, nil, nil)

	var cur, peak, done atomic.Int32
	runQueue(t, q, func(ctx context.Context, job Job) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		done.Add(1)
		return nil
	}, nil)

	for i := 0; i < 12; i++ {
		if _, err := q.Enqueue(context.Background(), fmt.Sprintf("o%d", i), nil); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "all jobs", func() bool { return done.Load() == 12 })
	if p := peak.Load(); p > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", p)
	}
}

func TestJobTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 1
	q := New(NewMemoryBackend(), cfg, nil, nil)

	got := make(chan error, 1)
	runQueue(t, q, func(ctx context.Context, job Job) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	}, nil)

	if _, err := q.Enqueue(context.Background(), "o1", nil); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-got:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("job deadline not applied")
	}
}

func TestRateLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.RatePerMinute = 1 // burst of one, then one per minute
	q := New(NewMemoryBackend(), cfg, nil, nil)

	var calls atomic.Int32
	runQueue(t, q, func(ctx context.Context, job Job) error {
		calls.Add(1)
		return nil
	}, nil)

	for i := 0; i < 3; i++ {
		q.Enqueue(context.Background(), fmt.Sprintf("o%d", i), nil)
	}
	waitFor(t, "first job", func() bool { return calls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, limiter should hold the rest", calls.Load())
	}
}

func TestMemoryBackendClose(t *testing.T) {
	b := NewMemoryBackend()
	errc := make(chan error, 1)
	go func() {
		_, err := b.Pop(context.Background())
		errc <- err
	}()
	time.Sleep(5 * time.Millisecond)
	b.Close()
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	if err := b.Push(context.Background(), Job{ID: "j"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("push after close = %v", err)
	}
}

func TestUnfinishedJobIsRedelivered(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	if err := backend.Push(ctx, Job{ID: "j1", OrderID: "o1"}); err != nil {
		t.Fatal(err)
	}
	// A consumer pops the job and dies before finishing it.
	if _, err := backend.Pop(ctx); err != nil {
		t.Fatal(err)
	}
	if backend.Len() != 0 || backend.InFlight() != 1 {
		t.Fatalf("waiting=%d in flight=%d", backend.Len(), backend.InFlight())
	}

	q := New(backend, fastConfig(), nil, nil)
	got := make(chan Job, 1)
	runQueue(t, q, func(ctx context.Context, job Job) error {
		got <- job
		return nil
	}, nil)

	select {
	case job := <-got:
		if job.ID != "j1" || job.OrderID != "o1" {
			t.Fatalf("redelivered %+v", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight job was not redelivered")
	}
	waitFor(t, "ack", func() bool { return backend.InFlight() == 0 })
}

func TestMemoryBackendDelayedRetry(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	b.Push(ctx, Job{ID: "j1"})
	job, err := b.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	job.Attempt = 1
	if err := b.Retry(ctx, job, start.Add(30*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if b.InFlight() != 0 {
		t.Fatalf("retried job still in flight")
	}
	again, err := b.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != "j1" || again.Attempt != 1 {
		t.Fatalf("popped %+v", again)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("retry delivered after %s, before its due time", elapsed)
	}
}

func TestRedisBackend(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	name := fmt.Sprintf("hyperswap-test-%d", time.Now().UnixNano())
	b, err := DialRedis(ctx, url, name)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		b.client.Del(ctx, b.waitKey, b.processingKey, b.delayedKey, b.deadKey)
		b.Close()
	})

	if err := b.Push(ctx, Job{ID: "j1", OrderID: "o1"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Push(ctx, Job{ID: "j2", OrderID: "o2"}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"j1", "j2"} {
		job, err := b.Pop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job.ID != want {
			t.Fatalf("popped %s, want %s (FIFO)", job.ID, want)
		}
		if err := b.Ack(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	if n := b.client.LLen(ctx, b.processingKey).Val(); n != 0 {
		t.Fatalf("processing list len = %d after ack", n)
	}
	if err := b.DeadLetter(ctx, Job{ID: "j3"}); err != nil {
		t.Fatal(err)
	}
	if n := b.client.LLen(ctx, b.deadKey).Val(); n != 1 {
		t.Fatalf("dead list len = %d", n)
	}
}

func TestRedisBackendRedeliversAfterCrash(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	name := fmt.Sprintf("hyperswap-test-%d", time.Now().UnixNano())

	first, err := DialRedis(ctx, url, name)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Push(ctx, Job{ID: "j1", OrderID: "o1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Pop(ctx); err != nil {
		t.Fatal(err)
	}
	first.Close() // no ack

	second, err := DialRedis(ctx, url, name)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		second.client.Del(ctx, second.waitKey, second.processingKey, second.delayedKey, second.deadKey)
		second.Close()
	})

	n, err := second.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recovered %d (%v), want 1", n, err)
	}
	job, err := second.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != "j1" {
		t.Fatalf("redelivered %s", job.ID)
	}

	// A retry survives in the delayed set and comes back once due.
	job.Attempt = 1
	if err := second.Retry(ctx, job, time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if n := second.client.LLen(ctx, second.processingKey).Val(); n != 0 {
		t.Fatalf("processing list len = %d after retry", n)
	}
	again, err := second.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != "j1" || again.Attempt != 1 {
		t.Fatalf("retried job = %+v", again)
	}
}
