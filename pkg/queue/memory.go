package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type delayedJob struct {
	job Job
	due time.Time
}

// MemoryBackend is a FIFO held in process memory.
type MemoryBackend struct {
	mu       sync.Mutex
	jobs     []Job
	delayed  []delayedJob // sorted by due
	inflight map[string]Job
	dead     []Job
	closed   bool

	notify chan struct{}
	done   chan struct{}
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		inflight: make(map[string]Job),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (b *MemoryBackend) Push(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.jobs = append(b.jobs, job)
	b.signal()
	return nil
}

func (b *MemoryBackend) Pop(ctx context.Context) (Job, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Job{}, ErrClosed
		}
		b.promote(time.Now())
		if len(b.jobs) > 0 {
			job := b.jobs[0]
			b.jobs = b.jobs[1:]
			b.inflight[job.ID] = job
			if len(b.jobs) > 0 {
				b.signal()
			}
			b.mu.Unlock()
			return job, nil
		}
		var timer *time.Timer
		var due <-chan time.Time
		if len(b.delayed) > 0 {
			timer = time.NewTimer(time.Until(b.delayed[0].due))
			due = timer.C
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-due:
		case <-b.done:
			stopTimer(timer)
			return Job{}, ErrClosed
		case <-ctx.Done():
			stopTimer(timer)
			return Job{}, ctx.Err()
		}
		stopTimer(timer)
	}
}

func (b *MemoryBackend) Ack(ctx context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, job.ID)
	return nil
}

func (b *MemoryBackend) Retry(ctx context.Context, job Job, due time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.inflight, job.ID)
	i := sort.Search(len(b.delayed), func(i int) bool { return b.delayed[i].due.After(due) })
	b.delayed = append(b.delayed, delayedJob{})
	copy(b.delayed[i+1:], b.delayed[i:])
	b.delayed[i] = delayedJob{job: job, due: due}
	b.signal()
	return nil
}

func (b *MemoryBackend) DeadLetter(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, job.ID)
	b.dead = append(b.dead, job)
	return nil
}

func (b *MemoryBackend) Recover(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.inflight)
	for id, job := range b.inflight {
		b.jobs = append(b.jobs, job)
		delete(b.inflight, id)
	}
	if n > 0 {
		b.signal()
	}
	return n, nil
}

// Len reports the number of waiting jobs.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

// InFlight reports the number of popped, unacknowledged jobs.
func (b *MemoryBackend) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Dead returns a copy of the dead-letter list.
func (b *MemoryBackend) Dead() []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Job(nil), b.dead...)
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// promote moves due delayed jobs to the wait list. mu must be held.
func (b *MemoryBackend) promote(now time.Time) {
	n := 0
	for n < len(b.delayed) && !b.delayed[n].due.After(now) {
		b.jobs = append(b.jobs, b.delayed[n].job)
		n++
	}
	b.delayed = b.delayed[n:]
}

// signal must be called with mu held.
func (b *MemoryBackend) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
