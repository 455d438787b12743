// Package queue dispatches order jobs to a handler with bounded concurrency,
// bounded retries and a dispatch rate limit. Delivery is at-least-once: a
// popped job stays in the backend's in-flight set until it is acked,
// rescheduled or dead-lettered, and Recover hands in-flight jobs left by a
// dead consumer back to the wait list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrClosed = errors.New("queue closed")

// Job is one unit of work. Attempt counts handler invocations so far.
type Job struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`

	// raw is the encoding the job was popped with; the Redis backend
	// addresses its in-flight entry by it.
	raw string
}

// Backend stores waiting, delayed, in-flight and dead-lettered jobs.
type Backend interface {
	Push(ctx context.Context, job Job) error
	// Pop blocks until a job is available, ctx ends, or the backend closes.
	// The job is held in flight until Ack, Retry or DeadLetter.
	Pop(ctx context.Context) (Job, error)
	Ack(ctx context.Context, job Job) error
	// Retry replaces the in-flight job with job, due at due.
	Retry(ctx context.Context, job Job, due time.Time) error
	DeadLetter(ctx context.Context, job Job) error
	// Recover moves every in-flight job back to the wait list. It assumes
	// no other consumer is running against the same backend.
	Recover(ctx context.Context) (int, error)
	Close() error
}
