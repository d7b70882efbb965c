// Package queue defines the durable hand-off between the API and the workers.
//
// A Broker accepts job references from submitters and leases them to workers
// one at a time. Only the job id and kind travel through the broker; the
// arrangement itself lives in the job snapshot on shared storage.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/beatgen/api/internal/model"
)

var (
	// ErrNoWork is returned by Lease when nothing became available within the poll interval.
	ErrNoWork = errors.New("no work available")
	// ErrUnknownJob is returned by State for ids the broker has never seen or has forgotten.
	ErrUnknownJob = errors.New("unknown job")
	// ErrLeaseLost is returned when acking or nacking an item whose lease already expired.
	ErrLeaseLost = errors.New("lease lost")
	// ErrDuplicateJob is returned by Enqueue when the job id is already queued.
	ErrDuplicateJob = errors.New("job already enqueued")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker closed")
)

// TaskTypeExport is the task name used on the wire.
const TaskTypeExport = "export:process"

// Metadata travels with a job reference.
type Metadata struct {
	Kind model.ExportKind
}

// WorkItem is one leased job. It is valid until acked, nacked, or the lease expires.
type WorkItem struct {
	JobID    string
	Kind     model.ExportKind
	Attempt  int
	LeasedAt time.Time
	Deadline time.Time

	handle any
}

// Context returns a context that ends when the lease expires.
func (w *WorkItem) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if w.Deadline.IsZero() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, w.Deadline)
}

// ItemState is the broker's view of a job.
type ItemState struct {
	JobID     string
	Kind      model.ExportKind
	Status    model.JobStatus
	ResultRef string
	Error     string
	UpdatedAt time.Time
}

// Broker is the queue contract shared by every backend.
type Broker interface {
	Enqueue(ctx context.Context, jobID string, meta Metadata) error
	Lease(ctx context.Context) (*WorkItem, error)
	Ack(ctx context.Context, item *WorkItem, resultRef string) error
	Nack(ctx context.Context, item *WorkItem, cause error) error
	State(ctx context.Context, jobID string) (*ItemState, error)
	Close() error
}

// Options are shared by the broker implementations.
type Options struct {
	Queue        string
	MaxRetry     int
	Retention    time.Duration
	LeaseTimeout time.Duration
	PollInterval time.Duration
	Concurrency  int
}

func (o Options) withDefaults() Options {
	if o.Queue == "" {
		o.Queue = "exports"
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}
