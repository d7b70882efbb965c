package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beatgen/api/internal/model"
)

type memItem struct {
	jobID     string
	kind      model.ExportKind
	status    model.JobStatus
	token     string
	deadline  time.Time
	attempts  int
	result    string
	err       string
	updatedAt time.Time
}

// MemoryBroker is a single-process broker. Leases that outlive the lease
// timeout are reclaimed and redelivered until MaxRetry is exhausted.
type MemoryBroker struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	items   map[string]*memItem
	pending []string
	wake    chan struct{}
	closed  bool
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(opts Options) *MemoryBroker {
	return &MemoryBroker{
		opts:  opts.withDefaults(),
		now:   time.Now,
		items: make(map[string]*memItem),
		wake:  make(chan struct{}, 1),
	}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, jobID string, meta Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, ok := b.items[jobID]; ok {
		return ErrDuplicateJob
	}
	b.items[jobID] = &memItem{
		jobID:     jobID,
		kind:      meta.Kind,
		status:    model.JobStatusQueued,
		updatedAt: b.now(),
	}
	b.pending = append(b.pending, jobID)
	b.signal()
	return nil
}

func (b *MemoryBroker) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Lease blocks for up to the poll interval waiting for a job.
func (b *MemoryBroker) Lease(ctx context.Context) (*WorkItem, error) {
	timer := time.NewTimer(b.opts.PollInterval)
	defer timer.Stop()

	for {
		item, err := b.tryLease()
		if err != nil || item != nil {
			return item, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			// one last look so a reclaim that became due during the wait is not missed
			if item, err := b.tryLease(); err != nil || item != nil {
				return item, err
			}
			return nil, ErrNoWork
		case <-b.wake:
		}
	}
}

func (b *MemoryBroker) tryLease() (*WorkItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	now := b.now()
	b.reclaimLocked(now)

	if len(b.pending) == 0 {
		return nil, nil
	}
	id := b.pending[0]
	b.pending = b.pending[1:]

	it := b.items[id]
	it.status = model.JobStatusActive
	it.token = uuid.NewString()
	it.attempts++
	it.deadline = now.Add(b.opts.LeaseTimeout)
	it.updatedAt = now

	return &WorkItem{
		JobID:    it.jobID,
		Kind:     it.kind,
		Attempt:  it.attempts,
		LeasedAt: now,
		Deadline: it.deadline,
		handle:   it.token,
	}, nil
}

// reclaimLocked returns expired leases to the queue, or fails them once the
// retry budget is spent.
func (b *MemoryBroker) reclaimLocked(now time.Time) {
	for _, it := range b.items {
		if it.status != model.JobStatusActive || now.Before(it.deadline) {
			continue
		}
		it.token = ""
		it.updatedAt = now
		if it.attempts > b.opts.MaxRetry {
			it.status = model.JobStatusFailed
			it.err = fmt.Sprintf("lease expired after %d attempts", it.attempts)
			continue
		}
		it.status = model.JobStatusQueued
		b.pending = append(b.pending, it.jobID)
	}
}

func (b *MemoryBroker) settle(item *WorkItem, status model.JobStatus, result, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.reclaimLocked(b.now())

	it, ok := b.items[item.JobID]
	token, _ := item.handle.(string)
	if !ok || it.status != model.JobStatusActive || token == "" || it.token != token {
		return ErrLeaseLost
	}
	it.status = status
	it.token = ""
	it.result = result
	it.err = errMsg
	it.updatedAt = b.now()
	return nil
}

func (b *MemoryBroker) Ack(ctx context.Context, item *WorkItem, resultRef string) error {
	return b.settle(item, model.JobStatusCompleted, resultRef, "")
}

func (b *MemoryBroker) Nack(ctx context.Context, item *WorkItem, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return b.settle(item, model.JobStatusFailed, "", msg)
}

func (b *MemoryBroker) State(ctx context.Context, jobID string) (*ItemState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	it, ok := b.items[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}
	return &ItemState{
		JobID:     it.jobID,
		Kind:      it.kind,
		Status:    it.status,
		ResultRef: it.result,
		Error:     it.err,
		UpdatedAt: it.updatedAt,
	}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
