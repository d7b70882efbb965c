package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/beatgen/api/internal/model"
)

// AsynqConfig configures the redis-backed broker.
type AsynqConfig struct {
	Redis    asynq.RedisConnOpt
	Options  Options
	Logger   asynq.Logger
	LogLevel asynq.LogLevel
}

// asynqLease couples a leased item to the asynq handler goroutine that owns
// the underlying task. The handler waits on done until the worker settles it.
type asynqLease struct {
	task *asynq.Task
	done chan error

	mu      sync.Mutex
	settled bool
	expired bool
}

func (l *asynqLease) settle(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expired || l.settled {
		return ErrLeaseLost
	}
	l.settled = true
	l.done <- err
	return nil
}

func (l *asynqLease) expire() {
	l.mu.Lock()
	l.expired = true
	l.mu.Unlock()
}

// AsynqBroker adapts asynq's push-style server to the pull-style Broker
// contract. Enqueue and State only need the client and inspector, so an API
// process never starts a server; the server starts on the first Lease.
type AsynqBroker struct {
	cfg       AsynqConfig
	opts      Options
	client    *asynq.Client
	inspector *asynq.Inspector

	startOnce sync.Once
	startErr  error
	handoff   chan *WorkItem

	mu     sync.Mutex
	server *asynq.Server
	closed bool
}

// NewAsynqBroker connects a broker to redis.
func NewAsynqBroker(cfg AsynqConfig) *AsynqBroker {
	opts := cfg.Options.withDefaults()
	return &AsynqBroker{
		cfg:       cfg,
		opts:      opts,
		client:    asynq.NewClient(cfg.Redis),
		inspector: asynq.NewInspector(cfg.Redis),
		handoff:   make(chan *WorkItem),
	}
}

func newExportTask(jobID string, kind model.ExportKind) (*asynq.Task, error) {
	data, err := json.Marshal(model.TaskPayload{JobID: jobID, Kind: kind})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeExport, data), nil
}

// Enqueue adds the job under its own id, so a second enqueue of the same id is rejected.
func (b *AsynqBroker) Enqueue(ctx context.Context, jobID string, meta Metadata) error {
	task, err := newExportTask(jobID, meta.Kind)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = b.client.EnqueueContext(ctx, task,
		asynq.TaskID(jobID),
		asynq.Queue(b.opts.Queue),
		asynq.MaxRetry(b.opts.MaxRetry),
		asynq.Timeout(b.opts.LeaseTimeout),
		asynq.Retention(b.opts.Retention),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (b *AsynqBroker) start() error {
	b.startOnce.Do(func() {
		// Close either sees no server or a started one.
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			b.startErr = ErrClosed
			return
		}

		srv := asynq.NewServer(b.cfg.Redis, asynq.Config{
			Concurrency:     b.opts.Concurrency,
			Queues:          map[string]int{b.opts.Queue: 1},
			Logger:          b.cfg.Logger,
			LogLevel:        b.cfg.LogLevel,
			ShutdownTimeout: 10 * time.Second,
		})

		mux := asynq.NewServeMux()
		mux.HandleFunc(TaskTypeExport, b.processTask)
		if err := srv.Start(mux); err != nil {
			b.startErr = err
			return
		}
		b.server = srv
	})
	return b.startErr
}

// processTask runs inside the asynq server and blocks until a puller settles
// the item or the task deadline passes.
func (b *AsynqBroker) processTask(ctx context.Context, t *asynq.Task) error {
	var payload model.TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	now := time.Now()
	lease := &asynqLease{task: t, done: make(chan error, 1)}
	item := &WorkItem{
		JobID:    payload.JobID,
		Kind:     payload.Kind,
		Attempt:  retried + 1,
		LeasedAt: now,
		handle:   lease,
	}
	if deadline, ok := ctx.Deadline(); ok {
		item.Deadline = deadline
	}

	select {
	case b.handoff <- item:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-lease.done:
		return err
	case <-ctx.Done():
		lease.expire()
		// a settle that raced the deadline still wins
		select {
		case err := <-lease.done:
			return err
		default:
		}
		return ctx.Err()
	}
}

// Lease waits up to the poll interval for the server to hand over a task.
func (b *AsynqBroker) Lease(ctx context.Context) (*WorkItem, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if err := b.start(); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("start asynq server: %w", err)
	}

	timer := time.NewTimer(b.opts.PollInterval)
	defer timer.Stop()

	select {
	case item := <-b.handoff:
		return item, nil
	case <-timer.C:
		return nil, ErrNoWork
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func leaseOf(item *WorkItem) (*asynqLease, error) {
	lease, ok := item.handle.(*asynqLease)
	if !ok || lease == nil {
		return nil, ErrLeaseLost
	}
	return lease, nil
}

// Ack records resultRef as the task result and completes the task.
func (b *AsynqBroker) Ack(ctx context.Context, item *WorkItem, resultRef string) error {
	lease, err := leaseOf(item)
	if err != nil {
		return err
	}

	lease.mu.Lock()
	expired := lease.expired
	lease.mu.Unlock()
	if expired {
		return ErrLeaseLost
	}
	if _, err := lease.task.ResultWriter().Write([]byte(resultRef)); err != nil {
		return fmt.Errorf("write task result: %w", err)
	}
	return lease.settle(nil)
}

// Nack fails the task without further retries; the task is archived.
func (b *AsynqBroker) Nack(ctx context.Context, item *WorkItem, cause error) error {
	lease, err := leaseOf(item)
	if err != nil {
		return err
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return lease.settle(fmt.Errorf("%s: %w", msg, asynq.SkipRetry))
}

// skipRetrySuffix is appended by asynq to archived task errors.
var skipRetrySuffix = ": " + asynq.SkipRetry.Error()

// State maps the asynq task state onto job statuses.
func (b *AsynqBroker) State(ctx context.Context, jobID string) (*ItemState, error) {
	info, err := b.inspector.GetTaskInfo(b.opts.Queue, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, ErrUnknownJob
		}
		return nil, fmt.Errorf("get task info: %w", err)
	}
	return stateFromTaskInfo(info), nil
}

func stateFromTaskInfo(info *asynq.TaskInfo) *ItemState {
	st := &ItemState{JobID: info.ID}
	var payload model.TaskPayload
	if err := json.Unmarshal(info.Payload, &payload); err == nil {
		st.Kind = payload.Kind
	}

	switch info.State {
	case asynq.TaskStateActive:
		st.Status = model.JobStatusActive
	case asynq.TaskStateCompleted:
		st.Status = model.JobStatusCompleted
		st.ResultRef = string(info.Result)
		st.UpdatedAt = info.CompletedAt
	case asynq.TaskStateArchived:
		st.Status = model.JobStatusFailed
		st.Error = strings.TrimSuffix(info.LastErr, skipRetrySuffix)
		st.UpdatedAt = info.LastFailedAt
	default:
		// pending, scheduled, retry and aggregating all wait for a worker
		st.Status = model.JobStatusQueued
		st.UpdatedAt = info.NextProcessAt
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	return st
}

func (b *AsynqBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops the server, if one was started, and releases redis connections.
func (b *AsynqBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	srv := b.server
	b.mu.Unlock()

	if srv != nil {
		srv.Shutdown()
	}
	var errs []error
	if err := b.inspector.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
