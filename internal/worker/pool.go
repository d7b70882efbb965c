package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/beatgen/api/internal/client"
	"github.com/beatgen/api/internal/jobstore"
	"github.com/beatgen/api/internal/midi"
	"github.com/beatgen/api/internal/model"
	"github.com/beatgen/api/internal/queue"
	"github.com/beatgen/api/internal/service"
	"github.com/beatgen/api/internal/storage"
)

// Notifier receives job transitions as they happen
type Notifier interface {
	Notify(event model.JobEvent)
}

// Mirror copies a finished artifact somewhere else and returns its URL
type Mirror interface {
	Mirror(ctx context.Context, localPath string) (string, error)
}

// Options configures a Pool. Renderer is only needed for wav jobs; Mirror
// and Notifiers are optional.
type Options struct {
	Broker      queue.Broker
	Files       *storage.Files
	Jobs        jobstore.Store
	Renderer    client.Renderer
	Mirror      Mirror
	Notifiers   []Notifier
	PublicPath  string
	Concurrency int
	Backoff     time.Duration
	Logger      *slog.Logger
}

// Pool runs independent pull loops against the broker
type Pool struct {
	broker      queue.Broker
	files       *storage.Files
	jobs        jobstore.Store
	renderer    client.Renderer
	mirror      Mirror
	notifiers   []Notifier
	publicPath  string
	concurrency int
	backoff     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewPool creates a worker pool
func NewPool(opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.PublicPath == "" {
		opts.PublicPath = "/exports"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		broker:      opts.Broker,
		files:       opts.Files,
		jobs:        opts.Jobs,
		renderer:    opts.Renderer,
		mirror:      opts.Mirror,
		notifiers:   opts.Notifiers,
		publicPath:  opts.PublicPath,
		concurrency: opts.Concurrency,
		backoff:     opts.Backoff,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Run blocks until ctx is done or the broker closes. Jobs in flight when ctx
// ends are finished before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "concurrency", p.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, p.logger.With("worker", n))
		}(i)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		item, err := p.broker.Lease(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrNoWork):
			continue
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return
		default:
			logger.Error("lease failed", "error", err, "backoff", p.backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.backoff):
			}
			continue
		}

		p.Handle(context.WithoutCancel(ctx), item)
	}
}

// Handle processes one leased item and settles it with the broker. It never
// panics and never returns an error; failures end up on the job.
func (p *Pool) Handle(ctx context.Context, item *queue.WorkItem) {
	logger := p.logger.With("job_id", item.JobID, "kind", item.Kind, "attempt", item.Attempt)
	start := p.now()

	p.transition(ctx, logger, item, model.JobUpdate{Status: model.JobStatusActive})
	p.notify(model.JobEvent{Type: model.WSMessageTypeStatus, JobID: item.JobID, Kind: item.Kind, Status: model.JobStatusActive})

	res, err := p.safeProcess(ctx, logger, item)
	if err != nil {
		p.fail(ctx, logger, item, err)
		return
	}

	if err := p.broker.Ack(ctx, item, res.resultURL); err != nil {
		// The artifact is on disk either way; the status resolver will find it.
		logger.Warn("ack failed", "error", err)
		return
	}

	p.transition(ctx, logger, item, model.JobUpdate{
		Status:    model.JobStatusCompleted,
		ResultURL: res.resultURL,
		MirrorURL: res.mirrorURL,
	})
	p.notify(model.JobEvent{
		Type:      model.WSMessageTypeComplete,
		JobID:     item.JobID,
		Kind:      item.Kind,
		Status:    model.JobStatusCompleted,
		ResultURL: res.resultURL,
	})
	logger.Info("export completed", "result", res.resultURL, "duration", p.now().Sub(start))
}

type result struct {
	resultURL string
	mirrorURL string
}

func (p *Pool) safeProcess(ctx context.Context, logger *slog.Logger, item *queue.WorkItem) (res result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing export", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return p.process(ctx, logger, item)
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, item *queue.WorkItem) (result, error) {
	leaseCtx, cancel := item.Context(ctx)
	defer cancel()

	snap, err := p.files.ReadSnapshot(item.JobID)
	if err != nil {
		logger.Warn("snapshot missing, using default arrangement", "error", err)
		snap = model.DefaultSnapshot()
	}

	kind := item.Kind
	if !kind.Valid() {
		kind = snap.Type
	}
	if !kind.Valid() {
		kind = model.ExportKindMIDI
	}

	data, err := midi.Encode(snap.Arrangement)
	if err != nil {
		return result{}, fmt.Errorf("encode midi: %w", err)
	}
	if err := p.files.WriteResult(item.JobID, ".mid", data); err != nil {
		return result{}, &service.StorageError{Op: "write midi", Err: err}
	}

	ext := ".mid"
	if kind == model.ExportKindWAV {
		if err := p.render(leaseCtx, item); err != nil {
			return result{}, err
		}
		ext = ".wav"
	}

	res := result{resultURL: service.ResultURL(p.publicPath, item.JobID, ext)}
	if p.mirror != nil {
		url, err := p.mirror.Mirror(leaseCtx, p.files.ResultPath(item.JobID, ext))
		if err != nil {
			logger.Warn("artifact mirror failed", "error", err)
		} else {
			res.mirrorURL = url
		}
	}
	return res, nil
}

func (p *Pool) render(ctx context.Context, item *queue.WorkItem) error {
	if p.renderer == nil {
		return &client.RenderError{Reason: "no renderer configured"}
	}
	jobID, attempt := item.JobID, item.Attempt
	partial := p.files.PartialPath(jobID, attempt, ".wav")
	if err := p.renderer.Render(ctx, p.files.ResultPath(jobID, ".mid"), partial); err != nil {
		p.files.DiscardPartial(jobID, attempt, ".wav")
		return err
	}
	if err := p.files.CommitPartial(jobID, attempt, ".wav"); err != nil {
		p.files.DiscardPartial(jobID, attempt, ".wav")
		return &service.StorageError{Op: "commit wav", Err: err}
	}
	return nil
}

func (p *Pool) fail(ctx context.Context, logger *slog.Logger, item *queue.WorkItem, cause error) {
	logger.Error("export failed", "error", cause)

	if err := p.broker.Nack(ctx, item, cause); err != nil {
		logger.Warn("nack failed", "error", err)
		if errors.Is(err, queue.ErrLeaseLost) {
			return
		}
	}

	p.transition(ctx, logger, item, model.JobUpdate{Status: model.JobStatusFailed, Error: cause.Error()})

	code := "EXPORT_FAILED"
	var renderErr *client.RenderError
	if errors.As(cause, &renderErr) {
		code = "RENDER_FAILED"
	}
	p.notify(model.JobEvent{
		Type:   model.WSMessageTypeError,
		JobID:  item.JobID,
		Kind:   item.Kind,
		Status: model.JobStatusFailed,
		Error:  &model.WSError{Code: code, Message: cause.Error()},
	})
}

func (p *Pool) transition(ctx context.Context, logger *slog.Logger, item *queue.WorkItem, u model.JobUpdate) {
	_, applied, err := p.jobs.Update(ctx, item.JobID, u)
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		now := p.now().UTC()
		job := &model.ExportJob{ID: item.JobID, Kind: item.Kind, CreatedAt: now}
		job.Apply(u, now)
		err := p.jobs.Create(ctx, job)
		if errors.Is(err, jobstore.ErrExists) {
			_, _, err = p.jobs.Update(ctx, item.JobID, u)
		}
		if err != nil {
			logger.Warn("failed to record job status", "status", u.Status, "error", err)
		}
	case err != nil:
		logger.Warn("failed to record job status", "status", u.Status, "error", err)
	case !applied:
		logger.Debug("job status unchanged", "status", u.Status)
	}
}

func (p *Pool) notify(event model.JobEvent) {
	event.At = p.now().UTC()
	for _, n := range p.notifiers {
		n.Notify(event)
	}
}
