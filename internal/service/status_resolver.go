package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/beatgen/api/internal/jobstore"
	"github.com/beatgen/api/internal/model"
	"github.com/beatgen/api/internal/queue"
	"github.com/beatgen/api/internal/storage"
)

// ResultURL is the public URL of a job's artifact under publicPath.
func ResultURL(publicPath, jobID, ext string) string {
	return strings.TrimRight(publicPath, "/") + "/" + jobID + ext
}

// StatusResolver reconciles the job record, the broker, and result storage
// into a single status. Terminal states found in the broker or on disk are
// written back into the record.
type StatusResolver struct {
	jobs       jobstore.Store
	broker     queue.Broker
	files      *storage.Files
	publicPath string
	logger     *slog.Logger
	now        func() time.Time
}

func NewStatusResolver(jobs jobstore.Store, broker queue.Broker, files *storage.Files, publicPath string, logger *slog.Logger) *StatusResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusResolver{
		jobs:       jobs,
		broker:     broker,
		files:      files,
		publicPath: publicPath,
		logger:     logger,
		now:        time.Now,
	}
}

// Resolve returns the current status of jobID or ErrJobNotFound. When the
// record cannot be read, observations are reported but never written back.
func (r *StatusResolver) Resolve(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	logger := r.logger.With("job_id", jobID)

	record, recordErr := r.jobs.Get(ctx, jobID)
	switch {
	case recordErr == nil:
		if record.Status.Terminal() {
			return model.StatusFromJob(record), nil
		}
	case errors.Is(recordErr, jobstore.ErrNotFound):
		record, recordErr = nil, nil
	default:
		logger.Warn("job record lookup failed", "error", recordErr)
		record = nil
	}

	state, err := r.broker.State(ctx, jobID)
	if err != nil {
		if !errors.Is(err, queue.ErrUnknownJob) {
			logger.Warn("broker state lookup failed", "error", err)
		}
		state = nil
	}

	observe := r.persist
	if recordErr != nil {
		observe = r.view
	}

	if state != nil && state.Status.Terminal() {
		return observe(ctx, jobID, record, model.JobUpdate{
			Status:    state.Status,
			ResultURL: state.ResultRef,
			Error:     state.Error,
		}), nil
	}

	kind := r.kindOf(jobID, record, state)
	if ext, ok := r.probe(jobID, kind, recordErr != nil); ok {
		return observe(ctx, jobID, record, model.JobUpdate{
			Status:    model.JobStatusCompleted,
			ResultURL: ResultURL(r.publicPath, jobID, ext),
		}), nil
	}

	if record == nil && state == nil {
		if recordErr != nil {
			return nil, &StorageError{Op: "read job record", Err: recordErr}
		}
		return nil, ErrJobNotFound
	}

	if record == nil {
		return &model.JobStatusResponse{ID: jobID, Kind: kind, Status: state.Status, UpdatedAt: state.UpdatedAt}, nil
	}
	resp := model.StatusFromJob(record)
	if state != nil {
		resp.Status = model.MaxStatus(record.Status, state.Status)
		if state.UpdatedAt.After(resp.UpdatedAt) {
			resp.UpdatedAt = state.UpdatedAt
		}
	}
	return resp, nil
}

// kindOf finds the export kind from the record, the broker, or the
// submission snapshot, in that order. It is empty when none know it.
func (r *StatusResolver) kindOf(jobID string, record *model.ExportJob, state *queue.ItemState) model.ExportKind {
	if record != nil && record.Kind.Valid() {
		return record.Kind
	}
	if state != nil && state.Kind.Valid() {
		return state.Kind
	}
	if snap, err := r.files.ReadSnapshot(jobID); err == nil && snap.Type.Valid() {
		return snap.Type
	}
	return ""
}

// probe looks for a committed artifact. For wav jobs the .mid is an
// intermediate and does not count. An unknown kind only trusts the .mid
// when the record is known to be absent.
func (r *StatusResolver) probe(jobID string, kind model.ExportKind, recordUnreadable bool) (string, bool) {
	exts := []string{".wav", ".mid"}
	switch {
	case kind == model.ExportKindWAV:
		exts = exts[:1]
	case kind == "" && recordUnreadable:
		exts = exts[:1]
	}
	for _, ext := range exts {
		if r.files.ResultExists(jobID, ext) {
			return ext, true
		}
	}
	return "", false
}

// view reports an observation without touching the record.
func (r *StatusResolver) view(ctx context.Context, jobID string, record *model.ExportJob, u model.JobUpdate) *model.JobStatusResponse {
	now := r.now().UTC()
	job := &model.ExportJob{ID: jobID, Kind: kindForExtension(extensionOf(u.ResultURL))}
	if record != nil {
		copied := *record
		job = &copied
	}
	job.Apply(u, now)
	return model.StatusFromJob(job)
}

// persist writes a terminal observation back into the job record. Store
// failures are logged; the observation is still returned.
func (r *StatusResolver) persist(ctx context.Context, jobID string, record *model.ExportJob, u model.JobUpdate) *model.JobStatusResponse {
	logger := r.logger.With("job_id", jobID)
	now := r.now().UTC()

	if record == nil {
		job := &model.ExportJob{ID: jobID, CreatedAt: now}
		job.Apply(u, now)
		if ext := extensionOf(u.ResultURL); ext != "" {
			job.Kind = kindForExtension(ext)
		}
		err := r.jobs.Create(ctx, job)
		if err == nil {
			return model.StatusFromJob(job)
		}
		if !errors.Is(err, jobstore.ErrExists) {
			logger.Warn("failed to record resolved status", "error", err)
			return model.StatusFromJob(job)
		}
	}

	stored, applied, err := r.jobs.Update(ctx, jobID, u)
	if err != nil {
		logger.Warn("failed to record resolved status", "error", err)
		fallback := &model.ExportJob{ID: jobID}
		if record != nil {
			copied := *record
			fallback = &copied
		}
		fallback.Apply(u, now)
		return model.StatusFromJob(fallback)
	}
	if applied {
		logger.Debug("job status reconciled", "status", stored.Status)
	}
	return model.StatusFromJob(stored)
}

func extensionOf(url string) string {
	switch {
	case strings.HasSuffix(url, ".wav"):
		return ".wav"
	case strings.HasSuffix(url, ".mid"):
		return ".mid"
	}
	return ""
}

func kindForExtension(ext string) model.ExportKind {
	switch ext {
	case ".wav":
		return model.ExportKindWAV
	case ".mid":
		return model.ExportKindMIDI
	}
	return ""
}
