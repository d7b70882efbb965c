package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/beatgen/api/internal/jobstore"
	"github.com/beatgen/api/internal/model"
	"github.com/beatgen/api/internal/queue"
	"github.com/beatgen/api/internal/storage"
)

// ExportService accepts export requests and hands them to the broker
type ExportService struct {
	files     *storage.Files
	presets   *storage.PresetStore
	broker    queue.Broker
	jobs      jobstore.Store
	validator *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

func NewExportService(files *storage.Files, presets *storage.PresetStore, broker queue.Broker, jobs jobstore.Store, v *validator.Validate, logger *slog.Logger) *ExportService {
	if v == nil {
		v = NewValidator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExportService{
		files:     files,
		presets:   presets,
		broker:    broker,
		jobs:      jobs,
		validator: v,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit validates req, persists its snapshot and a queued job record, and
// enqueues the job. It returns as soon as the job is queued.
func (s *ExportService) Submit(ctx context.Context, req *model.ExportRequest) (string, error) {
	if req == nil {
		return "", invalidField("body", "required")
	}
	if err := s.validator.Struct(req); err != nil {
		return "", fromValidator(err)
	}

	arrangement, err := s.resolveArrangement(req)
	if err != nil {
		return "", err
	}

	jobID := uuid.New().String()
	logger := s.logger.With("job_id", jobID, "kind", req.Kind)

	snap := model.Snapshot{Type: req.Kind, Arrangement: arrangement, PresetID: req.PresetID}
	if err := s.files.WriteSnapshot(jobID, snap); err != nil {
		return "", &StorageError{Op: "write snapshot", Err: err}
	}

	now := s.now().UTC()
	job := &model.ExportJob{
		ID:        jobID,
		Kind:      req.Kind,
		Status:    model.JobStatusQueued,
		PresetID:  req.PresetID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("failed to save job: %w", err)
	}

	if err := s.broker.Enqueue(ctx, jobID, queue.Metadata{Kind: req.Kind}); err != nil {
		logger.Error("enqueue failed", "error", err)
		update := model.JobUpdate{Status: model.JobStatusFailed, Error: "enqueue failed: " + err.Error()}
		if _, _, uerr := s.jobs.Update(ctx, jobID, update); uerr != nil {
			logger.Error("failed to mark job failed", "error", uerr)
		}
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	logger.Info("export queued", "tracks", len(arrangement.Tracks), "bpm", arrangement.BPM)
	return jobID, nil
}

func (s *ExportService) resolveArrangement(req *model.ExportRequest) (model.Arrangement, error) {
	raw := bytes.TrimSpace(req.Arrangement)
	hasPayload := len(raw) > 0 && !bytes.Equal(raw, []byte("null"))

	if hasPayload {
		arr, ok := model.DecodeArrangement(raw)
		if !ok {
			return model.Arrangement{}, invalidField("arrangement", "must be an object")
		}
		return arr, nil
	}

	if req.PresetID == "" {
		return model.Arrangement{}, invalidField("arrangement", "required")
	}
	if s.presets == nil {
		return model.Arrangement{}, invalidField("presetId", "presets are not available")
	}
	preset, err := s.presets.Get(req.PresetID)
	if err != nil {
		if errors.Is(err, storage.ErrPresetNotFound) {
			return model.Arrangement{}, invalidField("presetId", "unknown preset")
		}
		return model.Arrangement{}, &StorageError{Op: "read preset", Err: err}
	}
	return preset.Arrangement(), nil
}
