package service

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/beatgen/api/internal/model"
	"github.com/beatgen/api/internal/storage"
)

// PresetService saves and loads step patterns
type PresetService struct {
	store     *storage.PresetStore
	validator *validator.Validate
	now       func() time.Time
}

func NewPresetService(store *storage.PresetStore, v *validator.Validate) *PresetService {
	if v == nil {
		v = NewValidator()
	}
	return &PresetService{store: store, validator: v, now: time.Now}
}

// Create validates and stores a new preset
func (s *PresetService) Create(req *model.PresetRequest) (*model.Preset, error) {
	if req == nil {
		return nil, invalidField("body", "required")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, fromValidator(err)
	}
	for _, t := range req.Tracks {
		if _, ok := req.Pattern[t.ID]; !ok {
			return nil, invalidField("pattern", "missing steps for track "+t.ID)
		}
	}

	preset := &model.Preset{
		ID:        uuid.New().String(),
		Name:      req.Name,
		BPM:       req.BPM,
		Steps:     req.Steps,
		Tracks:    req.Tracks,
		Pattern:   req.Pattern,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Save(preset); err != nil {
		return nil, &StorageError{Op: "save preset", Err: err}
	}
	return preset, nil
}

// Get returns a preset or storage.ErrPresetNotFound
func (s *PresetService) Get(id string) (*model.Preset, error) {
	return s.store.Get(id)
}

// List returns presets oldest first
func (s *PresetService) List() ([]model.Preset, error) {
	presets, err := s.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list presets: %w", err)
	}
	return presets, nil
}
