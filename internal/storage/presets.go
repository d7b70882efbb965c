package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/beatgen/api/internal/model"
)

// ErrPresetNotFound is returned for unknown preset ids.
var ErrPresetNotFound = errors.New("preset not found")

var presetID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// PresetStore keeps one JSON file per preset.
type PresetStore struct {
	dir string
}

func NewPresetStore(dir string) (*PresetStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("preset directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure preset directory: %w", err)
	}
	return &PresetStore{dir: dir}, nil
}

func (s *PresetStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes p, replacing any preset with the same id.
func (s *PresetStore) Save(p *model.Preset) error {
	if !presetID.MatchString(p.ID) {
		return fmt.Errorf("invalid preset id %q", p.ID)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preset: %w", err)
	}
	return writeFileAtomic(s.path(p.ID), data, 0o644)
}

// Get loads a preset by id.
func (s *PresetStore) Get(id string) (*model.Preset, error) {
	if !presetID.MatchString(id) {
		return nil, ErrPresetNotFound
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrPresetNotFound
		}
		return nil, fmt.Errorf("read preset %s: %w", id, err)
	}
	var p model.Preset
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode preset %s: %w", id, err)
	}
	return &p, nil
}

// List returns all readable presets, oldest first. Unreadable files are skipped.
func (s *PresetStore) List() ([]model.Preset, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}

	presets := make([]model.Preset, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		p, err := s.Get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		presets = append(presets, *p)
	}

	sort.SliceStable(presets, func(i, j int) bool {
		if presets[i].CreatedAt.Equal(presets[j].CreatedAt) {
			return presets[i].ID < presets[j].ID
		}
		return presets[i].CreatedAt.Before(presets[j].CreatedAt)
	})
	return presets, nil
}
