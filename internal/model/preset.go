package model

import (
	"encoding/json"
	"time"
)

// PresetTrack names one lane of a saved preset
type PresetTrack struct {
	ID   string `json:"id" validate:"required,max=32"`
	Name string `json:"name" validate:"required,max=64"`
}

// PresetRequest represents the request for POST /api/presets
type PresetRequest struct {
	Name    string            `json:"name" validate:"omitempty,max=100"`
	BPM     int               `json:"bpm" validate:"required,min=20,max=400"`
	Steps   int               `json:"steps" validate:"required,min=1,max=64"`
	Tracks  []PresetTrack     `json:"tracks" validate:"required,min=1,unique=ID,dive"`
	Pattern map[string][]bool `json:"pattern" validate:"required"`
}

// Preset is a saved pattern, stored as-is on disk
type Preset struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	BPM       int               `json:"bpm"`
	Steps     int               `json:"steps"`
	Tracks    []PresetTrack     `json:"tracks"`
	Pattern   map[string][]bool `json:"pattern"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Arrangement converts the preset into an arrangement by way of the lenient
// decoder, so presets and inline payloads normalize identically.
func (p *Preset) Arrangement() Arrangement {
	data, err := json.Marshal(struct {
		BPM     int               `json:"bpm"`
		Tracks  []PresetTrack     `json:"tracks"`
		Pattern map[string][]bool `json:"pattern"`
	}{p.BPM, p.Tracks, p.Pattern})
	if err != nil {
		return DefaultArrangement()
	}
	arr, _ := DecodeArrangement(data)
	return arr
}

// PresetListResponse represents the response for GET /api/presets
type PresetListResponse struct {
	Presets []Preset `json:"presets"`
}
