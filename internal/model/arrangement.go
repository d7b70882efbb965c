package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"
)

const (
	// StepCount is the number of steps in one bar of a pattern.
	StepCount = 16

	DefaultBPM   = 90
	DefaultStyle = "lofi"
	MaxBPM       = 400
)

// Arrangement describes what to render: a tempo plus per-instrument step patterns.
type Arrangement struct {
	BPM    float64 `json:"bpm"`
	Style  string  `json:"style"`
	Tracks []Track `json:"tracks"`
}

// Track is one instrument lane of an arrangement.
type Track struct {
	Instrument string          `json:"instrument"`
	Steps      [StepCount]bool `json:"steps"`
}

// DefaultArrangement is used whenever a job's input cannot be recovered.
func DefaultArrangement() Arrangement {
	return Arrangement{BPM: DefaultBPM, Style: DefaultStyle, Tracks: []Track{}}
}

// ActiveSteps returns the indices of the active steps in ascending order.
func (t Track) ActiveSteps() []int {
	var idx []int
	for i, on := range t.Steps {
		if on {
			idx = append(idx, i)
		}
	}
	return idx
}

// looseStep accepts true/false, 0/1 (any non-zero number is on) and null.
type looseStep bool

func (s *looseStep) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*s = false
	case bytes.Equal(data, []byte("true")):
		*s = true
	case bytes.Equal(data, []byte("false")):
		*s = false
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			*s = false
			return nil
		}
		*s = n != 0
	}
	return nil
}

type looseNumber struct {
	value float64
	ok    bool
}

func (n *looseNumber) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		n.value, n.ok = f, true
	}
	return nil
}

type looseTrack struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Instrument string      `json:"instrument"`
	Steps      []looseStep `json:"steps"`
}

type looseArrangement struct {
	BPM     looseNumber            `json:"bpm"`
	Style   *string                `json:"style"`
	Tracks  []looseTrack           `json:"tracks"`
	Pattern map[string][]looseStep `json:"pattern"`
}

// DecodeArrangement turns any arrangement-like payload into a normalized
// Arrangement. It accepts the canonical {bpm, style, tracks[{instrument, steps}]}
// shape and the UI preset shape {bpm, tracks[{id, name}], pattern{id: steps}}.
// Missing or invalid fields fall back to defaults; the boolean reports whether
// the payload was a JSON object at all.
func DecodeArrangement(raw json.RawMessage) (Arrangement, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return DefaultArrangement(), false
	}

	var in looseArrangement
	if err := json.Unmarshal(raw, &in); err != nil {
		// A mistyped field still leaves the rest of the object decoded.
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) || raw[0] != '{' {
			return DefaultArrangement(), false
		}
	}

	arr := Arrangement{
		BPM:    normalizeBPM(in.BPM),
		Style:  DefaultStyle,
		Tracks: make([]Track, 0, len(in.Tracks)),
	}
	if in.Style != nil && strings.TrimSpace(*in.Style) != "" {
		arr.Style = strings.TrimSpace(*in.Style)
	}

	for _, lt := range in.Tracks {
		steps := lt.Steps
		if steps == nil && in.Pattern != nil {
			steps = in.Pattern[lt.ID]
		}
		arr.Tracks = append(arr.Tracks, Track{
			Instrument: trackInstrument(lt),
			Steps:      fixedSteps(steps),
		})
	}

	return arr, true
}

// Normalize applies the same defaults DecodeArrangement would to a typed value.
func (a Arrangement) Normalize() Arrangement {
	out := a
	out.BPM = normalizeBPM(looseNumber{value: a.BPM, ok: true})
	if strings.TrimSpace(out.Style) == "" {
		out.Style = DefaultStyle
	}
	out.Tracks = make([]Track, len(a.Tracks))
	copy(out.Tracks, a.Tracks)
	for i := range out.Tracks {
		out.Tracks[i].Instrument = strings.ToLower(strings.TrimSpace(out.Tracks[i].Instrument))
		if out.Tracks[i].Instrument == "" {
			out.Tracks[i].Instrument = string(InstrumentKick)
		}
	}
	return out
}

func normalizeBPM(n looseNumber) float64 {
	if !n.ok || math.IsNaN(n.value) || n.value <= 0 {
		return DefaultBPM
	}
	if n.value > MaxBPM {
		return MaxBPM
	}
	return n.value
}

func trackInstrument(lt looseTrack) string {
	for _, candidate := range []string{lt.Instrument, lt.Name, lt.ID} {
		if name := strings.ToLower(strings.TrimSpace(candidate)); name != "" {
			return name
		}
	}
	return string(InstrumentKick)
}

func fixedSteps(steps []looseStep) [StepCount]bool {
	var out [StepCount]bool
	for i := 0; i < len(steps) && i < StepCount; i++ {
		out[i] = bool(steps[i])
	}
	return out
}
