package midi

import (
	"bytes"
	"fmt"
	"io"
	"math"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// Note is a note-on event at an absolute tick.
type Note struct {
	Tick     uint32 `json:"tick"`
	Key      uint8  `json:"key"`
	Velocity uint8  `json:"velocity"`
	Channel  uint8  `json:"channel"`
}

// TrackSummary lists the notes of one track.
type TrackSummary struct {
	Name  string `json:"name"`
	Notes []Note `json:"notes"`
}

// Summary is a readable view of an SMF file.
type Summary struct {
	TicksPerQuarter uint16         `json:"ticksPerQuarter"`
	Tempo           float64        `json:"tempo"`
	Tracks          []TrackSummary `json:"tracks"`
}

// Decode parses SMF bytes into a Summary. The conductor track (the one
// carrying the tempo and no notes) is omitted from Tracks.
func Decode(data []byte) (*Summary, error) {
	return DecodeFrom(bytes.NewReader(data))
}

// DecodeFrom parses an SMF stream into a Summary.
func DecodeFrom(r io.Reader) (*Summary, error) {
	s, err := smf.ReadFrom(r)
	if err != nil {
		return nil, fmt.Errorf("read smf: %w", err)
	}

	sum := &Summary{}
	if mt, ok := s.TimeFormat.(smf.MetricTicks); ok {
		sum.TicksPerQuarter = uint16(mt)
	}

	for _, track := range s.Tracks {
		var (
			ts       TrackSummary
			abs      uint32
			hasTempo bool
		)
		for _, ev := range track {
			abs += ev.Delta

			var bpm float64
			if ev.Message.GetMetaTempo(&bpm) {
				// The file stores microseconds per quarter; round off the conversion noise.
				sum.Tempo = math.Round(bpm*100) / 100
				hasTempo = true
				continue
			}

			var name string
			if ev.Message.GetMetaTrackName(&name) {
				ts.Name = name
				continue
			}

			var ch, key, vel uint8
			if gomidi.Message(ev.Message).GetNoteStart(&ch, &key, &vel) {
				ts.Notes = append(ts.Notes, Note{Tick: abs, Key: key, Velocity: vel, Channel: ch})
			}
		}
		if hasTempo && len(ts.Notes) == 0 && ts.Name == "" {
			continue
		}
		sum.Tracks = append(sum.Tracks, ts)
	}

	return sum, nil
}
