// Package midi converts arrangements into Standard MIDI Files.
//
// Encoding is a pure function of the arrangement: the same input always yields
// byte-identical output, which is what lets a redelivered job overwrite its
// previous result safely.
package midi

import (
	"bytes"
	"fmt"
	"io"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/beatgen/api/internal/model"
)

const (
	// TicksPerQuarter is the file resolution.
	TicksPerQuarter = 480
	// TicksPerStep places sixteen steps in one 4/4 bar.
	TicksPerStep = TicksPerQuarter / 4
	// NoteTicks is 0.2 of a beat.
	NoteTicks = TicksPerQuarter / 5
	// Velocity of every note.
	Velocity = 100
	// Channel is the General MIDI percussion channel (10, zero-based 9).
	Channel = 9

	barTicks = TicksPerStep * model.StepCount
)

var pitches = map[string]uint8{
	string(model.InstrumentKick):  36,
	string(model.InstrumentSnare): 38,
	string(model.InstrumentHihat): 42,
	string(model.InstrumentBass):  32,
}

// DefaultPitch is used for instruments without a fixed mapping.
const DefaultPitch uint8 = 36

// Pitch returns the note number for an instrument name.
func Pitch(instrument string) uint8 {
	if p, ok := pitches[instrument]; ok {
		return p
	}
	return DefaultPitch
}

// Encode renders arr as a format 1 SMF and returns the file bytes.
func Encode(arr model.Arrangement) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeTo(&buf, arr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo writes the SMF for arr to w.
func EncodeTo(w io.Writer, arr model.Arrangement) error {
	arr = arr.Normalize()

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(TicksPerQuarter)

	var conductor smf.Track
	conductor.Add(0, smf.MetaMeter(4, 4))
	conductor.Add(0, smf.MetaTempo(arr.BPM))
	conductor.Close(barTicks)
	if err := s.Add(conductor); err != nil {
		return fmt.Errorf("add conductor track: %w", err)
	}

	for i, t := range arr.Tracks {
		if err := s.Add(encodeTrack(t)); err != nil {
			return fmt.Errorf("add track %d (%s): %w", i, t.Instrument, err)
		}
	}

	if _, err := s.WriteTo(w); err != nil {
		return fmt.Errorf("write smf: %w", err)
	}
	return nil
}

func encodeTrack(t model.Track) smf.Track {
	var tr smf.Track
	tr.Add(0, smf.MetaTrackSequenceName(t.Instrument))

	key := Pitch(t.Instrument)
	var cursor uint32
	for _, step := range t.ActiveSteps() {
		on := uint32(step * TicksPerStep)
		tr.Add(on-cursor, gomidi.NoteOn(Channel, key, Velocity))
		tr.Add(NoteTicks, gomidi.NoteOff(Channel, key))
		cursor = on + NoteTicks
	}
	tr.Close(barTicks - cursor)
	return tr
}
