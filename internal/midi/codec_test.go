package midi

import (
	"bytes"
	"testing"

	"github.com/beatgen/api/internal/model"
)

func fourOnTheFloor() model.Arrangement {
	var kick, snare [model.StepCount]bool
	kick[0], kick[4], kick[8], kick[12] = true, true, true, true
	snare[4], snare[12] = true, true
	return model.Arrangement{
		BPM:   90,
		Style: "lofi",
		Tracks: []model.Track{
			{Instrument: "kick", Steps: kick},
			{Instrument: "snare", Steps: snare},
		},
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	arr := fourOnTheFloor()
	a, err := Encode(arr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(arr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("expected identical output for identical input")
	}
	if !bytes.HasPrefix(a, []byte("MThd")) {
		t.Fatalf("expected SMF header, got %q", a[:4])
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	data, err := Encode(fourOnTheFloor())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	sum, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if sum.TicksPerQuarter != TicksPerQuarter {
		t.Fatalf("expected %d ticks per quarter, got %d", TicksPerQuarter, sum.TicksPerQuarter)
	}
	if sum.Tempo < 89.9 || sum.Tempo > 90.1 {
		t.Fatalf("expected tempo 90, got %v", sum.Tempo)
	}
	if len(sum.Tracks) != 2 {
		t.Fatalf("expected 2 instrument tracks, got %d", len(sum.Tracks))
	}

	kick := sum.Tracks[0]
	if kick.Name != "kick" {
		t.Fatalf("expected first track named kick, got %q", kick.Name)
	}
	wantTicks := []uint32{0, 480, 960, 1440}
	if len(kick.Notes) != len(wantTicks) {
		t.Fatalf("expected %d kick notes, got %d", len(wantTicks), len(kick.Notes))
	}
	for i, n := range kick.Notes {
		if n.Tick != wantTicks[i] {
			t.Errorf("note %d: expected tick %d, got %d", i, wantTicks[i], n.Tick)
		}
		if n.Key != 36 || n.Velocity != Velocity || n.Channel != Channel {
			t.Errorf("note %d: unexpected event %+v", i, n)
		}
	}

	snare := sum.Tracks[1]
	if len(snare.Notes) != 2 || snare.Notes[0].Key != 38 || snare.Notes[0].Tick != 480 {
		t.Fatalf("unexpected snare notes %+v", snare.Notes)
	}
}

func TestEncodeEmptyArrangement(t *testing.T) {
	data, err := Encode(model.DefaultArrangement())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	sum, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(sum.Tracks) != 0 {
		t.Fatalf("expected no instrument tracks, got %d", len(sum.Tracks))
	}
	if sum.Tempo < 89.9 || sum.Tempo > 90.1 {
		t.Fatalf("expected default tempo, got %v", sum.Tempo)
	}
}

func TestEncodeSilentTrackKeepsName(t *testing.T) {
	arr := model.Arrangement{BPM: 120, Tracks: []model.Track{{Instrument: "cowbell"}}}
	data, err := Encode(arr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	sum, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(sum.Tracks) != 1 || sum.Tracks[0].Name != "cowbell" || len(sum.Tracks[0].Notes) != 0 {
		t.Fatalf("unexpected tracks %+v", sum.Tracks)
	}
}

func TestPitch(t *testing.T) {
	cases := map[string]uint8{"kick": 36, "snare": 38, "hihat": 42, "bass": 32, "tambourine": DefaultPitch}
	for inst, want := range cases {
		if got := Pitch(inst); got != want {
			t.Errorf("%s: expected %d, got %d", inst, want, got)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not a midi file")); err == nil {
		t.Fatal("expected error for non-SMF input")
	}
}
