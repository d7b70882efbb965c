package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/beatgen/api/internal/model"
)

func newFiles(t *testing.T) *Files {
	t.Helper()
	f, err := NewFiles(filepath.Join(t.TempDir(), "exports"))
	if err != nil {
		t.Fatalf("NewFiles: %v", err)
	}
	return f
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFiles(t)
	id := uuid.New().String()

	var steps [model.StepCount]bool
	steps[3] = true
	snap := model.Snapshot{
		Type: model.ExportKindWAV,
		Arrangement: model.Arrangement{
			BPM: 128, Style: "house",
			Tracks: []model.Track{{Instrument: "hihat", Steps: steps}},
		},
	}
	if err := f.WriteSnapshot(id, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	got, err := f.ReadSnapshot(id)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got.Type != model.ExportKindWAV || got.Arrangement.BPM != 128 || got.Arrangement.Style != "house" {
		t.Fatalf("unexpected snapshot %#v", got)
	}
	if len(got.Arrangement.Tracks) != 1 || !got.Arrangement.Tracks[0].Steps[3] {
		t.Fatalf("unexpected tracks %#v", got.Arrangement.Tracks)
	}
}

func TestSnapshotAlwaysNamesPreset(t *testing.T) {
	f := newFiles(t)
	tests := []struct {
		name     string
		presetID string
		want     string
	}{
		{"inline arrangement", "", `"presetId":null`},
		{"from preset", "p-1", `"presetId":"p-1"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.New().String()
			snap := model.Snapshot{Type: model.ExportKindMIDI, Arrangement: model.DefaultArrangement(), PresetID: tt.presetID}
			if err := f.WriteSnapshot(id, snap); err != nil {
				t.Fatalf("WriteSnapshot: %v", err)
			}
			data, err := os.ReadFile(filepath.Join(f.Dir(), id+".json"))
			if err != nil {
				t.Fatalf("read snapshot: %v", err)
			}
			if !strings.Contains(string(data), tt.want) {
				t.Fatalf("snapshot %s missing %s", data, tt.want)
			}
			got, err := f.ReadSnapshot(id)
			if err != nil || got.PresetID != tt.presetID {
				t.Fatalf("unexpected round trip %+v (%v)", got, err)
			}
		})
	}
}

func TestReadSnapshotMissing(t *testing.T) {
	f := newFiles(t)
	_, err := f.ReadSnapshot(uuid.New().String())
	if !errors.Is(err, ErrSnapshotMissing) {
		t.Fatalf("expected ErrSnapshotMissing, got %v", err)
	}
}

func TestReadSnapshotCorrupt(t *testing.T) {
	f := newFiles(t)
	id := uuid.New().String()
	if err := os.WriteFile(filepath.Join(f.Dir(), id+".json"), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := f.ReadSnapshot(id); !errors.Is(err, ErrSnapshotMissing) {
		t.Fatalf("expected ErrSnapshotMissing, got %v", err)
	}
}

func TestResultLifecycle(t *testing.T) {
	f := newFiles(t)
	id := uuid.New().String()

	if f.ResultExists(id, ".mid") {
		t.Fatal("expected no result before write")
	}
	if err := f.WriteResult(id, ".mid", []byte("MThd")); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	if !f.ResultExists(id, ".mid") {
		t.Fatal("expected result after write")
	}

	if err := os.WriteFile(f.PartialPath(id, 1, ".wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	if f.ResultExists(id, ".wav") {
		t.Fatal("partial output must not count as a result")
	}
	if err := f.CommitPartial(id, 1, ".wav"); err != nil {
		t.Fatalf("CommitPartial: %v", err)
	}
	if !f.ResultExists(id, ".wav") {
		t.Fatal("expected committed wav")
	}

	entries, err := os.ReadDir(f.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" || e.Name()[0] == '.' {
			t.Fatalf("unexpected leftover file %s", e.Name())
		}
	}
}

func TestPartialsAreIsolatedPerAttempt(t *testing.T) {
	f := newFiles(t)
	id := uuid.New().String()

	if f.PartialPath(id, 1, ".wav") == f.PartialPath(id, 2, ".wav") {
		t.Fatal("attempts must not share a partial path")
	}
	for attempt, body := range map[int]string{1: "stale", 2: "RIFF"} {
		if err := os.WriteFile(f.PartialPath(id, attempt, ".wav"), []byte(body), 0o644); err != nil {
			t.Fatalf("write partial %d: %v", attempt, err)
		}
	}

	// the expired attempt cleans up after the redelivered one started
	f.DiscardPartial(id, 1, ".wav")
	if _, err := os.Stat(f.PartialPath(id, 2, ".wav")); err != nil {
		t.Fatalf("discarding attempt 1 removed attempt 2's output: %v", err)
	}
	if err := f.CommitPartial(id, 1, ".wav"); err == nil {
		t.Fatal("committing a discarded attempt should fail")
	}
	if err := f.CommitPartial(id, 2, ".wav"); err != nil {
		t.Fatalf("CommitPartial: %v", err)
	}
	data, err := os.ReadFile(f.ResultPath(id, ".wav"))
	if err != nil || string(data) != "RIFF" {
		t.Fatalf("expected attempt 2's output, got %q (%v)", data, err)
	}
}

func TestResolveName(t *testing.T) {
	f := newFiles(t)
	id := uuid.New().String()
	if err := f.WriteResult(id, ".mid", []byte("MThd")); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	if err := f.WriteSnapshot(id, model.DefaultSnapshot()); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	if _, err := f.ResolveName(id + ".mid"); err != nil {
		t.Fatalf("expected mid to resolve, got %v", err)
	}
	for _, name := range []string{id + ".json", "../" + id + ".mid", "x.mid", id + ".partial.wav"} {
		if _, err := f.ResolveName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("%s: expected ErrInvalidName, got %v", name, err)
		}
	}
	if _, err := f.ResolveName(uuid.New().String() + ".wav"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist for unknown id, got %v", err)
	}
}

func TestPresetStore(t *testing.T) {
	s, err := NewPresetStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewPresetStore: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "a"} {
		p := &model.Preset{ID: id, BPM: 90, Steps: 16, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Save(p); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	got, err := s.Get("a")
	if err != nil || got.ID != "a" {
		t.Fatalf("Get: %v %#v", err, got)
	}
	if _, err := s.Get("missing"); !errors.Is(err, ErrPresetNotFound) {
		t.Fatalf("expected ErrPresetNotFound, got %v", err)
	}
	if _, err := s.Get("../etc/passwd"); !errors.Is(err, ErrPresetNotFound) {
		t.Fatalf("expected ErrPresetNotFound for traversal, got %v", err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Fatalf("expected presets ordered by createdAt, got %#v", list)
	}
}
