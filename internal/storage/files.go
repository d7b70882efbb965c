// Package storage owns the shared export directory: job snapshots, rendered
// results, and saved presets. Every write lands atomically so readers never
// observe a partial file under a final name.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/beatgen/api/internal/model"
)

var (
	// ErrSnapshotMissing means the job's snapshot is absent or unreadable.
	ErrSnapshotMissing = errors.New("snapshot missing")
	// ErrInvalidName rejects file names that are not <uuid>.<ext>.
	ErrInvalidName = errors.New("invalid export file name")
)

var resultName = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\.(mid|wav)$`)

// Files is the export directory shared by the API and the workers.
type Files struct {
	dir string
}

// NewFiles ensures dir exists and returns a handle to it.
func NewFiles(dir string) (*Files, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("export directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure export directory: %w", err)
	}
	return &Files{dir: dir}, nil
}

// Dir returns the export directory.
func (f *Files) Dir() string {
	return f.dir
}

func (f *Files) snapshotPath(jobID string) string {
	return filepath.Join(f.dir, jobID+".json")
}

// ResultPath is the final location of a job's result with the given extension.
func (f *Files) ResultPath(jobID, ext string) string {
	return filepath.Join(f.dir, jobID+ext)
}

// PartialPath is where one delivery attempt renders before the result is
// committed. Attempts never share a partial file.
func (f *Files) PartialPath(jobID string, attempt int, ext string) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s.partial-%d%s", jobID, attempt, ext))
}

// WriteSnapshot persists the job input. It is written once at submission.
func (f *Files) WriteSnapshot(jobID string, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := writeFileAtomic(f.snapshotPath(jobID), data, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", jobID, err)
	}
	return nil
}

// ReadSnapshot loads a job snapshot. Missing or unparsable snapshots return
// ErrSnapshotMissing; the caller decides what to substitute.
func (f *Files) ReadSnapshot(jobID string) (model.Snapshot, error) {
	data, err := os.ReadFile(f.snapshotPath(jobID))
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotMissing, err)
	}

	var raw struct {
		Type        model.ExportKind `json:"type"`
		Arrangement json.RawMessage  `json:"arrangement"`
		PresetID    string           `json:"presetId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotMissing, err)
	}

	arr, _ := model.DecodeArrangement(raw.Arrangement)
	snap := model.Snapshot{Type: raw.Type, Arrangement: arr, PresetID: raw.PresetID}
	if !snap.Type.Valid() {
		snap.Type = model.ExportKindMIDI
	}
	return snap, nil
}

// WriteResult atomically stores a result artifact.
func (f *Files) WriteResult(jobID, ext string, data []byte) error {
	if err := writeFileAtomic(f.ResultPath(jobID, ext), data, 0o644); err != nil {
		return fmt.Errorf("write result %s%s: %w", jobID, ext, err)
	}
	return nil
}

// CommitPartial moves an attempt's finished partial file to its final name.
func (f *Files) CommitPartial(jobID string, attempt int, ext string) error {
	if err := os.Rename(f.PartialPath(jobID, attempt, ext), f.ResultPath(jobID, ext)); err != nil {
		return fmt.Errorf("commit %s%s: %w", jobID, ext, err)
	}
	return nil
}

// DiscardPartial removes an attempt's leftover partial file, if any.
func (f *Files) DiscardPartial(jobID string, attempt int, ext string) {
	_ = os.Remove(f.PartialPath(jobID, attempt, ext))
}

// ResultExists reports whether a committed result with ext exists.
func (f *Files) ResultExists(jobID, ext string) bool {
	info, err := os.Stat(f.ResultPath(jobID, ext))
	return err == nil && info.Mode().IsRegular()
}

// ResolveName validates a public file name and returns its path on disk.
// Only <uuid>.mid and <uuid>.wav are servable; snapshots never are.
func (f *Files) ResolveName(name string) (string, error) {
	if !resultName.MatchString(name) {
		return "", ErrInvalidName
	}
	path := filepath.Join(f.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fs.ErrNotExist
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fs.ErrNotExist
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
