package model

import (
	"encoding/json"
	"time"
)

// ExportJob is the persisted record of one export request
type ExportJob struct {
	ID        string     `json:"id"`
	Kind      ExportKind `json:"kind"`
	Status    JobStatus  `json:"status"`
	ResultURL string     `json:"resultUrl,omitempty"`
	MirrorURL string     `json:"mirrorUrl,omitempty"`
	Error     string     `json:"error,omitempty"`
	PresetID  string     `json:"presetId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// JobUpdate carries a status transition plus whatever the transition produced.
type JobUpdate struct {
	Status    JobStatus
	ResultURL string
	MirrorURL string
	Error     string
}

// Apply merges u into j when the transition is allowed and reports whether it was.
func (j *ExportJob) Apply(u JobUpdate, now time.Time) bool {
	if !j.Status.CanTransition(u.Status) {
		return false
	}
	j.Status = u.Status
	if u.ResultURL != "" {
		j.ResultURL = u.ResultURL
	}
	if u.MirrorURL != "" {
		j.MirrorURL = u.MirrorURL
	}
	if u.Error != "" {
		j.Error = u.Error
	}
	j.UpdatedAt = now
	return true
}

// Snapshot is the immutable input a worker renders from
type Snapshot struct {
	Type        ExportKind  `json:"type"`
	Arrangement Arrangement `json:"arrangement"`
	PresetID    string      `json:"presetId"`
}

// MarshalJSON always writes presetId, as null for inline arrangements.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	var presetID *string
	if s.PresetID != "" {
		presetID = &s.PresetID
	}
	return json.Marshal(struct {
		Type        ExportKind  `json:"type"`
		Arrangement Arrangement `json:"arrangement"`
		PresetID    *string     `json:"presetId"`
	}{s.Type, s.Arrangement, presetID})
}

// DefaultSnapshot is substituted when a job's snapshot is missing or unreadable.
func DefaultSnapshot() Snapshot {
	return Snapshot{Type: ExportKindMIDI, Arrangement: DefaultArrangement()}
}

// TaskPayload is what travels through the broker; it never carries the arrangement.
type TaskPayload struct {
	JobID string     `json:"jobId"`
	Kind  ExportKind `json:"kind"`
}
