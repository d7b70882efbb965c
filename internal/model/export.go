package model

import (
	"encoding/json"
	"time"
)

// ExportRequest represents the request for POST /export. The web client sends
// {kind, arrangement}; older clients send {type, payload}.
type ExportRequest struct {
	Kind        ExportKind      `json:"kind" validate:"required,oneof=midi wav"`
	Arrangement json.RawMessage `json:"arrangement"`
	PresetID    string          `json:"presetId" validate:"omitempty,max=64"`
}

func (r *ExportRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind        ExportKind      `json:"kind"`
		Type        ExportKind      `json:"type"`
		Arrangement json.RawMessage `json:"arrangement"`
		Payload     json.RawMessage `json:"payload"`
		PresetID    string          `json:"presetId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Kind = raw.Kind
	if r.Kind == "" {
		r.Kind = raw.Type
	}
	r.Arrangement = raw.Arrangement
	if len(r.Arrangement) == 0 {
		r.Arrangement = raw.Payload
	}
	r.PresetID = raw.PresetID
	return nil
}

// ExportAcceptedResponse is returned with 202 Accepted
type ExportAcceptedResponse struct {
	ID string `json:"id"`
}

// JobStatusResponse represents the response for GET /jobs/:id
type JobStatusResponse struct {
	ID        string     `json:"id"`
	Kind      ExportKind `json:"kind,omitempty"`
	Status    JobStatus  `json:"status"`
	ResultURL string     `json:"resultUrl,omitempty"`
	MirrorURL string     `json:"mirrorUrl,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// StatusFromJob builds a status response from a job record
func StatusFromJob(j *ExportJob) *JobStatusResponse {
	resp := &JobStatusResponse{
		ID:        j.ID,
		Kind:      j.Kind,
		Status:    j.Status,
		ResultURL: j.ResultURL,
		MirrorURL: j.MirrorURL,
		Error:     j.Error,
		UpdatedAt: j.UpdatedAt,
	}
	if !j.CreatedAt.IsZero() {
		created := j.CreatedAt
		resp.CreatedAt = &created
	}
	return resp
}
