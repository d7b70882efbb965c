package model

import "time"

// WebSocket message types
const (
	WSMessageTypeStatus   = "status"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// JobEvent is emitted by workers on every job transition. It is what the hub
// fans out to subscribers and what the redis relay carries between processes.
type JobEvent struct {
	Type      string     `json:"type"`
	JobID     string     `json:"jobId"`
	Kind      ExportKind `json:"kind,omitempty"`
	Status    JobStatus  `json:"status"`
	ResultURL string     `json:"resultUrl,omitempty"`
	Error     *WSError   `json:"error,omitempty"`
	At        time.Time  `json:"at"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
