package model

// Export kinds
type ExportKind string

const (
	ExportKindMIDI ExportKind = "midi"
	ExportKindWAV  ExportKind = "wav"
)

// Valid reports whether k is a supported export kind.
func (k ExportKind) Valid() bool {
	return k == ExportKindMIDI || k == ExportKindWAV
}

// Extension returns the result file extension for the kind.
func (k ExportKind) Extension() string {
	if k == ExportKindWAV {
		return ".wav"
	}
	return ".mid"
}

// Job status
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 1
	case JobStatusActive:
		return 2
	case JobStatusCompleted, JobStatusFailed:
		return 3
	default:
		return 0
	}
}

// CanTransition enforces queued -> active -> {completed|failed}. Re-applying the
// current non-terminal status is allowed; terminal states never change.
func (s JobStatus) CanTransition(to JobStatus) bool {
	if to.rank() == 0 {
		return false
	}
	if s.rank() == 0 {
		return true
	}
	if s.Terminal() {
		return false
	}
	return to.rank() >= s.rank()
}

// MaxStatus returns whichever status is further along the lifecycle.
func MaxStatus(a, b JobStatus) JobStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Instruments with a fixed percussion pitch
type Instrument string

const (
	InstrumentKick  Instrument = "kick"
	InstrumentSnare Instrument = "snare"
	InstrumentHihat Instrument = "hihat"
	InstrumentBass  Instrument = "bass"
)
