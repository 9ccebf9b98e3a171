package ops

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

var (
	// ErrCancelled marks an operation stopped on request. It is reported
	// distinctly from a failure.
	ErrCancelled   = errors.New("operation cancelled")
	ErrUnknownType = errors.New("unknown operation type")
)

type ID string

type Type string

const (
	LogProcessing    Type = "log_processing"
	LogRemoval       Type = "log_removal"
	StreamProcessing Type = "stream_processing"
	DatabaseReset    Type = "database_reset"
	ServiceRemoval   Type = "service_removal"
	CacheClear       Type = "cache_clear"
)

var Types = []Type{LogProcessing, LogRemoval, StreamProcessing, DatabaseReset, ServiceRemoval, CacheClear}

func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Class returns the exclusive class of t. Two operations of the same class
// are never Running at the same time. Removing log lines and removing a
// service both rewrite the log files, so they share one class.
func (t Type) Class() string {
	switch t {
	case LogRemoval, ServiceRemoval:
		return "logs"
	default:
		return string(t)
	}
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s != StatusRunning
}

// ProgressQueued is the progress status of an operation waiting for the
// exclusive lock.
const ProgressQueued = "queued"

// Progress is the latest reported state of a running operation.
type Progress struct {
	Percent    float64           `json:"percentComplete"`
	Status     string            `json:"status,omitempty"`
	Message    string            `json:"message,omitempty"`
	Datasource string            `json:"datasource,omitempty"`
	Counters   map[string]uint64 `json:"counters,omitempty"`
}

func (p Progress) clone() Progress {
	p.Counters = maps.Clone(p.Counters)
	return p
}

// Snapshot is a copy of an operation safe to hand out of the tracker.
type Snapshot struct {
	ID              ID                `json:"id"`
	Type            Type              `json:"type"`
	Label           string            `json:"label"`
	Status          Status            `json:"status"`
	CancelRequested bool              `json:"cancelRequested"`
	StartedAt       time.Time         `json:"startedAt"`
	FinishedAt      time.Time         `json:"finishedAt,omitzero"`
	Message         string            `json:"message,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Progress        Progress          `json:"progress"`
}

type operation struct {
	id              ID
	typ             Type
	label           string
	status          Status
	startedAt       time.Time
	metadata        map[string]string
	progress        Progress
	cancel          func()
	cancelRequested bool
}

func (o *operation) snapshot() Snapshot {
	return Snapshot{
		ID:              o.id,
		Type:            o.typ,
		Label:           o.label,
		Status:          o.status,
		CancelRequested: o.cancelRequested,
		StartedAt:       o.startedAt,
		Metadata:        maps.Clone(o.metadata),
		Progress:        o.progress.clone(),
	}
}
