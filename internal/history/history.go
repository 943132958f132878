package history

import (
	"context"
	"time"

	"github.com/loykin/oms/internal/progress"
)

// EventType is the kind of run a report describes.
type EventType string

const (
	EventRestart       EventType = "restart"
	EventConnect       EventType = "connect"
	EventCameraConnect EventType = "camera_connect"
)

// Table is the table (or index) every sink writes to unless told otherwise.
const Table = "oms_run_history"

// Step is one recorded step of a Connect or camera run.
type Step struct {
	Name  string `json:"step"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// Report is the final outcome of one run.
type Report struct {
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	Total      int       `json:"total"`
	Done       int       `json:"done"`
	Fails      []string  `json:"fails"`
	Steps      []Step    `json:"steps,omitempty"`
	Message    string    `json:"message"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

// ReportFrom captures a finished run.
func ReportFrom(s progress.Snapshot) Report {
	fin := s.UpdatedAt
	if fin.IsZero() {
		fin = time.Now()
	}
	r := Report{
		RunID:      s.RunID,
		Kind:       s.Kind,
		State:      string(s.State),
		Total:      s.Total,
		Done:       s.Done,
		Fails:      append([]string{}, s.Fails...),
		Message:    s.Message,
		StartedAt:  s.StartedAt.UTC(),
		FinishedAt: fin.UTC(),
	}
	if !s.StartedAt.IsZero() {
		r.DurationMS = fin.Sub(s.StartedAt).Milliseconds()
	}
	for _, ev := range s.Events {
		r.Steps = append(r.Steps, Step{Name: ev.Step, OK: ev.OK, Error: ev.Error, Tag: ev.Tag})
	}
	return r
}

// Event is one report exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Report     Report    `json:"report"`
}

// NewEvent wraps the report of a finished run.
func NewEvent(s progress.Snapshot) Event {
	r := ReportFrom(s)
	return Event{Type: EventType(s.Kind), OccurredAt: r.FinishedAt, Report: r}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Querier is implemented by sinks that can read reports back, newest first.
// An empty kind matches every kind.
type Querier interface {
	Recent(ctx context.Context, kind string, limit int) ([]Report, error)
}

const (
	DefaultLimit = 20
	MaxLimit     = 500
)

// ClampLimit keeps list queries bounded: zero or less means DefaultLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
