// Package history exports session lifecycle events to relational sinks for
// audit and statistics. Sinks are strictly additive and independent of the
// live status store.
package history

import (
	"context"
	"time"
)

// EventType is the kind of lifecycle event.
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventSessionFinished EventType = "session_finished"
	EventSessionFailed   EventType = "session_failed"
	EventJobFinished     EventType = "job_finished"
	EventJobFailed       EventType = "job_failed"
)

// Event is one lifecycle transition of a session or its job.
type Event struct {
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	SessionName string    `json:"session_name"`
	JobID       string    `json:"job_id,omitempty"`
	Status      string    `json:"status"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Sink receives history events. Implementations must be safe for concurrent
// use. A failing sink must not affect session execution; callers log and
// continue.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
