// Package history journals service lifecycle events to external systems.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart        EventType = "start"         // process spawned
	EventStop         EventType = "stop"          // stop confirmed
	EventExit         EventType = "exit"          // unexpected exit observed
	EventRestart      EventType = "restart"       // automatic restart scheduled
	EventFail         EventType = "fail"          // parked in failed
	EventKill         EventType = "kill"          // SIGKILL escalation
	EventSpawnFailure EventType = "spawn_failure" // spawn attempt failed
)

// Record is the service snapshot attached to an event.
type Record struct {
	Service      string `json:"service"`
	PID          int    `json:"pid"`
	State        string `json:"state"`
	RestartCount uint32 `json:"restart_count"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	Signal       int    `json:"signal,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NullableCode returns the exit code as a driver value, nil when unknown.
func NullableCode(r Record) any {
	if r.ExitCode == nil {
		return nil
	}
	return int64(*r.ExitCode)
}
