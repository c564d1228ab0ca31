package service

import (
	"fmt"
	"time"
)

// State is a position in the supervision state machine.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the five defined states.
func (s State) Valid() bool { return s >= StateStopped && s <= StateFailed }

// Exit is the reaped termination status of a process.
type Exit struct {
	Code     int  `json:"code"`
	Signaled bool `json:"signaled"`
	Signal   int  `json:"signal,omitempty"`
}

// Success reports a clean exit with status 0.
func (e Exit) Success() bool { return !e.Signaled && e.Code == 0 }

func (e Exit) String() string {
	if e.Signaled {
		return fmt.Sprintf("killed by signal %d", e.Signal)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Instance is the supervisor's live record of one service.
type Instance struct {
	Definition   Definition
	State        State
	PID          int // 0 when no process is believed alive
	RestartCount uint32

	StartedAt       time.Time
	StoppedAt       time.Time
	StopRequestedAt time.Time
	Escalated       bool      // SIGKILL already sent for the current stop
	NextRestartAt   time.Time // non-zero while an automatic restart is pending
	Exit            *Exit     // reaped status of PID, not yet handled by the sweep
	LastExit        *Exit
	LastPID         int
	LastError       string
	Generation      uint64 // bumped by every start claim
}

// NewInstance returns a stopped instance for def.
func NewInstance(def Definition) Instance {
	return Instance{Definition: def, State: StateStopped}
}

// Alive reports whether the instance holds a pid with no recorded exit.
func (i *Instance) Alive() bool { return i.PID != 0 && i.Exit == nil }

// RestartPending reports whether a delayed automatic restart is scheduled.
func (i *Instance) RestartPending() bool {
	return i.State == StateStarting && i.PID == 0 && !i.NextRestartAt.IsZero()
}

// ClearProcess forgets the current process, keeping it as LastPID.
func (i *Instance) ClearProcess(now time.Time) {
	if i.PID != 0 {
		i.LastPID = i.PID
	}
	if i.Exit != nil {
		i.LastExit = i.Exit
	}
	i.PID = 0
	i.Exit = nil
	i.StoppedAt = now
	i.StopRequestedAt = time.Time{}
	i.Escalated = false
}
