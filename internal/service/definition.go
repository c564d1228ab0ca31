package service

import (
	"fmt"
	"strings"
	"time"
)

// Type is the declared service type. Only simple semantics are implemented;
// the other types are accepted and handled the same way.
type Type string

const (
	TypeSimple  Type = "simple"
	TypeForking Type = "forking"
	TypeOneshot Type = "oneshot"
	TypeNotify  Type = "notify"
)

// Policy decides whether a crashed service is restarted automatically.
type Policy string

const (
	PolicyNever      Policy = "no"
	PolicyAlways     Policy = "always"
	PolicyOnFailure  Policy = "on-failure"
	PolicyOnAbnormal Policy = "on-abnormal"
)

// Default restart settings applied when a definition omits them.
const (
	DefaultRestartDelay = 5
	DefaultMaxRetries   = 3
)

// ParsePolicy accepts the canonical names plus a few spellings used in hand-written files.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "no", "never":
		return PolicyNever, nil
	case "always":
		return PolicyAlways, nil
	case "on-failure", "onfailure":
		return PolicyOnFailure, nil
	case "on-abnormal", "on-abnormal-exit", "onabnormal":
		return PolicyOnAbnormal, nil
	default:
		return "", fmt.Errorf("unknown restart policy %q", s)
	}
}

// ParseType accepts the four declared service types; empty means simple.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TypeSimple, nil
	case TypeSimple, TypeForking, TypeOneshot, TypeNotify:
		return t, nil
	default:
		return "", fmt.Errorf("unknown service type %q", s)
	}
}

// Exec describes how the service process is started and stopped.
type Exec struct {
	Start              string `json:"start"`
	Stop               string `json:"stop,omitempty"`
	User               string `json:"user,omitempty"`
	Group              string `json:"group,omitempty"`
	WorkingDirectory   string `json:"working_directory,omitempty"`
	StopTimeoutSeconds int    `json:"stop_timeout_seconds,omitempty"`
}

// RestartPolicy bounds automatic restarts after a crash.
type RestartPolicy struct {
	Policy       Policy `json:"policy"`
	DelaySeconds uint64 `json:"delay_seconds"`
	MaxRetries   uint32 `json:"max_retries"`
}

// Delay returns the restart delay as a duration.
func (p RestartPolicy) Delay() time.Duration {
	return time.Duration(p.DelaySeconds) * time.Second
}

// Dependencies are carried with the definition but not evaluated.
type Dependencies struct {
	After    []string `json:"after,omitempty"`
	Requires []string `json:"requires,omitempty"`
	Wants    []string `json:"wants,omitempty"`
}

// Definition is the static description of one supervised program.
// It is treated as immutable once loaded.
type Definition struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Type         Type              `json:"type"`
	Exec         Exec              `json:"exec"`
	Environment  map[string]string `json:"environment,omitempty"`
	Restart      RestartPolicy     `json:"restart"`
	Dependencies Dependencies      `json:"dependencies"`
}

// Validate checks the fields that the supervisor relies on. An empty start
// command is not a validation error: starting such a service fails instead.
func (d Definition) Validate() error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\") {
		return fmt.Errorf("service %q: name contains whitespace or path separators", name)
	}
	if _, err := ParseType(string(d.Type)); err != nil {
		return fmt.Errorf("service %q: %w", name, err)
	}
	if _, err := ParsePolicy(string(d.Restart.Policy)); err != nil {
		return fmt.Errorf("service %q: %w", name, err)
	}
	if d.Exec.StopTimeoutSeconds < 0 {
		return fmt.Errorf("service %q: stop_timeout_seconds cannot be negative", name)
	}
	for k := range d.Environment {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("service %q: invalid environment key %q", name, k)
		}
	}
	return nil
}

// StopTimeout returns the per-service grace period, or fallback when unset.
func (d Definition) StopTimeout(fallback time.Duration) time.Duration {
	if d.Exec.StopTimeoutSeconds > 0 {
		return time.Duration(d.Exec.StopTimeoutSeconds) * time.Second
	}
	return fallback
}
