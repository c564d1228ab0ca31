package client

import "fmt"

// ServiceStatus is the public view of one supervised service.
type ServiceStatus struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	State        string `json:"state"`
	PID          *int   `json:"pid"`
	Enabled      bool   `json:"enabled"`
	RestartCount uint32 `json:"restart_count"`
}

// ActionResult is the body of a successful start, stop, restart or reload.
type ActionResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned when the daemon answered with a non-200 status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// RemoteError is an Error response from the control socket. The request
// reached the daemon, which refused or failed it.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
