package service

// Status is the public view of an instance handed to control-plane clients.
type Status struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	State        string `json:"state"`
	PID          *int   `json:"pid"`
	Enabled      bool   `json:"enabled"`
	RestartCount uint32 `json:"restart_count"`
}

// View builds the public status of inst; enabled is supplied by the caller.
func View(inst Instance, enabled bool) Status {
	st := Status{
		Name:         inst.Definition.Name,
		Description:  inst.Definition.Description,
		State:        inst.State.String(),
		Enabled:      enabled,
		RestartCount: inst.RestartCount,
	}
	if inst.PID != 0 {
		pid := inst.PID
		st.PID = &pid
	}
	return st
}
