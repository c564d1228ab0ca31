package daemon

import (
	"context"
	"errors"

	"github.com/loykin/juinit/internal/ipc"
	"github.com/loykin/juinit/internal/registry"
	"github.com/loykin/juinit/internal/service"
	"github.com/loykin/juinit/internal/supervisor"
)

// Handle maps one control request onto the supervisor. Errors are always
// reported as an Error response carrying the operation and service name.
func (d *Daemon) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Kind {
	case ipc.StartService:
		if err := d.sup.Start(req.Name); err != nil {
			return failure("start", req.Name, err)
		}
		return ipc.Successf("Service '%s' started", req.Name)
	case ipc.StopService:
		if err := d.sup.Stop(req.Name); err != nil {
			return failure("stop", req.Name, err)
		}
		if inst, ok := d.reg.Get(req.Name); ok && inst.State == service.StateStopping {
			return ipc.Successf("Service '%s' stopping", req.Name)
		}
		return ipc.Successf("Service '%s' stopped", req.Name)
	case ipc.RestartService:
		if err := d.sup.Restart(ctx, req.Name); err != nil {
			return failure("restart", req.Name, err)
		}
		return ipc.Successf("Service '%s' restarted", req.Name)
	case ipc.GetStatus:
		if !req.Named() {
			return ipc.Response{Kind: ipc.Status, Services: d.Status("")}
		}
		return ipc.Response{Kind: ipc.Status, Services: d.statusOf(req.Name)}
	case ipc.ListServices:
		return ipc.Response{Kind: ipc.ServiceList, Names: d.reg.Names()}
	case ipc.EnableService:
		return ipc.Errorf("enable is not supported in this build")
	case ipc.DisableService:
		return ipc.Errorf("disable is not supported in this build")
	case ipc.ReloadDaemon:
		sum, err := d.Reload()
		if err != nil {
			return ipc.Errorf("Reload failed: %v", err)
		}
		return ipc.Successf("%s", sum)
	}
	return ipc.Errorf("unsupported request %q", req.Kind)
}

// Status returns the view of one service, or of all when name is empty.
// An unknown name yields an empty list.
func (d *Daemon) Status(name string) []service.Status {
	if name != "" {
		return d.statusOf(name)
	}
	out := make([]service.Status, 0, d.reg.Len())
	for n, inst := range d.reg.All() {
		out = append(out, service.View(inst, d.enabled(n)))
	}
	return out
}

// statusOf returns the one service called name, or nothing.
func (d *Daemon) statusOf(name string) []service.Status {
	inst, ok := d.reg.Get(name)
	if !ok {
		return []service.Status{}
	}
	return []service.Status{service.View(inst, d.enabled(name))}
}

// enabled reports whether the service is started at boot.
func (d *Daemon) enabled(name string) bool {
	_, ok := d.autostart[name]
	return ok
}

func failure(op, name string, err error) ipc.Response {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return ipc.Errorf("Service '%s' not found", name)
	case errors.Is(err, supervisor.ErrEmptyCommand):
		return ipc.Errorf("Failed to %s '%s': no start command configured", op, name)
	}
	return ipc.Errorf("Failed to %s '%s': %v", op, name, err)
}
