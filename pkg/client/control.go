package client

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/juinit/internal/ipc"
)

// Control speaks the length-prefixed protocol of the daemon's unix socket.
// Transport failures are returned as plain errors; a refusal by the daemon
// is a *RemoteError.
type Control struct {
	c *ipc.Client
}

// NewControl dials path, or $JUINIT_SOCKET and then the default socket when
// path is empty.
func NewControl(path string, timeout time.Duration) *Control {
	return &Control{c: ipc.NewClient(path, timeout)}
}

// Path returns the socket the client dials.
func (c *Control) Path() string { return c.c.Path() }

func (c *Control) Start(ctx context.Context, name string) (string, error) {
	return c.message(ctx, ipc.Request{Kind: ipc.StartService, Name: name})
}

func (c *Control) Stop(ctx context.Context, name string) (string, error) {
	return c.message(ctx, ipc.Request{Kind: ipc.StopService, Name: name})
}

func (c *Control) Restart(ctx context.Context, name string) (string, error) {
	return c.message(ctx, ipc.Request{Kind: ipc.RestartService, Name: name})
}

func (c *Control) Enable(ctx context.Context, name string) (string, error) {
	return c.message(ctx, ipc.Request{Kind: ipc.EnableService, Name: name})
}

func (c *Control) Disable(ctx context.Context, name string) (string, error) {
	return c.message(ctx, ipc.Request{Kind: ipc.DisableService, Name: name})
}

func (c *Control) Reload(ctx context.Context) (string, error) {
	return c.message(ctx, ipc.Request{Kind: ipc.ReloadDaemon})
}

// Status returns one service, or every service when name is empty. An
// unknown name yields an empty slice.
func (c *Control) Status(ctx context.Context, name string) ([]ServiceStatus, error) {
	resp, err := c.c.Do(ctx, ipc.Request{Kind: ipc.GetStatus, Name: name})
	if err != nil {
		return nil, err
	}
	if err := expect(resp, ipc.Status); err != nil {
		return nil, err
	}
	out := make([]ServiceStatus, 0, len(resp.Services))
	for _, s := range resp.Services {
		out = append(out, ServiceStatus(s))
	}
	return out, nil
}

// List returns the sorted names of every known service.
func (c *Control) List(ctx context.Context) ([]string, error) {
	resp, err := c.c.Do(ctx, ipc.Request{Kind: ipc.ListServices})
	if err != nil {
		return nil, err
	}
	if err := expect(resp, ipc.ServiceList); err != nil {
		return nil, err
	}
	return resp.Names, nil
}

func (c *Control) message(ctx context.Context, req ipc.Request) (string, error) {
	resp, err := c.c.Do(ctx, req)
	if err != nil {
		return "", err
	}
	if err := expect(resp, ipc.Success); err != nil {
		return "", err
	}
	return resp.Message, nil
}

func expect(resp ipc.Response, kind ipc.ResponseKind) error {
	switch resp.Kind {
	case kind:
		return nil
	case ipc.Error:
		return &RemoteError{Message: resp.Message}
	}
	return fmt.Errorf("unexpected %s response from daemon", resp.Kind)
}
