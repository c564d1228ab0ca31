package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/loykin/juinit/internal/config"
	"github.com/loykin/juinit/internal/ipc"
	"github.com/loykin/juinit/pkg/client"
	"github.com/spf13/cobra"
)

const defaultConfigHint = config.DefaultPath

// command binds the CLI handlers to their output streams.
type command struct {
	out    io.Writer
	errOut io.Writer
	flags  *GlobalFlags
}

func newCommand(out, errOut io.Writer) *command {
	return &command{out: out, errOut: errOut, flags: &GlobalFlags{}}
}

// socketPath resolves --socket, then the configuration (which already
// honors $JUINIT_SOCKET), then the built-in default.
func (c *command) socketPath() string {
	if c.flags.Socket != "" {
		return c.flags.Socket
	}
	if cfg, err := config.Load(c.flags.ConfigPath); err == nil {
		return cfg.Socket
	}
	return ipc.SocketPath()
}

func (c *command) control() *client.Control {
	return client.NewControl(c.socketPath(), c.flags.Timeout)
}

// report prints the outcome of an action. A refusal by the daemon is a
// handled outcome; only transport failures are returned.
func (c *command) report(msg string, err error) error {
	var remote *client.RemoteError
	switch {
	case errors.As(err, &remote):
		_, _ = fmt.Fprintf(c.errOut, "✗ Error: %s\n", remote.Message)
		return nil
	case err != nil:
		return err
	}
	_, _ = fmt.Fprintf(c.out, "✓ %s\n", msg)
	return nil
}

func (c *command) Start(ctx context.Context, name string) error {
	_, _ = fmt.Fprintf(c.out, "Starting service: %s\n", name)
	return c.report(c.control().Start(ctx, name))
}

func (c *command) Stop(ctx context.Context, name string) error {
	_, _ = fmt.Fprintf(c.out, "Stopping service: %s\n", name)
	return c.report(c.control().Stop(ctx, name))
}

func (c *command) Restart(ctx context.Context, name string) error {
	_, _ = fmt.Fprintf(c.out, "Restarting service: %s\n", name)
	return c.report(c.control().Restart(ctx, name))
}

func (c *command) Enable(ctx context.Context, name string) error {
	_, _ = fmt.Fprintf(c.out, "Enabling service: %s\n", name)
	return c.report(c.control().Enable(ctx, name))
}

func (c *command) Disable(ctx context.Context, name string) error {
	_, _ = fmt.Fprintf(c.out, "Disabling service: %s\n", name)
	return c.report(c.control().Disable(ctx, name))
}

func (c *command) Reload(ctx context.Context) error {
	_, _ = fmt.Fprintln(c.out, "Reloading juinit daemon configuration")
	return c.report(c.control().Reload(ctx))
}

// Status prints one service, or all of them, as a table or as JSON.
func (c *command) Status(ctx context.Context, name string, asJSON bool) error {
	services, err := c.control().Status(ctx, name)
	var remote *client.RemoteError
	if errors.As(err, &remote) {
		return c.report("", err)
	}
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(c.out, services)
	}
	if len(services) == 0 {
		_, _ = fmt.Fprintln(c.out, "No services found")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tSTATE\tPID\tENABLED\tRESTARTS")
	for _, s := range services {
		pid := "-"
		if s.PID != nil {
			pid = fmt.Sprint(*s.PID)
		}
		enabled := "disabled"
		if s.Enabled {
			enabled = "enabled"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", s.Name, s.State, pid, enabled, s.RestartCount)
	}
	return tw.Flush()
}

func (c *command) List(ctx context.Context) error {
	names, err := c.control().List(ctx)
	var remote *client.RemoteError
	if errors.As(err, &remote) {
		return c.report("", err)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "Available services:")
	for _, n := range names {
		_, _ = fmt.Fprintf(c.out, "  • %s\n", n)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// createServiceCommand creates a subcommand acting on exactly one service.
func createServiceCommand(c *command, use, short string, run func(context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <service>",
		Short: short,
		Long: fmt.Sprintf(`%s.

Examples:
  juinit %s web`, short, use),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), strings.TrimSpace(args[0]))
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c *command) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [service]",
		Short: "Show service status",
		Long: `Show the state of one service, or of every service when no name is given.

Examples:
  juinit status
  juinit status web --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Status(cmd.Context(), name, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createListCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context())
		},
	}
}

func createReloadCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon-reload",
		Short: "Reload daemon configuration",
		Long:  "Re-read the service directory. Running services keep their state.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reload(cmd.Context())
		},
	}
}
