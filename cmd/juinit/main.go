package main

import (
	"fmt"
	"os"
	"time"

	"github.com/loykin/juinit/internal/boot"
	"github.com/spf13/cobra"
)

func main() {
	// As PID 1 there is nobody to type a subcommand: run the supervisor.
	if boot.IsPID1() {
		if err := runServe(&ServeFlags{}, &GlobalFlags{}); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	root := buildRoot(newCommand(os.Stdout, os.Stderr))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	Socket     string
	Timeout    time.Duration
}

// buildRoot creates the root command and its subcommands.
func buildRoot(c *command) *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	c.flags = flags

	root.AddCommand(
		createServiceCommand(c, "start", "Start a service", c.Start),
		createServiceCommand(c, "stop", "Stop a service", c.Stop),
		createServiceCommand(c, "restart", "Restart a service", c.Restart),
		createServiceCommand(c, "enable", "Enable service at boot", c.Enable),
		createServiceCommand(c, "disable", "Disable service at boot", c.Disable),
		createStatusCommand(c),
		createListCommand(c),
		createLogsCommand(c),
		createReloadCommand(c),
		createServeCommand(flags),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "juinit",
		Short: "Service supervisor and init system",
		Long: `juinit supervises long-running services. Run as PID 1 it is the init
process; otherwise its subcommands talk to a running daemon over the
control socket.

Examples:
  juinit status                     # Show all services
  juinit start web
  juinit logs -f web
  juinit serve --config=/etc/juinit/juinit.toml   # Run the daemon`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default "+defaultConfigHint+")")
	root.PersistentFlags().StringVar(&flags.Socket, "socket", "", "control socket path (default $JUINIT_SOCKET or the config value)")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 70*time.Second, "request timeout")
	return root
}
