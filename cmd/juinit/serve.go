package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/juinit/internal/boot"
	"github.com/loykin/juinit/internal/config"
	"github.com/loykin/juinit/internal/daemon"
	"github.com/loykin/juinit/internal/logger"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize bool
	LogFile   string
	Subreaper bool
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"daemon"},
		Short:   "Run the juinit daemon",
		Long: `Run the supervisor in the foreground. As PID 1 this happens without
any subcommand.

Examples:
  juinit serve
  juinit serve --config=./juinit.toml --subreaper
  juinit serve --daemonize --logfile=/var/log/juinit.out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(serveFlags, globalFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file (with --daemonize)")
	cmd.Flags().BoolVar(&serveFlags.Subreaper, "subreaper", false, "adopt orphaned descendants as a child subreaper")
	return cmd
}

func runServe(flags *ServeFlags, g *GlobalFlags) error {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if g.Socket != "" {
		cfg.Socket = g.Socket
	}
	if flags.Daemonize {
		return daemonize(flags.LogFile)
	}

	if cfg.Log.Format == "" && isatty.IsTerminal(os.Stderr.Fd()) {
		cfg.Log.Format = "color"
	}
	log, closer, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	d, err := daemon.New(cfg, daemon.Options{
		Log:       log,
		Init:      boot.IsPID1(),
		Subreaper: flags.Subreaper,
	})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
