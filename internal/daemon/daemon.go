// Package daemon composes the supervisor, its control plane and the
// background loops into the long-running juinit process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/juinit/internal/boot"
	"github.com/loykin/juinit/internal/config"
	"github.com/loykin/juinit/internal/env"
	"github.com/loykin/juinit/internal/history"
	"github.com/loykin/juinit/internal/history/factory"
	"github.com/loykin/juinit/internal/metrics"
	"github.com/loykin/juinit/internal/process"
	"github.com/loykin/juinit/internal/registry"
	"github.com/loykin/juinit/internal/server"
	"github.com/loykin/juinit/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"vawter.tech/stopper"
)

// Options carry what the configuration file cannot express.
type Options struct {
	Log *slog.Logger
	// OS replaces the real process backend. Used by tests.
	OS supervisor.OS
	// Sinks are added to the ones built from history DSNs.
	Sinks []history.Sink
	// Init selects PID-1 behavior: boot mounts and reaping of every child.
	Init bool
	// Subreaper asks the kernel to re-parent orphaned descendants to us.
	Subreaper bool
	Now       func() time.Time
}

type Daemon struct {
	cfg     *config.Config
	opts    Options
	log     *slog.Logger
	reg     *registry.Registry
	sup     *supervisor.Supervisor
	journal *history.Journal
	sampler *metrics.Sampler

	launcher *process.Launcher // nil when Options.OS is set

	autostart map[string]struct{}
	kick      chan struct{}
	reloadMu  sync.Mutex
	ready     chan struct{}
}

// New builds a daemon from cfg. Nothing is started until Run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	global, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global environment: %w", err)
	}
	base := env.FromList(nil)
	if cfg.UseOSEnv {
		base = env.New()
	}

	sinks, err := factory.NewSinks(cfg.History.Sinks())
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	sinks = append(sinks, opts.Sinks...)
	journal := history.NewJournal(log.With("component", "history"), sinks...)

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		log:       log,
		reg:       registry.New(),
		journal:   journal,
		sampler:   metrics.NewSampler(log),
		autostart: make(map[string]struct{}, len(cfg.Autostart)),
		kick:      make(chan struct{}, 1),
		ready:     make(chan struct{}),
	}
	for _, name := range cfg.Autostart {
		d.autostart[name] = struct{}{}
	}

	sys := opts.OS
	if sys == nil {
		reapAll := opts.Init
		if !reapAll && opts.Subreaper {
			if err := boot.SetSubreaper(); err != nil {
				log.Warn("child subreaper unavailable", "error", err)
			} else {
				reapAll = true
			}
		}
		out := process.NewOutput(cfg.OutputDir, cfg.Output, log)
		d.launcher = process.NewLauncher(process.NewReaper(reapAll, log), out, log)
		sys = d.launcher
	}
	d.sup = supervisor.New(d.reg, sys, supervisor.Options{
		StopTimeout: cfg.StopTimeout,
		Env:         base.WithGlobal(global),
		Journal:     journal,
		PIDDir:      cfg.PIDDir,
		Log:         log,
		Now:         opts.Now,
		Wake:        d.Kick,
	})
	return d, nil
}

// Supervisor returns the supervisor driven by the daemon.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// Registry returns the service registry.
func (d *Daemon) Registry() *registry.Registry { return d.reg }

// Ready is closed once the control socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Kick asks the sweep loop to run now. It never blocks.
func (d *Daemon) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run loads definitions, serves the control socket and supervises services
// until ctx is done, then stops every service within shutdown_timeout.
// Only a failure to bind the socket is returned.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfg
	if d.opts.Init {
		boot.Run(boot.Options{
			SkipMounts: !cfg.BootMounts,
			Dirs:       []string{filepath.Dir(cfg.Socket)},
			Log:        d.log,
		})
	}
	if cfg.PIDFile != "" {
		if err := process.WritePIDFile(cfg.PIDFile, os.Getpid()); err != nil {
			d.log.Warn("write daemon pid file failed", "path", cfg.PIDFile, "error", err)
		} else {
			defer func() { _ = process.RemovePIDFile(cfg.PIDFile) }()
		}
	}
	if _, err := d.Reload(); err != nil {
		d.log.Error("initial service load failed", "dir", cfg.ServiceDir, "error", err)
	}

	srv, err := server.Listen(cfg.Socket, d, server.Options{Timeout: cfg.IPCTimeout, Log: d.log})
	if err != nil {
		return err
	}

	sctx := stopper.WithContext(context.WithoutCancel(ctx))
	sctx.Defer(func() { _ = srv.Close() })
	sctx.Go(func(sctx *stopper.Context) error {
		c, cancel := untilStopping(sctx)
		defer cancel()
		return srv.Serve(c)
	})
	sctx.Go(func(sctx *stopper.Context) error {
		c, cancel := untilStopping(sctx)
		defer cancel()
		d.journal.Run(c)
		return nil
	})
	sctx.Go(d.sweepLoop)
	if d.launcher != nil {
		sctx.Go(func(sctx *stopper.Context) error {
			c, cancel := untilStopping(sctx)
			defer cancel()
			d.launcher.Reaper().Run(c, cfg.SweepInterval, d.onExits)
			return nil
		})
	}
	d.handleHangup(sctx)
	if cfg.Watch {
		if err := d.watch(sctx); err != nil {
			d.log.Warn("service directory watch disabled", "dir", cfg.ServiceDir, "error", err)
		}
	}
	if cfg.Metrics.Listen != "" {
		d.serveHTTP(sctx)
	}

	for _, name := range cfg.Autostart {
		if err := d.sup.Start(name); err != nil {
			d.log.Warn("autostart failed", "service", name, "error", err)
		}
	}
	close(d.ready)
	d.log.Info("juinit daemon ready", "socket", srv.Path(), "services", d.reg.Len(), "pid", os.Getpid())

	select {
	case <-ctx.Done():
	case <-sctx.Stopping():
	}
	d.log.Info("juinit daemon shutting down", "timeout", cfg.ShutdownTimeout)
	_ = srv.Close()
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	d.sup.StopAll(stopCtx)
	cancel()

	sctx.Stop(5 * time.Second)
	err = sctx.Wait()
	if cerr := d.journal.Close(); cerr != nil {
		d.log.Warn("close history sinks", "error", cerr)
	}
	if d.launcher != nil {
		_ = d.launcher.Output().Close()
	}
	d.log.Info("juinit daemon stopped")
	return err
}

// untilStopping derives a context that ends when sctx begins stopping,
// for APIs that only understand ctx.Done.
func untilStopping(sctx *stopper.Context) (context.Context, context.CancelFunc) {
	c, cancel := context.WithCancel(sctx)
	go func() {
		select {
		case <-sctx.Stopping():
			cancel()
		case <-c.Done():
		}
	}()
	return c, cancel
}

func (d *Daemon) onExits(exits []process.Exited) {
	d.sup.RecordExits(exits)
	d.Kick()
}

// sweepLoop sweeps every sweep_interval, on every kick, and when the
// earliest delayed restart falls due.
func (d *Daemon) sweepLoop(sctx *stopper.Context) error {
	interval := d.cfg.SweepInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-sctx.Stopping():
			return nil
		case <-timer.C:
		case <-d.kick:
		}
		d.sup.Sweep()
		wait := interval
		if at, ok := d.sup.NextRestartAt(); ok {
			wait = min(wait, max(at.Sub(d.now()), 10*time.Millisecond))
		}
		timer.Reset(wait)
	}
}

func (d *Daemon) now() time.Time {
	if d.opts.Now != nil {
		return d.opts.Now()
	}
	return time.Now()
}

// handleHangup reloads definitions on SIGHUP.
func (d *Daemon) handleHangup(sctx *stopper.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	sctx.Defer(func() { signal.Stop(hup) })
	sctx.Go(func(sctx *stopper.Context) error {
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case <-hup:
				if _, err := d.Reload(); err != nil {
					d.log.Error("reload on SIGHUP failed", "error", err)
				}
			}
		}
	})
}

// serveHTTP runs the admin router and the resource sampler.
func (d *Daemon) serveHTTP(sctx *stopper.Context) {
	cfg := d.cfg.Metrics
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		d.log.Warn("metrics registration failed", "error", err)
	}
	hs := server.NewHTTPServer(cfg.Listen, server.NewRouter(d, cfg.BasePath).Handler())
	sctx.Go(func(sctx *stopper.Context) error {
		errc := make(chan error, 1)
		go func() { errc <- hs.ListenAndServe() }()
		d.log.Info("admin http listening", "addr", cfg.Listen, "base_path", cfg.BasePath)
		select {
		case <-sctx.Stopping():
			c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = hs.Shutdown(c)
			return nil
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("admin http server failed", "addr", cfg.Listen, "error", err)
			}
			return nil
		}
	})
	sctx.Go(func(sctx *stopper.Context) error {
		c, cancel := untilStopping(sctx)
		defer cancel()
		d.sampler.Run(c, cfg.SampleInterval, d.sup.RunningPIDs)
		return nil
	})
}
