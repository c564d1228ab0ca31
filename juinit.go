// Package juinit is the embedding API of the juinit service supervisor.
// It re-exports the daemon, its configuration and the service model so a
// program can host the supervisor in-process instead of running the binary.
package juinit

import (
	"context"
	"net/http"
	"time"

	cfg "github.com/loykin/juinit/internal/config"
	"github.com/loykin/juinit/internal/daemon"
	"github.com/loykin/juinit/internal/history"
	"github.com/loykin/juinit/internal/loader"
	"github.com/loykin/juinit/internal/metrics"
	"github.com/loykin/juinit/internal/server"
	"github.com/loykin/juinit/internal/service"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Definition = service.Definition

type Status = service.Status

type HistorySink = history.Sink

type HistoryEvent = history.Event

type ReloadSummary = daemon.ReloadSummary

// Options tune an embedded daemon.
type Options = daemon.Options

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config { return cfg.Default() }

// LoadConfig reads a TOML configuration file with JUINIT_* overrides.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// ParseDefinition decodes one service TOML document.
func ParseDefinition(data []byte) (Definition, error) { return loader.Parse(data) }

// LoadDefinitions reads every service file in dir.
func LoadDefinitions(dir string) ([]Definition, error) { return loader.LoadAll(dir, nil) }

// Daemon is a thin facade over internal/daemon.
type Daemon struct{ inner *daemon.Daemon }

func New(c *Config, opts Options) (*Daemon, error) {
	d, err := daemon.New(c, opts)
	if err != nil {
		return nil, err
	}
	return &Daemon{inner: d}, nil
}

// Run serves the control socket and supervises services until ctx is done.
func (d *Daemon) Run(ctx context.Context) error { return d.inner.Run(ctx) }

// Ready is closed once the control socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} { return d.inner.Ready() }

func (d *Daemon) Reload() (ReloadSummary, error) { return d.inner.Reload() }
func (d *Daemon) Start(name string) error         { return d.inner.Supervisor().Start(name) }
func (d *Daemon) Stop(name string) error          { return d.inner.Supervisor().Stop(name) }
func (d *Daemon) Restart(ctx context.Context, name string) error {
	return d.inner.Supervisor().Restart(ctx, name)
}
func (d *Daemon) Status(name string) []Status { return d.inner.Status(name) }
func (d *Daemon) Names() []string             { return d.inner.Registry().Names() }

// Handler returns the admin HTTP API of d, mounted under basePath.
func (d *Daemon) Handler(basePath string) http.Handler {
	return server.NewRouter(d.inner, basePath).Handler()
}

// NewHTTPServer wraps the admin API of d in an http.Server listening on addr.
func NewHTTPServer(addr, basePath string, d *Daemon) *http.Server {
	return server.NewHTTPServer(addr, d.Handler(basePath))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler { return metrics.Handler() }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
