// Package metrics exposes Prometheus collectors for supervised services and
// the control plane. Helpers are no-ops until Register succeeds.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "juinit"

var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service process spawns.",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts scheduled by the restart policy.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of confirmed stops.",
		}, []string{"name"},
	)
	serviceCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "crashes_total",
			Help:      "Number of unexpected process exits, by whether it was signal-terminated.",
		}, []string{"name", "signaled"},
	)
	serviceKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "kills_total",
			Help:      "Number of SIGKILL escalations after the stop timeout.",
		}, []string{"name"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "spawn_failures_total",
			Help:      "Number of failed spawn attempts.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between service states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	ipcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "Control-plane requests by type and response kind.",
		}, []string{"type", "response"},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "sweep_duration_seconds",
			Help:      "Time spent in one liveness sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		serviceStarts, serviceRestarts, serviceStops, serviceCrashes, serviceKills,
		spawnFailures, stateTransitions, currentStates, ipcRequests, sweepDuration,
		cpuPercent, memoryRSS, numThreads,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string, signaled bool) {
	if regOK.Load() {
		l := "false"
		if signaled {
			l = "true"
		}
		serviceCrashes.WithLabelValues(name, l).Inc()
	}
}

func IncKill(name string) {
	if regOK.Load() {
		serviceKills.WithLabelValues(name).Inc()
	}
}

func IncSpawnFailure(name string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name).Inc()
	}
}

// RecordStateTransition counts the transition and flips the current-state gauge.
func RecordStateTransition(name, from, to string) {
	if !regOK.Load() || from == to {
		return
	}
	stateTransitions.WithLabelValues(name, from, to).Inc()
	currentStates.WithLabelValues(name, from).Set(0)
	currentStates.WithLabelValues(name, to).Set(1)
}

func IncRequest(kind, response string) {
	if regOK.Load() {
		ipcRequests.WithLabelValues(kind, response).Inc()
	}
}

func ObserveSweep(seconds float64) {
	if regOK.Load() {
		sweepDuration.Observe(seconds)
	}
}

// Forget drops every per-service series for name, after it left the registry.
func Forget(name string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"name": name}
	for _, v := range []*prometheus.CounterVec{serviceStarts, serviceRestarts, serviceStops, serviceCrashes, serviceKills, spawnFailures, stateTransitions} {
		v.DeletePartialMatch(l)
	}
	for _, v := range []*prometheus.GaugeVec{currentStates, cpuPercent, memoryRSS, numThreads} {
		v.DeletePartialMatch(l)
	}
}
