package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the service's main process.",
		}, []string{"name"},
	)
	memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the service's main process.",
		}, []string{"name"},
	)
	numThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "num_threads",
			Help:      "Thread count of the service's main process.",
		}, []string{"name"},
	)
)

// Usage is one resource sample of a service process.
type Usage struct {
	PID        int
	CPUPercent float64
	RSS        uint64
	NumThreads int32
}

// Sampler samples per-service resource usage. Process handles are cached
// per pid so CPU percentages are computed between consecutive samples.
type Sampler struct {
	log *slog.Logger

	mu    sync.Mutex
	procs map[string]*process.Process
}

func NewSampler(log *slog.Logger) *Sampler {
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{log: log, procs: make(map[string]*process.Process)}
}

// Sample reads usage for every name -> pid entry and updates the gauges.
// Services missing from pids have their series removed.
func (s *Sampler) Sample(ctx context.Context, pids map[string]int) map[string]Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Usage, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		p, ok := s.procs[name]
		if !ok || int(p.Pid) != pid {
			np, err := process.NewProcessWithContext(ctx, int32(pid))
			if err != nil {
				s.log.Debug("resource sample skipped", "service", name, "pid", pid, "error", err)
				continue
			}
			p = np
			s.procs[name] = p
		}
		u := Usage{PID: pid}
		if v, err := p.PercentWithContext(ctx, 0); err == nil {
			u.CPUPercent = v
		}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			u.RSS = mi.RSS
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			u.NumThreads = n
		}
		out[name] = u
		if regOK.Load() {
			cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
			memoryRSS.WithLabelValues(name).Set(float64(u.RSS))
			numThreads.WithLabelValues(name).Set(float64(u.NumThreads))
		}
	}
	for name := range s.procs {
		if _, ok := pids[name]; ok {
			continue
		}
		delete(s.procs, name)
		if regOK.Load() {
			cpuPercent.DeleteLabelValues(name)
			memoryRSS.DeleteLabelValues(name)
			numThreads.DeleteLabelValues(name)
		}
	}
	return out
}

// Run samples every interval until ctx is done.
func (s *Sampler) Run(ctx context.Context, interval time.Duration, pids func() map[string]int) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sample(ctx, pids())
		}
	}
}
