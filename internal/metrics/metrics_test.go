package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("a")
	IncRestart("a")
	IncStop("a")
	IncCrash("a", true)
	IncKill("a")
	IncSpawnFailure("a")
	RecordStateTransition("a", "stopped", "running")
	IncRequest("StartService", "Success")
	ObserveSweep(0.002)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"juinit_service_starts_total":              false,
		"juinit_service_restarts_total":            false,
		"juinit_service_stops_total":               false,
		"juinit_service_crashes_total":             false,
		"juinit_service_kills_total":               false,
		"juinit_service_spawn_failures_total":      false,
		"juinit_service_state_transitions_total":   false,
		"juinit_service_current_state":             false,
		"juinit_ipc_requests_total":                false,
		"juinit_supervisor_sweep_duration_seconds": false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", mf.GetName())
			}
		}
	}
	for n, ok := range want {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}

	Forget("a")
	mfs, _ = reg.Gather()
	for _, mf := range mfs {
		if mf.GetName() == "juinit_service_starts_total" && len(mf.GetMetric()) != 0 {
			t.Fatalf("series for a should be gone")
		}
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	// must not panic
	IncStart("x")
	RecordStateTransition("x", "a", "b")
	Forget("x")
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(Handler())
	defer srv.Close()
	IncStart("x")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "juinit_service_starts_total") {
		t.Fatalf("metrics output missing starts counter")
	}
}

func TestSamplerReadsOwnProcess(t *testing.T) {
	s := NewSampler(nil)
	pid := os.Getpid()
	out := s.Sample(context.Background(), map[string]int{"self": pid, "none": 0})
	u, ok := out["self"]
	if !ok {
		t.Fatalf("no sample for own pid")
	}
	if u.PID != pid || u.RSS == 0 || u.NumThreads == 0 {
		t.Fatalf("unexpected usage: %+v", u)
	}
	if _, ok := out["none"]; ok {
		t.Fatalf("pid 0 must be skipped")
	}
	out = s.Sample(context.Background(), map[string]int{})
	if len(out) != 0 || len(s.procs) != 0 {
		t.Fatalf("stale handles not dropped")
	}
}
