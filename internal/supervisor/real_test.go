package supervisor

import (
	"os/exec"
	"testing"
	"time"

	"github.com/loykin/juinit/internal/process"
	"github.com/loykin/juinit/internal/registry"
	"github.com/loykin/juinit/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func realSupervisor(t *testing.T, defs ...service.Definition) *Supervisor {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	reg := registry.New()
	reg.Load(defs)
	return New(reg, process.NewLauncher(nil, nil, nil), Options{
		StopTimeout:  2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
}

func sweepUntil(t *testing.T, s *Supervisor, name string, want service.State) service.Instance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.Sweep()
		inst, ok := s.Registry().Get(name)
		require.True(t, ok)
		if inst.State == want {
			return inst
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: state %s, want %s", name, inst.State, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRealTrueWithNeverPolicy(t *testing.T) {
	s := realSupervisor(t, svc("true", "/bin/true", service.PolicyNever, 5, 3))
	require.NoError(t, s.Start("true"))

	inst := sweepUntil(t, s, "true", service.StateFailed)
	assert.Zero(t, inst.PID)
	assert.Zero(t, inst.RestartCount)
	require.NotNil(t, inst.LastExit)
	assert.Equal(t, 0, inst.LastExit.Code)
}

func TestRealCrashLoop(t *testing.T) {
	s := realSupervisor(t, svc("crash", "sh -c 'exit 1'", service.PolicyAlways, 0, 3))
	require.NoError(t, s.Start("crash"))

	inst := sweepUntil(t, s, "crash", service.StateFailed)
	assert.Equal(t, uint32(3), inst.RestartCount)
	assert.Zero(t, inst.PID)
}

func TestRealStop(t *testing.T) {
	s := realSupervisor(t, svc("sleeper", "sleep 30", service.PolicyAlways, 0, 3))
	require.NoError(t, s.Start("sleeper"))
	inst, _ := s.Registry().Get("sleeper")
	require.Equal(t, service.StateRunning, inst.State)
	pid := inst.PID
	assert.True(t, process.Alive(pid))

	require.NoError(t, s.Stop("sleeper"))
	inst = sweepUntil(t, s, "sleeper", service.StateStopped)
	assert.Zero(t, inst.PID)
	assert.Zero(t, inst.RestartCount)
	assert.False(t, process.Alive(pid))
}

func TestRealStopEscalates(t *testing.T) {
	def := svc("stubborn", `sh -c "trap '' TERM; while :; do sleep 1; done"`, service.PolicyNever, 0, 3)
	def.Exec.StopTimeoutSeconds = 1
	s := realSupervisor(t, def)
	require.NoError(t, s.Start("stubborn"))
	time.Sleep(100 * time.Millisecond) // let the trap install

	require.NoError(t, s.Stop("stubborn"))
	inst := sweepUntil(t, s, "stubborn", service.StateStopped)
	require.NotNil(t, inst.LastExit)
	assert.True(t, inst.LastExit.Signaled)
}
