// Package supervisor drives service instances through their lifecycle:
// start, stop, restart, and the periodic liveness sweep that detects
// crashes and applies restart policy.
//
// Every read-decide-write step happens inside one registry critical
// section. Spawning and waiting never happen under the registry lock.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/juinit/internal/env"
	"github.com/loykin/juinit/internal/history"
	"github.com/loykin/juinit/internal/metrics"
	"github.com/loykin/juinit/internal/process"
	"github.com/loykin/juinit/internal/registry"
	"github.com/loykin/juinit/internal/service"
)

var (
	// ErrEmptyCommand is reported when a service has no start command.
	ErrEmptyCommand = process.ErrEmptyCommand
	// ErrStopping is returned by Start while a stop is still in progress.
	ErrStopping = errors.New("service is stopping")
)

// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL.
const DefaultStopTimeout = 10 * time.Second

// OS is the operating-system surface the supervisor needs.
type OS interface {
	Launch(spec process.Spec) (int, error)
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) bool
	Reap() []process.Exited
}

// Options tune a Supervisor. Zero values select defaults.
type Options struct {
	StopTimeout  time.Duration
	Env          *env.Env
	Journal      *history.Journal
	PIDDir       string // when set, <PIDDir>/<name>.pid tracks running services
	PollInterval time.Duration
	Log          *slog.Logger
	Now          func() time.Time
	// Wake, when set, is called after an exit was attached outside a
	// sweep; the next sweep settles it.
	Wake func()
}

type Supervisor struct {
	reg         *registry.Registry
	os          OS
	env         *env.Env
	journal     *history.Journal
	pidDir      string
	stopTimeout time.Duration
	poll        time.Duration
	log         *slog.Logger
	now         func() time.Time
	wake        func()

	// exits reaped while a spawn was in flight, before it committed the pid
	exitMu     sync.Mutex
	early      map[int]heldExit
	earlyOrder []int
	exitSeq    uint64 // bumped per held exit
	inflight   int    // spawns between Launch and commit
}

type heldExit struct {
	exit service.Exit
	seq  uint64
}

const maxHeldExits = 128

func New(reg *registry.Registry, sys OS, opts Options) *Supervisor {
	s := &Supervisor{
		reg:         reg,
		os:          sys,
		env:         opts.Env,
		journal:     opts.Journal,
		pidDir:      opts.PIDDir,
		stopTimeout: opts.StopTimeout,
		poll:        opts.PollInterval,
		log:         opts.Log,
		now:         opts.Now,
		wake:        opts.Wake,
	}
	if s.env == nil {
		s.env = env.New()
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = DefaultStopTimeout
	}
	if s.poll <= 0 {
		s.poll = 50 * time.Millisecond
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Registry returns the registry the supervisor mutates.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Start launches the named service. Starting a service that is already
// running, or whose start is in flight, succeeds without side effects.
func (s *Supervisor) Start(name string) error {
	var (
		def     service.Definition
		claim   uint64
		claimed bool
		fx      effects
	)
	err := s.reg.Update(name, func(inst *service.Instance) error {
		now := s.now()
		switch inst.State {
		case service.StateStopping:
			return ErrStopping
		case service.StateRunning:
			if inst.Alive() {
				return nil
			}
			// exited but not yet swept; the manual start wins
			s.noteExit(&fx, inst)
			inst.ClearProcess(now)
		case service.StateStarting:
			if inst.Alive() {
				return nil
			}
			if inst.PID == 0 && !inst.RestartPending() {
				return nil // another start is spawning right now
			}
			if inst.PID != 0 {
				inst.ClearProcess(now)
			}
		}
		fx.transition(inst, service.StateStarting)
		inst.State = service.StateStarting
		inst.NextRestartAt = time.Time{}
		inst.LastError = ""
		inst.RestartCount = 0
		inst.Generation++
		def, claim, claimed = inst.Definition, inst.Generation, true
		return nil
	})
	s.apply(fx)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	return s.spawn(name, def, claim)
}

// spawn launches def outside the registry lock and commits the outcome if
// the claim identified by gen still holds.
func (s *Supervisor) spawn(name string, def service.Definition, gen uint64) error {
	s.exitMu.Lock()
	s.inflight++
	since := s.exitSeq
	s.exitMu.Unlock()

	pid, launchErr := s.os.Launch(s.specFor(def))
	var (
		fx    effects
		stray bool
	)
	s.exitMu.Lock()
	uerr := s.reg.Update(name, func(inst *service.Instance) error {
		now := s.now()
		owned := inst.Generation == gen && inst.State == service.StateStarting && inst.PID == 0
		if launchErr != nil {
			if owned {
				fx.transition(inst, service.StateFailed)
				inst.State = service.StateFailed
				inst.LastError = launchErr.Error()
				inst.StoppedAt = now
				fx.event(history.EventSpawnFailure, inst, launchErr.Error())
				fx.spawnFailed = true
			}
			return nil
		}
		if owned {
			fx.transition(inst, service.StateRunning)
			inst.State = service.StateRunning
			inst.PID = pid
			inst.Exit = nil
			if exit, ok := s.takeExit(pid, since); ok {
				inst.Exit = &exit
				fx.unsettled = true
			}
			inst.StartedAt = now
			fx.started = true
			fx.pid = pid
			fx.event(history.EventStart, inst, "")
			return nil
		}
		// The claim was lost while spawning, usually to a stop. Adopt the
		// process as stopping when nothing else holds a pid, so the
		// sweep confirms its exit and escalates if needed.
		stray = true
		if inst.PID == 0 {
			fx.transition(inst, service.StateStopping)
			inst.State = service.StateStopping
			inst.PID = pid
			inst.Exit = nil
			inst.StopRequestedAt = now
			inst.Escalated = false
			stray = false
			if exit, ok := s.takeExit(pid, since); ok {
				inst.Exit = &exit
				s.confirmStopped(&fx, inst)
				return nil
			}
		}
		if err := s.os.Signal(pid, syscall.SIGTERM); err != nil && !stray {
			s.signalFailed(&fx, inst, err)
		}
		return nil
	})
	s.settleInflight()
	s.exitMu.Unlock()
	if errors.Is(uerr, registry.ErrNotFound) && launchErr == nil {
		// removed while spawning
		stray = true
		_ = s.os.Signal(pid, syscall.SIGKILL)
	}
	if stray {
		s.log.Warn("terminating process spawned for a superseded start", "service", name, "pid", pid)
	}
	fx.name = name
	s.apply(fx)
	if launchErr != nil {
		s.log.Error("service spawn failed", "service", name, "error", launchErr)
		if errors.Is(launchErr, ErrEmptyCommand) {
			return fmt.Errorf("start %s: %w", name, ErrEmptyCommand)
		}
		return fmt.Errorf("start %s: %w", name, launchErr)
	}
	if uerr == nil && !stray {
		s.log.Info("service started", "service", name, "pid", pid)
	}
	return nil
}

// Stop requests termination of the named service. Stopping a service that
// is stopped, failed, or already stopping succeeds without side effects.
func (s *Supervisor) Stop(name string) error {
	var (
		fx      effects
		stopCmd bool
		def     service.Definition
		pid     int
		sigErr  error
	)
	err := s.reg.Update(name, func(inst *service.Instance) error {
		now := s.now()
		switch inst.State {
		case service.StateStopped, service.StateStopping, service.StateFailed:
			return nil
		}
		if !inst.Alive() {
			// start in flight, pending restart, or exited awaiting the sweep
			if inst.PID != 0 {
				s.noteExit(&fx, inst)
			}
			fx.transition(inst, service.StateStopped)
			inst.ClearProcess(now)
			inst.State = service.StateStopped
			inst.NextRestartAt = time.Time{}
			fx.stopped = true
			fx.event(history.EventStop, inst, "stopped before running")
			return nil
		}
		fx.transition(inst, service.StateStopping)
		inst.State = service.StateStopping
		inst.StopRequestedAt = now
		inst.Escalated = false
		if inst.Definition.Exec.Stop != "" {
			stopCmd, def, pid = true, inst.Definition, inst.PID
			return nil
		}
		if err := s.os.Signal(inst.PID, syscall.SIGTERM); err != nil {
			if !errors.Is(err, syscall.ESRCH) {
				sigErr = err
			}
			s.signalFailed(&fx, inst, err)
		}
		return nil
	})
	fx.name = name
	s.apply(fx)
	if err != nil {
		return err
	}
	if sigErr != nil {
		return fmt.Errorf("stop %s: %w", name, sigErr)
	}
	if stopCmd {
		return s.runStopCommand(name, def, pid)
	}
	return nil
}

// runStopCommand spawns exec.stop. If it cannot be launched the service
// gets SIGTERM instead. Its exit is reaped like any other child.
func (s *Supervisor) runStopCommand(name string, def service.Definition, pid int) error {
	spec := s.specFor(def)
	spec.Command = def.Exec.Stop
	helper, err := s.os.Launch(spec)
	if err == nil {
		s.log.Info("stop command launched", "service", name, "pid", pid, "helper_pid", helper)
		return nil
	}
	s.log.Warn("stop command failed, sending SIGTERM", "service", name, "error", err)
	var (
		fx     effects
		sigErr error
	)
	_ = s.reg.Update(name, func(inst *service.Instance) error {
		if inst.State != service.StateStopping || inst.PID != pid || !inst.Alive() {
			return nil
		}
		if serr := s.os.Signal(pid, syscall.SIGTERM); serr != nil {
			if !errors.Is(serr, syscall.ESRCH) {
				sigErr = serr
			}
			s.signalFailed(&fx, inst, serr)
		}
		return nil
	})
	fx.name = name
	s.apply(fx)
	if sigErr != nil {
		return fmt.Errorf("stop %s: %w", name, sigErr)
	}
	return nil
}

// Restart stops the service (best effort), waits for the stop to be
// confirmed, then starts it again.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	if err := s.Stop(name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return err
		}
		s.log.Warn("restart: stop failed, starting anyway", "service", name, "error", err)
	}
	inst, ok := s.reg.Get(name)
	if !ok {
		return registry.ErrNotFound
	}
	timeout := inst.Definition.StopTimeout(s.stopTimeout) + 5*time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for inst.State == service.StateStopping {
		select {
		case <-ctx.Done():
			return fmt.Errorf("restart %s: timed out waiting for stop: %w", name, ctx.Err())
		case <-t.C:
		}
		s.Sweep()
		if inst, ok = s.reg.Get(name); !ok {
			return registry.ErrNotFound
		}
	}
	return s.Start(name)
}

// StopAll stops every service and waits until none is stopping or ctx is
// done. Whatever is still alive then gets SIGKILL.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, name := range s.reg.Names() {
		if err := s.Stop(name); err != nil {
			s.log.Warn("shutdown: stop failed", "service", name, "error", err)
		}
	}
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		s.Sweep()
		if s.countStopping() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			for name, inst := range s.reg.All() {
				if inst.State == service.StateStopping && inst.PID != 0 {
					s.log.Warn("shutdown: killing service", "service", name, "pid", inst.PID)
					_ = s.os.Signal(inst.PID, syscall.SIGKILL)
				}
			}
			return
		case <-t.C:
		}
	}
}

func (s *Supervisor) countStopping() int {
	n := 0
	for _, inst := range s.reg.All() {
		if inst.State == service.StateStopping {
			n++
		}
	}
	return n
}

// RunningPIDs returns name -> pid for every instance holding a live pid.
func (s *Supervisor) RunningPIDs() map[string]int {
	out := make(map[string]int)
	for name, inst := range s.reg.All() {
		if inst.Alive() {
			out[name] = inst.PID
		}
	}
	return out
}

func (s *Supervisor) specFor(def service.Definition) process.Spec {
	return process.Spec{
		Name:    def.Name,
		Command: def.Exec.Start,
		Env:     s.env.Merge(def.Environment),
		Dir:     def.Exec.WorkingDirectory,
		User:    def.Exec.User,
		Group:   def.Exec.Group,
	}
}

// signalFailed handles a failed kill. A vanished process means the stop is
// already done; anything else parks the instance in Failed.
func (s *Supervisor) signalFailed(fx *effects, inst *service.Instance, err error) {
	now := s.now()
	if errors.Is(err, syscall.ESRCH) {
		fx.transition(inst, service.StateStopped)
		inst.ClearProcess(now)
		inst.State = service.StateStopped
		fx.stopped = true
		fx.event(history.EventStop, inst, "process already gone")
		return
	}
	s.log.Error("signal delivery failed", "service", inst.Definition.Name, "pid", inst.PID, "error", err)
	fx.transition(inst, service.StateFailed)
	inst.ClearProcess(now)
	inst.State = service.StateFailed
	inst.LastError = "signal: " + err.Error()
	fx.event(history.EventFail, inst, inst.LastError)
}

func (s *Supervisor) noteExit(fx *effects, inst *service.Instance) {
	if inst.Exit != nil {
		fx.exitEvent(history.EventExit, inst, inst.Exit, inst.Exit.String())
	}
}

func (s *Supervisor) pidFile(name string) string {
	if s.pidDir == "" {
		return ""
	}
	return filepath.Join(s.pidDir, name+".pid")
}

// effects collects side effects decided under the registry lock so they
// run after it is released.
type effects struct {
	name        string
	transitions [][2]service.State
	events      []history.Event
	pid         int // of a successful spawn
	started     bool
	stopped     bool
	spawnFailed bool
	crashed     bool
	restarted   bool
	killed      bool
	unsettled   bool // a held exit was attached at spawn

	crashSignaled bool
}

func (fx *effects) transition(inst *service.Instance, to service.State) {
	if fx.name == "" {
		fx.name = inst.Definition.Name
	}
	if inst.State != to {
		fx.transitions = append(fx.transitions, [2]service.State{inst.State, to})
	}
}

func (fx *effects) event(t history.EventType, inst *service.Instance, msg string) {
	fx.exitEvent(t, inst, nil, msg)
}

// exitEvent records an event carrying a reaped exit status, if known.
func (fx *effects) exitEvent(t history.EventType, inst *service.Instance, exit *service.Exit, msg string) {
	rec := history.Record{
		Service:      inst.Definition.Name,
		PID:          inst.PID,
		State:        inst.State.String(),
		RestartCount: inst.RestartCount,
		Message:      msg,
	}
	if rec.PID == 0 {
		rec.PID = inst.LastPID
	}
	if exit != nil {
		code := exit.Code
		rec.ExitCode = &code
		rec.Signal = exit.Signal
	}
	fx.events = append(fx.events, history.Event{Type: t, Record: rec})
}

func (s *Supervisor) apply(fx effects) {
	settled := false
	for _, tr := range fx.transitions {
		metrics.RecordStateTransition(fx.name, tr[0].String(), tr[1].String())
		if tr[1] == service.StateStopped || tr[1] == service.StateFailed {
			settled = true
		}
	}
	if fx.started {
		metrics.IncStart(fx.name)
	}
	if fx.stopped {
		metrics.IncStop(fx.name)
	}
	if fx.spawnFailed {
		metrics.IncSpawnFailure(fx.name)
	}
	if fx.crashed {
		metrics.IncCrash(fx.name, fx.crashSignaled)
	}
	if fx.restarted {
		metrics.IncRestart(fx.name)
	}
	if fx.killed {
		metrics.IncKill(fx.name)
	}
	if path := s.pidFile(fx.name); path != "" {
		switch {
		case fx.started:
			if err := process.WritePIDFile(path, fx.pid); err != nil {
				s.log.Warn("pid file write failed", "service", fx.name, "error", err)
			}
		case settled:
			_ = process.RemovePIDFile(path)
		}
	}
	now := s.now().UTC()
	for _, e := range fx.events {
		e.OccurredAt = now
		s.journal.Record(e)
	}
	if fx.unsettled && s.wake != nil {
		s.wake()
	}
}
