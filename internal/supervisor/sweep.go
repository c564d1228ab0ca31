package supervisor

import (
	"fmt"
	"syscall"
	"time"

	"github.com/loykin/juinit/internal/history"
	"github.com/loykin/juinit/internal/metrics"
	"github.com/loykin/juinit/internal/process"
	"github.com/loykin/juinit/internal/service"
)

// RecordExit attaches a reaped exit status to the instance holding pid.
// A stopping instance is confirmed stopped right away; crashes are left for
// the sweep. It reports whether any instance held pid.
func (s *Supervisor) RecordExit(e process.Exited) bool {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	var fx effects
	matched := s.reg.UpdateWhere(
		func(inst *service.Instance) bool { return inst.PID == e.PID && inst.Exit == nil },
		func(inst *service.Instance) {
			exit := e.Exit
			inst.Exit = &exit
			if inst.State == service.StateStopping {
				s.confirmStopped(&fx, inst)
			}
		})
	if !matched && e.Name != "" {
		s.holdExit(e)
	}
	s.apply(fx)
	return matched
}

// holdExit keeps the status of a launched child whose pid is not committed
// yet, so the spawn that owns it can pick it up. Outside a spawn window the
// child belongs to nobody (a stop helper, a process already given up on)
// and its status is dropped. exitMu must be held.
func (s *Supervisor) holdExit(e process.Exited) {
	if s.inflight == 0 {
		return
	}
	if s.early == nil {
		s.early = make(map[int]heldExit)
	}
	if _, ok := s.early[e.PID]; !ok {
		s.earlyOrder = append(s.earlyOrder, e.PID)
	}
	s.exitSeq++
	s.early[e.PID] = heldExit{exit: e.Exit, seq: s.exitSeq}
	for len(s.earlyOrder) > maxHeldExits {
		delete(s.early, s.earlyOrder[0])
		s.earlyOrder = s.earlyOrder[1:]
	}
}

// takeExit removes and returns a status held for pid, provided it was
// reaped after the spawn recorded since. An older entry is a previous
// owner of a reused pid. exitMu must be held.
func (s *Supervisor) takeExit(pid int, since uint64) (service.Exit, bool) {
	h, ok := s.early[pid]
	if !ok {
		return service.Exit{}, false
	}
	delete(s.early, pid)
	for i, p := range s.earlyOrder {
		if p == pid {
			s.earlyOrder = append(s.earlyOrder[:i], s.earlyOrder[i+1:]...)
			break
		}
	}
	return h.exit, h.seq > since
}

// settleInflight ends one spawn window; the last one to close drops every
// status nobody claimed. exitMu must be held.
func (s *Supervisor) settleInflight() {
	s.inflight--
	if s.inflight == 0 {
		clear(s.early)
		s.earlyOrder = s.earlyOrder[:0]
	}
}

// RecordExits is RecordExit over a reaped batch.
func (s *Supervisor) RecordExits(exits []process.Exited) {
	for _, e := range exits {
		if !s.RecordExit(e) && e.Name != "" {
			s.log.Debug("reaped child not held by an instance", "service", e.Name, "pid", e.PID)
		}
	}
}

type sighting struct {
	name  string
	pid   int
	state service.State
	dead  bool
}

// Sweep reaps exited children, confirms pending stops, escalates stops
// past their timeout, applies restart policy to crashed services, and
// respawns restarts whose delay has elapsed.
func (s *Supervisor) Sweep() {
	began := time.Now()
	defer func() { metrics.ObserveSweep(time.Since(began).Seconds()) }()

	s.RecordExits(s.os.Reap())

	var (
		seen     []sighting
		unreaped bool
	)
	for name, inst := range s.reg.All() {
		if inst.PID == 0 {
			continue
		}
		dead := inst.Exit != nil || !s.os.Alive(inst.PID)
		if dead && inst.Exit == nil {
			unreaped = true
		}
		seen = append(seen, sighting{name: name, pid: inst.PID, state: inst.State, dead: dead})
	}
	// a child seen dead by Alive may have exited after the first reap
	if unreaped {
		s.RecordExits(s.os.Reap())
	}
	for _, p := range seen {
		s.settle(p)
	}
	s.respawnDue()
}

// settle commits the outcome of one sighting if the instance still looks
// the way it did when seen.
func (s *Supervisor) settle(p sighting) {
	var fx effects
	_ = s.reg.Update(p.name, func(inst *service.Instance) error {
		if inst.PID != p.pid || inst.State != p.state {
			return nil
		}
		now := s.now()
		switch inst.State {
		case service.StateStopping:
			if p.dead {
				s.confirmStopped(&fx, inst)
				return nil
			}
			if inst.Escalated || now.Sub(inst.StopRequestedAt) < inst.Definition.StopTimeout(s.stopTimeout) {
				return nil
			}
			s.log.Warn("stop timeout exceeded, sending SIGKILL", "service", p.name, "pid", inst.PID)
			inst.Escalated = true
			fx.name = p.name
			fx.killed = true
			fx.event(history.EventKill, inst, "stop timeout exceeded")
			if err := s.os.Signal(inst.PID, syscall.SIGKILL); err != nil {
				s.signalFailed(&fx, inst, err)
			}
		case service.StateRunning, service.StateStarting:
			if p.dead {
				s.crashed(&fx, inst, now)
			}
		}
		return nil
	})
	fx.name = p.name
	s.apply(fx)
}

func (s *Supervisor) confirmStopped(fx *effects, inst *service.Instance) {
	exit := inst.Exit
	fx.transition(inst, service.StateStopped)
	inst.ClearProcess(s.now())
	inst.State = service.StateStopped
	fx.stopped = true
	msg := "stopped"
	if exit != nil {
		msg = exit.String()
	}
	fx.exitEvent(history.EventStop, inst, exit, msg)
}

// crashed applies the restart policy to an instance whose process died
// without a stop request.
func (s *Supervisor) crashed(fx *effects, inst *service.Instance, now time.Time) {
	exit := inst.Exit
	name := inst.Definition.Name
	desc := "exited, status unknown"
	if exit != nil {
		desc = exit.String()
	}
	fx.crashed = true
	fx.crashSignaled = exit != nil && exit.Signaled
	fx.exitEvent(history.EventExit, inst, exit, desc)
	s.log.Warn("service exited", "service", name, "pid", inst.PID, "status", desc)
	inst.ClearProcess(now)

	pol := inst.Definition.Restart
	if !ShouldRestart(pol.Policy, exit) {
		fx.transition(inst, service.StateFailed)
		inst.State = service.StateFailed
		inst.LastError = desc
		fx.event(history.EventFail, inst, desc)
		return
	}
	if inst.RestartCount >= pol.MaxRetries {
		fx.transition(inst, service.StateFailed)
		inst.State = service.StateFailed
		inst.LastError = fmt.Sprintf("restart limit reached (%d)", pol.MaxRetries)
		fx.exitEvent(history.EventFail, inst, exit, inst.LastError)
		s.log.Error("service failed", "service", name, "restarts", inst.RestartCount)
		return
	}
	inst.RestartCount++
	fx.transition(inst, service.StateStarting)
	inst.State = service.StateStarting
	inst.NextRestartAt = now.Add(pol.Delay())
	fx.restarted = true
	fx.event(history.EventRestart, inst, fmt.Sprintf("restart %d/%d in %s", inst.RestartCount, pol.MaxRetries, pol.Delay()))
}

// respawnDue launches every pending restart whose delay has elapsed.
func (s *Supervisor) respawnDue() {
	now := s.now()
	for name, inst := range s.reg.All() {
		if !inst.RestartPending() || inst.NextRestartAt.After(now) {
			continue
		}
		var (
			def     service.Definition
			gen     uint64
			claimed bool
		)
		_ = s.reg.Update(name, func(inst *service.Instance) error {
			if !inst.RestartPending() || inst.NextRestartAt.After(s.now()) {
				return nil
			}
			inst.NextRestartAt = time.Time{}
			inst.Generation++
			def, gen, claimed = inst.Definition, inst.Generation, true
			return nil
		})
		if claimed {
			if err := s.spawn(name, def, gen); err != nil {
				s.log.Warn("automatic restart failed", "service", name, "error", err)
			}
		}
	}
}

// NextRestartAt returns the earliest pending automatic restart.
func (s *Supervisor) NextRestartAt() (time.Time, bool) {
	var (
		next time.Time
		ok   bool
	)
	for _, inst := range s.reg.All() {
		if !inst.RestartPending() {
			continue
		}
		if !ok || inst.NextRestartAt.Before(next) {
			next, ok = inst.NextRestartAt, true
		}
	}
	return next, ok
}

// ShouldRestart reports whether policy p restarts a process that ended
// with exit. A nil exit means the status was lost and counts as abnormal.
func ShouldRestart(p service.Policy, exit *service.Exit) bool {
	switch p {
	case service.PolicyAlways:
		return true
	case service.PolicyOnFailure:
		return exit == nil || !exit.Success()
	case service.PolicyOnAbnormal:
		return exit == nil || exit.Signaled
	default:
		return false
	}
}
