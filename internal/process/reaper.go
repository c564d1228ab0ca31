package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/juinit/internal/service"
)

// Exited is one reaped child.
type Exited struct {
	PID  int
	Name string // service the child was launched for, "" for orphans
	Exit service.Exit
}

type tracked struct {
	name string
	proc *os.Process
}

// Reaper collects exit statuses of children. It never blocks: each Reap
// call takes whatever has exited so far.
//
// In tracked mode only pids started through the Reaper are waited for. In
// all mode (PID 1 or child subreaper) every child is waited for, including
// orphans re-parented to us, and unknown ones are logged and dropped.
type Reaper struct {
	log *slog.Logger
	all bool

	mu      sync.Mutex
	tracked map[int]tracked
}

func NewReaper(all bool, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{log: log, all: all, tracked: make(map[int]tracked)}
}

// Start starts cmd and begins tracking its pid. The lock is held across
// cmd.Start so a fast exit cannot be reaped before the pid is known.
func (r *Reaper) Start(cmd *exec.Cmd, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := cmd.Start(); err != nil {
		return err
	}
	r.tracked[cmd.Process.Pid] = tracked{name: name, proc: cmd.Process}
	return nil
}

// Tracking reports how many launched children have not been reaped yet.
func (r *Reaper) Tracking() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// Reap collects every child that has exited.
func (r *Reaper) Reap() []Exited {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.all {
		return r.reapAll()
	}
	var out []Exited
	for pid, t := range r.tracked {
		var ws syscall.WaitStatus
		got, err := syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)
		if errors.Is(err, syscall.ECHILD) {
			// someone else waited for it; the status is lost
			r.log.Warn("child vanished before reaping", "pid", pid, "service", t.name)
			delete(r.tracked, pid)
			_ = t.proc.Release()
			continue
		}
		if err != nil || got != pid {
			continue
		}
		out = append(out, r.forget(pid, ws))
	}
	return out
}

func (r *Reaper) reapAll() []Exited {
	var out []Exited
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			return out
		}
		if _, ok := r.tracked[pid]; !ok {
			r.log.Debug("reaped orphan", "pid", pid, "status", exitOf(ws).String())
			continue
		}
		out = append(out, r.forget(pid, ws))
	}
}

func (r *Reaper) forget(pid int, ws syscall.WaitStatus) Exited {
	t := r.tracked[pid]
	delete(r.tracked, pid)
	_ = t.proc.Release()
	return Exited{PID: pid, Name: t.name, Exit: exitOf(ws)}
}

func exitOf(ws syscall.WaitStatus) service.Exit {
	if ws.Signaled() {
		sig := int(ws.Signal())
		return service.Exit{Code: 128 + sig, Signaled: true, Signal: sig}
	}
	return service.Exit{Code: ws.ExitStatus()}
}

// Run reaps on every SIGCHLD, and every interval as a fallback, handing
// non-empty batches to notify. It returns when ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration, notify func([]Exited)) {
	if interval <= 0 {
		interval = time.Second
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGCHLD)
	defer signal.Stop(sigs)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	// children that exited before Notify took effect sent no signal we saw
	for {
		if exits := r.Reap(); len(exits) > 0 && notify != nil {
			notify(exits)
		}
		select {
		case <-ctx.Done():
			return
		case <-sigs:
		case <-ticker.C:
		}
	}
}
