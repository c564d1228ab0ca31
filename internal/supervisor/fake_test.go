package supervisor

import (
	"sync"
	"syscall"
	"time"

	"github.com/loykin/juinit/internal/process"
	"github.com/loykin/juinit/internal/service"
)

type sent struct {
	pid int
	sig syscall.Signal
}

// fakeOS simulates processes. Commands listed in exitOnStart die right
// after launch with the given code; everything else runs until signaled.
type fakeOS struct {
	mu          sync.Mutex
	next        int
	alive       map[int]bool
	names       map[int]string
	pending     []process.Exited
	launched    []process.Spec
	signals     []sent
	exitOnStart map[string]int
	ignoreTerm  bool
	signalErr   error
	launchErr   error
	onLaunch    func(pid int, spec process.Spec)
}

func newFakeOS() *fakeOS {
	return &fakeOS{
		next:        1000,
		alive:       make(map[int]bool),
		names:       make(map[int]string),
		exitOnStart: make(map[string]int),
	}
}

func (f *fakeOS) Launch(spec process.Spec) (int, error) {
	f.mu.Lock()
	if spec.Command == "" {
		f.mu.Unlock()
		return 0, process.ErrEmptyCommand
	}
	if f.launchErr != nil {
		err := f.launchErr
		f.mu.Unlock()
		return 0, err
	}
	f.next++
	pid := f.next
	f.launched = append(f.launched, spec)
	f.alive[pid] = true
	f.names[pid] = spec.Name
	if code, ok := f.exitOnStart[spec.Command]; ok {
		f.exitLocked(pid, service.Exit{Code: code})
	}
	hook := f.onLaunch
	f.mu.Unlock()
	if hook != nil {
		hook(pid, spec)
	}
	return pid, nil
}

func (f *fakeOS) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalErr != nil {
		return f.signalErr
	}
	if !f.alive[pid] {
		return syscall.ESRCH
	}
	f.signals = append(f.signals, sent{pid: pid, sig: sig})
	if sig == syscall.SIGTERM && f.ignoreTerm {
		return nil
	}
	f.exitLocked(pid, service.Exit{Code: 128 + int(sig), Signaled: true, Signal: int(sig)})
	return nil
}

func (f *fakeOS) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeOS) Reap() []process.Exited {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

// exit makes pid terminate with code.
func (f *fakeOS) exit(pid, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitLocked(pid, service.Exit{Code: code})
}

func (f *fakeOS) exitLocked(pid int, e service.Exit) {
	if !f.alive[pid] {
		return
	}
	f.alive[pid] = false
	f.pending = append(f.pending, process.Exited{PID: pid, Name: f.names[pid], Exit: e})
}

func (f *fakeOS) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

func (f *fakeOS) sentSignals() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.signals...)
}

func (f *fakeOS) set(fn func(f *fakeOS)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
