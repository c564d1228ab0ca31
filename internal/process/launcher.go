package process

import (
	"fmt"
	"log/slog"
	"syscall"

	"github.com/loykin/juinit/internal/logger"
)

// Launcher is the real operating-system backend used by the supervisor.
type Launcher struct {
	reaper *Reaper
	output *Output
	log    *slog.Logger
}

func NewLauncher(reaper *Reaper, output *Output, log *slog.Logger) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	if reaper == nil {
		reaper = NewReaper(false, log)
	}
	if output == nil {
		output = NewOutput("", logger.FileConfig{}, log)
	}
	return &Launcher{reaper: reaper, output: output, log: log}
}

// Launch spawns spec in its own process group and returns its pid. The
// child is never waited for here; its exit arrives through Reap.
func (l *Launcher) Launch(spec Spec) (int, error) {
	cmd, err := BuildCommand(spec.Command)
	if err != nil {
		return 0, err
	}
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	attrs := &syscall.SysProcAttr{Setpgid: true}
	cred, err := credential(spec.User, spec.Group)
	if err != nil {
		return 0, err
	}
	attrs.Credential = cred
	cmd.SysProcAttr = attrs

	release, err := l.output.attach(cmd, spec.Name)
	if err != nil {
		return 0, err
	}
	err = l.reaper.Start(cmd, spec.Name)
	release(err == nil)
	if err != nil {
		return 0, fmt.Errorf("spawn %q: %w", cmd.Path, err)
	}
	pid := cmd.Process.Pid
	l.log.Debug("process launched", "service", spec.Name, "pid", pid, "cmd", cmd.Path)
	return pid, nil
}

func (l *Launcher) Signal(pid int, sig syscall.Signal) error { return Signal(pid, sig) }

func (l *Launcher) Alive(pid int) bool { return Alive(pid) }

func (l *Launcher) Reap() []Exited { return l.reaper.Reap() }

// Reaper exposes the underlying reaper so the daemon can run its loop.
func (l *Launcher) Reaper() *Reaper { return l.reaper }

// Output exposes the service output router.
func (l *Launcher) Output() *Output { return l.output }
