// Package boot performs the early setup a PID-1 supervisor needs before it
// can run services: mounting the essential pseudo filesystems and making
// sure orphaned grandchildren are re-parented to us.
package boot

import (
	"log/slog"
	"os"
)

// Mount is one filesystem to mount during boot.
type Mount struct {
	Source string
	Target string
	FSType string
	Flags  uintptr
	Data   string
}

// IsPID1 reports whether this process is the init process of its namespace.
func IsPID1() bool { return os.Getpid() == 1 }

// Result summarizes a boot pass.
type Result struct {
	Mounted []string
	Skipped []string // already mounted
	Failed  map[string]error
}

// Options tune Run.
type Options struct {
	Mounts     []Mount // nil selects EssentialMounts
	SkipMounts bool
	Dirs       []string // created after mounting, e.g. /run/juinit
	Log        *slog.Logger
}

// Run mounts the essential filesystems and creates dirs. Failures are logged
// and reported in the result, never returned: a PID 1 that gives up here
// leaves the machine with nothing running at all.
func Run(opts Options) Result {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	res := Result{Failed: make(map[string]error)}
	if !opts.SkipMounts {
		mounts := opts.Mounts
		if mounts == nil {
			mounts = EssentialMounts()
		}
		for _, m := range mounts {
			mounted, err := mountOne(m)
			switch {
			case err != nil:
				log.Error("boot mount failed", "target", m.Target, "fstype", m.FSType, "error", err)
				res.Failed[m.Target] = err
			case mounted:
				log.Info("mounted", "target", m.Target, "fstype", m.FSType)
				res.Mounted = append(res.Mounted, m.Target)
			default:
				log.Debug("already mounted", "target", m.Target)
				res.Skipped = append(res.Skipped, m.Target)
			}
		}
	}
	for _, d := range opts.Dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			log.Error("boot mkdir failed", "dir", d, "error", err)
			res.Failed[d] = err
		}
	}
	return res
}
