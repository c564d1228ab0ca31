package process

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/loykin/juinit/internal/logger"
)

// Output routes the combined stdout and stderr of each service into a
// rotating <dir>/<name>.log file. Writers are cached per service so restarts
// append to the same file. With an empty dir all output is discarded.
type Output struct {
	dir    string
	rotate logger.FileConfig
	log    *slog.Logger

	mu      sync.Mutex
	writers map[string]io.WriteCloser
}

func NewOutput(dir string, rotate logger.FileConfig, log *slog.Logger) *Output {
	if log == nil {
		log = slog.Default()
	}
	return &Output{dir: dir, rotate: rotate, log: log, writers: make(map[string]io.WriteCloser)}
}

// Path returns the output file of a service, or "" when output is discarded.
func (o *Output) Path(name string) string {
	if o == nil || o.dir == "" {
		return ""
	}
	return filepath.Join(o.dir, name+".log")
}

// attach wires cmd's stdout and stderr. The returned func must be called
// after cmd.Start (successful or not) to release the parent's pipe end.
func (o *Output) attach(cmd *exec.Cmd, name string) (func(started bool), error) {
	if o.Path(name) == "" {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		cmd.Stdout, cmd.Stderr = null, null
		return func(bool) { _ = null.Close() }, nil
	}
	w, err := o.writer(name)
	if err != nil {
		return nil, err
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	// both streams share one *os.File so exec does not add copy goroutines
	cmd.Stdout, cmd.Stderr = pw, pw
	return func(started bool) {
		_ = pw.Close()
		if !started {
			_ = pr.Close()
			return
		}
		go func() {
			defer func() { _ = pr.Close() }()
			if _, err := io.Copy(w, pr); err != nil {
				o.log.Debug("service output copy ended", "service", name, "error", err)
			}
		}()
	}, nil
}

func (o *Output) writer(name string) (io.WriteCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if w, ok := o.writers[name]; ok {
		return w, nil
	}
	if err := os.MkdirAll(o.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	cfg := o.rotate
	cfg.Path = o.Path(name)
	w := cfg.Writer()
	o.writers[name] = w
	return w, nil
}

// Close flushes and closes every cached writer.
func (o *Output) Close() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for name, w := range o.writers {
		_ = w.Close()
		delete(o.writers, name)
	}
	return nil
}
