package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/loykin/juinit/internal/config"
	"github.com/spf13/cobra"
)

// LogsFlags holds flags for the logs command
type LogsFlags struct {
	Follow bool
	Lines  int
}

func createLogsCommand(c *command) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "View service logs",
		Long: `Print the captured stdout and stderr of a service from output_dir.

Examples:
  juinit logs web
  juinit logs -f -n 50 web`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), args[0], *flags)
		},
	}
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "follow log output")
	cmd.Flags().IntVarP(&flags.Lines, "lines", "n", 100, "number of trailing lines to show, 0 for all")
	return cmd
}

// Logs reads <output_dir>/<name>.log directly; the daemon is not involved.
func (c *command) Logs(ctx context.Context, name string, f LogsFlags) error {
	cfg, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return err
	}
	if cfg.OutputDir == "" {
		return errors.New("output capture is disabled (output_dir is empty)")
	}
	path := filepath.Join(cfg.OutputDir, filepath.Base(name)+".log")
	if f.Follow {
		_, _ = fmt.Fprintf(c.errOut, "Logs for %s (following)\n", name)
	}
	return tailFile(ctx, c.out, path, f.Lines, f.Follow)
}

// tailFile writes the last n lines of path (all when n <= 0), then, when
// follow is set, everything appended until ctx is done. A rotated file is
// reopened from its start.
func tailFile(ctx context.Context, w io.Writer, path string, n int, follow bool) error {
	fh, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = fh.Close() }()
	if err := lastLines(fh, w, n); err != nil {
		return err
	}
	if !follow {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	// lumberjack rotates by rename, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write):
				if _, err := io.Copy(w, fh); err != nil {
					return err
				}
			case ev.Has(fsnotify.Create):
				nf, err := os.Open(filepath.Clean(path))
				if err != nil {
					continue
				}
				_, _ = io.Copy(w, fh) // tail of the rotated file
				_ = fh.Close()
				fh = nf
				if _, err := io.Copy(w, fh); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch log: %w", err)
		}
	}
}

// lastLines copies the last n lines of r to w and leaves r at its end.
func lastLines(r io.Reader, w io.Writer, n int) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var ring []string
	for sc.Scan() {
		ring = append(ring, sc.Text())
		if n > 0 && len(ring) > n {
			ring = ring[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	for _, line := range ring {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
