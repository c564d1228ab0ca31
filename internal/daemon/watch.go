package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/loykin/juinit/internal/loader"
	"vawter.tech/stopper"
)

// watchDebounce coalesces the burst of events an editor save produces.
const watchDebounce = 200 * time.Millisecond

// watch reloads definitions whenever a *.toml file in service_dir changes.
func (d *Daemon) watch(sctx *stopper.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(d.cfg.ServiceDir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", d.cfg.ServiceDir, err)
	}

	var (
		mu       sync.Mutex
		debounce *time.Timer
	)
	reload := func() {
		if sctx.IsStopping() {
			return
		}
		if _, err := d.Reload(); err != nil {
			d.log.Error("reload after change failed", "dir", d.cfg.ServiceDir, "error", err)
		}
	}
	sctx.Defer(func() {
		_ = w.Close()
		mu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		mu.Unlock()
	})

	sctx.Go(func(sctx *stopper.Context) error {
		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					return nil
				}
				if !loader.IsDefinitionFile(ev.Name) || ev.Op == fsnotify.Chmod {
					continue
				}
				d.log.Debug("service definition changed", "path", ev.Name, "op", ev.Op.String())
				mu.Lock()
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, reload)
				mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return nil
				}
				d.log.Warn("service directory watch error", "error", err)
			}
		}
		return nil
	})
	d.log.Info("watching service directory", "dir", d.cfg.ServiceDir)
	return nil
}
