package daemon

import (
	"fmt"

	"github.com/loykin/juinit/internal/loader"
	"github.com/loykin/juinit/internal/metrics"
)

// ReloadSummary lists what a reload changed in the registry.
type ReloadSummary struct {
	Added   []string
	Updated []string
	Removed []string
}

func (s ReloadSummary) String() string {
	return fmt.Sprintf("Reloaded: %d added, %d updated, %d removed", len(s.Added), len(s.Updated), len(s.Removed))
}

// Reload re-reads service_dir into the registry. Existing services keep
// their runtime state. Vanished definitions are removed only when
// prune_on_reload is set, and only once they are stopped or failed.
func (d *Daemon) Reload() (ReloadSummary, error) {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	defs, err := loader.LoadAll(d.cfg.ServiceDir, d.log)
	if err != nil {
		return ReloadSummary{}, err
	}
	var sum ReloadSummary
	sum.Added, sum.Updated = d.reg.Load(defs)
	if d.cfg.PruneOnReload {
		keep := make(map[string]struct{}, len(defs))
		for _, def := range defs {
			keep[def.Name] = struct{}{}
		}
		sum.Removed = d.reg.Prune(keep)
		for _, name := range sum.Removed {
			metrics.Forget(name)
		}
	}
	d.log.Info("service definitions loaded", "dir", d.cfg.ServiceDir,
		"added", len(sum.Added), "updated", len(sum.Updated), "removed", len(sum.Removed))
	return sum, nil
}
