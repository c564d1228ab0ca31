// Package registry owns the mapping from service name to instance. Every
// read or read-decide-write step runs inside a single critical section, and
// callers only ever receive copies.
package registry

import (
	"errors"
	"iter"
	"sort"
	"sync"

	"github.com/loykin/juinit/internal/service"
)

// ErrNotFound is returned when an operation names an unknown service.
var ErrNotFound = errors.New("service not found")

// Registry is the single source of truth for service state.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*service.Instance
}

func New() *Registry {
	return &Registry{instances: make(map[string]*service.Instance)}
}

// Get returns a copy of the named instance.
func (r *Registry) Get(name string) (service.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	if !ok {
		return service.Instance{}, false
	}
	return *inst, true
}

// Upsert stores inst under name, replacing any previous instance.
func (r *Registry) Upsert(name string, inst service.Instance) {
	r.mu.Lock()
	cp := inst
	r.instances[name] = &cp
	r.mu.Unlock()
}

// Remove deletes the named instance and reports whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[name]; !ok {
		return false
	}
	delete(r.instances, name)
	return true
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Names returns all service names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// All iterates over a snapshot of every instance, sorted by name. The
// snapshot is taken under the shared lock; yielding happens without it.
func (r *Registry) All() iter.Seq2[string, service.Instance] {
	type entry struct {
		name string
		inst service.Instance
	}
	r.mu.RLock()
	snap := make([]entry, 0, len(r.instances))
	for name, inst := range r.instances {
		snap = append(snap, entry{name: name, inst: *inst})
	}
	r.mu.RUnlock()
	sort.Slice(snap, func(i, j int) bool { return snap[i].name < snap[j].name })
	return func(yield func(string, service.Instance) bool) {
		for _, e := range snap {
			if !yield(e.name, e.inst) {
				return
			}
		}
	}
}

// Update runs fn on the named instance under the exclusive lock. Changes made
// by fn are kept even when fn returns an error. fn must not block.
func (r *Registry) Update(name string, fn func(*service.Instance) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	if !ok {
		return ErrNotFound
	}
	return fn(inst)
}

// UpdateWhere runs fn on the first instance matching pred, in name order,
// under the exclusive lock. It reports whether an instance matched.
func (r *Registry) UpdateWhere(pred func(*service.Instance) bool, fn func(*service.Instance)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		inst := r.instances[name]
		if pred(inst) {
			fn(inst)
			return true
		}
	}
	return false
}

// Load upserts definitions. Existing names keep their runtime state and get
// the new definition; new names start Stopped. It returns the names added and
// the names whose definition was replaced.
func (r *Registry) Load(defs []service.Definition) (added, updated []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		if inst, ok := r.instances[def.Name]; ok {
			inst.Definition = def
			updated = append(updated, def.Name)
			continue
		}
		inst := service.NewInstance(def)
		r.instances[def.Name] = &inst
		added = append(added, def.Name)
	}
	return added, updated
}

// Prune removes instances whose names are absent from keep, but only when
// they are Stopped or Failed. It returns the removed names.
func (r *Registry) Prune(keep map[string]struct{}) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for name, inst := range r.instances {
		if _, ok := keep[name]; ok {
			continue
		}
		if inst.State != service.StateStopped && inst.State != service.StateFailed {
			continue
		}
		delete(r.instances, name)
		removed = append(removed, name)
	}
	sort.Strings(removed)
	return removed
}
