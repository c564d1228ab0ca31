// Package env composes the environment handed to service processes.
package env

import (
	"os"
	"sort"
	"strings"
)

// Env merges an inherited base with daemon-wide variables. The zero value is
// not usable; call New. An Env is immutable after construction and safe for
// concurrent use.
type Env struct {
	base   map[string]string
	global map[string]string
}

// New captures the current process environment as the base.
func New() *Env {
	return FromList(os.Environ())
}

// FromList builds an Env whose base is the given KEY=VALUE list.
func FromList(kvs []string) *Env {
	return &Env{base: parse(kvs), global: map[string]string{}}
}

// WithGlobal returns a copy of e with KEY=VALUE entries applied over the base.
func (e *Env) WithGlobal(kvs []string) *Env {
	next := &Env{base: e.base, global: make(map[string]string, len(e.global)+len(kvs))}
	for k, v := range e.global {
		next.global[k] = v
	}
	for k, v := range parse(kvs) {
		next.global[k] = v
	}
	return next
}

// Merge returns base, then globals, then the service's own variables, in
// KEY=VALUE form sorted by key. Declared variables are additive: nothing
// inherited is removed. Values may reference ${OTHER} from the merged set.
func (e *Env) Merge(service map[string]string) []string {
	m := make(map[string]string, len(e.base)+len(e.global)+len(service))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for k, v := range service {
		if k == "" || strings.ContainsRune(k, '=') {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 { // skip malformed entries with empty key
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// expand replaces ${VAR} references with values from m; unknown references
// and bare $VAR are left as written. No recursion.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		key := s[i+2 : i+2+j]
		if v, ok := m[key]; ok && key != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
