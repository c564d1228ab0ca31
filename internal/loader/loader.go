// Package loader reads service definitions from a directory of TOML files,
// one [service] table per file.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/loykin/juinit/internal/service"
)

type file struct {
	Service *serviceTable `toml:"service"`
}

type serviceTable struct {
	Name         string            `toml:"name"`
	Description  string            `toml:"description"`
	Type         string            `toml:"type"`
	Exec         execTable         `toml:"exec"`
	Environment  map[string]string `toml:"environment"`
	Restart      restartTable      `toml:"restart"`
	Dependencies dependencyTable   `toml:"dependencies"`
}

type execTable struct {
	Start              string `toml:"start"`
	Stop               string `toml:"stop"`
	User               string `toml:"user"`
	Group              string `toml:"group"`
	WorkingDirectory   string `toml:"working_directory"`
	StopTimeoutSeconds int    `toml:"stop_timeout_seconds"`
}

type restartTable struct {
	Policy       string  `toml:"policy"`
	DelaySeconds *uint64 `toml:"delay_seconds"`
	MaxRetries   *uint32 `toml:"max_retries"`
}

type dependencyTable struct {
	After    []string `toml:"after"`
	Requires []string `toml:"requires"`
	Wants    []string `toml:"wants"`
}

// Parse decodes one definition file. Unknown keys are rejected so typos
// surface instead of silently falling back to defaults.
func Parse(data []byte) (service.Definition, error) {
	var f file
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		var sm *toml.StrictMissingError
		if errors.As(err, &sm) {
			return service.Definition{}, fmt.Errorf("unknown keys: %s", sm.String())
		}
		return service.Definition{}, err
	}
	if f.Service == nil {
		return service.Definition{}, errors.New("missing [service] table")
	}
	s := f.Service
	typ, err := service.ParseType(s.Type)
	if err != nil {
		return service.Definition{}, err
	}
	policy, err := service.ParsePolicy(s.Restart.Policy)
	if err != nil {
		return service.Definition{}, err
	}
	def := service.Definition{
		Name:        strings.TrimSpace(s.Name),
		Description: s.Description,
		Type:        typ,
		Exec: service.Exec{
			Start:              s.Exec.Start,
			Stop:               s.Exec.Stop,
			User:               s.Exec.User,
			Group:              s.Exec.Group,
			WorkingDirectory:   s.Exec.WorkingDirectory,
			StopTimeoutSeconds: s.Exec.StopTimeoutSeconds,
		},
		Environment: s.Environment,
		Restart: service.RestartPolicy{
			Policy:       policy,
			DelaySeconds: service.DefaultRestartDelay,
			MaxRetries:   service.DefaultMaxRetries,
		},
		Dependencies: service.Dependencies{
			After:    s.Dependencies.After,
			Requires: s.Dependencies.Requires,
			Wants:    s.Dependencies.Wants,
		},
	}
	if s.Restart.DelaySeconds != nil {
		def.Restart.DelaySeconds = *s.Restart.DelaySeconds
	}
	if s.Restart.MaxRetries != nil {
		def.Restart.MaxRetries = *s.Restart.MaxRetries
	}
	if err := def.Validate(); err != nil {
		return service.Definition{}, err
	}
	return def, nil
}

// LoadFile reads and parses a single definition file.
func LoadFile(path string) (service.Definition, error) {
	// #nosec G304
	data, err := os.ReadFile(path)
	if err != nil {
		return service.Definition{}, err
	}
	def, err := Parse(data)
	if err != nil {
		return service.Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadAll loads every *.toml file in dir, in file name order. Malformed
// files and duplicate names are logged and skipped. A missing directory
// yields no definitions and no error.
func LoadAll(dir string, log *slog.Logger) ([]service.Definition, error) {
	if log == nil {
		log = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug("service directory missing", "dir", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read service dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsDefinitionFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	defs := make([]service.Definition, 0, len(names))
	for _, n := range names {
		path := filepath.Join(dir, n)
		def, err := LoadFile(path)
		if err != nil {
			log.Warn("skipping service file", "path", path, "error", err)
			continue
		}
		if prev, dup := seen[def.Name]; dup {
			log.Warn("duplicate service name", "service", def.Name, "path", path, "first", prev)
			continue
		}
		seen[def.Name] = path
		defs = append(defs, def)
	}
	return defs, nil
}

// IsDefinitionFile reports whether path looks like a definition file.
func IsDefinitionFile(path string) bool {
	base := filepath.Base(path)
	return filepath.Ext(base) == ".toml" && !strings.HasPrefix(base, ".")
}
