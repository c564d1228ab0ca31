package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Socket != "/run/juinit/control.sock" {
		t.Fatalf("socket = %q", cfg.Socket)
	}
	if cfg.ServiceDir != "/etc/juinit/services" {
		t.Fatalf("service_dir = %q", cfg.ServiceDir)
	}
	if cfg.SweepInterval != 5*time.Second || cfg.StopTimeout != 10*time.Second {
		t.Fatalf("intervals = %s / %s", cfg.SweepInterval, cfg.StopTimeout)
	}
	if cfg.IPCTimeout != 0 || cfg.PIDDir != "" || cfg.Watch || cfg.PruneOnReload {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.BootMounts || !cfg.UseOSEnv {
		t.Fatalf("boot_mounts and use_os_env default to true")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "" {
		t.Fatalf("log = %+v", cfg.Log)
	}
	if len(cfg.History.Sinks()) != 0 {
		t.Fatalf("history disabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "juinit.toml", `
socket = "/tmp/j.sock"
service_dir = "/tmp/services"
sweep_interval = "250ms"
autostart = ["web", "db"]
prune_on_reload = true

[log]
level = "debug"
format = "json"

[metrics]
listen = ":9100"

[history]
dsn = "sqlite:///var/lib/juinit/history.db"
dsns = ["opensearch://localhost:9200/juinit"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Socket != "/tmp/j.sock" || cfg.ServiceDir != "/tmp/services" {
		t.Fatalf("paths: %+v", cfg)
	}
	if cfg.SweepInterval != 250*time.Millisecond {
		t.Fatalf("sweep_interval = %s", cfg.SweepInterval)
	}
	if !reflect.DeepEqual(cfg.Autostart, []string{"web", "db"}) {
		t.Fatalf("autostart = %v", cfg.Autostart)
	}
	if !cfg.PruneOnReload || cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("flags: %+v", cfg)
	}
	if cfg.Metrics.Listen != ":9100" || cfg.Metrics.BasePath != "/api" {
		t.Fatalf("metrics = %+v", cfg.Metrics)
	}
	if got := cfg.History.Sinks(); len(got) != 2 {
		t.Fatalf("sinks = %v", got)
	}
	// untouched keys keep defaults
	if cfg.StopTimeout != 10*time.Second {
		t.Fatalf("stop_timeout = %s", cfg.StopTimeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "juinit.toml", "socket = \"/tmp/file.sock\"\nstop_timeout = \"3s\"\n")
	t.Setenv("JUINIT_SOCKET", "/tmp/env.sock")
	t.Setenv("JUINIT_SERVICE_DIR", "/tmp/env-services")
	t.Setenv("JUINIT_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Socket != "/tmp/env.sock" || cfg.ServiceDir != "/tmp/env-services" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.StopTimeout != 3*time.Second {
		t.Fatalf("file value lost: %s", cfg.StopTimeout)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("nested env key not applied: %q", cfg.Log.Level)
	}
}

func TestMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for a missing explicit config")
	}
}

func TestInvalidValues(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"zero-sweep.toml": "sweep_interval = \"0s\"\n",
		"level.toml":      "[log]\nlevel = \"loud\"\n",
		"format.toml":     "[log]\nformat = \"xml\"\n",
		"syntax.toml":     "socket = \n",
	} {
		path := writeFile(t, dir, name, body)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestGlobalEnvOrder(t *testing.T) {
	dir := t.TempDir()
	dotenv := writeFile(t, dir, ".env", "A=1\n#comment\nexport B=\"two\"\nC='three'\nbroken\n")
	cfg := Default()
	cfg.EnvFiles = []string{dotenv}
	cfg.Env = []string{"A=override", "D=4", "=skipped"}

	got, err := cfg.GlobalEnv()
	if err != nil {
		t.Fatalf("GlobalEnv: %v", err)
	}
	want := []string{"A=override", "B=two", "C=three", "D=4"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GlobalEnv = %v, want %v", got, want)
	}
}

func TestGlobalEnvMissingFile(t *testing.T) {
	cfg := Default()
	cfg.EnvFiles = []string{filepath.Join(t.TempDir(), "absent.env")}
	if _, err := cfg.GlobalEnv(); err == nil {
		t.Fatal("expected error for a missing env file")
	}
}

func TestLoadEnvFile(t *testing.T) {
	dotenv := writeFile(t, t.TempDir(), ".env", "A=1\nB=two\n")
	pairs, err := LoadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if !reflect.DeepEqual(pairs, []string{"A=1", "B=two"}) {
		t.Fatalf("pairs = %v", pairs)
	}
}
