// Package config loads the daemon configuration from an optional TOML file,
// JUINIT_* environment variables, and built-in defaults, in that order of
// precedence from lowest to highest: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/juinit/internal/logger"
	"github.com/spf13/viper"
)

// DefaultPath is read when no --config flag is given and the file exists.
const DefaultPath = "/etc/juinit/juinit.toml"

// EnvPrefix prefixes every environment override, e.g. JUINIT_SOCKET.
const EnvPrefix = "JUINIT"

type Config struct {
	Socket          string        `mapstructure:"socket"`
	ServiceDir      string        `mapstructure:"service_dir"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	IPCTimeout      time.Duration `mapstructure:"ipc_timeout"`
	OutputDir       string        `mapstructure:"output_dir"`
	PIDDir          string        `mapstructure:"pid_dir"`
	PIDFile         string        `mapstructure:"pid_file"`
	Watch           bool          `mapstructure:"watch"`
	PruneOnReload   bool          `mapstructure:"prune_on_reload"`
	Autostart       []string      `mapstructure:"autostart"`
	BootMounts      bool          `mapstructure:"boot_mounts"`

	// environment handed to every service, below its own [service.environment]
	UseOSEnv bool     `mapstructure:"use_os_env"`
	EnvFiles []string `mapstructure:"env_files"`
	Env      []string `mapstructure:"env"`

	Log     logger.Config     `mapstructure:"log"`
	Output  logger.FileConfig `mapstructure:"output"` // rotation of captured service output
	Metrics MetricsConfig     `mapstructure:"metrics"`
	History HistoryConfig     `mapstructure:"history"`
}

type MetricsConfig struct {
	Listen         string        `mapstructure:"listen"`    // e.g. ":9100"; empty disables the HTTP server
	BasePath       string        `mapstructure:"base_path"` // prefix of the admin routes
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type HistoryConfig struct {
	DSN  string   `mapstructure:"dsn"`
	DSNs []string `mapstructure:"dsns"`
}

// Sinks returns every configured history DSN.
func (h HistoryConfig) Sinks() []string {
	var out []string
	if s := strings.TrimSpace(h.DSN); s != "" {
		out = append(out, s)
	}
	for _, s := range h.DSNs {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("socket", "/run/juinit/control.sock")
	v.SetDefault("service_dir", "/etc/juinit/services")
	v.SetDefault("sweep_interval", 5*time.Second)
	v.SetDefault("stop_timeout", 10*time.Second)
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("ipc_timeout", time.Duration(0))
	v.SetDefault("output_dir", "/var/log/juinit")
	v.SetDefault("pid_dir", "")
	v.SetDefault("pid_file", "")
	v.SetDefault("watch", false)
	v.SetDefault("prune_on_reload", false)
	v.SetDefault("autostart", []string{})
	v.SetDefault("boot_mounts", true)
	v.SetDefault("use_os_env", true)
	v.SetDefault("env_files", []string{})
	v.SetDefault("env", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "") // color on a terminal, else text
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("output.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("output.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("output.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("output.compress", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.base_path", "/api")
	v.SetDefault("metrics.sample_interval", 15*time.Second)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.dsns", []string{})
}

// Default returns the configuration without reading a file.
func Default() *Config {
	cfg, err := load(viper.New(), "", false)
	if err != nil {
		panic(err) // defaults always decode
	}
	return cfg
}

// Load reads path (or DefaultPath when empty) and applies JUINIT_*
// overrides. A missing file is an error only when path was given explicitly.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	return load(viper.New(), path, explicit)
}

func load(v *viper.Viper, path string, explicit bool) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Socket) == "" {
		return fmt.Errorf("config: socket must not be empty")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("config: stop_timeout must be positive, got %s", c.StopTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if c.IPCTimeout < 0 {
		return fmt.Errorf("config: ipc_timeout cannot be negative")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Log.Format {
	case "", "text", "json", "color":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// GlobalEnv returns the environment shared by every service: env_files
// contents in order, then the env list, later entries overriding earlier.
// The inherited OS environment is not included; see UseOSEnv.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	pairs, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		out = append(out, kv[0]+"="+kv[1])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines in file order. Blank lines and lines
// starting with # are ignored, as is a leading "export ". One pair of
// surrounding quotes is stripped from values.
func loadEnvFile(path string) ([][2]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if n := len(v); n >= 2 && (v[0] == '"' && v[n-1] == '"' || v[0] == '\'' && v[n-1] == '\'') {
			v = v[1 : n-1]
		}
		out = append(out, [2]string{k, v})
	}
	return out, nil
}
