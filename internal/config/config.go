package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RestartPolicy controls what happens when a managed process exits.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// Defaults applied by Load when a field is unset.
const (
	DefaultMaxRestarts         = 5
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultDependencyTimeout   = 60 * time.Second
	DefaultRestartBackoffMax   = 30 * time.Second
	DefaultStopTimeout         = 5 * time.Second
)

// ProcessConfig describes one service entry. It is created once from a
// validated config file and never mutated afterwards; a reload produces a
// fresh set.
type ProcessConfig struct {
	Name          string        `toml:"name" mapstructure:"name"`
	Command       string        `toml:"command" mapstructure:"command"`
	Cwd           string        `toml:"cwd" mapstructure:"cwd"`
	Port          int           `toml:"port" mapstructure:"port"`
	Force         bool          `toml:"force" mapstructure:"force"`
	AutoStart     *bool         `toml:"autostart" mapstructure:"autostart"`
	RestartPolicy RestartPolicy `toml:"restart" mapstructure:"restart"`
	MaxRestarts   int           `toml:"max_restarts" mapstructure:"max_restarts"`
	// Env entries are "KEY=VALUE" so key case survives the loader.
	Env     []string `toml:"env" mapstructure:"env"`
	EnvFile string   `toml:"env_file" mapstructure:"env_file"`
	// StdoutVars maps export names (lowercase) to extraction regexps.
	StdoutVars  map[string]string `toml:"stdout_vars" mapstructure:"stdout_vars"`
	ReadyVars   []string          `toml:"ready_vars" mapstructure:"ready_vars"`
	HealthCheck string            `toml:"health_check" mapstructure:"health_check"`
	// DependsOn accepts a single name or a list of names; the resolver
	// normalizes it to an ordered list.
	DependsOn any `toml:"depends_on" mapstructure:"depends_on"`
}

// AutoStartEnabled reports whether the process should start with the stack.
// Unset means true.
func (p ProcessConfig) AutoStartEnabled() bool {
	return p.AutoStart == nil || *p.AutoStart
}

// LayoutConfig is a presentation-only entry (a pane arrangement). Layouts are
// never started; they exist so that targeted operations can distinguish
// "unknown name" from "not a process".
type LayoutConfig struct {
	Name  string   `toml:"name" mapstructure:"name"`
	Panes []string `toml:"panes" mapstructure:"panes"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// Settings holds the independently configurable supervision timeouts.
type Settings struct {
	HealthCheckInterval time.Duration `toml:"health_check_interval" mapstructure:"health_check_interval"`
	DependencyTimeout   time.Duration `toml:"dependency_timeout" mapstructure:"dependency_timeout"`
	RestartBackoffMax   time.Duration `toml:"restart_backoff_max" mapstructure:"restart_backoff_max"`
	StopTimeout         time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
}

// Config is the top-level parsed file plus the directory it was loaded from
// (relative cwd entries resolve against Root).
type Config struct {
	Root       string
	Env        []string        `toml:"env" mapstructure:"env"`
	EnvFiles   []string        `toml:"env_files" mapstructure:"env_files"`
	LogDir     string          `toml:"log_dir" mapstructure:"log_dir"`
	HistoryDSN string          `toml:"history_dsn" mapstructure:"history_dsn"`
	Server     *ServerConfig   `toml:"server" mapstructure:"server"`
	Metrics    *MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Settings   Settings        `toml:"settings" mapstructure:"settings"`
	Processes  []ProcessConfig `toml:"processes" mapstructure:"processes"`
	Layouts    []LayoutConfig  `toml:"layouts" mapstructure:"layouts"`
}

// Load parses a TOML config file and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	c.Root = abs
	applyDefaults(&c)
	if err := validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyDefaults(c *Config) {
	if c.Settings.HealthCheckInterval <= 0 {
		c.Settings.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.Settings.DependencyTimeout <= 0 {
		c.Settings.DependencyTimeout = DefaultDependencyTimeout
	}
	if c.Settings.RestartBackoffMax <= 0 {
		c.Settings.RestartBackoffMax = DefaultRestartBackoffMax
	}
	if c.Settings.StopTimeout <= 0 {
		c.Settings.StopTimeout = DefaultStopTimeout
	}
	for i := range c.Processes {
		p := &c.Processes[i]
		if p.RestartPolicy == "" {
			p.RestartPolicy = RestartOnFailure
		}
		if p.MaxRestarts <= 0 {
			p.MaxRestarts = DefaultMaxRestarts
		}
	}
}

func validate(c *Config) error {
	for _, p := range c.Processes {
		if p.Name == "" {
			return fmt.Errorf("process entry without name")
		}
		if p.Command == "" {
			return fmt.Errorf("process %s: command is required", p.Name)
		}
		switch p.RestartPolicy {
		case RestartAlways, RestartOnFailure, RestartNever:
		default:
			return fmt.Errorf("process %s: unknown restart policy %q", p.Name, p.RestartPolicy)
		}
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("process %s: port %d out of range", p.Name, p.Port)
		}
	}
	return nil
}

// GlobalEnv composes the supervisor-level environment: env_files first, then
// the top-level env list overriding. Entries are "KEY=VALUE".
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.Root, p)
		}
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines. Lines starting
// with # are ignored.
func LoadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
