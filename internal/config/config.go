// Package config loads the server configuration from an optional YAML file
// with environment overrides. Components receive explicit config structs;
// nothing reads global state after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"devbridge/internal/command"
)

// Duration makes time.Duration YAML-friendly: the file spells durations as
// strings like "10m" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30m\": %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Rule mirrors one named validator pattern in the config file.
type Rule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// Config is the full configuration surface.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// AllowedRoot bounds session working directories and path arguments.
	AllowedRoot  string `yaml:"allowed_root"`
	DefaultShell string `yaml:"default_shell"`
	MaxSessions  int    `yaml:"max_sessions"`

	IdleTimeout   Duration `yaml:"idle_timeout"`
	GraceTimeout  Duration `yaml:"grace_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`

	// Validator rule tables. Empty sections fall back to the defaults.
	BaseCommands []string `yaml:"base_commands"`
	Scripts      []string `yaml:"scripts"`
	Whitelist    []Rule   `yaml:"whitelist"`
	Blacklist    []Rule   `yaml:"blacklist"`
}

// Defaults returns the stock configuration rooted at the current directory.
func Defaults() *Config {
	root, err := os.Getwd()
	if err != nil {
		root = "."
	}
	return &Config{
		ListenAddr:   "127.0.0.1:8420",
		AllowedRoot:  root,
		MaxSessions:  10,
		IdleTimeout:  Duration(30 * time.Minute),
		GraceTimeout: Duration(5 * time.Second),
		ProbeTimeout: Duration(2 * time.Second),
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; the defaults and
// environment alone are a valid configuration.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Config file is optional.
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if cfg.AllowedRoot == "" {
		return nil, fmt.Errorf("allowed_root must be set")
	}
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max_sessions must be positive, got %d", cfg.MaxSessions)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DEVBRIDGE_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DEVBRIDGE_ROOT"); v != "" {
		c.AllowedRoot = v
	}
	if v := os.Getenv("DEVBRIDGE_SHELL"); v != "" {
		c.DefaultShell = v
	}
	if v := os.Getenv("DEVBRIDGE_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSessions = n
		}
	}
	if v := os.Getenv("DEVBRIDGE_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.IdleTimeout = Duration(d)
		}
	}
	if v := os.Getenv("DEVBRIDGE_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ProbeTimeout = Duration(d)
		}
	}
}

// ValidatorConfig assembles the command validator's rule tables, falling
// back to the stock tables for any section the file leaves empty.
func (c *Config) ValidatorConfig() command.Config {
	vc := command.DefaultConfig(c.AllowedRoot)
	if len(c.BaseCommands) > 0 {
		vc.BaseCommands = c.BaseCommands
	}
	if len(c.Scripts) > 0 {
		vc.Scripts = c.Scripts
	}
	if len(c.Whitelist) > 0 {
		vc.Whitelist = toRules(c.Whitelist)
	}
	if len(c.Blacklist) > 0 {
		vc.Blacklist = toRules(c.Blacklist)
	}
	return vc
}

func toRules(rules []Rule) []command.Rule {
	out := make([]command.Rule, len(rules))
	for i, r := range rules {
		out[i] = command.Rule{Name: r.Name, Pattern: r.Pattern}
	}
	return out
}
