// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the zygotesim daemon.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"ZYGOTESIM_LOG_LEVEL"`
	Host      HostConfig      `yaml:"host"`
	Companion CompanionConfig `yaml:"companion"`
	Events    EventsConfig    `yaml:"events"`
	Health    HealthConfig    `yaml:"health"`
}

// HostConfig shapes the simulated zygote host: which api table slots
// it offers, which modules it accepts, and which worker processes it
// cycles through.
type HostConfig struct {
	ModuleDir     string   `yaml:"module_dir" env:"ZYGOTESIM_MODULE_DIR"`
	APIVersionMin int32    `yaml:"api_version_min"`
	APIVersionMax int32    `yaml:"api_version_max"`
	Denylist      []string `yaml:"denylist"`
	GrantRoot     []string `yaml:"grant_root"`

	// DisabledSlots names api table slots the simulated host omits,
	// emulating an older host build. Valid names: connect_companion,
	// get_module_dir, set_option, get_flags, exempt_fd,
	// hook_jni_native_methods, plt_hook_register, plt_hook_commit,
	// register_module.
	DisabledSlots []string `yaml:"disabled_slots"`

	Workers       []WorkerConfig `yaml:"workers"`
	CycleInterval time.Duration  `yaml:"cycle_interval"`
}

// WorkerConfig describes one simulated worker process.
type WorkerConfig struct {
	Name   string `yaml:"name"`
	UID    uint32 `yaml:"uid"`
	ABI    int    `yaml:"abi"`    // 32 or 64; 0 means 64
	Server bool   `yaml:"server"` // true simulates the system server
}

// CompanionConfig configures the companion runtime.
type CompanionConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxSessions int           `yaml:"max_sessions"`
	StaleAfter  time.Duration `yaml:"stale_after"`
}

// EventsConfig configures lifecycle event export.
type EventsConfig struct {
	OTLP          OTLPConfig    `yaml:"otlp"`
	Stdout        StdoutConfig  `yaml:"stdout"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// OTLPConfig configures the OTLP gRPC exporter.
type OTLPConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ZYGOTESIM_EVENTS_OTLP_ENABLED"`
	Endpoint    string `yaml:"endpoint" env:"ZYGOTESIM_EVENTS_OTLP_ENDPOINT"`
	Insecure    bool   `yaml:"insecure"`
	Compression string `yaml:"compression"` // "gzip" or "none"
}

// StdoutConfig configures the stdout exporter.
type StdoutConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"ZYGOTESIM_HEALTH_PORT"` // e.g. ":8787"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Host: HostConfig{
			ModuleDir:     "/data/adb/modules",
			APIVersionMin: 2,
			APIVersionMax: 4,
			Workers: []WorkerConfig{
				{Name: "com.android.systemui", UID: 10085},
			},
			CycleInterval: 30 * time.Second,
		},
		Companion: CompanionConfig{
			Enabled:     true,
			MaxSessions: 4096,
			StaleAfter:  5 * time.Minute,
		},
		Events: EventsConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Insecure:    true,
				Compression: "gzip",
			},
			Stdout: StdoutConfig{
				Enabled: true,
			},
			BatchSize:     256,
			FlushInterval: 5 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8787",
		},
	}
}

// LoadDir loads per-concern YAML files from a directory and merges
// them into a single Config. Expected files:
//   - base.yaml      → log_level
//   - host.yaml      → host
//   - companion.yaml → companion
//   - events.yaml    → events, health
//
// A missing overlay file is not an error; defaults cover its section.
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFileInto(filepath.Join(dir, "base.yaml"), cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load base.yaml: %w", err)
	}

	overlays := []string{"host.yaml", "companion.yaml", "events.yaml"}
	for _, f := range overlays {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing
// Config, overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads ZYGOTESIM_* environment variables and
// applies them to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	strOverrides := map[string]func(string){
		"ZYGOTESIM_LOG_LEVEL":            func(v string) { c.LogLevel = v },
		"ZYGOTESIM_MODULE_DIR":           func(v string) { c.Host.ModuleDir = v },
		"ZYGOTESIM_HEALTH_PORT":          func(v string) { c.Health.Port = v },
		"ZYGOTESIM_EVENTS_OTLP_ENDPOINT": func(v string) { c.Events.OTLP.Endpoint = v },
	}

	boolOverrides := map[string]*bool{
		"ZYGOTESIM_COMPANION_ENABLED":     &c.Companion.Enabled,
		"ZYGOTESIM_EVENTS_OTLP_ENABLED":   &c.Events.OTLP.Enabled,
		"ZYGOTESIM_EVENTS_STDOUT_ENABLED": &c.Events.Stdout.Enabled,
		"ZYGOTESIM_HEALTH_ENABLED":        &c.Health.Enabled,
	}

	for envKey, setter := range strOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

var validSlotNames = map[string]bool{
	"connect_companion":       true,
	"get_module_dir":          true,
	"set_option":              true,
	"get_flags":               true,
	"exempt_fd":               true,
	"hook_jni_native_methods": true,
	"plt_hook_register":       true,
	"plt_hook_commit":         true,
	"register_module":         true,
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	if c.Host.APIVersionMin <= 0 {
		return fmt.Errorf("host.api_version_min must be positive")
	}
	if c.Host.APIVersionMax < c.Host.APIVersionMin {
		return fmt.Errorf("host.api_version_max must be >= host.api_version_min")
	}
	for _, slot := range c.Host.DisabledSlots {
		if !validSlotNames[slot] {
			return fmt.Errorf("host.disabled_slots: unknown slot %q", slot)
		}
	}
	for i, w := range c.Host.Workers {
		if w.Name == "" {
			return fmt.Errorf("host.workers[%d]: name is required", i)
		}
		if w.ABI != 0 && w.ABI != 32 && w.ABI != 64 {
			return fmt.Errorf("host.workers[%d]: abi must be 32 or 64", i)
		}
	}

	if c.Companion.Enabled && c.Companion.MaxSessions <= 0 {
		return fmt.Errorf("companion.max_sessions must be positive")
	}

	if c.Events.OTLP.Enabled && c.Events.OTLP.Endpoint == "" {
		return fmt.Errorf("events.otlp.endpoint is required when OTLP is enabled")
	}
	switch c.Events.OTLP.Compression {
	case "", "gzip", "none":
	default:
		return fmt.Errorf("events.otlp.compression must be 'gzip' or 'none'")
	}
	if c.Events.BatchSize <= 0 {
		return fmt.Errorf("events.batch_size must be positive")
	}
	if c.Events.FlushInterval < 100*time.Millisecond {
		return fmt.Errorf("events.flush_interval must be at least 100ms")
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return fmt.Errorf("health.port is required when health is enabled")
	}

	return nil
}
