/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for ghostwired.

Configuration is resolved in this order (highest priority first):
  1. CLI flags (explicitly passed)
  2. Config file values
  3. Built-in defaults
*/
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ushineko/ghostwire/internal/fingerprint"
)

// Config is the top-level configuration for ghostwired.
type Config struct {
	Listen   string   `yaml:"listen"`
	LogDir   string   `yaml:"log_dir"`
	Verbose  bool     `yaml:"verbose"`
	DataDir  string   `yaml:"data_dir"`
	CA       CA       `yaml:"ca"`
	Timeouts Timeouts `yaml:"timeouts"`
	Profiles []string `yaml:"profiles"`
}

// CA holds root CA artifact paths, relative to DataDir.
type CA struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Timeouts holds proxy timeout configuration.
type Timeouts struct {
	Shutdown      Duration `yaml:"shutdown"`
	Connect       Duration `yaml:"connect"`
	Request       Duration `yaml:"request"`
	ReadHeader    Duration `yaml:"read_header"`
	SessionIdle   Duration `yaml:"session_idle"`
	GCInterval    Duration `yaml:"gc_interval"`
	CertCacheSize int      `yaml:"cert_cache_size"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Listen:  "127.0.0.1:8888",
		LogDir:  "logs",
		Verbose: false,
		DataDir: ".",
		CA: CA{
			Cert: "ca.crt",
			Key:  "ca.key",
		},
		Timeouts: Timeouts{
			Shutdown:      Duration{5 * time.Second},
			Connect:       Duration{10 * time.Second},
			Request:       Duration{30 * time.Second},
			ReadHeader:    Duration{10 * time.Second},
			SessionIdle:   Duration{30 * time.Minute},
			GCInterval:    Duration{5 * time.Minute},
			CertCacheSize: 8192,
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for ghostwire.yml or ghostwire.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"ghostwire.yml", "ghostwire.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config file values.
// A nil/zero value means the flag was not explicitly set.
type CLIOverrides struct {
	Addr    *string
	LogDir  *string
	Verbose *bool
	DataDir *string
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.Addr != nil {
		c.Listen = *o.Addr
	}
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Verbose = *o.Verbose
	}
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	if _, err := net.ResolveTCPAddr("tcp", c.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("listen: invalid address %q: %v", c.Listen, err))
	}

	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}
	if c.Timeouts.Connect.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.connect: must be positive, got %s", c.Timeouts.Connect))
	}
	if c.Timeouts.Request.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.request: must be positive, got %s", c.Timeouts.Request))
	}
	if c.Timeouts.ReadHeader.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.read_header: must be positive, got %s", c.Timeouts.ReadHeader))
	}
	if c.Timeouts.SessionIdle.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.session_idle: must be positive, got %s", c.Timeouts.SessionIdle))
	}
	if c.Timeouts.GCInterval.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.gc_interval: must be positive, got %s", c.Timeouts.GCInterval))
	}
	if c.Timeouts.CertCacheSize <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.cert_cache_size: must be positive, got %d", c.Timeouts.CertCacheSize))
	}

	for _, id := range c.Profiles {
		if _, ok := fingerprint.ByID(id); !ok {
			errs = append(errs, fmt.Sprintf("profiles: unknown profile id %q", id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

// Redacted returns a copy of the config with sensitive fields masked.
// There are currently no secrets in Config, but the hook is kept so the
// CLI's `config dump` path never needs to change if one is added.
func (c *Config) Redacted() Config {
	r := *c
	return r
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
