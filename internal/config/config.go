// Package config defines the daemon configuration and its HCL/JSON
// loaders.
package config

import (
	"fmt"
	"time"

	"grimm.is/wayout/internal/validation"
)

// Config is the daemon configuration.
type Config struct {
	ListenAddr   string `hcl:"listen_addr,optional" json:"listen_addr,omitempty"`
	DatabasePath string `hcl:"database_path,optional" json:"database_path,omitempty"`
	DryRun       bool   `hcl:"dry_run,optional" json:"dry_run,omitempty"`

	Log     *LogConfig     `hcl:"log,block" json:"log,omitempty"`
	Apply   *ApplyConfig   `hcl:"apply,block" json:"apply,omitempty"`
	Monitor *MonitorConfig `hcl:"monitor,block" json:"monitor,omitempty"`
	Policy  *PolicyConfig  `hcl:"policy,block" json:"policy,omitempty"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `hcl:"level,optional" json:"level,omitempty"`   // debug, info, warn, error
	Format string `hcl:"format,optional" json:"format,omitempty"` // console, json
}

// ApplyConfig tunes the change apply pipeline.
type ApplyConfig struct {
	AbortThreshold  int    `hcl:"abort_threshold,optional" json:"abort_threshold,omitempty"`
	AdapterTimeout  string `hcl:"adapter_timeout,optional" json:"adapter_timeout,omitempty"`
	ApplyTimeout    string `hcl:"apply_timeout,optional" json:"apply_timeout,omitempty"`
	RetainSnapshots int    `hcl:"retain_snapshots,optional" json:"retain_snapshots,omitempty"`
}

// MonitorConfig tunes egress health probing.
type MonitorConfig struct {
	Interval   string `hcl:"interval,optional" json:"interval,omitempty"`
	PingTarget string `hcl:"ping_target,optional" json:"ping_target,omitempty"`
}

// PolicyConfig holds policy validation knobs.
type PolicyConfig struct {
	// UniqueGroupVLAN rejects two enabled rules binding the same
	// client group and VLAN pair.
	UniqueGroupVLAN bool `hcl:"unique_group_vlan,optional" json:"unique_group_vlan,omitempty"`
}

// Default returns a config with every field at its default.
func Default() *Config {
	return &Config{
		ListenAddr:   ":8420",
		DatabasePath: "/var/lib/wayout/state.db",
		Log:          &LogConfig{Level: "info", Format: "console"},
		Apply: &ApplyConfig{
			AbortThreshold:  3,
			AdapterTimeout:  "5s",
			ApplyTimeout:    "30s",
			RetainSnapshots: 20,
		},
		Monitor: &MonitorConfig{Interval: "30s", PingTarget: "1.1.1.1"},
		Policy:  &PolicyConfig{},
	}
}

// Normalize fills nil blocks and empty fields from defaults so callers
// never need nil checks.
func (c *Config) Normalize() {
	def := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.DatabasePath == "" {
		c.DatabasePath = def.DatabasePath
	}
	if c.Log == nil {
		c.Log = def.Log
	} else {
		if c.Log.Level == "" {
			c.Log.Level = def.Log.Level
		}
		if c.Log.Format == "" {
			c.Log.Format = def.Log.Format
		}
	}
	if c.Apply == nil {
		c.Apply = def.Apply
	} else {
		if c.Apply.AbortThreshold == 0 {
			c.Apply.AbortThreshold = def.Apply.AbortThreshold
		}
		if c.Apply.AdapterTimeout == "" {
			c.Apply.AdapterTimeout = def.Apply.AdapterTimeout
		}
		if c.Apply.ApplyTimeout == "" {
			c.Apply.ApplyTimeout = def.Apply.ApplyTimeout
		}
		if c.Apply.RetainSnapshots == 0 {
			c.Apply.RetainSnapshots = def.Apply.RetainSnapshots
		}
	}
	if c.Monitor == nil {
		c.Monitor = def.Monitor
	} else {
		if c.Monitor.Interval == "" {
			c.Monitor.Interval = def.Monitor.Interval
		}
		if c.Monitor.PingTarget == "" {
			c.Monitor.PingTarget = def.Monitor.PingTarget
		}
	}
	if c.Policy == nil {
		c.Policy = def.Policy
	}
}

// Validate checks field values after Normalize.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.Apply.AbortThreshold < 0 {
		return fmt.Errorf("apply.abort_threshold: must not be negative")
	}
	if _, err := c.AdapterTimeout(); err != nil {
		return fmt.Errorf("apply.adapter_timeout: %w", err)
	}
	if _, err := c.ApplyTimeout(); err != nil {
		return fmt.Errorf("apply.apply_timeout: %w", err)
	}
	if _, err := c.MonitorInterval(); err != nil {
		return fmt.Errorf("monitor.interval: %w", err)
	}
	if err := validation.ValidateIP(c.Monitor.PingTarget); err != nil {
		return fmt.Errorf("monitor.ping_target: %w", err)
	}
	return nil
}

// AdapterTimeout parses the per-adapter timeout.
func (c *Config) AdapterTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Apply.AdapterTimeout)
}

// ApplyTimeout parses the whole-batch timeout.
func (c *Config) ApplyTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Apply.ApplyTimeout)
}

// MonitorInterval parses the probe interval.
func (c *Config) MonitorInterval() (time.Duration, error) {
	return time.ParseDuration(c.Monitor.Interval)
}
