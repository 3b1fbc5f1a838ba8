// Package config provides configuration file support for the daemon.
//
// The daemon supports both command-line flags and a configuration file:
// - CLI flags take highest priority (override config file)
// - Config file provides defaults
// - Built-in defaults are used if neither is specified
//
// Configuration files use TOML format for readability and structure.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the complete daemon configuration.
//
// Fields use TOML tags to map config file keys to struct fields.
type Config struct {
	Daemon  DaemonConfig   `toml:"daemon"`
	Extmon  ExtmonConfig   `toml:"extmon"`
	Meta    map[string]any `toml:"meta"`
	Zones   ZonesConfig    `toml:"zones"`
	Stats   StatsConfig    `toml:"stats"`
	Logging LoggingConfig  `toml:"logging"`
}

// DaemonConfig contains process-lifecycle and listener settings.
type DaemonConfig struct {
	// RunDir holds the pidfile and the monitor history database.
	RunDir string `toml:"run_dir"`

	// PidFile is the PID file path; defaults to RunDir/gdnsd.pid.
	PidFile string `toml:"pidfile"`

	// Username to drop privileges to after binding listeners.
	Username string `toml:"username"`

	// DNSThreads is the number of DNS I/O reactor threads.
	DNSThreads int `toml:"dns_threads"`

	// Listen holds the DNS service listen addresses, "host:port" form.
	Listen []string `toml:"listen"`

	// LockMemory requests mlockall(MCL_CURRENT|MCL_FUTURE) after
	// startup, so the process never pages its working set out to swap.
	LockMemory bool `toml:"lock_memory"`
}

// ExtmonConfig is the external-monitor helper's configuration surface.
//
// It mirrors the DATA MODEL's split between "Service type" (a reusable
// check definition: argv template, interval, timeout) and "Monitor" (a
// single instance of a service type pointed at one thing — a hostname
// or address substituted for "%%ITEM%%" in the service's argv
// template).
type ExtmonConfig struct {
	// HelperPath is the path to the privileged helper binary.
	HelperPath string `toml:"helper_path"`

	// HelperFailureAction is "stasis" (freeze last-known state) or
	// "kill_daemon" (exit the whole process) when the helper's output
	// pipe closes. The helper is not restarted.
	HelperFailureAction string `toml:"helper_failure_action"`

	// Services maps service-type name to its check command template.
	Services map[string]ServiceConfig `toml:"services"`

	// Monitors maps monitor name to the service type it runs and the
	// thing it checks.
	Monitors map[string]MonitorConfig `toml:"monitors"`
}

// ServiceConfig is one [extmon.services.NAME] stanza: a reusable check
// definition. Argv is the command template; entries may contain the
// literal placeholder "%%ITEM%%", expanded per monitor at config-load
// time (see extmon.ExpandArgv). The invariant num_args >= 1 (DATA MODEL
// "Service type") is enforced by the caller that builds extmon.Command
// values from this config.
type ServiceConfig struct {
	Argv       []string `toml:"argv"`
	IntervalMS int      `toml:"interval_ms"`
	TimeoutMS  int      `toml:"timeout_ms"`
}

// MonitorConfig is one [extmon.monitors.NAME] stanza: one instance of a
// service type, pointed at a single thing (hostname or address).
type MonitorConfig struct {
	// Service names the ServiceConfig this monitor runs.
	Service string `toml:"service"`

	// Thing is substituted for "%%ITEM%%" in the service's argv
	// template.
	Thing string `toml:"thing"`

	// Description is a human-readable label; if empty, the monitor's
	// config key is used.
	Description string `toml:"description"`
}

// ZonesConfig points at the zone-file source directory.
type ZonesConfig struct {
	Directory string `toml:"directory"`
}

// StatsConfig contains the read-only stats HTTP endpoint settings.
type StatsConfig struct {
	Listen string `toml:"listen"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Syslog is the syslog facility (daemon, local0-local7).
	// Empty string logs to stderr.
	Syslog string `toml:"syslog"`

	Debug bool `toml:"debug"`
}

// Load reads and parses a TOML configuration file.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// MergeString combines a config-file string with a CLI flag value,
// giving the CLI flag priority when it differs from its default.
//
// Priority order (highest to lowest): CLI flag (if explicitly set),
// config file value, CLI flag default.
func MergeString(cfgValue, cliValue, defaultValue string) string {
	if cliValue != defaultValue {
		return cliValue
	}
	if cfgValue != "" {
		return cfgValue
	}
	return cliValue
}

// MergeBool merges boolean configuration values with priority.
//
// For booleans, the CLI flag is considered "set" only if it's true,
// since false is the default for most boolean flags.
func MergeBool(cfgValue, cliValue bool) bool {
	if cliValue {
		return true
	}
	return cfgValue
}

// MergeInt merges a config-file int with a CLI flag value.
func MergeInt(cfgValue, cliValue, defaultValue int) int {
	if cliValue != defaultValue {
		return cliValue
	}
	if cfgValue != 0 {
		return cfgValue
	}
	return cliValue
}
