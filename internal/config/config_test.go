package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesDaemonAndZonesStanzas(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gdnsd.toml")
	content := `
[daemon]
run_dir = "/var/run/gdnsd"
listen = ["0.0.0.0:53"]

[zones]
directory = "/etc/gdnsd/zones"

[stats]
listen = "127.0.0.1:3506"

[logging]
syslog = "daemon"
debug = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/run/gdnsd", cfg.Daemon.RunDir)
	require.Equal(t, []string{"0.0.0.0:53"}, cfg.Daemon.Listen)
	require.Equal(t, "/etc/gdnsd/zones", cfg.Zones.Directory)
	require.Equal(t, "127.0.0.1:3506", cfg.Stats.Listen)
	require.Equal(t, "daemon", cfg.Logging.Syslog)
	require.True(t, cfg.Logging.Debug)
}

func TestLoadParsesExtmonServicesAndMonitors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gdnsd.toml")
	content := `
[extmon]
helper_path = "/usr/libexec/gdnsd-extmon-helper"
helper_failure_action = "kill_daemon"

[extmon.services.ping]
argv = ["/bin/check_ping", "-H", "%%ITEM%%"]
interval_ms = 5000
timeout_ms = 2000

[extmon.monitors.host1]
service = "ping"
thing = "192.0.2.1"
description = "host1 ping check"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/usr/libexec/gdnsd-extmon-helper", cfg.Extmon.HelperPath)
	require.Equal(t, "kill_daemon", cfg.Extmon.HelperFailureAction)

	svc, ok := cfg.Extmon.Services["ping"]
	require.True(t, ok)
	require.Equal(t, []string{"/bin/check_ping", "-H", "%%ITEM%%"}, svc.Argv)
	require.Equal(t, 5000, svc.IntervalMS)

	mon, ok := cfg.Extmon.Monitors["host1"]
	require.True(t, ok)
	require.Equal(t, "ping", mon.Service)
	require.Equal(t, "192.0.2.1", mon.Thing)
	require.Equal(t, "host1 ping check", mon.Description)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/gdnsd.toml")
	require.Error(t, err)
}

func TestMergeStringPrefersExplicitCLIFlag(t *testing.T) {
	require.Equal(t, "/tmp/flag", MergeString("/tmp/cfg", "/tmp/flag", "/tmp/default"))
}

func TestMergeStringFallsBackToConfigThenDefault(t *testing.T) {
	require.Equal(t, "/tmp/cfg", MergeString("/tmp/cfg", "/tmp/default", "/tmp/default"))
	require.Equal(t, "/tmp/default", MergeString("", "/tmp/default", "/tmp/default"))
}

func TestMergeBoolCLITrueWins(t *testing.T) {
	require.True(t, MergeBool(false, true))
	require.True(t, MergeBool(true, false))
	require.False(t, MergeBool(false, false))
}

func TestMergeIntPrefersNonDefaultCLIValue(t *testing.T) {
	require.Equal(t, 7, MergeInt(3, 7, 0))
	require.Equal(t, 3, MergeInt(3, 0, 0))
	require.Equal(t, 0, MergeInt(0, 0, 0))
}
