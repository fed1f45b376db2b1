package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "desto.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	fc := Default()
	require.NotEmpty(t, fc.ScriptsDir)
	require.NotEmpty(t, fc.LogsDir)
	require.Equal(t, 7*24*time.Hour, fc.SessionTTL)
	require.Equal(t, "localhost:6379", fc.Redis.Addr)
	require.Equal(t, 5*time.Second, fc.Reconciler.PollInterval)
	require.Equal(t, ":8088", fc.Server.Listen)
	require.Empty(t, fc.History.DSN)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
scripts_dir = "/tmp/scripts"
logs_dir = "/tmp/logs"
session_ttl = "48h"

[redis]
addr = "redis.internal:6380"
db = 2
enabled = true

[reconciler]
poll_interval = "1s"
error_backoff = "3s"

[log]
level = "debug"
file = "/tmp/desto.log"

[server]
listen = ":9000"

[history]
dsn = "history.db"
`)
	fc, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/scripts", fc.ScriptsDir)
	require.Equal(t, "/tmp/logs", fc.LogsDir)
	require.Equal(t, 48*time.Hour, fc.SessionTTL)
	require.Equal(t, "redis.internal:6380", fc.Redis.Addr)
	require.Equal(t, 2, fc.Redis.DB)
	require.True(t, fc.Redis.Enabled)
	require.Equal(t, time.Second, fc.Reconciler.PollInterval)
	require.Equal(t, 3*time.Second, fc.Reconciler.ErrorBackoff)
	require.Equal(t, "debug", fc.Log.Level)
	require.Equal(t, ":9000", fc.Server.Listen)
	require.Equal(t, "history.db", fc.History.DSN)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
[redis]
addr = "other:6379"
`)
	fc, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "other:6379", fc.Redis.Addr)
	require.Equal(t, 7*24*time.Hour, fc.SessionTTL)
	require.Equal(t, 5*time.Second, fc.Reconciler.PollInterval)
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	fc, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Server.Listen, fc.Server.Listen)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DESTO_SCRIPTS_DIR", "/env/scripts")
	t.Setenv("DESTO_LOGS_DIR", "/env/logs")
	t.Setenv("DESTO_REDIS_ADDR", "env-redis:6379")
	t.Setenv("DESTO_LISTEN", ":7777")

	path := writeConfig(t, `
scripts_dir = "/file/scripts"

[redis]
addr = "file-redis:6379"
`)
	fc, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/env/scripts", fc.ScriptsDir)
	require.Equal(t, "/env/logs", fc.LogsDir)
	require.Equal(t, "env-redis:6379", fc.Redis.Addr)
	require.True(t, fc.Redis.Enabled)
	require.Equal(t, ":7777", fc.Server.Listen)
}

func TestLauncherConfig(t *testing.T) {
	fc := Default()
	fc.ScriptsDir = "/s"
	fc.LogsDir = "/l"
	fc.MarkCommand = "/usr/bin/desto mark"
	lc := fc.LauncherConfig()
	require.Equal(t, "/s", lc.ScriptsDir)
	require.Equal(t, "/l", lc.LogDir)
	require.Equal(t, "/usr/bin/desto mark", lc.MarkCommand)
}
