// Package config loads the desto TOML configuration file and applies
// environment overrides.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kalfasyan/desto/internal/launcher"
	"github.com/kalfasyan/desto/internal/logger"
	"github.com/kalfasyan/desto/internal/reconciler"
	"github.com/kalfasyan/desto/internal/store"
	"github.com/spf13/viper"
)

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

// HistoryConfig selects an optional lifecycle event sink. An empty DSN
// disables history. Supported DSNs: sqlite paths (or sqlite://...),
// postgres://... URLs.
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// FileConfig is the top-level TOML structure:
//
//	scripts_dir = "~/desto/scripts"
//	logs_dir = "~/desto/logs"
//	session_ttl = "168h"
//	[redis]
//	addr = "localhost:6379"
//	[reconciler]
//	poll_interval = "5s"
//	[log]
//	level = "info"
//	[server]
//	listen = ":8088"
//	[history]
//	dsn = "desto-history.db"
type FileConfig struct {
	ScriptsDir  string            `toml:"scripts_dir" mapstructure:"scripts_dir"`
	LogsDir     string            `toml:"logs_dir" mapstructure:"logs_dir"`
	SessionTTL  time.Duration     `toml:"session_ttl" mapstructure:"session_ttl"`
	MarkCommand string            `toml:"mark_command" mapstructure:"mark_command"`
	Redis       store.Config      `toml:"redis" mapstructure:"redis"`
	Reconciler  reconciler.Config `toml:"reconciler" mapstructure:"reconciler"`
	Log         logger.Config     `toml:"log" mapstructure:"log"`
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
	History     HistoryConfig     `toml:"history" mapstructure:"history"`
}

// Default returns the configuration used when no file is present: state
// under ~/desto, Redis on localhost, the stock poll intervals.
func Default() FileConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, "desto")
	return FileConfig{
		ScriptsDir: filepath.Join(base, "scripts"),
		LogsDir:    filepath.Join(base, "logs"),
		SessionTTL: store.DefaultTTL,
		Redis:      store.DefaultConfig(),
		Reconciler: reconciler.DefaultConfig(),
		Log:        logger.Config{Level: "info"},
		Server:     ServerConfig{Listen: ":8088"},
	}
}

// Load reads a TOML file on top of the defaults. An empty path returns the
// defaults with only environment overrides applied; a missing explicit path
// is an error.
func Load(path string) (FileConfig, error) {
	fc := Default()
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fc, err
		}
		if err := v.Unmarshal(&fc); err != nil {
			return fc, err
		}
	}
	fc.applyEnv()
	return fc, nil
}

// applyEnv applies the DESTO_* environment overrides. They win over both
// defaults and the file.
func (fc *FileConfig) applyEnv() {
	if v := os.Getenv("DESTO_SCRIPTS_DIR"); v != "" {
		fc.ScriptsDir = v
	}
	if v := os.Getenv("DESTO_LOGS_DIR"); v != "" {
		fc.LogsDir = v
	}
	if v := os.Getenv("DESTO_REDIS_ADDR"); v != "" {
		fc.Redis.Addr = v
		fc.Redis.Enabled = true
	}
	if v := os.Getenv("DESTO_REDIS_PASSWORD"); v != "" {
		fc.Redis.Password = v
	}
	if v := os.Getenv("DESTO_LISTEN"); v != "" {
		fc.Server.Listen = v
	}
}

// LauncherConfig projects the file config onto the launcher settings.
func (fc FileConfig) LauncherConfig() launcher.Config {
	return launcher.Config{
		LogDir:      fc.LogsDir,
		ScriptsDir:  fc.ScriptsDir,
		MarkCommand: fc.MarkCommand,
	}
}
