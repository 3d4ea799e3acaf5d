// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the application configuration from a TOML file with
// QGOV__ environment variable overrides, and watches the file for changes to
// dynamic settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/autobrr/qgov/internal/domain"
)

const envPrefix = "QGOV__"

var configTemplate = `# config.toml

# Log level: ERROR, DEBUG, INFO, WARN, TRACE
logLevel = "INFO"

# Optional log file path. Leave empty to log to stdout only.
#logPath = "log/qgov.log"

# Data directory for the sqlite database and governor state.
dataDir = "%s"

# Governor tick cadence in seconds.
governorTickSeconds = 5

# Per-torrent state snapshot cadence in seconds.
stateSaveSeconds = 180

# Expose prometheus collectors.
metricsEnabled = false

# Listen address for the /metrics endpoint.
#metricsAddr = "127.0.0.1:9074"
`

type AppConfig struct {
	Config *domain.Config
	viper  *viper.Viper

	mu        sync.RWMutex
	onReload  []func(*domain.Config)
	configDir string
}

func New(configPath string, version string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &domain.Config{Version: version},
	}

	if err := c.load(configPath); err != nil {
		return nil, err
	}

	c.watch()

	return c, nil
}

func (c *AppConfig) defaults(dir string) {
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", dir)
	c.viper.SetDefault("governorTickSeconds", 5)
	c.viper.SetDefault("stateSaveSeconds", 180)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsAddr", "127.0.0.1:9074")
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	dir := configPath
	if dir == "" {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("could not resolve user config dir: %w", err)
		}
		dir = filepath.Join(userConfigDir, "qgov")
	}
	c.configDir = dir

	c.defaults(dir)

	c.viper.SetConfigFile(filepath.Join(dir, "config.toml"))

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
			if err := c.writeDefault(dir); err != nil {
				return err
			}
			if err := c.viper.ReadInConfig(); err != nil {
				return fmt.Errorf("config read: %w", err)
			}
		} else {
			return fmt.Errorf("config read: %w", err)
		}
	}

	c.bindEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return fmt.Errorf("config unmarshal: %w", err)
	}

	return c.Config.Validate()
}

func (c *AppConfig) writeDefault(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(fmt.Sprintf(configTemplate, dir)); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// bindEnv maps QGOV__SNAKE_CASE environment variables onto config keys.
func (c *AppConfig) bindEnv() {
	keys := map[string]string{
		"logLevel":            envPrefix + "LOG_LEVEL",
		"logPath":             envPrefix + "LOG_PATH",
		"logMaxSize":          envPrefix + "LOG_MAX_SIZE",
		"logMaxBackups":       envPrefix + "LOG_MAX_BACKUPS",
		"dataDir":             envPrefix + "DATA_DIR",
		"governorTickSeconds": envPrefix + "GOVERNOR_TICK_SECONDS",
		"stateSaveSeconds":    envPrefix + "STATE_SAVE_SECONDS",
		"metricsEnabled":      envPrefix + "METRICS_ENABLED",
		"metricsAddr":         envPrefix + "METRICS_ADDR",
	}
	for key, env := range keys {
		if value, ok := os.LookupEnv(env); ok {
			c.viper.Set(key, value)
		}
	}
}

// watch reloads dynamic settings when the config file changes on disk.
// Only log settings are applied live; structural settings require a restart.
func (c *AppConfig) watch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()

		reloaded := &domain.Config{Version: c.Config.Version}
		if err := c.viper.Unmarshal(reloaded); err != nil {
			log.Error().Err(err).Msg("config: reload failed, keeping previous settings")
			return
		}

		c.Config.LogLevel = reloaded.LogLevel
		c.Config.LogPath = reloaded.LogPath

		log.Debug().Str("file", e.Name).Msg("config: reloaded")

		for _, fn := range c.onReload {
			fn(c.Config)
		}
	})
	c.viper.WatchConfig()
}

// OnReload registers a callback invoked after a successful live reload.
func (c *AppConfig) OnReload(fn func(*domain.Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = append(c.onReload, fn)
}

// DatabasePath resolves the sqlite database location inside the data dir.
func (c *AppConfig) DatabasePath() string {
	dataDir := strings.TrimSpace(c.Config.DataDir)
	if dataDir == "" {
		dataDir = c.configDir
	}
	return filepath.Join(dataDir, "qgov.db")
}
