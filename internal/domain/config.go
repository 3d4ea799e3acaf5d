// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"strings"
)

// Config represents the application configuration
type Config struct {
	Version       string
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`

	// GovernorTickSeconds is the cadence of the precision governor loop.
	GovernorTickSeconds int `toml:"governorTickSeconds" mapstructure:"governorTickSeconds"`

	// StateSaveSeconds is how often per-torrent governor state is snapshotted
	// to the database.
	StateSaveSeconds int `toml:"stateSaveSeconds" mapstructure:"stateSaveSeconds"`

	MetricsEnabled bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsAddr    string `toml:"metricsAddr" mapstructure:"metricsAddr"`
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("dataDir is required")
	}
	return nil
}
