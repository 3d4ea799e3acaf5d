// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := New(dir, "test")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Config.LogLevel)
	assert.Equal(t, dir, cfg.Config.DataDir)
	assert.Equal(t, 5, cfg.Config.GovernorTickSeconds)
	assert.Equal(t, 180, cfg.Config.StateSaveSeconds)
	assert.False(t, cfg.Config.MetricsEnabled)
	assert.Equal(t, "127.0.0.1:9074", cfg.Config.MetricsAddr)
	assert.Equal(t, "test", cfg.Config.Version)
}

func TestNew_ReadsExistingConfig(t *testing.T) {
	dir := t.TempDir()

	contents := `logLevel = "DEBUG"
dataDir = "` + dir + `"
governorTickSeconds = 10
metricsEnabled = true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(contents), 0o644))

	cfg, err := New(dir, "test")
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Config.LogLevel)
	assert.Equal(t, 10, cfg.Config.GovernorTickSeconds)
	assert.True(t, cfg.Config.MetricsEnabled)
	// Defaults still fill keys the file does not set.
	assert.Equal(t, 180, cfg.Config.StateSaveSeconds)
}

func TestNew_EnvOverrides(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("QGOV__LOG_LEVEL", "TRACE")
	t.Setenv("QGOV__GOVERNOR_TICK_SECONDS", "30")
	t.Setenv("QGOV__METRICS_ADDR", "0.0.0.0:9999")

	cfg, err := New(dir, "test")
	require.NoError(t, err)

	assert.Equal(t, "TRACE", cfg.Config.LogLevel)
	assert.Equal(t, 30, cfg.Config.GovernorTickSeconds)
	assert.Equal(t, "0.0.0.0:9999", cfg.Config.MetricsAddr)
}

func TestDatabasePath(t *testing.T) {
	dir := t.TempDir()

	cfg, err := New(dir, "test")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "qgov.db"), cfg.DatabasePath())

	cfg.Config.DataDir = "  "
	assert.Equal(t, filepath.Join(dir, "qgov.db"), cfg.DatabasePath())
}
