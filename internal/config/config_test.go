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

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644))
	return dir
}

func TestConfigDefaults(t *testing.T) {
	c, err := New(writeConfig(t, ""))
	require.NoError(t, err)

	cfg := c.Config()
	assert.Equal(t, "quicksilver.db", cfg.DatabasePath)
	assert.Equal(t, 10, cfg.BusyRetries)
	assert.Equal(t, "normal", cfg.Synchronous)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestConfigFileValues(t *testing.T) {
	dir := writeConfig(t, `
databasePath = "/data/app.db"
busyRetries = 3
synchronous = "full"
logLevel = "debug"
`)

	c, err := New(dir)
	require.NoError(t, err)

	cfg := c.Config()
	assert.Equal(t, "/data/app.db", cfg.DatabasePath)
	assert.Equal(t, 3, cfg.BusyRetries)
	assert.Equal(t, "full", cfg.Synchronous)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestConfigEnvOverride(t *testing.T) {
	dir := writeConfig(t, `databasePath = "/config/path.db"`)

	t.Setenv("QUICKSILVER__DATABASEPATH", "/env/override.db")
	t.Setenv("QUICKSILVER__SYNCHRONOUS", "extra")

	c, err := New(dir)
	require.NoError(t, err)

	cfg := c.Config()
	assert.Equal(t, "/env/override.db", cfg.DatabasePath)
	assert.Equal(t, "extra", cfg.Synchronous)
}

func TestConfigWritesDefaultFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")

	_, err := New(dir)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "config.toml"))
	assert.NoError(t, statErr)
}

func TestConfigSynchronousChangeCallback(t *testing.T) {
	dir := writeConfig(t, `synchronous = "normal"`)

	c, err := New(dir)
	require.NoError(t, err)

	var got string
	c.OnSynchronousChange(func(level string) { got = level })

	// exercised through the reload path directly; the fsnotify watch feeds
	// the same handler
	c.viper.Set("synchronous", "full")
	c.reload()
	assert.Equal(t, "full", got)
}
