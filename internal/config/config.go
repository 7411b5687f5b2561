// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the TOML configuration, applies environment
// overrides and hot-reloads the dynamic settings while the engine runs.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "QUICKSILVER__"

// Config is the materialized configuration.
type Config struct {
	DatabasePath string `mapstructure:"databasePath"`
	BusyRetries  int    `mapstructure:"busyRetries"`
	Synchronous  string `mapstructure:"synchronous"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`
}

// AppConfig wraps the live viper instance. Subscribers receive the new
// synchronous level whenever the config file changes it.
type AppConfig struct {
	viper *viper.Viper

	mu     sync.Mutex
	config *Config
	onSync []func(level string)
}

const defaultConfig = `# QuickSilver configuration
# Path to the database file. Created on first open.
#databasePath = "quicksilver.db"

# Busy-retry budget applied to statement steps and close.
#busyRetries = 10

# Commit durability: off, normal, full or extra. Applied live on change.
#synchronous = "normal"

# Log level: trace, debug, info, warn or error.
#logLevel = "info"

# Log file path. Empty logs to stderr.
#logPath = ""

# Log rotation: max size in MB and number of rotated files to keep.
#logMaxSize = 50
#logMaxBackups = 3
`

// New reads the config file in configDir and begins watching it for changes.
// When configDir is set and holds no config file, a default one is written
// there first; with an empty configDir the current directory is searched and
// nothing is written.
func New(configDir string) (*AppConfig, error) {
	c := &AppConfig{viper: viper.New()}

	c.viper.SetDefault("databasePath", "quicksilver.db")
	c.viper.SetDefault("busyRetries", 10)
	c.viper.SetDefault("synchronous", "normal")
	c.viper.SetDefault("logLevel", "info")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)

	c.viper.SetConfigName("config")
	c.viper.SetConfigType("toml")

	if configDir != "" {
		c.viper.AddConfigPath(configDir)
	} else {
		c.viper.AddConfigPath(".")
	}

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if configDir != "" {
			if err := writeDefaultConfig(configDir); err != nil {
				return nil, err
			}
			if err := c.viper.ReadInConfig(); err != nil {
				return nil, errors.Wrap(err, "failed to read generated config file")
			}
		}
	}

	c.applyEnvOverrides()

	cfg := new(Config)
	if err := c.viper.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	c.config = cfg

	c.watch()
	return c, nil
}

func writeDefaultConfig(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create config directory %s", dir)
	}
	path := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(defaultConfig), 0o644)
}

func (c *AppConfig) applyEnvOverrides() {
	for _, key := range []string{
		"databasePath", "busyRetries", "synchronous",
		"logLevel", "logPath", "logMaxSize", "logMaxBackups",
	} {
		env := envPrefix + strings.ToUpper(key)
		if v, ok := os.LookupEnv(env); ok {
			c.viper.Set(key, v)
		}
	}
}

func (c *AppConfig) watch() {
	c.viper.OnConfigChange(func(_ fsnotify.Event) {
		c.reload()
	})
	c.viper.WatchConfig()
}

func (c *AppConfig) reload() {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous := *c.config
	cfg := new(Config)
	if err := c.viper.Unmarshal(cfg); err != nil {
		log.Error().Err(err).Msg("failed to reload config, keeping previous values")
		return
	}
	c.config = cfg

	if cfg.LogLevel != previous.LogLevel {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
			log.Info().Str("level", cfg.LogLevel).Msg("log level changed")
		}
	}

	if cfg.Synchronous != previous.Synchronous {
		for _, fn := range c.onSync {
			fn(cfg.Synchronous)
		}
	}
}

// Config returns the current configuration snapshot.
func (c *AppConfig) Config() *Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// OnSynchronousChange registers a callback for live durability changes.
func (c *AppConfig) OnSynchronousChange(fn func(level string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSync = append(c.onSync, fn)
}
