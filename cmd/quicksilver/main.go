// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/quicksilver/internal/config"
)

func main() {
	var configDir string

	rootCmd := &cobra.Command{
		Use:   "quicksilver",
		Short: "Maintenance tooling for QuickSilver databases",
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Directory holding config.toml")

	var appConfig *config.AppConfig
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		cfg, err := config.New(configDir)
		if err != nil {
			return err
		}
		appConfig = cfg
		setupLogger(cfg.Config())
		return nil
	}

	rootCmd.AddCommand(RunVacuumCommand(&appConfig))
	rootCmd.AddCommand(RunAnalyseCommand(&appConfig))
	rootCmd.AddCommand(RunIndexCommand(&appConfig))
	rootCmd.AddCommand(RunCounterCommand(&appConfig))
	rootCmd.AddCommand(RunStatsCommand(&appConfig))

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogPath != "" {
		log.Logger = log.Output(&lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.LogMaxSize,
			MaxBackups: cfg.LogMaxBackups,
		})
		return
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
