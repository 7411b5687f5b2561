// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/quicksilver/internal/config"
	"github.com/autobrr/quicksilver/internal/database"
	"github.com/autobrr/quicksilver/internal/entity"
)

func openEngine(ctx context.Context, appConfig **config.AppConfig, readOnly bool) (*entity.Engine, error) {
	cfg := (*appConfig).Config()

	level, err := database.ParseSynchronous(cfg.Synchronous)
	if err != nil {
		return nil, err
	}

	eng, err := entity.New(ctx, entity.Options{
		Path:        cfg.DatabasePath,
		ReadOnly:    readOnly,
		BusyRetries: cfg.BusyRetries,
		Synchronous: level,
	})
	if err != nil {
		return nil, err
	}

	// config edits reach the live engine while a command holds it open
	(*appConfig).OnSynchronousChange(func(raw string) {
		level, err := database.ParseSynchronous(raw)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring synchronous change from config")
			return
		}
		if err := eng.SetSynchronous(context.Background(), level); err != nil {
			log.Warn().Err(err).Msg("failed to apply synchronous change")
		}
	})

	return eng, nil
}

func RunVacuumCommand(appConfig **config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Rebuild the database file, reclaiming free pages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openEngine(cmd.Context(), appConfig, false)
			if err != nil {
				return err
			}
			defer eng.Close(cmd.Context())

			if err := eng.Handle().Vacuum(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Vacuum complete.")
			return nil
		},
	}
}

func RunAnalyseCommand(appConfig **config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "analyse",
		Short: "Refresh the query planner statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openEngine(cmd.Context(), appConfig, false)
			if err != nil {
				return err
			}
			defer eng.Close(cmd.Context())

			if err := eng.Handle().Analyse(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Analyse complete.")
			return nil
		},
	}
}

func RunIndexCommand(appConfig **config.AppConfig) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "index <table> <column>...",
		Short: "Create an index over one or more columns",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd.Context(), appConfig, false)
			if err != nil {
				return err
			}
			defer eng.Close(cmd.Context())

			if !eng.Handle().CreateIndex(cmd.Context(), args[0], args[1:], name) {
				return errors.Errorf("failed to create index on %s", args[0])
			}
			cmd.Println("Index created.")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Index name (defaults to idx_<table>_<columns>)")
	return cmd
}

func RunStatsCommand(appConfig **config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print engine statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openEngine(cmd.Context(), appConfig, false)
			if err != nil {
				return err
			}
			defer eng.Close(cmd.Context())

			registry := prometheus.NewRegistry()
			if err := registry.Register(eng.MetricsCollector()); err != nil {
				return errors.Wrap(err, "failed to register metrics collector")
			}

			families, err := registry.Gather()
			if err != nil {
				return errors.Wrap(err, "failed to gather metrics")
			}

			sort.Slice(families, func(i, j int) bool {
				return families[i].GetName() < families[j].GetName()
			})
			for _, fam := range families {
				for _, m := range fam.GetMetric() {
					name := fam.GetName()
					for _, label := range m.GetLabel() {
						name += "{" + label.GetName() + "=" + label.GetValue() + "}"
					}
					value := m.GetGauge().GetValue()
					if m.GetCounter() != nil {
						value = m.GetCounter().GetValue()
					}
					cmd.Printf("%s %v\n", name, value)
				}
			}
			return nil
		},
	}
}

func RunCounterCommand(appConfig **config.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Inspect and assign per-table model counters",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "next <table>",
		Short: "Allocate and print the next identifier for a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd.Context(), appConfig, false)
			if err != nil {
				return err
			}
			defer eng.Close(cmd.Context())

			id, err := eng.Counters().NextModelID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Printf("%d\n", id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <table> <value>",
		Short: "Assign the next identifier for a table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid counter value %q", args[1])
			}

			eng, err := openEngine(cmd.Context(), appConfig, false)
			if err != nil {
				return err
			}
			defer eng.Close(cmd.Context())

			return eng.Counters().SetNextModelID(cmd.Context(), value, args[0])
		},
	})

	return cmd
}
