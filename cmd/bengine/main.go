// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pbjgame/bengine/internal/buildinfo"
	"github.com/pbjgame/bengine/internal/config"
	"github.com/pbjgame/bengine/pkg/id"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bengine",
		Short: "Inspect and serve bengine bed databases",
		Long: `bengine opens bed files (SQLite databases holding game assets) through a
statement cache, runs queries and maintenance against them, and can export
cache metrics for Prometheus.`,
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		RunServeCommand(),
		RunQueryCommand(),
		RunExecCommand(),
		RunMigrateCommand(),
		RunVacuumCommand(),
		RunBackupCommand(),
		RunRestoreCommand(),
		RunStatsCommand(),
		RunGenerateConfigCommand(),
		RunVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the process-wide settings
// it carries.
func loadConfig(configDir string) (*config.AppConfig, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, err
	}
	if cfg.Config.TrackIDNames {
		id.EnableNameTracking(id.DefaultNameTTL)
	}
	return cfg, nil
}

func addConfigDirFlag(cmd *cobra.Command, configDir *string) {
	cmd.Flags().StringVar(configDir, "config-dir", "", "config directory or config.toml path (default is OS-specific: ~/.config/bengine/ or %APPDATA%\\bengine\\)")
}
