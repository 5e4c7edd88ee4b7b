// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the application configuration as read from config.toml and the
// environment.
type Config struct {
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`

	// DataDir holds the bed files. Relative bed paths resolve against it.
	DataDir           string   `toml:"dataDir" mapstructure:"dataDir"`
	Beds              []string `toml:"beds" mapstructure:"beds"`
	StmtCacheCapacity int      `toml:"stmtCacheCapacity" mapstructure:"stmtCacheCapacity"`
	TrackIDNames      bool     `toml:"trackIdNames" mapstructure:"trackIdNames"`

	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`
}
