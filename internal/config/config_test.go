// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbjgame/bengine/internal/domain"
	"github.com/pbjgame/bengine/internal/stmtcache"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(content), 0o600))
	return dir
}

func TestNewWritesDefaultConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")

	cfg, err := New(dir, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfg.LogManager().Close() })

	assert.FileExists(t, filepath.Join(dir, configFileName))
	assert.Equal(t, filepath.Join(dir, configFileName), cfg.ConfigPath())
	assert.Equal(t, "INFO", cfg.Config.LogLevel)
	assert.Equal(t, stmtcache.DefaultCapacity, cfg.Config.StmtCacheCapacity)
	assert.Equal(t, 9074, cfg.Config.MetricsPort)
	assert.False(t, cfg.Config.MetricsEnabled)
	assert.Empty(t, cfg.Config.Beds)
	assert.Equal(t, dir, cfg.DataDir())
}

func TestNewReadsFileValues(t *testing.T) {
	dir := writeConfig(t, `
logLevel = "debug"
dataDir = "beds"
beds = ["terrain.bed", "/abs/audio.bed"]
stmtCacheCapacity = 8
trackIdNames = true
metricsEnabled = true
metricsPort = 9999
`)

	cfg, err := New(filepath.Join(dir, configFileName), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfg.LogManager().Close() })

	assert.Equal(t, "DEBUG", cfg.Config.LogLevel)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	assert.Equal(t, 8, cfg.Config.StmtCacheCapacity)
	assert.True(t, cfg.Config.TrackIDNames)
	assert.True(t, cfg.Config.MetricsEnabled)
	assert.Equal(t, 9999, cfg.Config.MetricsPort)
	assert.Equal(t, filepath.Join(dir, "beds"), cfg.DataDir())
	assert.Equal(t, []string{
		filepath.Join(dir, "beds", "terrain.bed"),
		"/abs/audio.bed",
	}, cfg.BedPaths())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := writeConfig(t, `
logLevel = "INFO"
stmtCacheCapacity = 8
`)
	t.Setenv("BENGINE__LOG_LEVEL", "warn")
	t.Setenv("BENGINE__STMT_CACHE_CAPACITY", "64")
	t.Setenv("BENGINE__BEDS", "a.bed,b.bed")

	cfg, err := New(dir, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfg.LogManager().Close() })

	assert.Equal(t, "WARN", cfg.Config.LogLevel)
	assert.Equal(t, 64, cfg.Config.StmtCacheCapacity)
	assert.Equal(t, []string{"a.bed", "b.bed"}, cfg.Config.Beds)
}

func TestInvalidValuesFallBack(t *testing.T) {
	dir := writeConfig(t, `
logLevel = "loud"
stmtCacheCapacity = 0
`)

	cfg, err := New(dir, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfg.LogManager().Close() })

	assert.Equal(t, "INFO", cfg.Config.LogLevel)
	assert.Equal(t, stmtcache.DefaultCapacity, cfg.Config.StmtCacheCapacity)
}

func TestNewRejectsMalformedFile(t *testing.T) {
	dir := writeConfig(t, "logLevel = = \"x\"")

	_, err := New(dir, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLogPathResolvesAgainstConfigDir(t *testing.T) {
	dir := writeConfig(t, `logPath = "log/bengine.log"`)

	cfg, err := New(dir, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfg.LogManager().Close() })

	assert.Equal(t, filepath.Join(dir, "log", "bengine.log"), cfg.ResolveLogPath(cfg.Config.LogPath))
	assert.Equal(t, "/var/log/x.log", cfg.ResolveLogPath("/var/log/x.log"))
	assert.Empty(t, cfg.ResolveLogPath(""))
	assert.DirExists(t, filepath.Join(dir, "log"))
}

func TestWriteDefaultConfigKeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", configFileName)
	require.NoError(t, WriteDefaultConfig(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "# config.toml - Auto-generated")

	require.NoError(t, os.WriteFile(path, []byte("custom"), 0o600))
	require.NoError(t, WriteDefaultConfig(path))
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", string(content))
}

func TestCanonicalizeLogLevel(t *testing.T) {
	tests := map[string]string{
		"":       "INFO",
		"trace":  "TRACE",
		" Warn ": "WARN",
		"ERROR":  "ERROR",
		"bogus":  "INFO",
	}
	for in, want := range tests {
		assert.Equal(t, want, canonicalizeLogLevel(in), "input %q", in)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := writeConfig(t, `
logLevel = "INFO"
stmtCacheCapacity = 8
`)

	cfg, err := New(dir, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfg.LogManager().Close() })

	var capacity atomic.Int64
	cfg.Watch(func(c domain.Config) {
		capacity.Store(int64(c.StmtCacheCapacity))
	})

	require.NoError(t, os.WriteFile(cfg.ConfigPath(), []byte(`
logLevel = "ERROR"
stmtCacheCapacity = 48
`), 0o600))

	assert.Eventually(t, func() bool {
		return capacity.Load() == 48
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
}
