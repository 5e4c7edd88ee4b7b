// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pbjgame/bengine/internal/buildinfo"
)

// LogManager handles log configuration with safe runtime reconfiguration.
type LogManager struct {
	switchable  *SwitchableWriter
	version     string
	mu          sync.Mutex
	initialized atomic.Bool
}

// NewLogManager creates a new LogManager with the given version string.
func NewLogManager(version string) *LogManager {
	return &LogManager{
		switchable: NewSwitchableWriter(baseLogWriter(version)),
		version:    version,
	}
}

// Initialize sets up the global logger to use the switchable writer.
// This should only be called once during application startup.
func (lm *LogManager) Initialize() {
	if lm.initialized.Swap(true) {
		return
	}
	// The logger itself stays at trace; the global level filters, so the level
	// can change at runtime without touching log.Logger.
	log.Logger = log.Logger.Output(lm.switchable).Level(zerolog.TraceLevel)
}

// Apply updates the log configuration with the given settings.
// It is safe to call this method concurrently from multiple goroutines.
// Returns an error if file logging is requested but cannot be enabled.
func (lm *LogManager) Apply(level, logPath string, maxSize, maxBackups int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	setLogLevel(level)

	newWriter, newCloser, err := lm.buildWriter(baseLogWriter(lm.version), logPath, maxSize, maxBackups)
	if err != nil {
		return err
	}

	if oldCloser := lm.switchable.Swap(newWriter, newCloser); oldCloser != nil {
		if closeErr := oldCloser.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Msg("Failed to close old log rotator")
		}
	}
	return nil
}

// Close closes the log file, if any, and falls back to the console.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if oldCloser := lm.switchable.Swap(baseLogWriter(lm.version), nil); oldCloser != nil {
		return oldCloser.Close()
	}
	return nil
}

func (lm *LogManager) buildWriter(baseWriter io.Writer, logPath string, maxSize, maxBackups int) (io.Writer, io.Closer, error) {
	if logPath == "" {
		return baseWriter, nil, nil
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to create log directory %s", dir)
	}

	if maxSize <= 0 {
		maxSize = 50
	}
	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}
	return io.MultiWriter(baseWriter, rotator), rotator, nil
}

// baseLogWriter is the console writer. Non-release builds writing to a
// terminal get colors.
func baseLogWriter(version string) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
		NoColor:    buildinfo.IsRelease(version) || !term.IsTerminal(int(os.Stderr.Fd())),
	}
}
