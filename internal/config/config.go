// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/pbjgame/bengine/internal/domain"
	"github.com/pbjgame/bengine/internal/stmtcache"
)

const (
	envPrefix      = "BENGINE__"
	configFileName = "config.toml"
	appName        = "bengine"
)

// envKeys maps config keys to the environment variable suffix that overrides them.
var envKeys = map[string]string{
	"logLevel":              "LOG_LEVEL",
	"logPath":               "LOG_PATH",
	"logMaxSize":            "LOG_MAX_SIZE",
	"logMaxBackups":         "LOG_MAX_BACKUPS",
	"dataDir":               "DATA_DIR",
	"beds":                  "BEDS",
	"stmtCacheCapacity":     "STMT_CACHE_CAPACITY",
	"trackIdNames":          "TRACK_ID_NAMES",
	"metricsEnabled":        "METRICS_ENABLED",
	"metricsHost":           "METRICS_HOST",
	"metricsPort":           "METRICS_PORT",
	"metricsBasicAuthUsers": "METRICS_BASIC_AUTH_USERS",
}

const defaultConfigTemplate = `# config.toml - Auto-generated on first run

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "INFO"

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/bengine.log"

# Log rotation
# Maximum log file size in megabytes before rotation
logMaxSize = 50
# Number of rotated log files to retain, 0 keeps all
logMaxBackups = 3

# Directory holding bed files
# Defaults to the config directory
#dataDir = ""

# Bed files opened by serve, relative to dataDir
#beds = ["terrain.bed", "audio.bed"]

# Statement cache capacity per bed
stmtCacheCapacity = 24

# Remember the strings IDs were made from, for logs and diagnostics
trackIdNames = false

# Prometheus metrics
metricsEnabled = false
metricsHost = "127.0.0.1"
metricsPort = 9074
# Comma separated user:password pairs
#metricsBasicAuthUsers = "prometheus:changeme"
`

// AppConfig wraps the loaded configuration with the viper instance it came
// from and the log manager it drives.
type AppConfig struct {
	Config *domain.Config

	viper      *viper.Viper
	configMu   sync.Mutex
	configDir  string
	logManager *LogManager
}

// New loads the configuration from configDirOrPath, which is either a
// directory holding config.toml or the path of the file itself. A missing
// file is created with the defaults. Environment variables prefixed with
// BENGINE__ override file values.
func New(configDirOrPath, version string) (*AppConfig, error) {
	configPath := configDirOrPath
	if configPath == "" {
		configPath = GetDefaultConfigDir()
	}
	if !strings.EqualFold(filepath.Ext(configPath), ".toml") {
		configPath = filepath.Join(configPath, configFileName)
	}

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return nil, err
		}
	}

	c := &AppConfig{
		Config:     &domain.Config{},
		viper:      viper.New(),
		configDir:  filepath.Dir(configPath),
		logManager: NewLogManager(version),
	}
	c.defaults()

	c.viper.SetConfigFile(configPath)
	c.viper.SetConfigType("toml")
	if err := c.viper.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", configPath)
	}

	for key, suffix := range envKeys {
		if err := c.viper.BindEnv(key, envPrefix+suffix); err != nil {
			return nil, errors.Wrapf(err, "bind env for %s", key)
		}
	}

	cfg, err := c.decode()
	if err != nil {
		return nil, err
	}
	c.Config = cfg

	c.logManager.Initialize()
	if err := c.ApplyLogConfig(); err != nil {
		return nil, err
	}

	log.Debug().Str("path", configPath).Interface("config", c.Config.Redacted()).Msg("config loaded")
	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "")
	c.viper.SetDefault("beds", []string{})
	c.viper.SetDefault("stmtCacheCapacity", stmtcache.DefaultCapacity)
	c.viper.SetDefault("trackIdNames", false)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9074)
	c.viper.SetDefault("metricsBasicAuthUsers", "")
}

func (c *AppConfig) decode() (*domain.Config, error) {
	cfg := &domain.Config{}
	if err := c.viper.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.LogLevel = canonicalizeLogLevel(cfg.LogLevel)
	if cfg.StmtCacheCapacity < 1 {
		cfg.StmtCacheCapacity = stmtcache.DefaultCapacity
	}
	return cfg, nil
}

// Watch reloads the configuration whenever the file is written and applies
// the new log settings. onChange, if set, then receives a copy of the new
// values. A file that fails to parse is logged and the old values are kept.
func (c *AppConfig) Watch(onChange func(domain.Config)) {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Debug().Str("file", e.Name).Str("op", e.Op.String()).Msg("config file changed")

		cfg, err := c.reload()
		if err != nil {
			log.Error().Err(err).Str("path", e.Name).Msg("failed to reload config, keeping previous values")
			return
		}
		log.Info().Str("path", e.Name).Msg("Config reloaded")
		if onChange != nil {
			onChange(cfg)
		}
	})
	c.viper.WatchConfig()
}

func (c *AppConfig) reload() (domain.Config, error) {
	c.configMu.Lock()
	defer c.configMu.Unlock()

	if err := c.viper.ReadInConfig(); err != nil {
		return domain.Config{}, errors.Wrap(err, "read config")
	}
	cfg, err := c.decode()
	if err != nil {
		return domain.Config{}, err
	}
	*c.Config = *cfg

	if err := c.ApplyLogConfig(); err != nil {
		return domain.Config{}, err
	}
	return *cfg, nil
}

// ConfigPath returns the config file in use.
func (c *AppConfig) ConfigPath() string {
	return c.viper.ConfigFileUsed()
}

// ConfigDir returns the directory holding the config file.
func (c *AppConfig) ConfigDir() string {
	return c.configDir
}

// LogManager returns the manager driving the global logger.
func (c *AppConfig) LogManager() *LogManager {
	return c.logManager
}

// ApplyLogConfig pushes the current log settings to the log manager.
func (c *AppConfig) ApplyLogConfig() error {
	return c.logManager.Apply(
		c.Config.LogLevel,
		c.ResolveLogPath(c.Config.LogPath),
		c.Config.LogMaxSize,
		c.Config.LogMaxBackups,
	)
}

// ResolveLogPath resolves a relative log path against the config directory.
func (c *AppConfig) ResolveLogPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.configDir, path)
}

// DataDir returns the bed directory, defaulting to the config directory.
func (c *AppConfig) DataDir() string {
	dir := c.Config.DataDir
	switch {
	case dir == "":
		return c.configDir
	case filepath.IsAbs(dir):
		return dir
	default:
		return filepath.Join(c.configDir, dir)
	}
}

// BedPath resolves a bed file name against the data directory.
func (c *AppConfig) BedPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir(), name)
}

// BedPaths returns the configured beds resolved against the data directory.
func (c *AppConfig) BedPaths() []string {
	paths := make([]string, 0, len(c.Config.Beds))
	for _, name := range c.Config.Beds {
		if name = strings.TrimSpace(name); name != "" {
			paths = append(paths, c.BedPath(name))
		}
	}
	return paths
}

// GetDefaultConfigDir returns the directory config.toml lives in by default.
// XDG_CONFIG_HOME wins when set; "/config" is used as is for containers.
func GetDefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		if xdg == "/config" {
			return xdg
		}
		return filepath.Join(xdg, appName)
	}

	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Warn().Err(err).Msg("could not determine home directory, using working directory")
		return "."
	}
	return filepath.Join(home, ".config", appName)
}

// WriteDefaultConfig writes the default config.toml to path, creating its
// directory. An existing file is left untouched.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create config directory %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o644); err != nil {
		return errors.Wrapf(err, "write default config %s", path)
	}

	log.Info().Str("path", path).Msg("Created default config file")
	return nil
}

// canonicalizeLogLevel normalizes a log level string to uppercase.
// Returns "INFO" if the level is empty or invalid.
func canonicalizeLogLevel(level string) string {
	normalized := strings.ToUpper(strings.TrimSpace(level))
	switch normalized {
	case "TRACE", "DEBUG", "INFO", "WARN", "ERROR":
		return normalized
	default:
		return "INFO"
	}
}

func setLogLevel(level string) {
	switch canonicalizeLogLevel(level) {
	case "TRACE":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
