// Package config loads and validates cloudmount's settings.json: retry
// counts, sync interval, eager-sync subtrees and conflict policy.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/imdario/mergo"
	"github.com/rs/zerolog/log"
)

// ConflictStrategy names how the conflict resolver should behave by
// default when it hasn't been overridden per-conflict.
type ConflictStrategy string

const (
	StrategyAlwaysRemote ConflictStrategy = "AlwaysRemote"
	StrategyAlwaysLocal  ConflictStrategy = "AlwaysLocal"
	StrategyManual       ConflictStrategy = "Manual"
)

// SyncConfig groups the scheduler/worker tunables nested under
// sync_config in settings.json.
type SyncConfig struct {
	SyncIntervalSeconds uint64 `json:"sync_interval_seconds"`
	MaxRetryCount       uint32 `json:"max_retry_count"`
	EnableNotifications bool   `json:"enable_notifications"`
}

// Config is the decoded form of settings.json.
type Config struct {
	DownloadFolders            []string         `json:"download_folders"`
	SyncConfig                 SyncConfig       `json:"sync_config"`
	ConflictResolutionStrategy ConflictStrategy `json:"conflict_resolution_strategy"`

	// CacheDir is not a settings.json key; it is derived from the OS data
	// directory and carried on Config for convenience once resolved.
	CacheDir string `json:"-"`
	LogLevel string `json:"-"`
}

// Defaults returns the configuration that applies when settings.json is
// absent or a key is omitted.
func Defaults() Config {
	dataDir, _ := os.UserCacheDir()
	return Config{
		DownloadFolders: nil,
		SyncConfig: SyncConfig{
			SyncIntervalSeconds: 30,
			MaxRetryCount:       3,
			EnableNotifications: true,
		},
		ConflictResolutionStrategy: StrategyManual,
		CacheDir:                   filepath.Join(dataDir, "cloudmount"),
		LogLevel:                   "info",
	}
}

// DefaultConfigPath returns the default settings.json location under the
// OS config directory.
func DefaultConfigPath() string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		log.Error().Err(err).Msg("could not determine configuration directory")
	}
	return filepath.Join(confDir, "cloudmount", "settings.json")
}

// Load reads settings.json at path, merges it over Defaults(), and
// validates the result. Any error (missing file, bad JSON, invalid value)
// is logged and defaults are substituted for the offending field rather
// than failing the daemon outright.
func Load(path string) *Config {
	defaults := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("settings file not found, using defaults")
		return &defaults
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Error().Err(err).Str("path", path).Msg("could not parse settings file, using defaults")
		return &defaults
	}

	if err := mergo.Merge(cfg, defaults); err != nil {
		log.Error().Err(err).Str("path", path).Msg("could not merge settings with defaults")
		return &defaults
	}

	validate(cfg)
	return cfg
}

func validate(cfg *Config) {
	switch cfg.ConflictResolutionStrategy {
	case StrategyAlwaysRemote, StrategyAlwaysLocal, StrategyManual:
	default:
		log.Warn().Str("strategy", string(cfg.ConflictResolutionStrategy)).
			Msg("invalid conflict_resolution_strategy, using Manual")
		cfg.ConflictResolutionStrategy = StrategyManual
	}

	if cfg.SyncConfig.SyncIntervalSeconds == 0 {
		log.Warn().Msg("sync_interval_seconds must be positive, using default")
		cfg.SyncConfig.SyncIntervalSeconds = 30
	}

	for i, folder := range cfg.DownloadFolders {
		cfg.DownloadFolders[i] = strings.TrimSuffix(folder, "/")
	}

	if cfg.CacheDir == "" {
		dataDir, _ := os.UserCacheDir()
		cfg.CacheDir = filepath.Join(dataDir, "cloudmount")
	}
}

// Write marshals cfg back to path as JSON, creating parent directories as
// needed. Used by the (out of scope) IPC surface's settings-update path
// and by tests that round-trip a config.
func (c Config) Write(path string) error {
	out, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("could not marshal config")
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		log.Error().Err(err).Str("path", path).Msg("could not create config directory")
		return err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		log.Error().Err(err).Str("path", path).Msg("could not write config file")
		return err
	}
	log.Debug().Str("path", path).Msg("configuration written to file")
	return nil
}
