package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Load loads configuration from a file path and applies environment variable overrides
// Validation is deferred to allow CLI flag overrides to be applied first
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	// Call cfg.ValidateServer or cfg.ValidateClient after CLI overrides
	return cfg, nil
}

// loadFromFile decodes a YAML file over the defaults in cfg
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

// applyEnvironmentOverrides applies configuration from ROWSYNC_* variables
func applyEnvironmentOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("ROWSYNC_HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("ROWSYNC_DATABASE_URL", &cfg.Server.DatabaseURL)
	str("ROWSYNC_SERVER_REPLICA_ID", &cfg.Server.ReplicaID)
	str("ROWSYNC_JWT_SECRET", &cfg.Server.JWTSecret)
	str("ROWSYNC_SERVER_URL", &cfg.Client.ServerURL)
	str("ROWSYNC_REPLICA_ID", &cfg.Client.ReplicaID)
	str("ROWSYNC_SQLITE_PATH", &cfg.Client.SQLitePath)
	str("ROWSYNC_TOKEN", &cfg.Client.Token)
	str("ROWSYNC_OUTDATED_ACTION", &cfg.Client.OutdatedAction)
	str("ROWSYNC_BATCH_DIR", &cfg.Sync.BatchDir)
	str("ROWSYNC_CONFLICT_POLICY", &cfg.Sync.ConflictPolicy)
	str("ROWSYNC_ERROR_POLICY", &cfg.Sync.ErrorPolicy)
	str("ROWSYNC_TX_SCOPE", &cfg.Sync.TxScope)
	str("ROWSYNC_LOG_LEVEL", &cfg.LogLevel)

	// Dev mode
	if devMode := os.Getenv("ROWSYNC_DEV_MODE"); devMode == "true" || devMode == "1" {
		cfg.Server.DevMode = true
	}

	// Scope files (comma-separated list)
	if scopes := os.Getenv("ROWSYNC_SCOPES"); scopes != "" {
		cfg.Server.Scopes = cfg.Server.Scopes[:0]
		for _, s := range strings.Split(scopes, ",") {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				cfg.Server.Scopes = append(cfg.Server.Scopes, trimmed)
			}
		}
	}

	if v := os.Getenv("ROWSYNC_IO_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.IOTimeout = d
		} else {
			log.Warn().Str("value", v).Msg("ignoring invalid ROWSYNC_IO_TIMEOUT")
		}
	}
	if v := os.Getenv("ROWSYNC_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.SessionTTL = d
		} else {
			log.Warn().Str("value", v).Msg("ignoring invalid ROWSYNC_SESSION_TTL")
		}
	}
	if v := os.Getenv("ROWSYNC_PART_MAX_ROWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PartMaxRows = n
		} else {
			log.Warn().Str("value", v).Msg("ignoring invalid ROWSYNC_PART_MAX_ROWS")
		}
	}
}

// LoadFromEnvironment creates a configuration using only environment variables
// This is useful for containerized deployments where files may not be available
// Validation is deferred to allow CLI flag overrides to be applied first
func LoadFromEnvironment() (*Config, error) {
	return Load("")
}
