package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/erauner12/rowsync/internal/apply"
	"github.com/erauner12/rowsync/internal/conflict"
)

func TestLoadFromEnvironment(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		checks  func(*testing.T, *Config)
	}{
		{
			name: "server settings from env",
			envVars: map[string]string{
				"ROWSYNC_DATABASE_URL": "postgres://localhost/rowsync",
				"ROWSYNC_DEV_MODE":     "true",
				"ROWSYNC_SCOPES":       "shop.yaml, crm.yaml,",
				"ROWSYNC_SESSION_TTL":  "5m",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Server.DatabaseURL != "postgres://localhost/rowsync" {
					t.Errorf("expected DatabaseURL from env, got %s", cfg.Server.DatabaseURL)
				}
				if !cfg.Server.DevMode {
					t.Error("expected DevMode=true")
				}
				if len(cfg.Server.Scopes) != 2 || cfg.Server.Scopes[1] != "crm.yaml" {
					t.Errorf("expected two trimmed scope files, got %v", cfg.Server.Scopes)
				}
				if cfg.Server.SessionTTL != 5*time.Minute {
					t.Errorf("expected SessionTTL=5m, got %s", cfg.Server.SessionTTL)
				}
			},
		},
		{
			name: "client settings from env",
			envVars: map[string]string{
				"ROWSYNC_SERVER_URL":      "https://sync.example.com",
				"ROWSYNC_REPLICA_ID":      "laptop",
				"ROWSYNC_CONFLICT_POLICY": "client_wins",
				"ROWSYNC_IO_TIMEOUT":      "not-a-duration",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Client.ServerURL != "https://sync.example.com" {
					t.Errorf("expected ServerURL from env, got %s", cfg.Client.ServerURL)
				}
				if cfg.Client.ReplicaID != "laptop" {
					t.Errorf("expected ReplicaID=laptop, got %s", cfg.Client.ReplicaID)
				}
				if cfg.Sync.ConflictPolicy != "client_wins" {
					t.Errorf("expected client_wins, got %s", cfg.Sync.ConflictPolicy)
				}
				if cfg.Sync.IOTimeout != 30*time.Second {
					t.Errorf("expected invalid timeout to keep the default, got %s", cfg.Sync.IOTimeout)
				}
			},
		},
		{
			name:    "default values when no env set",
			envVars: map[string]string{},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Server.HTTPAddr != ":8081" {
					t.Errorf("expected default HTTPAddr, got %s", cfg.Server.HTTPAddr)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("expected default LogLevel=info, got %s", cfg.LogLevel)
				}
				if cfg.Sync.PartMaxRows != 1000 {
					t.Errorf("expected default PartMaxRows=1000, got %d", cfg.Sync.PartMaxRows)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := LoadFromEnvironment()
			if err != nil {
				t.Fatalf("LoadFromEnvironment() error = %v", err)
			}
			tt.checks(t, cfg)
		})
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	testConfigPath := filepath.Join(tmpDir, "rowsync.yaml")
	testConfigYAML := `
logLevel: debug
server:
  databaseUrl: postgres://db/rowsync
  jwtSecret: s3cret
  sessionTtl: 10m
  rateLimit:
    requestsPerSecond: 2.5
client:
  sqlitePath: /var/lib/rowsync/replica.db
sync:
  batchDir: /var/lib/rowsync/batches
  errorPolicy: retry_next_sync
  txScope: table
`
	if err := os.WriteFile(testConfigPath, []byte(testConfigYAML), 0644); err != nil {
		t.Fatalf("failed to create test config file: %v", err)
	}
	badConfigPath := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(badConfigPath, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to create test config file: %v", err)
	}

	tests := []struct {
		name       string
		configPath string
		envVars    map[string]string
		wantErr    error
		checks     func(*testing.T, *Config)
	}{
		{
			name:       "load from file",
			configPath: testConfigPath,
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Server.DatabaseURL != "postgres://db/rowsync" {
					t.Errorf("expected DatabaseURL from file, got %s", cfg.Server.DatabaseURL)
				}
				if cfg.Server.SessionTTL != 10*time.Minute {
					t.Errorf("expected SessionTTL from file, got %s", cfg.Server.SessionTTL)
				}
				if cfg.Server.RateLimit.RequestsPerSecond != 2.5 {
					t.Errorf("expected rate from file, got %v", cfg.Server.RateLimit.RequestsPerSecond)
				}
				// defaults survive for keys the file leaves out
				if cfg.Server.RateLimit.Burst != 120 {
					t.Errorf("expected default burst, got %d", cfg.Server.RateLimit.Burst)
				}
				if cfg.Sync.PartMaxRows != 1000 {
					t.Errorf("expected default PartMaxRows, got %d", cfg.Sync.PartMaxRows)
				}
			},
		},
		{
			name:       "env overrides file",
			configPath: testConfigPath,
			envVars: map[string]string{
				"ROWSYNC_BATCH_DIR": "/tmp/override",
				"ROWSYNC_LOG_LEVEL": "warn",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Sync.BatchDir != "/tmp/override" {
					t.Errorf("expected env to override file BatchDir, got %s", cfg.Sync.BatchDir)
				}
				if cfg.LogLevel != "warn" {
					t.Errorf("expected env to override LogLevel, got %s", cfg.LogLevel)
				}
				if cfg.Sync.TxScope != "table" {
					t.Errorf("expected TxScope=table from file, got %s", cfg.Sync.TxScope)
				}
			},
		},
		{
			name:       "nonexistent file",
			configPath: "/nonexistent/rowsync.yaml",
			wantErr:    ErrConfigFileNotFound,
		},
		{
			name:       "malformed file",
			configPath: badConfigPath,
			wantErr:    ErrInvalidConfigFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(tt.configPath)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Load() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.checks(t, cfg)
		})
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func(mod func(*Config)) *Config {
		cfg := DefaultConfig()
		cfg.Server.DatabaseURL = "postgres://localhost/rowsync"
		cfg.Server.JWTSecret = "secret"
		mod(cfg)
		return cfg
	}

	tests := []struct {
		name     string
		config   *Config
		validate func(*Config) error
		wantErr  error
		errMsg   string
	}{
		{
			name:     "valid server config",
			config:   valid(func(*Config) {}),
			validate: (*Config).ValidateServer,
		},
		{
			name:     "missing database url",
			config:   valid(func(c *Config) { c.Server.DatabaseURL = "" }),
			validate: (*Config).ValidateServer,
			wantErr:  ErrMissingDatabaseURL,
		},
		{
			name:     "missing jwt secret in production",
			config:   valid(func(c *Config) { c.Server.JWTSecret = "" }),
			validate: (*Config).ValidateServer,
			wantErr:  ErrMissingJWTSecret,
		},
		{
			name: "dev mode needs no secret",
			config: valid(func(c *Config) {
				c.Server.JWTSecret = ""
				c.Server.DevMode = true
			}),
			validate: (*Config).ValidateServer,
		},
		{
			name:     "unknown conflict policy",
			config:   valid(func(c *Config) { c.Sync.ConflictPolicy = "newest_wins" }),
			validate: (*Config).ValidateServer,
			wantErr:  conflict.ErrUnknownPolicy,
		},
		{
			name:     "unknown log level",
			config:   valid(func(c *Config) { c.LogLevel = "chatty" }),
			validate: (*Config).ValidateServer,
			errMsg:   "logLevel",
		},
		{
			name:     "valid client config",
			config:   valid(func(*Config) {}),
			validate: (*Config).ValidateClient,
		},
		{
			name:     "missing sqlite path",
			config:   valid(func(c *Config) { c.Client.SQLitePath = "" }),
			validate: (*Config).ValidateClient,
			wantErr:  ErrMissingSQLitePath,
		},
		{
			name:     "unknown outdated action",
			config:   valid(func(c *Config) { c.Client.OutdatedAction = "ignore" }),
			validate: (*Config).ValidateClient,
			errMsg:   "client.outdatedAction",
		},
		{
			name:     "missing batch dir",
			config:   valid(func(c *Config) { c.Sync.BatchDir = "" }),
			validate: (*Config).ValidateClient,
			wantErr:  ErrMissingBatchDir,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.validate(tt.config)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("validate error = %v, want %v", err, tt.wantErr)
				}
			case tt.errMsg != "":
				if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("validate error = %v, want mention of %q", err, tt.errMsg)
				}
			case err != nil:
				t.Errorf("validate error = %v, want nil", err)
			}
		})
	}
}

func TestPolicies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.ErrorPolicy = "retry_then_continue"
	cfg.Sync.PartMaxBytes = 512

	p, err := cfg.Sync.Policies()
	if err != nil {
		t.Fatalf("Policies() error = %v", err)
	}
	if p.Conflict != conflict.ServerWins {
		t.Errorf("expected server_wins, got %s", p.Conflict)
	}
	if p.Errors != apply.RetryOneMoreTimeAndContinueOnError {
		t.Errorf("expected retry_then_continue, got %s", p.Errors)
	}
	if p.TxScope != apply.TxSession {
		t.Errorf("expected session transactions, got %d", p.TxScope)
	}
	if p.Limits.MaxRows != 1000 || p.Limits.MaxBytes != 512 {
		t.Errorf("unexpected limits %+v", p.Limits)
	}
}
