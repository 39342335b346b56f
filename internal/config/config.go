package config

import (
	"fmt"
	"time"

	"github.com/erauner12/rowsync/internal/apply"
	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/conflict"
	"github.com/erauner12/rowsync/internal/scope"
	"github.com/rs/zerolog"
)

// Config holds the configuration of syncd and syncctl
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Client   ClientConfig `yaml:"client"`
	Sync     SyncConfig   `yaml:"sync"`
	LogLevel string       `yaml:"logLevel"`
}

// ServerConfig configures the central replica and its HTTP endpoint
type ServerConfig struct {
	HTTPAddr    string `yaml:"httpAddr"`
	DatabaseURL string `yaml:"databaseUrl"`
	MaxConns    int32  `yaml:"maxConns"`
	ReplicaID   string `yaml:"replicaId"`
	JWTSecret   string `yaml:"jwtSecret"`
	DevMode     bool   `yaml:"devMode"` // accepts X-Debug-Replica instead of a token
	// Scopes are scope definition files provisioned at startup
	Scopes        []string        `yaml:"scopes"`
	RateLimit     RateLimitConfig `yaml:"rateLimit"`
	SessionTTL    time.Duration   `yaml:"sessionTtl"`
	SweepInterval time.Duration   `yaml:"sweepInterval"`
	// PruneAfter drops tombstones older than this many clock ticks on each
	// sweep; zero disables pruning
	PruneAfter int64 `yaml:"pruneAfter"`
}

// RateLimitConfig is a per-replica token bucket
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// ClientConfig configures a client replica
type ClientConfig struct {
	ServerURL  string `yaml:"serverUrl"`
	ReplicaID  string `yaml:"replicaId"`
	SQLitePath string `yaml:"sqlitePath"`
	Token      string `yaml:"token"`
	// OutdatedAction recovers an outdated replica: reinitialize,
	// reinitialize_with_upload, or empty to fail
	OutdatedAction string `yaml:"outdatedAction"`
}

// SyncConfig holds the policies shared by both sides
type SyncConfig struct {
	BatchDir         string        `yaml:"batchDir"`
	PartMaxRows      int           `yaml:"partMaxRows"`
	PartMaxBytes     int           `yaml:"partMaxBytes"`
	ConflictPolicy   string        `yaml:"conflictPolicy"`
	ErrorPolicy      string        `yaml:"errorPolicy"`
	TxScope          string        `yaml:"txScope"`
	RelaxConstraints bool          `yaml:"relaxConstraints"`
	IOTimeout        time.Duration `yaml:"ioTimeout"`
}

// Policies is SyncConfig with its names parsed
type Policies struct {
	Limits   batch.Limits
	Conflict conflict.Resolution
	Errors   apply.ErrorResolution
	TxScope  apply.TxScope
}

// Policies parses the configured policy names
func (s SyncConfig) Policies() (Policies, error) {
	p := Policies{Limits: batch.Limits{MaxRows: s.PartMaxRows, MaxBytes: s.PartMaxBytes}}
	var err error
	if p.Conflict, err = conflict.ParsePolicy(s.ConflictPolicy); err != nil {
		return p, fmt.Errorf("sync.conflictPolicy: %w", err)
	}
	if p.Errors, err = apply.ParseErrorResolution(s.ErrorPolicy); err != nil {
		return p, fmt.Errorf("sync.errorPolicy: %w", err)
	}
	if p.TxScope, err = apply.ParseTxScope(s.TxScope); err != nil {
		return p, fmt.Errorf("sync.txScope: %w", err)
	}
	return p, nil
}

// ValidateServer checks what syncd needs
func (c *Config) ValidateServer() error {
	if c.Server.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if !c.Server.DevMode && c.Server.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	return c.validateShared()
}

// ValidateClient checks what syncctl needs
func (c *Config) ValidateClient() error {
	if c.Client.ServerURL == "" {
		return ErrMissingServerURL
	}
	if c.Client.SQLitePath == "" {
		return ErrMissingSQLitePath
	}
	if _, err := scope.ParseOutdatedAction(c.Client.OutdatedAction); err != nil {
		return fmt.Errorf("client.outdatedAction: %w", err)
	}
	return c.validateShared()
}

func (c *Config) validateShared() error {
	if c.Sync.BatchDir == "" {
		return ErrMissingBatchDir
	}
	if _, err := c.Sync.Policies(); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("logLevel: %w", err)
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:  ":8081",
			ReplicaID: "server",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				Burst:             120,
			},
			SessionTTL:    30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Client: ClientConfig{
			ServerURL:  "http://localhost:8081",
			SQLitePath: "replica.db",
		},
		Sync: SyncConfig{
			BatchDir:       "batches",
			PartMaxRows:    1000,
			PartMaxBytes:   4 << 20,
			ConflictPolicy: string(conflict.ServerWins),
			ErrorPolicy:    apply.Throw.String(),
			TxScope:        "session",
			IOTimeout:      30 * time.Second,
		},
		LogLevel: "info",
	}
}
