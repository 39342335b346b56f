package config

import "errors"

var (
	// ErrMissingDatabaseURL indicates that the server has no database configured
	ErrMissingDatabaseURL = errors.New("server.databaseUrl is required")

	// ErrMissingJWTSecret indicates that auth is enabled without a signing secret
	ErrMissingJWTSecret = errors.New("server.jwtSecret is required when not in dev mode")

	// ErrMissingServerURL indicates that the client does not know where to sync
	ErrMissingServerURL = errors.New("client.serverUrl is required")

	// ErrMissingSQLitePath indicates that the client has no replica database
	ErrMissingSQLitePath = errors.New("client.sqlitePath is required")

	// ErrMissingBatchDir indicates that no staging directory is configured
	ErrMissingBatchDir = errors.New("sync.batchDir is required")

	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid YAML
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")
)
