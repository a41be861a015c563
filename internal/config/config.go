// Package config loads and validates the ofuton server configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const configPath = "./config.toml"

//go:embed config.default.toml
var defaultConfigTOML []byte

// Server holds the HTTP listener configuration.
type Server struct {
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
}

// DatabaseSQLite holds sqlite-specific connection settings.
type DatabaseSQLite struct {
	Path string `toml:"path"`
}

// DatabasePostgres holds postgres-specific connection settings.
type DatabasePostgres struct {
	User     string `toml:"user"`
	Password string `toml:"password"`
	Host     string `toml:"host"`
	Port     uint16 `toml:"port"`
	Database string `toml:"database"`
}

// Database selects and configures the metadata-store backend.
type Database struct {
	Provider string           `toml:"provider"`
	SQLite   DatabaseSQLite   `toml:"sqlite"`
	Postgres DatabasePostgres `toml:"postgres"`
}

// Bucket configures the on-disk blob root and server-side limits.
type Bucket struct {
	Path                     string `toml:"path"`
	MaxUploadSizeMB          uint64 `toml:"max_upload_size_mb"`
	RequestExpirationSeconds int64  `toml:"request_expiration_seconds"`
}

// Account holds the single shared SigV4 credential pair.
type Account struct {
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// Sentry optionally enables error reporting. An empty DSN disables it.
type Sentry struct {
	DSN string `toml:"dsn"`
}

// Debug holds developer-facing overrides.
type Debug struct {
	LogLevel string `toml:"log_level"`
}

// Config is the fully resolved application configuration.
type Config struct {
	Server   Server   `toml:"server"`
	Database Database `toml:"database"`
	Bucket   Bucket   `toml:"bucket"`
	Account  Account  `toml:"account"`
	Sentry   Sentry   `toml:"sentry"`
	Debug    Debug    `toml:"debug"`
}

// Load reads ./config.toml, writing the bundled defaults first if the
// file does not yet exist, and returns the merged, validated configuration.
// The bundled defaults are applied first so that a partial config.toml
// only needs to override the fields it cares about.
func Load() (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, defaultConfigTOML, 0644); err != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", err)
		}
	}

	cfg := new(Config)
	if err := toml.Unmarshal(defaultConfigTOML, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bundled default config: %w", err)
	}

	fileBytes, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(fileBytes, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port must be set")
	}

	switch c.Database.Provider {
	case "sqlite", "sqlite_memory", "postgres":
	default:
		return fmt.Errorf("unsupported database provider: %q", c.Database.Provider)
	}

	if c.Bucket.Path == "" {
		return fmt.Errorf("bucket.path must be set")
	}

	if c.Bucket.RequestExpirationSeconds <= 0 {
		return fmt.Errorf("bucket.request_expiration_seconds must be positive")
	}

	if c.Account.AccessKey == "" || c.Account.SecretKey == "" {
		return fmt.Errorf("account.access_key and account.secret_key must be set")
	}

	return nil
}

// Address returns the host:port listener address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
