// Package config loads unitd settings from YAML with UNITCORE_* environment
// overrides.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"unitcore/internal/blob"
	"unitcore/pkg/domain"
)

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Logging  LoggingConfig  `yaml:"logging"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener. Timeouts are Go duration strings.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
}

// StorageConfig selects the backend.
type StorageConfig struct {
	Driver   domain.StorageDriver `yaml:"driver"` // memory, sqlite, postgres
	SQLite   SQLiteConfig         `yaml:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres"`
}

// SQLiteConfig configures the embedded database file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig configures the PostgreSQL connection. DSN wins over the
// individual fields when set.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// FetchConfig tunes tree resolution.
type FetchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// SnapshotConfig persists the memory backend across restarts.
type SnapshotConfig struct {
	Enabled bool        `yaml:"enabled"`
	Key     string      `yaml:"key"`
	Blob    blob.Config `yaml:"blob"`
}

// MetricsConfig configures the operation metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	Exporter string `yaml:"exporter"` // prometheus, expvar
}

// Metrics exporters.
const (
	ExporterPrometheus = "prometheus"
	ExporterExpvar     = "expvar"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":4004",
			ReadTimeout:     "15s",
			WriteTimeout:    "30s",
			ShutdownTimeout: "10s",
			MaxBodyBytes:    1 << 20,
		},
		Storage: StorageConfig{
			Driver: domain.StorageMemory,
			SQLite: SQLiteConfig{Path: "unitcore.db"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "postgres",
				Database: "units",
				SSLMode:  "disable",
			},
		},
		Fetch:   FetchConfig{Concurrency: 8},
		Logging: LoggingConfig{Level: "info"},
		Snapshot: SnapshotConfig{
			Key:  "snapshots/units.json",
			Blob: blob.Config{Driver: blob.DriverFilesystem, FSRoot: "data/blobs"},
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics", Exporter: ExporterPrometheus},
	}
}

// Load reads path (when non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies UNITCORE_* environment variables.
func (c *Config) applyEnvOverrides() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("UNITCORE_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = domain.StorageDriver(v)
	}
	str("UNITCORE_HTTP_ADDR", &c.Server.Addr)
	str("UNITCORE_SQLITE_PATH", &c.Storage.SQLite.Path)
	str("UNITCORE_POSTGRES_DSN", &c.Storage.Postgres.DSN)
	str("UNITCORE_POSTGRES_HOST", &c.Storage.Postgres.Host)
	str("UNITCORE_POSTGRES_USER", &c.Storage.Postgres.User)
	str("UNITCORE_POSTGRES_PASSWORD", &c.Storage.Postgres.Password)
	str("UNITCORE_POSTGRES_DATABASE", &c.Storage.Postgres.Database)
	if v := os.Getenv("UNITCORE_POSTGRES_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UNITCORE_POSTGRES_PORT: %w", err)
		}
		c.Storage.Postgres.Port = port
	}
	str("UNITCORE_LOG_LEVEL", &c.Logging.Level)
	if v := os.Getenv("UNITCORE_BLOB_DRIVER"); v != "" {
		c.Snapshot.Blob.Driver = blob.Driver(v)
	}
	str("UNITCORE_BLOB_FS_ROOT", &c.Snapshot.Blob.FSRoot)
	str("UNITCORE_BLOB_S3_BUCKET", &c.Snapshot.Blob.S3.Bucket)
	str("UNITCORE_BLOB_S3_REGION", &c.Snapshot.Blob.S3.Region)
	str("UNITCORE_BLOB_S3_ENDPOINT", &c.Snapshot.Blob.S3.Endpoint)
	if v := os.Getenv("UNITCORE_BLOB_S3_PATH_STYLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("UNITCORE_BLOB_S3_PATH_STYLE: %w", err)
		}
		c.Snapshot.Blob.S3.PathStyle = b
	}
	return nil
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration for values the process cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case domain.StorageMemory, domain.StorageSQLite, domain.StoragePostgres:
	default:
		return fmt.Errorf("invalid storage driver: %q (valid: memory, sqlite, postgres)", c.Storage.Driver)
	}
	if c.Storage.Driver == domain.StorageSQLite && c.Storage.SQLite.Path == "" {
		return fmt.Errorf("sqlite path is required")
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	if c.Fetch.Concurrency < 1 {
		return fmt.Errorf("fetch concurrency must be positive, got %d", c.Fetch.Concurrency)
	}
	for name, v := range map[string]string{
		"read_timeout":     c.Server.ReadTimeout,
		"write_timeout":    c.Server.WriteTimeout,
		"shutdown_timeout": c.Server.ShutdownTimeout,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("server.%s: %w", name, err)
		}
	}
	if c.Metrics.Enabled {
		switch c.Metrics.Exporter {
		case ExporterPrometheus, ExporterExpvar:
		default:
			return fmt.Errorf("invalid metrics exporter: %q", c.Metrics.Exporter)
		}
	}
	if c.Snapshot.Enabled && c.Snapshot.Key == "" {
		return fmt.Errorf("snapshot key is required when snapshots are enabled")
	}
	return nil
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

// GetReadTimeout returns the server read timeout; zero means none.
func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := parseDuration(s.ReadTimeout)
	return d
}

// GetWriteTimeout returns the server write timeout; zero means none.
func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := parseDuration(s.WriteTimeout)
	return d
}

// GetShutdownTimeout returns the graceful shutdown budget, 10s when unset.
func (s ServerConfig) GetShutdownTimeout() time.Duration {
	d, _ := parseDuration(s.ShutdownTimeout)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// ConnString returns DSN or a postgres:// URL assembled from the fields.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	} else if p.User != "" {
		u.User = url.User(p.User)
	}
	if p.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{p.SSLMode}}.Encode()
	}
	return u.String()
}
