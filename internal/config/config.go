// Package config loads server configuration from a YAML file, environment variables and command-line flags.
package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/patchplacebreak/ppb-server/internal/domain"
	"github.com/patchplacebreak/ppb-server/internal/validation"
)

// DataSourceType selects the tag storage backend.
type DataSourceType string

// Supported data source types.
const (
	DataSourceInMemory DataSourceType = "IN_MEMORY"
	DataSourceSQLite   DataSourceType = "SQLITE"
	DataSourceMySQL    DataSourceType = "MYSQL"
	DataSourcePostgres DataSourceType = "POSTGRES"
	DataSourceBadger   DataSourceType = "BADGER"
	DataSourceRedis    DataSourceType = "REDIS"
)

// Durable reports whether tags survive a process restart with this backend.
func (t DataSourceType) Durable() bool {
	return t != DataSourceInMemory
}

// Config holds the application configuration.
type Config struct {
	Environment      string                 `yaml:"environment" env:"ENV" validate:"oneof=development staging production"`
	LogLevel         string                 `yaml:"log_level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	DataDir          string                 `yaml:"data_dir" env:"DATA_DIR" validate:"required"`
	DataSource       DataSourceConfig       `yaml:"data_source" envPrefix:"DATA_SOURCE_"`
	RestrictedBlocks RestrictedBlocksConfig `yaml:"restricted_blocks" envPrefix:"RESTRICTED_BLOCKS_"`
	Service          ServiceConfig          `yaml:"service" envPrefix:"SERVICE_"`
	Server           ServerConfig           `yaml:"server" envPrefix:"SERVER_"`

	// File is the YAML file the configuration was read from, if any.
	File string `yaml:"-"`
}

// DataSourceConfig describes where tags are stored.
type DataSourceConfig struct {
	Type           DataSourceType       `yaml:"type" env:"TYPE" validate:"oneof=IN_MEMORY SQLITE MYSQL POSTGRES BADGER REDIS"`
	Table          string               `yaml:"table" env:"TABLE" validate:"required,max=64,sqlident"`
	DBMSServer     DBMSServerConfig     `yaml:"dbms_server" envPrefix:"DBMS_"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool" envPrefix:"POOL_"`
	SQLite         SQLiteConfig         `yaml:"sqlite" envPrefix:"SQLITE_"`
	Badger         BadgerConfig         `yaml:"badger" envPrefix:"BADGER_"`
	Redis          RedisConfig          `yaml:"redis" envPrefix:"REDIS_"`
}

// DBMSServerConfig locates a networked database server.
type DBMSServerConfig struct {
	Host        HostConfig        `yaml:"host" envPrefix:"HOST_"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Database    string            `yaml:"database" env:"DATABASE" validate:"required,max=64,sqlident"`
}

// HostConfig is a server address.
type HostConfig struct {
	Hostname   string `yaml:"hostname" env:"NAME" validate:"required,max=255"`
	Port       int    `yaml:"port" env:"PORT" validate:"min=1,max=65535"`
	SSLEnabled bool   `yaml:"is_ssl_enabled" env:"SSL_ENABLED"`
}

// CredentialsConfig authenticates against a networked database.
type CredentialsConfig struct {
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
}

// ConnectionPoolConfig bounds networked connection usage.
type ConnectionPoolConfig struct {
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"CONNECTION_TIMEOUT" validate:"min=1ms,max=10m"`
	PoolSize          int           `yaml:"pool_size" env:"SIZE" validate:"min=1,max=100"`
}

// SQLiteConfig configures the embedded SQL backend.
type SQLiteConfig struct {
	// File is resolved against DataDir when relative.
	File string `yaml:"file" env:"FILE" validate:"required"`
}

// BadgerConfig configures the embedded key-value backend.
type BadgerConfig struct {
	// Dir is resolved against DataDir when relative.
	Dir      string `yaml:"dir" env:"DIR" validate:"required"`
	InMemory bool   `yaml:"in_memory" env:"IN_MEMORY"`
}

// RedisConfig configures the networked key-value backend.
// Redis is addressed separately from the SQL server settings.
type RedisConfig struct {
	Addr       string `yaml:"addr" env:"ADDR" validate:"hostname_port"`
	Username   string `yaml:"username" env:"USERNAME"`
	Password   string `yaml:"password" env:"PASSWORD"`
	DB         int    `yaml:"db" env:"DB" validate:"min=0,max=15"`
	TLSEnabled bool   `yaml:"is_tls_enabled" env:"TLS_ENABLED"`
	KeyPrefix  string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RestrictedBlocksConfig lists materials excluded from tagging.
type RestrictedBlocksConfig struct {
	Materials []string `yaml:"materials" env:"MATERIALS" envSeparator:","`
	Mode      string   `yaml:"restriction_mode" env:"MODE" validate:"oneof=BLACKLIST WHITELIST DISABLED"`
}

// ServiceConfig tunes the exploit detection service.
type ServiceConfig struct {
	EphemeralTagDuration time.Duration `yaml:"ephemeral_tag_duration" env:"EPHEMERAL_TAG_DURATION" validate:"min=0"`
	Workers              int           `yaml:"workers" env:"WORKERS" validate:"min=1,max=1024"`
	LockStripes          int           `yaml:"lock_stripes" env:"LOCK_STRIPES" validate:"min=1,max=65536"`
}

// ServerConfig configures the optional HTTP adapter.
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Listen       string        `yaml:"listen" env:"LISTEN" validate:"hostname_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" validate:"min=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"min=0"`
	// RateLimit is requests per second per client IP; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT" validate:"min=0"`
	RateBurst int     `yaml:"rate_burst" env:"RATE_BURST" validate:"min=0"`
}

// Default returns the configuration used when no source overrides a value.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		DataDir:     "data",
		DataSource: DataSourceConfig{
			Type:  DataSourceSQLite,
			Table: "patch_place_break_tag",
			DBMSServer: DBMSServerConfig{
				Host:        HostConfig{Hostname: "localhost", Port: 3306, SSLEnabled: true},
				Credentials: CredentialsConfig{Username: "username", Password: "password"},
				Database:    "database",
			},
			ConnectionPool: ConnectionPoolConfig{ConnectionTimeout: 30 * time.Second, PoolSize: 10},
			SQLite:         SQLiteConfig{File: "sqlite-data.db"},
			Badger:         BadgerConfig{Dir: "badger"},
			Redis:          RedisConfig{Addr: "localhost:6379", KeyPrefix: "ppb:"},
		},
		RestrictedBlocks: RestrictedBlocksConfig{Mode: string(domain.RestrictionDisabled)},
		Service: ServiceConfig{
			EphemeralTagDuration: 3 * time.Second,
			Workers:              8,
			LockStripes:          256,
		},
		Server: ServerConfig{
			Listen:       "127.0.0.1:8765",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			RateLimit:    200,
			RateBurst:    400,
		},
	}
}

// Normalize canonicalizes case-insensitive values and resolves relative paths against DataDir.
func (c *Config) Normalize() error {
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.DataSource.Type = DataSourceType(strings.ToUpper(string(c.DataSource.Type)))
	c.RestrictedBlocks.Mode = strings.ToUpper(strings.TrimSpace(c.RestrictedBlocks.Mode))
	c.RestrictedBlocks.Materials = normalizeMaterials(c.RestrictedBlocks.Materials)

	dataDir, err := expandPath(c.DataDir)
	if err != nil {
		return fmt.Errorf("invalid data dir: %w", err)
	}
	c.DataDir = dataDir
	return nil
}

// Validate checks that all config values are present and within range.
func (c *Config) Validate() error {
	return validation.New().Validate(c)
}

// SQLitePath returns the absolute path of the embedded database file.
func (c *Config) SQLitePath() string {
	return resolve(c.DataDir, c.DataSource.SQLite.File)
}

// BadgerDir returns the absolute directory of the embedded key-value store.
func (c *Config) BadgerDir() string {
	return resolve(c.DataDir, c.DataSource.Badger.Dir)
}

// Restrictions returns the restricted blocks as a domain value.
func (c *Config) Restrictions() domain.RestrictedBlocks {
	mode, err := domain.ParseRestrictionMode(c.RestrictedBlocks.Mode)
	if err != nil {
		mode = domain.RestrictionDisabled
	}
	return domain.NewRestrictedBlocks(c.RestrictedBlocks.Materials, mode)
}

// Address returns host:port of the networked database server.
func (h HostConfig) Address() string {
	return net.JoinHostPort(h.Hostname, strconv.Itoa(h.Port))
}

// URL describes the data source in the connection string shape used in logs.
// Credentials are never included.
func (c *Config) URL() string {
	ds := c.DataSource
	server := ds.DBMSServer
	switch ds.Type {
	case DataSourceInMemory:
		return "memory:" + ds.Table
	case DataSourceSQLite:
		return "sqlite:" + c.SQLitePath()
	case DataSourceBadger:
		return "badger:" + c.BadgerDir()
	case DataSourceMySQL:
		q := url.Values{}
		q.Set("useSSL", strconv.FormatBool(server.Host.SSLEnabled))
		q.Set("serverTimezone", "UTC")
		return fmt.Sprintf("mysql://%s/%s?%s", server.Host.Address(), server.Database, q.Encode())
	case DataSourcePostgres:
		return fmt.Sprintf("postgresql://%s/%s?ssl=%t", server.Host.Address(), server.Database, server.Host.SSLEnabled)
	case DataSourceRedis:
		return fmt.Sprintf("redis://%s/%d", ds.Redis.Addr, ds.Redis.DB)
	default:
		return string(ds.Type)
	}
}

func normalizeMaterials(materials []string) []string {
	out := make([]string, 0, len(materials))
	for _, m := range materials {
		if m = domain.NormalizeMaterial(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func resolve(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
