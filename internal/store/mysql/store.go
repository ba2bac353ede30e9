// Package mysql stores tags on a networked MySQL or MariaDB server.
package mysql

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/patchplacebreak/ppb-server/internal/config"
	"github.com/patchplacebreak/ppb-server/internal/store/sqlstore"
)

//go:embed schema.sql
var schemaSQL string

var schemaTemplate = template.Must(template.New("schema").Parse(schemaSQL))

// Store provides MySQL-backed tag persistence.
// The pool connects without a default schema so the database itself can be
// checked and created; every query qualifies the table with the database name.
type Store struct {
	*sqlstore.Repository

	cfg config.DataSourceConfig
}

// New creates a disconnected store for the configured server.
func New(cfg config.DataSourceConfig, logger *slog.Logger) *Store {
	return &Store{
		Repository: sqlstore.New(sqlstore.Options{
			Name:    "MYSQL",
			Table:   "`" + cfg.DBMSServer.Database + "`.`" + cfg.Table + "`",
			Timeout: cfg.ConnectionPool.ConnectionTimeout,
			Logger:  logger,
			// Under REPEATABLE READ, deleting an absent row takes a gap lock and
			// concurrent puts into the same gap deadlock on their inserts.
			Isolation: sql.LevelReadCommitted,
		}),
		cfg: cfg,
	}
}

// DSN returns the driver connection string.
func DSN(cfg config.DataSourceConfig) string {
	server := cfg.DBMSServer

	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = server.Host.Address()
	mc.User = server.Credentials.Username
	mc.Passwd = server.Credentials.Password
	mc.Loc = time.UTC
	mc.Timeout = cfg.ConnectionPool.ConnectionTimeout
	if server.Host.SSLEnabled {
		mc.TLSConfig = "true"
	} else {
		mc.TLSConfig = "false"
	}
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Connect opens the connection pool.
func (s *Store) Connect(ctx context.Context) error {
	return s.Open(ctx, func(context.Context) (*sql.DB, error) {
		db, err := sql.Open("mysql", DSN(s.cfg))
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}

		size := s.cfg.ConnectionPool.PoolSize
		db.SetMaxOpenConns(size)
		db.SetMaxIdleConns(size)
		db.SetConnMaxLifetime(30 * time.Minute)
		return db, nil
	})
}

// Disconnect closes the connection pool.
func (s *Store) Disconnect() error {
	return s.Close()
}

// DatabaseExists reports whether the configured database exists.
func (s *Store) DatabaseExists(ctx context.Context) (bool, error) {
	return s.QueryExists(ctx,
		`SELECT SCHEMA_NAME FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?`,
		s.cfg.DBMSServer.Database)
}

// CreateDatabase creates the configured database.
func (s *Store) CreateDatabase(ctx context.Context) error {
	return s.Exec(ctx, "CREATE DATABASE IF NOT EXISTS `"+s.cfg.DBMSServer.Database+"`")
}

// TableExists reports whether the tag table exists.
func (s *Store) TableExists(ctx context.Context) (bool, error) {
	return s.QueryExists(ctx,
		`SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`,
		s.cfg.DBMSServer.Database, s.cfg.Table)
}

// CreateTable creates the tag table and its unique location key.
func (s *Store) CreateTable(ctx context.Context) error {
	var buf bytes.Buffer
	err := schemaTemplate.Execute(&buf, struct{ Database, Table string }{s.cfg.DBMSServer.Database, s.cfg.Table})
	if err != nil {
		return fmt.Errorf("render schema: %w", err)
	}
	return s.Exec(ctx, buf.String())
}
