// Package sqlite stores tags in an embedded SQLite database file.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"text/template"
	"time"

	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
	"github.com/patchplacebreak/ppb-server/internal/store/sqlstore"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var schemaTemplate = template.Must(template.New("schema").Parse(schemaSQL))

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// Store provides SQLite-backed tag persistence.
type Store struct {
	*sqlstore.Repository

	path  string
	table string

	// fresh is set when Connect found no file and the driver created an empty one.
	fresh atomic.Bool
}

// New creates a disconnected store for the database file at path.
func New(path, table string, timeout time.Duration, logger *slog.Logger) *Store {
	return &Store{
		Repository: sqlstore.New(sqlstore.Options{
			Name:      "SQLITE",
			Table:     `"` + table + `"`,
			Timeout:   timeout,
			Logger:    logger,
			Exclusive: true,
		}),
		path:  path,
		table: table,
	}
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Connect opens the database file, creating it and its directory when missing.
func (s *Store) Connect(ctx context.Context) error {
	return s.Open(ctx, func(context.Context) (*sql.DB, error) {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		_, statErr := os.Stat(s.path)
		s.fresh.Store(errors.Is(statErr, fs.ErrNotExist))

		db, err := sql.Open("sqlite", dsn(s.path))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}

		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
		return db, nil
	})
}

// Disconnect closes the database.
func (s *Store) Disconnect() error {
	return s.Close()
}

// DatabaseExists reports whether the database file existed before Connect
// opened it. A file the driver created on Connect counts as missing until
// CreateDatabase runs.
func (s *Store) DatabaseExists(context.Context) (bool, error) {
	if s.fresh.Load() {
		return false, nil
	}
	_, err := os.Stat(s.path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, domainerrors.Wrapf(err, domainerrors.CodeSchema, "stat database file %s", s.path)
	}
}

// CreateDatabase creates the empty database file. SQLite has no CREATE DATABASE
// statement, so a file that cannot be created leaves nothing else to try.
func (s *Store) CreateDatabase(context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return domainerrors.Wrapf(err, domainerrors.CodeUnsupported, "create database directory for %s", s.path)
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o640) //#nosec G304 -- Database path from configuration
	if err != nil {
		return domainerrors.Wrapf(err, domainerrors.CodeUnsupported, "create database file %s", s.path)
	}
	if err := f.Close(); err != nil {
		return domainerrors.Wrapf(err, domainerrors.CodeUnsupported, "create database file %s", s.path)
	}
	s.fresh.Store(false)
	return nil
}

// TableExists reports whether the tag table exists.
func (s *Store) TableExists(ctx context.Context) (bool, error) {
	return s.QueryExists(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, s.table)
}

// CreateTable creates the tag table and its location index.
func (s *Store) CreateTable(ctx context.Context) error {
	ddl, err := renderSchema(s.table)
	if err != nil {
		return err
	}
	return s.Exec(ctx, ddl)
}

func renderSchema(table string) (string, error) {
	var buf bytes.Buffer
	if err := schemaTemplate.Execute(&buf, struct{ Table string }{table}); err != nil {
		return "", fmt.Errorf("render schema: %w", err)
	}
	return buf.String(), nil
}

func dsn(path string) string {
	var buf bytes.Buffer
	buf.WriteString("file:")
	buf.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			buf.WriteByte('?')
		} else {
			buf.WriteByte('&')
		}
		buf.WriteString("_pragma=")
		buf.WriteString(p)
	}
	return buf.String()
}
