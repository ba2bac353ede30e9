// Package store defines the tag persistence interfaces and opens the configured backend.
package store

import (
	"context"
	"iter"
	"log/slog"

	"github.com/patchplacebreak/ppb-server/internal/config"
	"github.com/patchplacebreak/ppb-server/internal/domain"
	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
	"github.com/patchplacebreak/ppb-server/internal/store/badgerstore"
	"github.com/patchplacebreak/ppb-server/internal/store/memory"
	"github.com/patchplacebreak/ppb-server/internal/store/mysql"
	"github.com/patchplacebreak/ppb-server/internal/store/postgres"
	"github.com/patchplacebreak/ppb-server/internal/store/redisstore"
	"github.com/patchplacebreak/ppb-server/internal/store/sqlite"
)

// TagRepository persists placement tags keyed by block location.
// Every operation fails with a CONNECTION error before Connect and after Disconnect.
type TagRepository interface {
	// Put stores tag, atomically replacing any tag at the same location.
	Put(ctx context.Context, tag *domain.Tag) error
	// FindByLocation returns the tag at loc, or (nil, nil) when there is none.
	FindByLocation(ctx context.Context, loc domain.BlockLocation) (*domain.Tag, error)
	// Delete removes the tag at loc. Deleting an absent tag is not an error.
	Delete(ctx context.Context, loc domain.BlockLocation) error
	// UpdateLocations moves the tags at each old location to the paired new location.
	UpdateLocations(ctx context.Context, moves []domain.LocationMove) error
}

// DataSource is the Disconnected <-> Connected lifecycle of a backend.
type DataSource interface {
	// Connect fails with a CONNECTION error when already connected.
	Connect(ctx context.Context) error
	// Disconnect is a no-op, logged as a warning, when not connected.
	Disconnect() error
	Connected() bool
}

// SchemaDefiner checks and creates the database and tag table.
type SchemaDefiner interface {
	DatabaseExists(ctx context.Context) (bool, error)
	CreateDatabase(ctx context.Context) error
	TableExists(ctx context.Context) (bool, error)
	CreateTable(ctx context.Context) error
}

// Scanner streams every stored tag, for export and inspection.
type Scanner interface {
	All(ctx context.Context) iter.Seq2[*domain.Tag, error]
}

// Store is implemented by every backend.
type Store interface {
	TagRepository
	DataSource
	SchemaDefiner
	Scanner
}

// Compile-time checks.
var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*mysql.Store)(nil)
	_ Store = (*postgres.Store)(nil)
	_ Store = (*badgerstore.Store)(nil)
	_ Store = (*redisstore.Store)(nil)
)

// Backend is the opened backend together with the description used in logs.
type Backend struct {
	Type       config.DataSourceType
	URL        string
	Repository TagRepository
	DataSource DataSource
	Schema     SchemaDefiner
	Scanner    Scanner
}

// NewBackend wraps s as a Backend.
func NewBackend(typ config.DataSourceType, url string, s Store) *Backend {
	return &Backend{
		Type:       typ,
		URL:        url,
		Repository: s,
		DataSource: s,
		Schema:     s,
		Scanner:    s,
	}
}

// Open builds the backend selected by cfg.DataSource.Type. The backend is not connected.
func Open(cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	ds := cfg.DataSource
	timeout := ds.ConnectionPool.ConnectionTimeout

	var s Store
	switch ds.Type {
	case config.DataSourceInMemory:
		s = memory.New(timeout, logger)
	case config.DataSourceSQLite:
		s = sqlite.New(cfg.SQLitePath(), ds.Table, timeout, logger)
	case config.DataSourceMySQL:
		s = mysql.New(ds, logger)
	case config.DataSourcePostgres:
		s = postgres.New(ds, logger)
	case config.DataSourceBadger:
		s = badgerstore.New(badgerstore.Options{
			Dir:      cfg.BadgerDir(),
			InMemory: ds.Badger.InMemory,
			Prefix:   ds.Table,
			Timeout:  timeout,
			Logger:   logger,
		})
	case config.DataSourceRedis:
		s = redisstore.New(ds, logger)
	default:
		return nil, domainerrors.Unsupportedf("unsupported data source type %q", ds.Type)
	}

	return NewBackend(ds.Type, cfg.URL(), s), nil
}

// Start connects the backend and initializes its schema.
// The backend is disconnected again when schema initialization fails.
func (b *Backend) Start(ctx context.Context, logger *slog.Logger) error {
	logger.Info("connecting data source", "type", b.Type, "url", b.URL)
	if err := b.DataSource.Connect(ctx); err != nil {
		return err
	}
	if err := InitializeSchema(ctx, b.Schema, logger); err != nil {
		if dErr := b.DataSource.Disconnect(); dErr != nil {
			logger.Warn("disconnect after failed schema initialization", "error", dErr)
		}
		return err
	}
	return nil
}

// Stop disconnects the backend.
func (b *Backend) Stop() error {
	return b.DataSource.Disconnect()
}

// InitializeSchema creates the database and the tag table when they do not exist.
// Errors that already carry a code are returned as is; anything else becomes a SCHEMA error.
func InitializeSchema(ctx context.Context, d SchemaDefiner, logger *slog.Logger) error {
	exists, err := d.DatabaseExists(ctx)
	if err != nil {
		return schemaError(err, "check database existence")
	}
	if !exists {
		logger.Info("creating database")
		if err := d.CreateDatabase(ctx); err != nil {
			return schemaError(err, "create database")
		}
	}

	exists, err = d.TableExists(ctx)
	if err != nil {
		return schemaError(err, "check table existence")
	}
	if !exists {
		logger.Info("creating tag table")
		if err := d.CreateTable(ctx); err != nil {
			return schemaError(err, "create table")
		}
	}
	return nil
}

func schemaError(err error, op string) error {
	var coded *domainerrors.Error
	if domainerrors.As(err, &coded) {
		return err
	}
	return domainerrors.Wrap(err, domainerrors.CodeSchema, op)
}
