// Package postgres stores tags in PostgreSQL through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/patchplacebreak/ppb-server/internal/config"
	"github.com/patchplacebreak/ppb-server/internal/domain"
	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
	"github.com/patchplacebreak/ppb-server/internal/serial"
	"github.com/patchplacebreak/ppb-server/internal/store/conn"
)

const locationPredicate = "world_name = ? AND location_x = ? AND location_y = ? AND location_z = ?"

var (
	timestamps serial.Timestamp
	booleans   serial.Bool
	uuids      serial.UUID
)

// tagRow is the persisted form of a tag. The table name comes from configuration.
type tagRow struct {
	TagUUID       string `gorm:"column:tag_uuid;type:char(36);primaryKey"`
	InitTimestamp string `gorm:"column:init_timestamp;type:varchar(40);not null"`
	IsEphemeral   int64  `gorm:"column:is_ephemeral;type:smallint;not null"`
	WorldName     string `gorm:"column:world_name;type:varchar(128);not null"`
	LocationX     int    `gorm:"column:location_x;not null"`
	LocationY     int    `gorm:"column:location_y;not null"`
	LocationZ     int    `gorm:"column:location_z;not null"`
}

func toRow(t *domain.Tag) tagRow {
	return tagRow{
		TagUUID:       uuids.Serialize(t.ID),
		InitTimestamp: timestamps.Serialize(t.CreatedAt),
		IsEphemeral:   booleans.Serialize(t.Ephemeral),
		WorldName:     t.Location.World,
		LocationX:     t.Location.X,
		LocationY:     t.Location.Y,
		LocationZ:     t.Location.Z,
	}
}

func (r tagRow) toDomain() (*domain.Tag, error) {
	var (
		t   domain.Tag
		err error
	)
	if t.ID, err = uuids.Deserialize(r.TagUUID); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = timestamps.Deserialize(r.InitTimestamp); err != nil {
		return nil, err
	}
	if t.Ephemeral, err = booleans.Deserialize(r.IsEphemeral); err != nil {
		return nil, err
	}
	t.Location = domain.NewBlockLocation(r.WorldName, r.LocationX, r.LocationY, r.LocationZ)
	return &t, nil
}

// Store is the PostgreSQL tag backend.
type Store struct {
	*conn.Guard

	cfg    config.DataSourceConfig
	table  string
	logger *slog.Logger
	db     *gorm.DB
}

// New creates a disconnected store.
func New(cfg config.DataSourceConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		Guard:  conn.New("POSTGRES", cfg.ConnectionPool.ConnectionTimeout, logger),
		cfg:    cfg,
		table:  cfg.Table,
		logger: logger,
	}
}

// DSN returns the keyword/value connection string for the configured server.
func DSN(cfg config.DataSourceConfig) string {
	server := cfg.DBMSServer
	sslmode := "disable"
	if server.Host.SSLEnabled {
		sslmode = "require"
	}
	seconds := int(cfg.ConnectionPool.ConnectionTimeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	pairs := [][2]string{
		{"host", server.Host.Hostname},
		{"port", strconv.Itoa(server.Host.Port)},
		{"user", server.Credentials.Username},
		{"password", server.Credentials.Password},
		{"dbname", server.Database},
		{"sslmode", sslmode},
		{"connect_timeout", strconv.Itoa(seconds)},
		{"TimeZone", "UTC"},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p[0]+"="+quote(p[1]))
	}
	return strings.Join(parts, " ")
}

// quote escapes a keyword/value connection string value.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// Connect opens the connection pool.
func (s *Store) Connect(ctx context.Context) error {
	return s.Guard.Connect(ctx, func(ctx context.Context) error {
		gl := gormlogger.New(
			slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
			gormlogger.Config{
				SlowThreshold:             300 * time.Millisecond,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		)

		db, err := gorm.Open(postgres.Open(DSN(s.cfg)), &gorm.Config{
			TranslateError: true,
			Logger:         gl,
		})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}

		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		size := s.cfg.ConnectionPool.PoolSize
		sqlDB.SetMaxOpenConns(size)
		sqlDB.SetMaxIdleConns(size)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)

		if err := sqlDB.PingContext(ctx); err != nil {
			sqlDB.Close()
			return fmt.Errorf("ping postgres: %w", err)
		}
		s.db = db
		return nil
	})
}

// Disconnect closes the connection pool.
func (s *Store) Disconnect() error {
	return s.Guard.Disconnect(func() error {
		sqlDB, err := s.db.DB()
		s.db = nil
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
}

// session returns a gorm handle bound to ctx and the tag table.
func (s *Store) session(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

// Put stores tag, replacing any tag at the same location in one transaction.
func (s *Store) Put(ctx context.Context, tag *domain.Tag) error {
	if err := tag.Location.Validate(); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeValidation, "invalid tag location")
	}

	ctx, done, err := s.Enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	row := toRow(tag)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteAt(tx.Table(s.table), tag.Location); err != nil {
			return err
		}
		return tx.Table(s.table).Create(&row).Error
	})
	return conn.Persistence(err, "put tag at "+tag.Location.String())
}

// FindByLocation returns the tag at loc, or nil.
func (s *Store) FindByLocation(ctx context.Context, loc domain.BlockLocation) (*domain.Tag, error) {
	ctx, done, err := s.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	tag, err := s.findAt(s.session(ctx), loc)
	if err != nil {
		return nil, conn.Persistence(err, "find tag at "+loc.String())
	}
	return tag, nil
}

// Delete removes the tag at loc.
func (s *Store) Delete(ctx context.Context, loc domain.BlockLocation) error {
	ctx, done, err := s.Enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	return conn.Persistence(deleteAt(s.session(ctx), loc), "delete tag at "+loc.String())
}

// UpdateLocations moves tags from each old location to its new one in one transaction.
// Source rows are locked FOR UPDATE while the move is prepared.
func (s *Store) UpdateLocations(ctx context.Context, moves []domain.LocationMove) error {
	if len(moves) == 0 {
		return nil
	}

	ctx, done, err := s.Enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moved := make([]tagRow, 0, len(moves))
		for _, m := range moves {
			tag, err := s.findAt(tx.Table(s.table).Clauses(clause.Locking{Strength: "UPDATE"}), m.Old)
			if err != nil {
				return err
			}
			if tag != nil {
				moved = append(moved, toRow(tag.MovedTo(m.New)))
			}
		}

		for _, m := range moves {
			if err := deleteAt(tx.Table(s.table), m.Old); err != nil {
				return err
			}
			if err := deleteAt(tx.Table(s.table), m.New); err != nil {
				return err
			}
		}

		if len(moved) == 0 {
			return nil
		}
		return tx.Table(s.table).Create(&moved).Error
	})
	return conn.Persistence(err, fmt.Sprintf("move %d tag locations", len(moves)))
}

// All streams every stored tag.
func (s *Store) All(ctx context.Context) iter.Seq2[*domain.Tag, error] {
	return func(yield func(*domain.Tag, error) bool) {
		done, err := s.Hold()
		if err != nil {
			yield(nil, err)
			return
		}
		defer done()

		db := s.session(ctx)
		rows, err := db.Model(&tagRow{}).Rows()
		if err != nil {
			yield(nil, conn.Persistence(err, "scan tags"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row tagRow
			if err := db.ScanRows(rows, &row); err != nil {
				yield(nil, conn.Persistence(err, "scan tags"))
				return
			}
			tag, err := row.toDomain()
			if err != nil {
				yield(nil, conn.Persistence(err, "scan tags"))
				return
			}
			if !yield(tag, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, conn.Persistence(err, "scan tags"))
		}
	}
}

// DatabaseExists reports whether the configured database exists.
func (s *Store) DatabaseExists(ctx context.Context) (bool, error) {
	ctx, done, err := s.Enter(ctx)
	if err != nil {
		return false, err
	}
	defer done()

	var count int64
	err = s.db.WithContext(ctx).Raw(`SELECT COUNT(*) FROM pg_database WHERE datname = ?`, s.cfg.DBMSServer.Database).Scan(&count).Error
	return count > 0, err
}

// CreateDatabase is unsupported: the pool is opened against the configured
// database, so it must exist before Connect succeeds.
func (s *Store) CreateDatabase(context.Context) error {
	return domainerrors.Unsupportedf("postgres database %q must be created before connecting", s.cfg.DBMSServer.Database)
}

// TableExists reports whether the tag table exists.
func (s *Store) TableExists(ctx context.Context) (bool, error) {
	ctx, done, err := s.Enter(ctx)
	if err != nil {
		return false, err
	}
	defer done()

	return s.db.WithContext(ctx).Migrator().HasTable(s.table), nil
}

// CreateTable creates the tag table and its unique location index.
func (s *Store) CreateTable(ctx context.Context) error {
	ctx, done, err := s.Enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	db := s.db.WithContext(ctx)
	if err := db.Table(s.table).Migrator().CreateTable(&tagRow{}); err != nil {
		return err
	}
	return db.Exec(fmt.Sprintf(
		`CREATE UNIQUE INDEX IF NOT EXISTS "uk_%s_location" ON "%s" (world_name, location_x, location_y, location_z)`,
		s.table, s.table)).Error
}

func deleteAt(db *gorm.DB, loc domain.BlockLocation) error {
	return db.Where(locationPredicate, loc.World, loc.X, loc.Y, loc.Z).Delete(&tagRow{}).Error
}

// findAt returns the first tag at loc, warning when more than one row matches.
func (s *Store) findAt(db *gorm.DB, loc domain.BlockLocation) (*domain.Tag, error) {
	var rows []tagRow
	err := db.Where(locationPredicate, loc.World, loc.X, loc.Y, loc.Z).Limit(2).Find(&rows).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && len(rows) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(rows) > 1 {
		s.logger.Warn("multiple tags found at one location, using the first",
			"backend", "POSTGRES", "location", loc.String())
	}
	return rows[0].toDomain()
}
