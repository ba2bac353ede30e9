// Package sqlstore implements the tag repository over database/sql.
// It is shared by the embedded (SQLite) and networked (MySQL) backends, which
// only differ in how they open the pool and define the schema.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/patchplacebreak/ppb-server/internal/domain"
	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
	"github.com/patchplacebreak/ppb-server/internal/serial"
	"github.com/patchplacebreak/ppb-server/internal/store/conn"
)

// Column names of the tag table.
const (
	ColumnID        = "tag_uuid"
	ColumnCreatedAt = "init_timestamp"
	ColumnEphemeral = "is_ephemeral"
	ColumnWorld     = "world_name"
	ColumnX         = "location_x"
	ColumnY         = "location_y"
	ColumnZ         = "location_z"
)

// tagColumns is the ordered list of columns selected in tag queries.
// Must match the scan order in scanTag.
const tagColumns = ColumnID + `, ` + ColumnCreatedAt + `, ` + ColumnEphemeral + `, ` +
	ColumnWorld + `, ` + ColumnX + `, ` + ColumnY + `, ` + ColumnZ

const locationPredicate = ColumnWorld + ` = ? AND ` + ColumnX + ` = ? AND ` + ColumnY + ` = ? AND ` + ColumnZ + ` = ?`

var (
	timestamps serial.Timestamp
	booleans   serial.Bool
	uuids      serial.UUID
)

// Options configures a Repository.
type Options struct {
	// Name identifies the backend in logs and errors.
	Name string
	// Table is the table reference interpolated into queries, already qualified and quoted.
	Table   string
	Timeout time.Duration
	Logger  *slog.Logger
	// Exclusive serializes every operation behind one lock.
	Exclusive bool
	// Isolation is the level of write transactions; the driver default when zero.
	Isolation sql.IsolationLevel
}

// Repository stores tags in one SQL table.
type Repository struct {
	*conn.Guard

	name   string
	table  string
	logger *slog.Logger
	excl   *sync.Mutex
	txOpts *sql.TxOptions

	db *sql.DB
}

// New creates a disconnected repository.
func New(opts Options) *Repository {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	r := &Repository{
		Guard:  conn.New(opts.Name, opts.Timeout, opts.Logger),
		name:   opts.Name,
		table:  opts.Table,
		logger: opts.Logger,
		txOpts: &sql.TxOptions{Isolation: opts.Isolation},
	}
	if opts.Exclusive {
		r.excl = &sync.Mutex{}
	}
	return r
}

// Open connects the repository to the pool returned by open, verifying it with a ping.
func (r *Repository) Open(ctx context.Context, open func(ctx context.Context) (*sql.DB, error)) error {
	return r.Guard.Connect(ctx, func(ctx context.Context) error {
		db, err := open(ctx)
		if err != nil {
			return err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return fmt.Errorf("ping %s: %w", r.name, err)
		}
		r.db = db
		return nil
	})
}

// Close disconnects the repository and closes its pool.
func (r *Repository) Close() error {
	return r.Guard.Disconnect(func() error {
		db := r.db
		r.db = nil
		return db.Close()
	})
}

// Table returns the table reference used in queries.
func (r *Repository) Table() string {
	return r.table
}

// Exec runs a statement on the connected pool under the operation deadline.
// Schema definers use it for DDL.
func (r *Repository) Exec(ctx context.Context, query string, args ...any) error {
	ctx, done, err := r.enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// QueryExists reports whether query returns at least one row.
func (r *Repository) QueryExists(ctx context.Context, query string, args ...any) (bool, error) {
	ctx, done, err := r.enter(ctx)
	if err != nil {
		return false, err
	}
	defer done()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	found := rows.Next()
	return found, rows.Err()
}

func (r *Repository) enter(ctx context.Context) (context.Context, func(), error) {
	ctx, done, err := r.Guard.Enter(ctx)
	if err != nil {
		return nil, nil, err
	}
	if r.excl == nil {
		return ctx, done, nil
	}
	r.excl.Lock()
	return ctx, func() {
		r.excl.Unlock()
		done()
	}, nil
}

// Put stores tag, replacing any tag at the same location in one transaction.
func (r *Repository) Put(ctx context.Context, tag *domain.Tag) error {
	if err := tag.Location.Validate(); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeValidation, "invalid tag location")
	}

	ctx, done, err := r.enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.deleteAt(ctx, tx, tag.Location); err != nil {
			return err
		}
		return r.insert(ctx, tx, tag)
	})
	return conn.Persistence(err, "put tag at "+tag.Location.String())
}

// FindByLocation returns the tag at loc, or nil when there is none.
func (r *Repository) FindByLocation(ctx context.Context, loc domain.BlockLocation) (*domain.Tag, error) {
	ctx, done, err := r.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	tag, err := r.findAt(ctx, r.db, loc)
	if err != nil {
		return nil, conn.Persistence(err, "find tag at "+loc.String())
	}
	return tag, nil
}

// Delete removes the tag at loc. Deleting an absent tag is not an error.
func (r *Repository) Delete(ctx context.Context, loc domain.BlockLocation) error {
	ctx, done, err := r.enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	return conn.Persistence(r.deleteAt(ctx, r.db, loc), "delete tag at "+loc.String())
}

// UpdateLocations moves the tags found at each old location to its new location.
// Tags previously at any old or new location are removed; moved tags keep their
// identifier, creation time and ephemeral flag. The whole update is one transaction.
func (r *Repository) UpdateLocations(ctx context.Context, moves []domain.LocationMove) error {
	if len(moves) == 0 {
		return nil
	}

	ctx, done, err := r.enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		moved := make(map[domain.BlockLocation]*domain.Tag, len(moves))
		for _, m := range moves {
			tag, err := r.findAt(ctx, tx, m.Old)
			if err != nil {
				return err
			}
			if tag != nil {
				moved[m.New] = tag.MovedTo(m.New)
			}
		}

		for _, m := range moves {
			if err := r.deleteAt(ctx, tx, m.Old); err != nil {
				return err
			}
			if err := r.deleteAt(ctx, tx, m.New); err != nil {
				return err
			}
		}

		for _, tag := range moved {
			if err := r.insert(ctx, tx, tag); err != nil {
				return err
			}
		}
		return nil
	})
	return conn.Persistence(err, fmt.Sprintf("move %d tag locations", len(moves)))
}

// All streams every stored tag. The scan is not bounded by the operation timeout.
func (r *Repository) All(ctx context.Context) iter.Seq2[*domain.Tag, error] {
	return func(yield func(*domain.Tag, error) bool) {
		done, err := r.Guard.Hold()
		if err != nil {
			yield(nil, err)
			return
		}
		defer done()

		rows, err := r.db.QueryContext(ctx, `SELECT `+tagColumns+` FROM `+r.table)
		if err != nil {
			yield(nil, conn.Persistence(err, "scan tags"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			tag, err := scanTag(rows)
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

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, r.txOpts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Warn("rollback failed", "backend", r.name, "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *Repository) insert(ctx context.Context, q querier, tag *domain.Tag) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO `+r.table+` (`+tagColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuids.Serialize(tag.ID),
		timestamps.Serialize(tag.CreatedAt),
		booleans.Serialize(tag.Ephemeral),
		tag.Location.World,
		tag.Location.X,
		tag.Location.Y,
		tag.Location.Z,
	)
	if err != nil {
		return fmt.Errorf("insert tag %s: %w", tag.ID, err)
	}
	return nil
}

func (r *Repository) deleteAt(ctx context.Context, q querier, loc domain.BlockLocation) error {
	_, err := q.ExecContext(ctx, `DELETE FROM `+r.table+` WHERE `+locationPredicate, locationArgs(loc)...)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	return nil
}

// findAt returns the first tag at loc. More than one row only happens with data
// written before the location index existed; it is logged and the first row wins.
func (r *Repository) findAt(ctx context.Context, q querier, loc domain.BlockLocation) (*domain.Tag, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+tagColumns+` FROM `+r.table+` WHERE `+locationPredicate, locationArgs(loc)...)
	if err != nil {
		return nil, fmt.Errorf("query tag: %w", err)
	}
	defer rows.Close()

	var (
		first *domain.Tag
		count int
	)
	for rows.Next() {
		count++
		if first != nil {
			continue
		}
		if first, err = scanTag(rows); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if count > 1 {
		r.logger.Warn("multiple tags found at one location, using the first",
			"backend", r.name, "location", loc.String(), "count", count)
	}
	return first, nil
}

func locationArgs(loc domain.BlockLocation) []any {
	return []any{loc.World, loc.X, loc.Y, loc.Z}
}

// scanTag scans a sql.Row (or sql.Rows via its Scan method) into a domain.Tag.
func scanTag(scanner interface{ Scan(dest ...any) error }) (*domain.Tag, error) {
	var (
		t         domain.Tag
		id        string
		createdAt string
		ephemeral int64
	)

	err := scanner.Scan(
		&id,
		&createdAt,
		&ephemeral,
		&t.Location.World,
		&t.Location.X,
		&t.Location.Y,
		&t.Location.Z,
	)
	if err != nil {
		return nil, err
	}

	if t.ID, err = uuids.Deserialize(id); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = timestamps.Deserialize(createdAt); err != nil {
		return nil, err
	}
	if t.Ephemeral, err = booleans.Deserialize(ephemeral); err != nil {
		return nil, err
	}
	return &t, nil
}
