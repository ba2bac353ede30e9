// Package badgerstore stores tags in an embedded Badger key-value database.
// Each tag lives under a key derived from its location, so a location holds at most one tag.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/patchplacebreak/ppb-server/internal/domain"
	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
	"github.com/patchplacebreak/ppb-server/internal/store/conn"
)

// Options configures a Store.
type Options struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// Prefix namespaces the tag keys, normally the configured table name.
	Prefix  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Store is the Badger tag backend.
type Store struct {
	*conn.Guard

	opts   Options
	prefix []byte
	db     *badger.DB
}

// New creates a disconnected store.
func New(opts Options) *Store {
	return &Store{
		Guard:  conn.New("BADGER", opts.Timeout, opts.Logger),
		opts:   opts,
		prefix: []byte(opts.Prefix + ":"),
	}
}

// Connect opens the database directory.
func (s *Store) Connect(ctx context.Context) error {
	return s.Guard.Connect(ctx, func(context.Context) error {
		opts := badger.DefaultOptions(s.opts.Dir)
		if s.opts.InMemory {
			opts = badger.DefaultOptions("").WithInMemory(true)
		}
		opts.Logger = nil            // Disable Badger's internal logging
		opts.SyncWrites = true       // Tags must survive a crash right after a placement
		opts.CompactL0OnClose = true // Compact L0 tables on close for faster startup

		db, err := badger.Open(opts)
		if err != nil {
			return fmt.Errorf("failed to open badger db: %w", err)
		}
		s.db = db
		return nil
	})
}

// Disconnect closes the database.
func (s *Store) Disconnect() error {
	return s.Guard.Disconnect(func() error {
		db := s.db
		s.db = nil
		return db.Close()
	})
}

func (s *Store) key(loc domain.BlockLocation) []byte {
	k := make([]byte, 0, len(s.prefix)+len(loc.World)+40)
	k = append(k, s.prefix...)
	k = append(k, loc.Key()...)
	return k
}

func (s *Store) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	ctx, done, err := s.Enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := ctx.Err(); err != nil {
		return conn.Persistence(err, op)
	}
	return conn.Persistence(s.db.Update(fn), op)
}

// Put stores tag, replacing any tag at the same location.
func (s *Store) Put(ctx context.Context, tag *domain.Tag) error {
	if err := tag.Location.Validate(); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeValidation, "invalid tag location")
	}
	data, err := json.Marshal(tag)
	if err != nil {
		return fmt.Errorf("failed to marshal tag: %w", err)
	}

	return s.update(ctx, "put tag at "+tag.Location.String(), func(txn *badger.Txn) error {
		return txn.Set(s.key(tag.Location), data)
	})
}

// FindByLocation returns the tag at loc, or nil.
func (s *Store) FindByLocation(ctx context.Context, loc domain.BlockLocation) (*domain.Tag, error) {
	ctx, done, err := s.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	if err := ctx.Err(); err != nil {
		return nil, conn.Persistence(err, "find tag")
	}

	var tag *domain.Tag
	err = s.db.View(func(txn *badger.Txn) error {
		var err error
		tag, err = get(txn, s.key(loc))
		return err
	})
	if err != nil {
		return nil, conn.Persistence(err, "find tag at "+loc.String())
	}
	return tag, nil
}

// Delete removes the tag at loc.
func (s *Store) Delete(ctx context.Context, loc domain.BlockLocation) error {
	return s.update(ctx, "delete tag at "+loc.String(), func(txn *badger.Txn) error {
		return txn.Delete(s.key(loc))
	})
}

// UpdateLocations moves tags from each old location to its new one in one transaction.
func (s *Store) UpdateLocations(ctx context.Context, moves []domain.LocationMove) error {
	if len(moves) == 0 {
		return nil
	}
	return s.update(ctx, fmt.Sprintf("move %d tag locations", len(moves)), func(txn *badger.Txn) error {
		moved := make([]*domain.Tag, 0, len(moves))
		for _, m := range moves {
			tag, err := get(txn, s.key(m.Old))
			if err != nil {
				return err
			}
			if tag != nil {
				moved = append(moved, tag.MovedTo(m.New))
			}
		}

		for _, m := range moves {
			if err := txn.Delete(s.key(m.Old)); err != nil {
				return err
			}
			if err := txn.Delete(s.key(m.New)); err != nil {
				return err
			}
		}

		for _, tag := range moved {
			data, err := json.Marshal(tag)
			if err != nil {
				return fmt.Errorf("failed to marshal tag: %w", err)
			}
			if err := txn.Set(s.key(tag.Location), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// All returns an iterator over every stored tag in key order.
func (s *Store) All(ctx context.Context) iter.Seq2[*domain.Tag, error] {
	return func(yield func(*domain.Tag, error) bool) {
		done, err := s.Hold()
		if err != nil {
			yield(nil, err)
			return
		}
		defer done()

		_ = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = s.prefix
			opts.PrefetchValues = true

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return ctx.Err()
				}

				var tag domain.Tag
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &tag)
				})
				if err != nil {
					yield(nil, conn.Persistence(err, "scan tags"))
					return err
				}

				if !yield(&tag, nil) {
					return nil // Consumer stopped early
				}
			}
			return nil
		})
	}
}

// DatabaseExists always reports true; Connect creates the directory.
func (s *Store) DatabaseExists(context.Context) (bool, error) { return true, nil }

// CreateDatabase is a no-op.
func (s *Store) CreateDatabase(context.Context) error { return nil }

// TableExists always reports true; the key prefix needs no declaration.
func (s *Store) TableExists(context.Context) (bool, error) { return true, nil }

// CreateTable is a no-op.
func (s *Store) CreateTable(context.Context) error { return nil }

func get(txn *badger.Txn, key []byte) (*domain.Tag, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}

	var tag domain.Tag
	err = item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, &tag); err != nil {
			return fmt.Errorf("failed to unmarshal tag: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tag, nil
}
