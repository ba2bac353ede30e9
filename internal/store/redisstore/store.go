// Package redisstore stores tags in Redis, one JSON value per location key.
package redisstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/patchplacebreak/ppb-server/internal/config"
	"github.com/patchplacebreak/ppb-server/internal/domain"
	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
	"github.com/patchplacebreak/ppb-server/internal/store/conn"
)

// maxTxRetries bounds optimistic retries of UpdateLocations when watched keys change.
const maxTxRetries = 8

// Store is the Redis tag backend.
type Store struct {
	*conn.Guard

	cfg     config.RedisConfig
	timeout time.Duration
	prefix  string
	rdb     *redis.Client
}

// New creates a disconnected store. Keys are "<key_prefix><table>:<location>".
func New(cfg config.DataSourceConfig, logger *slog.Logger) *Store {
	return &Store{
		Guard:   conn.New("REDIS", cfg.ConnectionPool.ConnectionTimeout, logger),
		cfg:     cfg.Redis,
		timeout: cfg.ConnectionPool.ConnectionTimeout,
		prefix:  cfg.Redis.KeyPrefix + cfg.Table + ":",
	}
}

// Connect creates the client and pings the server.
func (s *Store) Connect(ctx context.Context) error {
	return s.Guard.Connect(ctx, func(ctx context.Context) error {
		opts := &redis.Options{
			Addr:        s.cfg.Addr,
			Username:    s.cfg.Username,
			Password:    s.cfg.Password,
			DB:          s.cfg.DB,
			DialTimeout: s.timeout,
		}
		if s.cfg.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}

		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return fmt.Errorf("ping redis %s: %w", s.cfg.Addr, err)
		}
		s.rdb = rdb
		return nil
	})
}

// Disconnect closes the client.
func (s *Store) Disconnect() error {
	return s.Guard.Disconnect(func() error {
		rdb := s.rdb
		s.rdb = nil
		return rdb.Close()
	})
}

func (s *Store) key(loc domain.BlockLocation) string {
	return s.prefix + loc.Key()
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

	ctx, done, err := s.Enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	return conn.Persistence(s.rdb.Set(ctx, s.key(tag.Location), data, 0).Err(), "put tag at "+tag.Location.String())
}

// FindByLocation returns the tag at loc, or nil.
func (s *Store) FindByLocation(ctx context.Context, loc domain.BlockLocation) (*domain.Tag, error) {
	ctx, done, err := s.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	tag, err := get(ctx, s.rdb, s.key(loc))
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

	return conn.Persistence(s.rdb.Del(ctx, s.key(loc)).Err(), "delete tag at "+loc.String())
}

// UpdateLocations moves tags from each old location to its new one.
// The move is an optimistic MULTI/EXEC transaction over every involved key.
func (s *Store) UpdateLocations(ctx context.Context, moves []domain.LocationMove) error {
	if len(moves) == 0 {
		return nil
	}

	ctx, done, err := s.Enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	keys := make([]string, 0, 2*len(moves))
	for _, m := range moves {
		keys = append(keys, s.key(m.Old), s.key(m.New))
	}

	txf := func(tx *redis.Tx) error {
		moved := make(map[string][]byte, len(moves))
		for _, m := range moves {
			tag, err := get(ctx, tx, s.key(m.Old))
			if err != nil {
				return err
			}
			if tag == nil {
				continue
			}
			data, err := json.Marshal(tag.MovedTo(m.New))
			if err != nil {
				return fmt.Errorf("failed to marshal tag: %w", err)
			}
			moved[s.key(m.New)] = data
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			for k, data := range moved {
				pipe.Set(ctx, k, data, 0)
			}
			return nil
		})
		return err
	}

	op := fmt.Sprintf("move %d tag locations", len(moves))
	for range maxTxRetries {
		err := s.rdb.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return conn.Persistence(err, op)
	}
	return domainerrors.Persistencef("%s: too much contention", op)
}

// All scans every tag key under the store prefix.
func (s *Store) All(ctx context.Context) iter.Seq2[*domain.Tag, error] {
	return func(yield func(*domain.Tag, error) bool) {
		done, err := s.Hold()
		if err != nil {
			yield(nil, err)
			return
		}
		defer done()

		it := s.rdb.Scan(ctx, 0, s.prefix+"*", 256).Iterator()
		for it.Next(ctx) {
			tag, err := get(ctx, s.rdb, it.Val())
			if err != nil {
				yield(nil, conn.Persistence(err, "scan tags"))
				return
			}
			if tag == nil {
				continue // Deleted since the scan saw it
			}
			if !yield(tag, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(nil, conn.Persistence(err, "scan tags"))
		}
	}
}

// DatabaseExists always reports true; Redis databases are numbered slots.
func (s *Store) DatabaseExists(context.Context) (bool, error) { return true, nil }

// CreateDatabase is a no-op.
func (s *Store) CreateDatabase(context.Context) error { return nil }

// TableExists always reports true; keys need no declaration.
func (s *Store) TableExists(context.Context) (bool, error) { return true, nil }

// CreateTable is a no-op.
func (s *Store) CreateTable(context.Context) error { return nil }

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func get(ctx context.Context, c getter, key string) (*domain.Tag, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var tag domain.Tag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tag %s: %w", key, err)
	}
	return &tag, nil
}
