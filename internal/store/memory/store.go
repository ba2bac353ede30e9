// Package memory keeps tags in process memory. Tags are lost on Disconnect and
// on restart; the backend exists for tests and throwaway servers.
package memory

import (
	"context"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/patchplacebreak/ppb-server/internal/domain"
	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
	"github.com/patchplacebreak/ppb-server/internal/store/conn"
)

// Store is the transient tag backend.
type Store struct {
	*conn.Guard

	// mu serializes every operation; UpdateLocations must appear atomic.
	mu   sync.Mutex
	tags *cache.Cache
}

// New creates a disconnected store.
func New(timeout time.Duration, logger *slog.Logger) *Store {
	return &Store{Guard: conn.New("IN_MEMORY", timeout, logger)}
}

// Connect allocates an empty tag map.
func (s *Store) Connect(ctx context.Context) error {
	return s.Guard.Connect(ctx, func(context.Context) error {
		s.tags = cache.New(cache.NoExpiration, 0)
		return nil
	})
}

// Disconnect drops every tag.
func (s *Store) Disconnect() error {
	return s.Guard.Disconnect(func() error {
		s.tags.Flush()
		s.tags = nil
		return nil
	})
}

func (s *Store) enter(ctx context.Context) (func(), error) {
	ctx, done, err := s.Guard.Enter(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		done()
		return nil, conn.Persistence(err, "memory operation")
	}
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		done()
	}, nil
}

// Put stores tag, replacing any tag at the same location.
func (s *Store) Put(ctx context.Context, tag *domain.Tag) error {
	if err := tag.Location.Validate(); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeValidation, "invalid tag location")
	}
	done, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	stored := *tag
	s.tags.Set(tag.Location.Key(), &stored, cache.NoExpiration)
	return nil
}

// FindByLocation returns a copy of the tag at loc, or nil.
func (s *Store) FindByLocation(ctx context.Context, loc domain.BlockLocation) (*domain.Tag, error) {
	done, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	return s.get(loc), nil
}

// Delete removes the tag at loc.
func (s *Store) Delete(ctx context.Context, loc domain.BlockLocation) error {
	done, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	s.tags.Delete(loc.Key())
	return nil
}

// UpdateLocations moves tags from each old location to its new one.
func (s *Store) UpdateLocations(ctx context.Context, moves []domain.LocationMove) error {
	done, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer done()

	moved := make([]*domain.Tag, 0, len(moves))
	for _, m := range moves {
		if tag := s.get(m.Old); tag != nil {
			moved = append(moved, tag.MovedTo(m.New))
		}
	}
	for _, m := range moves {
		s.tags.Delete(m.Old.Key())
		s.tags.Delete(m.New.Key())
	}
	for _, tag := range moved {
		s.tags.Set(tag.Location.Key(), tag, cache.NoExpiration)
	}
	return nil
}

// All yields a snapshot of every tag, ordered by creation time.
func (s *Store) All(ctx context.Context) iter.Seq2[*domain.Tag, error] {
	return func(yield func(*domain.Tag, error) bool) {
		done, err := s.enter(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		items := s.tags.Items()
		snapshot := make([]*domain.Tag, 0, len(items))
		for _, item := range items {
			tag := *item.Object.(*domain.Tag)
			snapshot = append(snapshot, &tag)
		}
		done()

		sort.Slice(snapshot, func(i, j int) bool {
			return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
		})
		for _, tag := range snapshot {
			if !yield(tag, nil) {
				return
			}
		}
	}
}

// DatabaseExists always reports true.
func (s *Store) DatabaseExists(context.Context) (bool, error) { return true, nil }

// CreateDatabase is a no-op.
func (s *Store) CreateDatabase(context.Context) error { return nil }

// TableExists always reports true.
func (s *Store) TableExists(context.Context) (bool, error) { return true, nil }

// CreateTable is a no-op.
func (s *Store) CreateTable(context.Context) error { return nil }

func (s *Store) get(loc domain.BlockLocation) *domain.Tag {
	v, ok := s.tags.Get(loc.Key())
	if !ok {
		return nil
	}
	tag := *v.(*domain.Tag)
	return &tag
}
