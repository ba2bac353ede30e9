// Package storetest is the behavioral test suite shared by every tag backend.
package storetest

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchplacebreak/ppb-server/internal/domain"
	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
)

// Store is the backend surface exercised by the suite.
type Store interface {
	Put(ctx context.Context, tag *domain.Tag) error
	FindByLocation(ctx context.Context, loc domain.BlockLocation) (*domain.Tag, error)
	Delete(ctx context.Context, loc domain.BlockLocation) error
	UpdateLocations(ctx context.Context, moves []domain.LocationMove) error
	All(ctx context.Context) iter.Seq2[*domain.Tag, error]

	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
}

// Factory returns a connected store whose schema is initialized and which holds no tags.
// The factory registers its own cleanup.
type Factory func(t *testing.T) Store

// NewTag builds a tag with a millisecond-precision creation time.
func NewTag(world string, x, y, z int, ephemeral bool) *domain.Tag {
	return domain.NewTag(domain.NewBlockLocation(world, x, y, z), ephemeral, time.Now().UTC().Truncate(time.Millisecond))
}

// AssertSameTag compares two tags field by field, with instant equality for timestamps.
func AssertSameTag(t *testing.T, want, got *domain.Tag) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %s, got %s", want.CreatedAt, got.CreatedAt)
	assert.Equal(t, want.Ephemeral, got.Ephemeral)
	assert.Equal(t, want.Location, got.Location)
}

// RunRestart checks that tags survive a Disconnect followed by a new store on
// the same configuration. open is called twice and must return connected stores
// with an initialized schema that share their storage.
func RunRestart(t *testing.T, open Factory) {
	t.Helper()
	ctx := context.Background()

	first := open(t)
	tags := []*domain.Tag{
		NewTag("world", 1, 2, 3, false),
		NewTag("world_nether", -8, 40, 8, true),
	}
	for _, tag := range tags {
		require.NoError(t, first.Put(ctx, tag))
	}
	require.NoError(t, first.Disconnect())

	second := open(t)
	for _, tag := range tags {
		got, err := second.FindByLocation(ctx, tag.Location)
		require.NoError(t, err)
		AssertSameTag(t, tag, got)
	}
}

// Run runs the repository contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("find absent returns nil", func(t *testing.T) {
		s := newStore(t)

		tag, err := s.FindByLocation(ctx, domain.NewBlockLocation("world", 1, 2, 3))

		require.NoError(t, err)
		assert.Nil(t, tag)
	})

	t.Run("put then find", func(t *testing.T) {
		s := newStore(t)
		tag := NewTag("world", 1, 2, 3, false)

		require.NoError(t, s.Put(ctx, tag))

		got, err := s.FindByLocation(ctx, tag.Location)
		require.NoError(t, err)
		AssertSameTag(t, tag, got)
	})

	t.Run("ephemeral flag round trips", func(t *testing.T) {
		s := newStore(t)
		tag := NewTag("world", 0, 0, 0, true)

		require.NoError(t, s.Put(ctx, tag))

		got, err := s.FindByLocation(ctx, tag.Location)
		require.NoError(t, err)
		AssertSameTag(t, tag, got)
	})

	t.Run("put replaces tag at same location", func(t *testing.T) {
		s := newStore(t)
		first := NewTag("world", 5, 64, 5, false)
		second := NewTag("world", 5, 64, 5, true)

		require.NoError(t, s.Put(ctx, first))
		require.NoError(t, s.Put(ctx, second))

		got, err := s.FindByLocation(ctx, first.Location)
		require.NoError(t, err)
		AssertSameTag(t, second, got)
		assert.Len(t, collect(t, s), 1)
	})

	t.Run("delete removes tag", func(t *testing.T) {
		s := newStore(t)
		tag := NewTag("world", 1, 1, 1, false)
		require.NoError(t, s.Put(ctx, tag))

		require.NoError(t, s.Delete(ctx, tag.Location))

		got, err := s.FindByLocation(ctx, tag.Location)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("delete absent is not an error", func(t *testing.T) {
		s := newStore(t)

		assert.NoError(t, s.Delete(ctx, domain.NewBlockLocation("world", 9, 9, 9)))
	})

	t.Run("locations are isolated", func(t *testing.T) {
		s := newStore(t)
		a := NewTag("world", 1, 2, 3, false)
		b := NewTag("world", 4, 5, 6, false)
		require.NoError(t, s.Put(ctx, a))
		require.NoError(t, s.Put(ctx, b))

		require.NoError(t, s.Delete(ctx, a.Location))

		got, err := s.FindByLocation(ctx, b.Location)
		require.NoError(t, err)
		AssertSameTag(t, b, got)
	})

	t.Run("location match is exact", func(t *testing.T) {
		s := newStore(t)
		tag := NewTag("world", 10, 20, 30, false)
		require.NoError(t, s.Put(ctx, tag))

		for _, loc := range []domain.BlockLocation{
			domain.NewBlockLocation("world_nether", 10, 20, 30),
			domain.NewBlockLocation("World", 10, 20, 30),
			domain.NewBlockLocation("world", 11, 20, 30),
			domain.NewBlockLocation("world", 10, 21, 30),
			domain.NewBlockLocation("world", 10, 20, 31),
		} {
			got, err := s.FindByLocation(ctx, loc)
			require.NoError(t, err)
			assert.Nil(t, got, "unexpected tag at %s", loc)
		}
	})

	t.Run("negative coordinates and unusual world names", func(t *testing.T) {
		s := newStore(t)
		tags := []*domain.Tag{
			NewTag("world", -30000000, -64, -30000000, false),
			NewTag("Ünïcødé wörld", 1, 2, 3, false),
			NewTag("with:colons:1:2", 3, 4, 5, true),
		}
		for _, tag := range tags {
			require.NoError(t, s.Put(ctx, tag))
		}
		for _, tag := range tags {
			got, err := s.FindByLocation(ctx, tag.Location)
			require.NoError(t, err)
			AssertSameTag(t, tag, got)
		}
	})

	t.Run("put rejects empty world", func(t *testing.T) {
		s := newStore(t)

		err := s.Put(ctx, NewTag("", 1, 2, 3, false))

		assert.ErrorIs(t, err, domainerrors.ErrValidation)
	})

	t.Run("update locations moves tags", func(t *testing.T) {
		s := newStore(t)
		tag := NewTag("world", 0, 64, 0, true)
		require.NoError(t, s.Put(ctx, tag))

		moves := domain.MovesFrom([]domain.BlockLocation{tag.Location}, domain.Vector{X: 1})
		require.NoError(t, s.UpdateLocations(ctx, moves))

		old, err := s.FindByLocation(ctx, tag.Location)
		require.NoError(t, err)
		assert.Nil(t, old)

		got, err := s.FindByLocation(ctx, domain.NewBlockLocation("world", 1, 64, 0))
		require.NoError(t, err)
		AssertSameTag(t, tag.MovedTo(domain.NewBlockLocation("world", 1, 64, 0)), got)
	})

	t.Run("update locations shifts a row of tags", func(t *testing.T) {
		s := newStore(t)
		a := NewTag("world", 0, 64, 0, false)
		b := NewTag("world", 1, 64, 0, true)
		require.NoError(t, s.Put(ctx, a))
		require.NoError(t, s.Put(ctx, b))

		moves := domain.MovesFrom([]domain.BlockLocation{a.Location, b.Location}, domain.Vector{X: 1})
		require.NoError(t, s.UpdateLocations(ctx, moves))

		first, err := s.FindByLocation(ctx, a.Location)
		require.NoError(t, err)
		assert.Nil(t, first)

		second, err := s.FindByLocation(ctx, b.Location)
		require.NoError(t, err)
		AssertSameTag(t, a.MovedTo(b.Location), second)

		third, err := s.FindByLocation(ctx, domain.NewBlockLocation("world", 2, 64, 0))
		require.NoError(t, err)
		AssertSameTag(t, b.MovedTo(domain.NewBlockLocation("world", 2, 64, 0)), third)
	})

	t.Run("update locations clears untagged destinations", func(t *testing.T) {
		s := newStore(t)
		stale := NewTag("world", 5, 5, 6, false)
		require.NoError(t, s.Put(ctx, stale))

		moves := domain.MovesFrom([]domain.BlockLocation{domain.NewBlockLocation("world", 5, 5, 5)}, domain.Vector{Z: 1})
		require.NoError(t, s.UpdateLocations(ctx, moves))

		got, err := s.FindByLocation(ctx, stale.Location)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("update locations with no moves", func(t *testing.T) {
		s := newStore(t)

		assert.NoError(t, s.UpdateLocations(ctx, nil))
	})

	t.Run("all yields every tag", func(t *testing.T) {
		s := newStore(t)
		want := map[uuid.UUID]*domain.Tag{}
		for i := range 5 {
			tag := NewTag("world", i, 70, -i, i%2 == 0)
			want[tag.ID] = tag
			require.NoError(t, s.Put(ctx, tag))
		}

		got := collect(t, s)

		require.Len(t, got, len(want))
		for _, tag := range got {
			AssertSameTag(t, want[tag.ID], tag)
		}
	})

	t.Run("concurrent puts on distinct locations", func(t *testing.T) {
		s := newStore(t)
		const n = 16

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Put(ctx, NewTag("world", i, 0, 0, false))
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		for i := range n {
			got, err := s.FindByLocation(ctx, domain.NewBlockLocation("world", i, 0, 0))
			require.NoError(t, err)
			assert.NotNil(t, got, fmt.Sprintf("tag %d", i))
		}
	})
}

// RunLifecycle checks the connection state machine. newStore returns a
// disconnected store whose Connect succeeds; the schema may be missing.
func RunLifecycle(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("use before connect fails", func(t *testing.T) {
		s := newStore(t)

		_, err := s.FindByLocation(ctx, domain.NewBlockLocation("world", 0, 0, 0))
		require.Error(t, err)
		assert.ErrorIs(t, err, domainerrors.ErrConnection)
		assert.ErrorIs(t, s.Put(ctx, NewTag("world", 0, 0, 0, false)), domainerrors.ErrConnection)
		assert.ErrorIs(t, s.Delete(ctx, domain.NewBlockLocation("world", 0, 0, 0)), domainerrors.ErrConnection)
	})

	t.Run("disconnect before connect is a no-op", func(t *testing.T) {
		s := newStore(t)

		assert.NoError(t, s.Disconnect())
		assert.False(t, s.Connected())
	})

	t.Run("second connect fails", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Connect(ctx))
		defer s.Disconnect()

		err := s.Connect(ctx)

		assert.ErrorIs(t, err, domainerrors.ErrConnection)
		assert.True(t, s.Connected())
	})

	t.Run("use after disconnect fails", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Connect(ctx))
		require.NoError(t, s.Disconnect())

		_, err := s.FindByLocation(ctx, domain.NewBlockLocation("world", 0, 0, 0))
		assert.ErrorIs(t, err, domainerrors.ErrConnection)
		assert.NoError(t, s.Disconnect())
	})
}

func collect(t *testing.T, s Store) []*domain.Tag {
	t.Helper()
	var tags []*domain.Tag
	for tag, err := range s.All(context.Background()) {
		require.NoError(t, err)
		tags = append(tags, tag)
	}
	return tags
}
