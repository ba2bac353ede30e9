package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockLocation_Add(t *testing.T) {
	loc := NewBlockLocation("world", 5, 64, -3)

	moved := loc.Add(Vector{X: 1, Y: 0, Z: -1})

	assert.Equal(t, NewBlockLocation("world", 6, 64, -4), moved)
	assert.Equal(t, NewBlockLocation("world", 5, 64, -3), loc)
}

func TestBlockLocation_KeyDistinguishesWorlds(t *testing.T) {
	a := NewBlockLocation("a:1", 2, 3, 4)
	b := NewBlockLocation("a", 1, 2, 3)

	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, a.Key(), NewBlockLocation("a:1", 2, 3, 4).Key())
}

func TestBlockLocation_Validate(t *testing.T) {
	assert.ErrorIs(t, BlockLocation{X: 1}.Validate(), ErrEmptyWorld)
	assert.NoError(t, NewBlockLocation("nether", 0, 0, 0).Validate())
}

func TestMovesFrom(t *testing.T) {
	a := NewBlockLocation("world", 0, 64, 0)
	b := NewBlockLocation("world", 1, 64, 0)

	moves := MovesFrom([]BlockLocation{a, b, a}, Vector{X: 1})

	require.Len(t, moves, 2)
	assert.Equal(t, LocationMove{Old: a, New: b}, moves[0])
	assert.Equal(t, NewBlockLocation("world", 2, 64, 0), moves[1].New)
}

func TestTag_MovedToPreservesIdentity(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tag := NewTag(NewBlockLocation("world", 1, 2, 3), true, created)

	moved := tag.MovedTo(NewBlockLocation("world", 1, 3, 3))

	assert.Equal(t, tag.ID, moved.ID)
	assert.Equal(t, created, moved.CreatedAt)
	assert.True(t, moved.Ephemeral)
	assert.Equal(t, 2, tag.Location.Y)
	assert.Equal(t, 3, moved.Location.Y)
	assert.NotEqual(t, uuid.Nil, tag.ID)
}

func TestTag_Age(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tag := NewTag(NewBlockLocation("world", 0, 0, 0), false, created)

	assert.Equal(t, 3*time.Second, tag.Age(created.Add(3*time.Second)))
}

func TestNewTag_UniqueIDs(t *testing.T) {
	loc := NewBlockLocation("world", 0, 0, 0)
	now := time.Now()

	assert.NotEqual(t, NewTag(loc, false, now).ID, NewTag(loc, false, now).ID)
}
