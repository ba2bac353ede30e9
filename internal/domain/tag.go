package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/patchplacebreak/ppb-server/internal/id"
)

// Tag records one reward-eligible placement at a block location.
// At most one live tag exists per location; a changed tag is deleted and put again.
type Tag struct {
	ID        uuid.UUID     `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Ephemeral bool          `json:"ephemeral"` // Discarded, not preserved, when its location is transformed
	Location  BlockLocation `json:"location"`
}

// NewTag creates a tag with a fresh random identifier.
func NewTag(loc BlockLocation, ephemeral bool, createdAt time.Time) *Tag {
	return &Tag{
		ID:        id.NewTagID(),
		CreatedAt: createdAt,
		Ephemeral: ephemeral,
		Location:  loc,
	}
}

// MovedTo returns a copy of the tag attached to another location.
// Identifier, creation time and ephemeral flag are preserved.
func (t *Tag) MovedTo(loc BlockLocation) *Tag {
	moved := *t
	moved.Location = loc
	return &moved
}

// Age returns how long ago the tag was created.
func (t *Tag) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}
