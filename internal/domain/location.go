// Package domain contains the placement tag model and the block value types it is keyed by.
package domain

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrEmptyWorld is returned when a location has no world name.
var ErrEmptyWorld = errors.New("location world name is empty")

// BlockLocation identifies one block cell: a world name plus integer coordinates.
// Two locations are equal only when the world name and all three coordinates match exactly.
type BlockLocation struct {
	World string `json:"world" yaml:"world" doc:"World name"`
	X     int    `json:"x" yaml:"x" doc:"Block X coordinate"`
	Y     int    `json:"y" yaml:"y" doc:"Block Y coordinate"`
	Z     int    `json:"z" yaml:"z" doc:"Block Z coordinate"`
}

// NewBlockLocation builds a location.
func NewBlockLocation(world string, x, y, z int) BlockLocation {
	return BlockLocation{World: world, X: x, Y: y, Z: z}
}

// Add translates the location by an integer offset.
func (l BlockLocation) Add(v Vector) BlockLocation {
	return BlockLocation{World: l.World, X: l.X + v.X, Y: l.Y + v.Y, Z: l.Z + v.Z}
}

// Validate checks that the location can be persisted.
func (l BlockLocation) Validate() error {
	if l.World == "" {
		return ErrEmptyWorld
	}
	return nil
}

// Key returns a stable, unambiguous encoding used for map keys, lock striping and KV stores.
// The world name is length-prefixed so that world names containing separators cannot collide.
func (l BlockLocation) Key() string {
	b := make([]byte, 0, len(l.World)+40)
	b = strconv.AppendInt(b, int64(len(l.World)), 10)
	b = append(b, ':')
	b = append(b, l.World...)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(l.X), 10)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(l.Y), 10)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(l.Z), 10)
	return string(b)
}

// String implements fmt.Stringer.
func (l BlockLocation) String() string {
	return fmt.Sprintf("%s(%d,%d,%d)", l.World, l.X, l.Y, l.Z)
}

// Vector is an integer offset between two block cells, e.g. a piston push direction.
type Vector struct {
	X int `json:"x" doc:"X offset"`
	Y int `json:"y" doc:"Y offset"`
	Z int `json:"z" doc:"Z offset"`
}

// LocationMove pairs the location a tag is moved from with the location it is moved to.
type LocationMove struct {
	Old BlockLocation `json:"old"`
	New BlockLocation `json:"new"`
}

// MovesFrom builds the moves produced by translating every location by direction.
// Duplicate source locations are collapsed.
func MovesFrom(locations []BlockLocation, direction Vector) []LocationMove {
	seen := make(map[BlockLocation]struct{}, len(locations))
	moves := make([]LocationMove, 0, len(locations))
	for _, loc := range locations {
		if _, ok := seen[loc]; ok {
			continue
		}
		seen[loc] = struct{}{}
		moves = append(moves, LocationMove{Old: loc, New: loc.Add(direction)})
	}
	return moves
}

// Block is a block as reported by the host: where it is and what it is made of.
type Block struct {
	Location BlockLocation `json:"location" doc:"Block location"`
	Material string        `json:"material" doc:"Material name, e.g. STONE"`
}
