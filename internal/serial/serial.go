// Package serial converts tag field values to and from the primitive column types
// accepted by the relational backends.
package serial

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Serializer converts a native value T to its primitive column form P and back.
type Serializer[T, P any] interface {
	Serialize(v T) P
	Deserialize(p P) (T, error)
}

// localDateTimeLayout is the zone-less ISO-8601 form written by older plugin versions.
// Values in this form are read as UTC.
const localDateTimeLayout = "2006-01-02T15:04:05.999999999"

// Timestamp stores times as RFC3339Nano text in UTC.
type Timestamp struct{}

// Serialize implements Serializer.
func (Timestamp) Serialize(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Deserialize implements Serializer.
func (Timestamp) Deserialize(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(localDateTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// Bool stores booleans as 0/1 integers.
type Bool struct{}

// Serialize implements Serializer.
func (Bool) Serialize(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Deserialize implements Serializer. Only 0 and 1 are accepted.
func (Bool) Deserialize(i int64) (bool, error) {
	switch i {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean column value %d", i)
	}
}

// UUID stores identifiers in their canonical 36 character text form.
type UUID struct{}

// Serialize implements Serializer.
func (UUID) Serialize(u uuid.UUID) string {
	return u.String()
}

// Deserialize implements Serializer.
func (UUID) Deserialize(s string) (uuid.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse tag uuid %q: %w", s, err)
	}
	return u, nil
}

// Compile-time checks.
var (
	_ Serializer[time.Time, string] = Timestamp{}
	_ Serializer[bool, int64]       = Bool{}
	_ Serializer[uuid.UUID, string] = UUID{}
)
