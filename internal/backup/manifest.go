package backup

import (
	"fmt"
	"strings"
	"time"
)

// FormatVersion is the backup format version. Increment major on breaking changes.
const FormatVersion = "1.0"

// Manifest is the first line of every backup stream.
type Manifest struct {
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	SourceType string    `json:"source_type"`
	Count      int       `json:"count"`
}

// check verifies that the manifest can be read by this version.
func (m Manifest) check() error {
	if m.Version == "" {
		return ErrInvalidManifest
	}
	if major(m.Version) != major(FormatVersion) {
		return fmt.Errorf("%w: %s (want %s)", ErrVersionMismatch, m.Version, FormatVersion)
	}
	if m.Count < 0 {
		return fmt.Errorf("%w: negative count", ErrInvalidManifest)
	}
	return nil
}

func major(version string) string {
	m, _, _ := strings.Cut(version, ".")
	return m
}
