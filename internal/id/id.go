// Package id generates identifiers: UUIDs for tags and short prefixed IDs for operations.
package id

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// NewTagID returns a random (version 4) 128-bit tag identifier.
func NewTagID() uuid.UUID {
	return uuid.New()
}

// Generate creates a prefixed unique ID using NanoID.
// Format: prefix-nanoid (e.g., "op-V1StGXR8_Z5jdHi6B-myT").
//
// Returns an error if the system has insufficient entropy for secure random generation.
func Generate(prefix string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return prefix + "-" + id, nil
}

// MustGenerate is like Generate but panics if ID generation fails.
func MustGenerate(prefix string) string {
	id, err := Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return id
}

// Operation returns an ID correlating the log lines of one asynchronous tag operation.
func Operation() string {
	return MustGenerate("op")
}
