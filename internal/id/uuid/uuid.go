// Package uuid generates job identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings, so job IDs sort by
// submission time.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether id parses as a UUID.
func Valid(id string) bool {
	return uuid.Validate(id) == nil
}
