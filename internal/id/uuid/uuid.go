// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings. The time-ordered prefix keeps database
// indexes on crawl and page IDs append-friendly.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string, falling back to a random v4 when the
// monotonic source errors.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id, err = uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("generate uuid: %w", err)
		}
	}
	return id.String(), nil
}
