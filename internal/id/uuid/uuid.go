// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// ShortName returns prefix joined with the first eight hex characters of a
// random UUID, suitable for naming machines ("scraper-1a2b3c4d").
func (Generator) ShortName(prefix string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	short := strings.ReplaceAll(id.String(), "-", "")[:8]
	if prefix == "" {
		return short, nil
	}
	return prefix + "-" + short, nil
}
