// Package uuid generates job identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// Generator creates time-ordered UUID v7 job IDs, optionally prefixed.
type Generator struct {
	prefix string
}

var _ crawler.IDGenerator = Generator{}

// New creates a Generator without a prefix.
func New() Generator {
	return Generator{}
}

// WithPrefix creates a Generator whose IDs read "<prefix>-<uuid>".
func WithPrefix(prefix string) Generator {
	return Generator{prefix: prefix}
}

// NewID implements crawler.IDGenerator.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "-" + id.String(), nil
}
