// Package ai produces the vector embeddings that back semantic search.
package ai

import (
	"context"
	"errors"
	"fmt"
)

// Dimensions is the vector width stored in the opportunities table.
const Dimensions = 1536

// ErrNotConfigured is returned when no embedding provider is available.
var ErrNotConfigured = errors.New("embedding provider not configured")

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

func checkDimensions(vectors [][]float32) error {
	for i, v := range vectors {
		if len(v) != Dimensions {
			return fmt.Errorf("embedding %d has %d dimensions, want %d", i, len(v), Dimensions)
		}
	}
	return nil
}
