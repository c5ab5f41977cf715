// Package embed generates sentence embeddings from a local GGUF model via
// yzma (purego FFI bindings to llama.cpp, no CGO required).
//
// All inference runs on the local machine; note text never leaves the host.
package embed

import (
	"context"
	"errors"
)

// ErrModelUnavailable is returned when the embedding pipeline has not been
// loaded yet, or loading failed. Callers surface this as "not ready" rather
// than a hard failure.
var ErrModelUnavailable = errors.New("embed: model unavailable")

// Embedder turns text into L2-normalized embedding vectors.
//
// Implementations must return unit-length vectors of a fixed
// dimensionality; downstream cosine math assumes it.
type Embedder interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings for texts, one per input, in input
	// order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// ModelDescription returns a human-readable model identifier.
	ModelDescription() string
}
