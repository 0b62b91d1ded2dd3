// Package embed generates embedding vectors for vector index writes and
// queries.
package embed

import (
	"context"
	"unicode/utf8"
)

// Embedder turns text into embedding vectors.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one request.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension.
	Dimension() int
}

// maxInputChars keeps single inputs well under the embedding model's
// token ceiling.
const maxInputChars = 8000

// Truncate bounds a text to the maximum input size, never splitting a
// UTF-8 rune.
func Truncate(text string) string {
	if len(text) <= maxInputChars {
		return text
	}
	cut := maxInputChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
