// Package embeddings defines the Provider interface for text embedding
// backends. Story scripts are embedded after processing so that similar
// stories can be found with a vector search.
package embeddings

import "context"

// Provider converts text into dense vectors.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the length of every vector this provider returns.
	Dimensions() int

	// ModelID identifies the embedding model.
	ModelID() string
}
