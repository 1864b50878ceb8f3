// Package embeddings defines the Provider interface for text-embedding
// backends, plus caching and retry decorators used by the retrieval server.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All embedding vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different Provider
// instances must not be mixed in the same similarity computation unless both
// use the same model and space.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns
	// a float32 slice of length Dimensions() or an error if the request
	// fails or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed length of every embedding vector produced
	// by this provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, useful for
	// logging and for ensuring consistent model usage.
	ModelID() string
}
