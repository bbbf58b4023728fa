// Package embeddings defines the Provider interface for vector embedding
// backends (OpenAI text-embedding-3, a local Ollama model). The vectors back
// the semantic search index over session transcriptions.
package embeddings

import "context"

// Provider is the abstraction over a text-embedding backend.
//
// Every vector a Provider instance returns has length Dimensions(). Vectors
// from different models live in different spaces; callers must not compare
// them, which is why ModelID is recorded alongside every stored vector.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for one text. The text is passed
	// through verbatim; any model-specific prefixing is the caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds a slice of texts in one provider call; the i-th
	// result corresponds to texts[i]. On error no partial results are
	// returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length this provider produces.
	Dimensions() int

	// ModelID identifies the embedding model (e.g. "text-embedding-3-small").
	ModelID() string
}
