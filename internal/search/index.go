package search

import (
	"context"

	"gonum.org/v1/gonum/floats"

	"github.com/pveiga/oraculo/internal/session"
)

// Hit is one ranked entry returned by a vector index query.
type Hit struct {
	SessionID string
	// Score is cosine similarity, higher is closer. Degenerate vectors
	// score zero.
	Score float64
}

// VectorIndex stores one embedding per session and answers nearest-neighbour
// queries over a caller-supplied candidate set. The embeddings.json artifact
// inside each session directory stays the source of truth; the index is a
// query structure that can be rebuilt from those files at any time.
type VectorIndex interface {
	// Upsert inserts or replaces the vector for rec.SessionID.
	Upsert(ctx context.Context, rec EmbeddingRecord) error

	// Delete removes the vector for a session. Deleting an absent session
	// is not an error.
	Delete(ctx context.Context, sessionID string) error

	// Indexed returns the subset of candidates that have a stored vector,
	// in no particular order.
	Indexed(ctx context.Context, candidates []string) ([]string, error)

	// Search ranks the candidate sessions by cosine similarity to vector
	// and returns at most limit hits, best first. Candidates without a
	// stored vector are skipped.
	Search(ctx context.Context, vector []float32, candidates []string, limit int) ([]Hit, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Name identifies the backend for status output.
	Name() string
}

// PathResolver maps a session id to its directory layout. Both
// [session.Manager] and [session.FSStore] satisfy it.
type PathResolver interface {
	Paths(id string) session.Paths
}

// cosineSimilarity computes the cosine of the angle between a and b. It
// returns 0 for mismatched dimensions or zero-norm vectors so that degenerate
// records rank last instead of poisoning the sort.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	af := make([]float64, len(a))
	bf := make([]float64, len(b))
	for i := range a {
		af[i] = float64(a[i])
		bf[i] = float64(b[i])
	}
	na := floats.Norm(af, 2)
	nb := floats.Norm(bf, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(af, bf) / (na * nb)
}
