package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
)

// FSIndex is a vector index backed directly by the embeddings.json files the
// indexer writes into each session directory. It keeps a read-through cache
// so repeated queries do not hit the disk for every candidate.
//
// FSIndex is the default backend and needs no external services. Cosine
// ranking is linear in the candidate count, which is fine for the hundreds of
// sessions a single chat accumulates.
type FSIndex struct {
	resolver PathResolver

	mu    sync.RWMutex
	cache map[string]*EmbeddingRecord
}

var _ VectorIndex = (*FSIndex)(nil)

// NewFSIndex returns an index that resolves session directories through
// resolver.
func NewFSIndex(resolver PathResolver) *FSIndex {
	return &FSIndex{
		resolver: resolver,
		cache:    make(map[string]*EmbeddingRecord),
	}
}

// Upsert refreshes the cached record. The caller has already persisted the
// embeddings.json artifact, which remains the durable copy.
func (x *FSIndex) Upsert(_ context.Context, rec EmbeddingRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("fsindex: upsert: empty session id")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cache[rec.SessionID] = &rec
	return nil
}

// Delete drops the cached record. The file itself disappears with the
// session directory.
func (x *FSIndex) Delete(_ context.Context, sessionID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.cache, sessionID)
	return nil
}

// Indexed returns the candidates whose embeddings.json exists and parses.
func (x *FSIndex) Indexed(_ context.Context, candidates []string) ([]string, error) {
	var indexed []string
	for _, id := range candidates {
		if rec := x.load(id); rec != nil {
			indexed = append(indexed, id)
		}
	}
	return indexed, nil
}

// Search ranks candidates by cosine similarity, best first. Ties sort by
// lexicographically higher session id so results are stable across runs.
func (x *FSIndex) Search(_ context.Context, vector []float32, candidates []string, limit int) ([]Hit, error) {
	var hits []Hit
	for _, id := range candidates {
		rec := x.load(id)
		if rec == nil {
			continue
		}
		hits = append(hits, Hit{SessionID: id, Score: cosineSimilarity(vector, rec.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].SessionID > hits[j].SessionID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Ping always succeeds; the local filesystem is assumed present.
func (x *FSIndex) Ping(context.Context) error { return nil }

// Name implements VectorIndex.
func (x *FSIndex) Name() string { return "filesystem" }

// load returns the embedding record for id, reading embeddings.json on a
// cache miss. It returns nil when the session has no usable record.
func (x *FSIndex) load(id string) *EmbeddingRecord {
	x.mu.RLock()
	rec, ok := x.cache[id]
	x.mu.RUnlock()
	if ok {
		return rec
	}

	path := x.resolver.Paths(id).EmbeddingsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("fsindex: unreadable embeddings file", "session_id", id, "error", err)
		}
		return nil
	}
	var parsed EmbeddingRecord
	if err := json.Unmarshal(data, &parsed); err != nil || len(parsed.Vector) == 0 {
		slog.Warn("fsindex: malformed embeddings file", "session_id", id, "path", path)
		return nil
	}

	x.mu.Lock()
	x.cache[id] = &parsed
	x.mu.Unlock()
	return &parsed
}
