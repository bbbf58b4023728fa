package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pveiga/oraculo/internal/session"
	"github.com/pveiga/oraculo/pkg/provider/embeddings"
)

const (
	defaultEmbedTimeout   = 2 * time.Minute
	transcriptReadWorkers = 4
)

// Indexer embeds session transcripts and keeps the vector index in sync.
//
// IndexSession drives the TRANSCRIBED -> EMBEDDING -> READY transition for
// the processing pipeline; Reindex rebuilds the vector for an already-READY
// session, for example after a reopen or a failed index write.
type Indexer struct {
	manager  *session.Manager
	embedder embeddings.Provider
	index    VectorIndex

	timeout time.Duration
	clock   func() time.Time
}

// IndexerOption customises an Indexer.
type IndexerOption func(*Indexer)

// WithEmbedTimeout bounds a single embedding call. Zero disables the bound.
func WithEmbedTimeout(d time.Duration) IndexerOption {
	return func(ix *Indexer) { ix.timeout = d }
}

// WithIndexerClock overrides the time source, for tests.
func WithIndexerClock(clock func() time.Time) IndexerOption {
	return func(ix *Indexer) { ix.clock = clock }
}

// NewIndexer wires an indexer over the session manager, an embedding
// provider and a vector index backend.
func NewIndexer(manager *session.Manager, embedder embeddings.Provider, index VectorIndex, opts ...IndexerOption) *Indexer {
	ix := &Indexer{
		manager:  manager,
		embedder: embedder,
		index:    index,
		timeout:  defaultEmbedTimeout,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// IndexSession moves a TRANSCRIBED session through EMBEDDING and into READY.
// The session always lands in READY: an indexing failure is recorded on the
// session instead of blocking it, because transcripts remain fully usable
// without a vector.
func (ix *Indexer) IndexSession(ctx context.Context, id string) error {
	if _, err := ix.manager.BeginEmbedding(id); err != nil {
		return err
	}
	buildErr := ix.build(ctx, id)
	if _, err := ix.manager.FinishEmbedding(id, buildErr); err != nil {
		return errors.Join(buildErr, err)
	}
	return buildErr
}

// Reindex rebuilds the embedding of a READY session in place. Failures are
// appended to the session error log and returned.
func (ix *Indexer) Reindex(ctx context.Context, id string) error {
	s, err := ix.manager.Get(id)
	if err != nil {
		return err
	}
	if s.State != session.StateReady {
		return &session.NotReadyError{ID: id, State: s.State}
	}
	if err := ix.build(ctx, id); err != nil {
		if aerr := ix.manager.AppendError(id, "index", "embeddings.json", err.Error(), true); aerr != nil {
			slog.Warn("search: could not record reindex failure", "session_id", id, "error", aerr)
		}
		return err
	}
	return nil
}

// Remove drops a session from the vector index, for discarded sessions.
func (ix *Indexer) Remove(ctx context.Context, id string) error {
	return ix.index.Delete(ctx, id)
}

// ReindexOutdated re-embeds every READY session whose stored vector was
// produced by a different model than the configured provider. Vectors from
// different models live in different spaces and must not be compared, so
// after a model switch the old vectors are useless until migrated. All
// affected corpora go to the provider in a single batch call. Returns the
// ids that were migrated.
func (ix *Indexer) ReindexOutdated(ctx context.Context) ([]string, error) {
	sessions, err := ix.manager.List()
	if err != nil {
		return nil, err
	}

	model := ix.embedder.ModelID()
	var (
		ids     []string
		corpora []string
		hashes  []string
	)
	for _, s := range sessions {
		if s.State != session.StateReady {
			continue
		}
		paths := ix.manager.Paths(s.ID)
		prev := readEmbeddingFile(paths.EmbeddingsFile)
		if prev == nil || prev.Model == model {
			continue
		}
		corpus, err := ix.readCorpus(ctx, paths, s)
		if err != nil {
			return nil, err
		}
		if corpus == "" {
			continue
		}
		sum := sha256.Sum256([]byte(corpus))
		ids = append(ids, s.ID)
		corpora = append(corpora, corpus)
		hashes = append(hashes, hex.EncodeToString(sum[:]))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	slog.Info("search: migrating stored embeddings to new model",
		"model", model, "sessions", len(ids))

	ectx := ctx
	if ix.timeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, ix.timeout)
		defer cancel()
	}
	vecs, err := ix.embedder.EmbedBatch(ectx, corpora)
	if err != nil {
		return nil, fmt.Errorf("search: embed %d sessions for model %s: %w", len(ids), model, err)
	}
	if len(vecs) != len(ids) {
		return nil, fmt.Errorf("search: model migration expected %d vectors, got %d", len(ids), len(vecs))
	}

	migrated := make([]string, 0, len(ids))
	for i, id := range ids {
		if len(vecs[i]) == 0 {
			slog.Warn("search: empty migrated vector, keeping old embedding", "session_id", id)
			continue
		}
		rec := EmbeddingRecord{
			SessionID:      id,
			Model:          model,
			Dimension:      len(vecs[i]),
			Vector:         vecs[i],
			SourceTextHash: hashes[i],
			CreatedAt:      ix.clock().UTC(),
		}
		if err := writeEmbeddingFile(ix.manager.Paths(id).EmbeddingsFile, rec); err != nil {
			slog.Warn("search: could not persist migrated embedding", "session_id", id, "error", err)
			continue
		}
		if err := ix.index.Upsert(ctx, rec); err != nil {
			slog.Warn("search: could not upsert migrated embedding", "session_id", id, "error", err)
			continue
		}
		migrated = append(migrated, id)
	}
	return migrated, nil
}

// build assembles the transcript corpus, embeds it and persists the result.
// When the corpus is byte-identical to the last indexed version the stored
// vector is reused and only the backend row is refreshed.
func (ix *Indexer) build(ctx context.Context, id string) error {
	s, err := ix.manager.Get(id)
	if err != nil {
		return err
	}
	paths := ix.manager.Paths(id)

	corpus, err := ix.readCorpus(ctx, paths, s)
	if err != nil {
		return err
	}
	if corpus == "" {
		return &NoTranscriptsError{ID: id}
	}

	sum := sha256.Sum256([]byte(corpus))
	hash := hex.EncodeToString(sum[:])

	if prev := readEmbeddingFile(paths.EmbeddingsFile); prev != nil &&
		prev.SourceTextHash == hash && prev.Model == ix.embedder.ModelID() {
		slog.Info("search: corpus unchanged, reusing stored embedding", "session_id", id)
		return ix.index.Upsert(ctx, *prev)
	}

	ectx := ctx
	if ix.timeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, ix.timeout)
		defer cancel()
	}
	vec, err := ix.embedder.Embed(ectx, corpus)
	if err != nil {
		return fmt.Errorf("search: embed session %s: %w", id, err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("search: embed session %s: provider returned an empty vector", id)
	}

	rec := EmbeddingRecord{
		SessionID:      id,
		Model:          ix.embedder.ModelID(),
		Dimension:      len(vec),
		Vector:         vec,
		SourceTextHash: hash,
		CreatedAt:      ix.clock().UTC(),
	}
	if err := writeEmbeddingFile(paths.EmbeddingsFile, rec); err != nil {
		return err
	}
	if err := ix.index.Upsert(ctx, rec); err != nil {
		return err
	}
	slog.Info("search: session indexed",
		"session_id", id,
		"model", rec.Model,
		"dimension", rec.Dimension,
		"corpus_runes", len([]rune(corpus)))
	return nil
}

// readCorpus loads the transcripts of all successful segments concurrently
// and joins them in sequence order. Unreadable transcripts are skipped with a
// warning; integrity checks surface them separately.
func (ix *Indexer) readCorpus(ctx context.Context, paths session.Paths, s *session.Session) (string, error) {
	var eligible []session.AudioSegment
	for _, seg := range s.AudioEntries {
		if seg.TranscriptionStatus == session.SegmentSuccess && seg.TranscriptFilename != "" {
			eligible = append(eligible, seg)
		}
	}
	if len(eligible) == 0 {
		return "", nil
	}

	texts := make([]string, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transcriptReadWorkers)
	for i, seg := range eligible {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(filepath.Join(paths.TranscriptsDir, seg.TranscriptFilename))
			if err != nil {
				slog.Warn("search: transcript unreadable, skipping",
					"session_id", s.ID, "file", seg.TranscriptFilename, "error", err)
				return nil
			}
			texts[i] = strings.TrimSpace(string(data))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("search: read transcripts for %s: %w", s.ID, err)
	}

	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// ---- embeddings.json persistence ----

// readEmbeddingFile parses an embeddings.json artifact. It returns nil when
// the file is absent or unusable.
func readEmbeddingFile(path string) *EmbeddingRecord {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var rec EmbeddingRecord
	if err := json.Unmarshal(data, &rec); err != nil || len(rec.Vector) == 0 {
		return nil
	}
	return &rec
}

// writeEmbeddingFile replaces the embeddings.json artifact atomically so a
// crash mid-write never leaves a truncated record behind.
func writeEmbeddingFile(path string, rec EmbeddingRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("search: marshal embedding for %s: %w", rec.SessionID, err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".embeddings-*.json")
	if err != nil {
		return fmt.Errorf("search: create temp embedding file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("search: write embedding file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("search: sync embedding file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("search: close embedding file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("search: chmod embedding file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("search: replace embedding file: %w", err)
	}
	return nil
}
