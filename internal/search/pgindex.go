package search

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PGIndex is a vector index backed by PostgreSQL with the pgvector
// extension. It mirrors the embeddings.json artifacts into a table with an
// HNSW cosine index, which keeps query latency flat as the corpus grows.
//
// The schema is created on construction and migrations are idempotent, so
// pointing two processes at the same database is safe.
type PGIndex struct {
	pool *pgxpool.Pool
	dims int
}

var _ VectorIndex = (*PGIndex)(nil)

// NewPGIndex connects to dsn, registers the pgvector types on every
// connection and ensures the schema exists. dims fixes the column dimension
// and must match the embedding provider.
func NewPGIndex(ctx context.Context, dsn string, dims int) (*PGIndex, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("pgindex: dimension must be positive, got %d", dims)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgindex: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgindex: connect: %w", err)
	}
	x := &PGIndex{pool: pool, dims: dims}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgindex: ping: %w", err)
	}
	if err := x.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return x, nil
}

// Close releases the connection pool.
func (x *PGIndex) Close() { x.pool.Close() }

func (x *PGIndex) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS session_embeddings (
			session_id       TEXT PRIMARY KEY,
			model            TEXT NOT NULL,
			dimension        INT NOT NULL,
			embedding        vector(%d) NOT NULL,
			source_text_hash TEXT NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL
		)`, x.dims),
		`CREATE INDEX IF NOT EXISTS session_embeddings_cosine_idx
			ON session_embeddings USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := x.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgindex: migrate: %w", err)
		}
	}
	return nil
}

// Upsert implements VectorIndex.
func (x *PGIndex) Upsert(ctx context.Context, rec EmbeddingRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("pgindex: upsert: empty session id")
	}
	if len(rec.Vector) != x.dims {
		return fmt.Errorf("pgindex: upsert %s: vector has %d dimensions, index expects %d",
			rec.SessionID, len(rec.Vector), x.dims)
	}
	const q = `
		INSERT INTO session_embeddings
			(session_id, model, dimension, embedding, source_text_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			model            = EXCLUDED.model,
			dimension        = EXCLUDED.dimension,
			embedding        = EXCLUDED.embedding,
			source_text_hash = EXCLUDED.source_text_hash,
			created_at       = EXCLUDED.created_at`
	_, err := x.pool.Exec(ctx, q,
		rec.SessionID, rec.Model, rec.Dimension,
		pgvector.NewVector(rec.Vector), rec.SourceTextHash, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgindex: upsert %s: %w", rec.SessionID, err)
	}
	return nil
}

// Delete implements VectorIndex.
func (x *PGIndex) Delete(ctx context.Context, sessionID string) error {
	_, err := x.pool.Exec(ctx, `DELETE FROM session_embeddings WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("pgindex: delete %s: %w", sessionID, err)
	}
	return nil
}

// Indexed implements VectorIndex.
func (x *PGIndex) Indexed(ctx context.Context, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	rows, err := x.pool.Query(ctx,
		`SELECT session_id FROM session_embeddings WHERE session_id = ANY($1)`, candidates)
	if err != nil {
		return nil, fmt.Errorf("pgindex: indexed: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("pgindex: indexed: %w", err)
	}
	return ids, nil
}

// Search implements VectorIndex. Scores are cosine similarity derived from
// the pgvector cosine distance operator.
func (x *PGIndex) Search(ctx context.Context, vector []float32, candidates []string, limit int) ([]Hit, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = len(candidates)
	}
	const q = `
		SELECT session_id, 1 - (embedding <=> $1) AS score
		FROM session_embeddings
		WHERE session_id = ANY($2)
		ORDER BY embedding <=> $1, session_id DESC
		LIMIT $3`
	rows, err := x.pool.Query(ctx, q, pgvector.NewVector(vector), candidates, limit)
	if err != nil {
		return nil, fmt.Errorf("pgindex: search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var h Hit
		err := row.Scan(&h.SessionID, &h.Score)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgindex: search: %w", err)
	}
	return hits, nil
}

// Ping implements VectorIndex.
func (x *PGIndex) Ping(ctx context.Context) error {
	if err := x.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pgindex: ping: %w", err)
	}
	return nil
}

// Name implements VectorIndex.
func (x *PGIndex) Name() string { return "postgres" }
