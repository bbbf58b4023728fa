// Package search turns finished sessions into a searchable corpus.
//
// Indexing embeds the concatenated transcripts of a session and persists the
// vector both as an embeddings.json artifact inside the session directory and
// in a [VectorIndex] backend. Querying runs up to three stages: semantic
// ranking over indexed sessions, a keyword scan over raw transcripts when no
// semantic results exist, and a chronological listing as the final fallback.
package search

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pveiga/oraculo/internal/catalog"
	"github.com/pveiga/oraculo/internal/session"
)

// MatchType identifies which search stage produced a set of results.
type MatchType string

const (
	MatchSemantic      MatchType = "SEMANTIC"
	MatchText          MatchType = "TEXT"
	MatchChronological MatchType = "CHRONOLOGICAL"
)

// EmbeddingRecord is the persisted form of a session embedding. It is written
// to embeddings.json inside the session directory and mirrored into the
// configured vector index backend.
type EmbeddingRecord struct {
	SessionID      string    `json:"session_id"`
	Model          string    `json:"model"`
	Dimension      int       `json:"dimension"`
	Vector         []float32 `json:"vector"`
	SourceTextHash string    `json:"source_text_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

// Highlight marks a matched span inside a preview fragment. Offsets are in
// runes, not bytes, so callers can underline accented text correctly.
type Highlight struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Preview is a transcript excerpt surrounding a matched term.
type Preview struct {
	Fragment   string      `json:"fragment"`
	Highlights []Highlight `json:"highlights,omitempty"`
}

// Result is a single ranked session.
type Result struct {
	SessionID  string        `json:"session_id"`
	Name       string        `json:"name"`
	State      session.State `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
	Score      float64       `json:"score"`
	AudioCount int           `json:"audio_count"`
	Previews   []Preview     `json:"previews,omitempty"`
}

// Response carries the outcome of one search call.
type Response struct {
	Query     string    `json:"query"`
	MatchType MatchType `json:"match_type"`
	Results   []Result  `json:"results"`
}

// Status summarizes index health for the status surface.
type Status struct {
	Backend         string `json:"backend"`
	BackendHealthy  bool   `json:"backend_healthy"`
	Model           string `json:"model,omitempty"`
	TotalSessions   int    `json:"total_sessions"`
	IndexedSessions int    `json:"indexed_sessions"`
	// EmbedBreaker is the circuit breaker state of the embedding backend
	// ("closed", "open", "half-open").
	EmbedBreaker string `json:"embed_breaker,omitempty"`
}

// EmptyQueryError reports a search request whose query was blank after
// trimming.
type EmptyQueryError struct{}

func (e *EmptyQueryError) Error() string { return "search: empty query" }

// CatalogCode implements catalog.Coder.
func (*EmptyQueryError) CatalogCode() catalog.Code { return catalog.CodeEmptyQuery }

// NoTranscriptsError reports an indexing attempt on a session that has no
// successful transcripts to embed.
type NoTranscriptsError struct {
	ID string
}

func (e *NoTranscriptsError) Error() string {
	return fmt.Sprintf("search: session %q has no transcripts to index", e.ID)
}

// CatalogCode implements catalog.Coder.
func (*NoTranscriptsError) CatalogCode() catalog.Code { return catalog.CodeEmbeddingFailed }

// ---- corpus assembly ----

// loadCorpus concatenates the transcripts of all successfully transcribed
// segments in sequence order, separated by blank lines. Segments whose
// transcript file is missing on disk are skipped.
func loadCorpus(paths session.Paths, s *session.Session) string {
	var parts []string
	for _, seg := range s.AudioEntries {
		if seg.TranscriptionStatus != session.SegmentSuccess || seg.TranscriptFilename == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(paths.TranscriptsDir, seg.TranscriptFilename))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}
