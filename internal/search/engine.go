package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/pveiga/oraculo/internal/resilience"
	"github.com/pveiga/oraculo/internal/session"
	"github.com/pveiga/oraculo/pkg/provider/embeddings"
)

// Config tunes the search engine. Zero values fall back to the defaults
// below.
type Config struct {
	// MaxResults bounds one result page.
	MaxResults int
	// MinScore filters semantic hits; text and chronological stages ignore
	// it.
	MinScore float64
	// QueryTimeout bounds one whole search call.
	QueryTimeout time.Duration
	// PreviewRadius is the number of runes kept on each side of a match.
	PreviewRadius int
	// PreviewWindows caps the fragments per result.
	PreviewWindows int
}

func (c Config) withDefaults() Config {
	if c.MaxResults <= 0 {
		c.MaxResults = 10
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.6
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 60 * time.Second
	}
	if c.PreviewRadius <= 0 {
		c.PreviewRadius = 80
	}
	if c.PreviewWindows <= 0 {
		c.PreviewWindows = 3
	}
	return c
}

// Engine answers search requests over the sessions of a chat.
//
// A query runs through up to three stages. The semantic stage embeds the
// query and ranks indexed sessions by cosine similarity; it is skipped when
// no embedding provider is configured, when nothing is indexed yet, or when
// the embedding circuit breaker is open. The text stage scans raw transcripts
// for the query terms. When both come up empty the engine falls back to a
// chronological listing so the user always gets an answer.
type Engine struct {
	manager  *session.Manager
	embedder embeddings.Provider
	index    VectorIndex
	breaker  *resilience.CircuitBreaker
	cfg      Config
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithBreaker replaces the embedding circuit breaker.
func WithBreaker(b *resilience.CircuitBreaker) EngineOption {
	return func(e *Engine) { e.breaker = b }
}

// NewEngine builds a search engine. embedder may be nil, which disables the
// semantic stage entirely.
func NewEngine(manager *session.Manager, embedder embeddings.Provider, index VectorIndex, cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		manager:  manager,
		embedder: embedder,
		index:    index,
		cfg:      cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = resilience.NewBreaker(resilience.Config{
			Name:         "search-embed",
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  3,
		})
	}
	return e
}

// Search runs the staged query for one chat. limit and minScore fall back to
// the engine defaults when non-positive.
func (e *Engine) Search(ctx context.Context, query, chatID string, limit int, minScore float64) (*Response, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, &EmptyQueryError{}
	}
	if limit <= 0 {
		limit = e.cfg.MaxResults
	}
	if minScore <= 0 {
		minScore = e.cfg.MinScore
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	sessions, err := e.manager.ListByChat(chatID)
	if err != nil {
		return nil, err
	}
	var searchable []*session.Session
	for _, s := range sessions {
		if s.CountByStatus(session.SegmentSuccess) > 0 {
			searchable = append(searchable, s)
		}
	}

	tokens := queryTokens(trimmed)

	if e.embedder != nil && len(searchable) > 0 {
		if resp := e.semantic(ctx, trimmed, tokens, searchable, limit, minScore); resp != nil {
			return resp, nil
		}
	}
	if resp := e.textScan(trimmed, tokens, searchable, limit); resp != nil {
		return resp, nil
	}
	return e.chronological(trimmed, sessions, limit), nil
}

// ---- semantic stage ----

func (e *Engine) semantic(ctx context.Context, query string, tokens []string, searchable []*session.Session, limit int, minScore float64) *Response {
	byID := make(map[string]*session.Session, len(searchable))
	ids := make([]string, 0, len(searchable))
	for _, s := range searchable {
		byID[s.ID] = s
		ids = append(ids, s.ID)
	}

	indexed, err := e.index.Indexed(ctx, ids)
	if err != nil {
		slog.Warn("search: vector index unavailable, falling back to text scan", "error", err)
		return nil
	}
	if len(indexed) == 0 {
		return nil
	}

	var qvec []float32
	err = e.breaker.Execute(func() error {
		var eerr error
		qvec, eerr = e.embedder.Embed(ctx, query)
		return eerr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			slog.Warn("search: embedding circuit open, skipping semantic stage")
		} else {
			slog.Warn("search: query embedding failed, falling back to text scan", "error", err)
		}
		return nil
	}

	hits, err := e.index.Search(ctx, qvec, indexed, limit)
	if err != nil {
		slog.Warn("search: vector query failed, falling back to text scan", "error", err)
		return nil
	}

	var results []Result
	for _, h := range hits {
		if h.Score < minScore {
			continue
		}
		s, ok := byID[h.SessionID]
		if !ok {
			continue
		}
		r := e.baseResult(s, h.Score)
		corpus := loadCorpus(e.manager.Paths(s.ID), s)
		r.Previews = buildPreviews(corpus, tokens, e.cfg.PreviewRadius, e.cfg.PreviewWindows)
		if len(r.Previews) == 0 && corpus != "" {
			// The matched concept may be phrased differently in the
			// transcript, so show the opening instead.
			r.Previews = []Preview{{Fragment: corpusHead(corpus, 2*e.cfg.PreviewRadius)}}
		}
		results = append(results, r)
	}
	if len(results) == 0 {
		return nil
	}
	sortResults(results)
	return &Response{Query: query, MatchType: MatchSemantic, Results: results}
}

// ---- text stage ----

func (e *Engine) textScan(query string, tokens []string, searchable []*session.Session, limit int) *Response {
	var results []Result
	for _, s := range searchable {
		corpus := loadCorpus(e.manager.Paths(s.ID), s)
		if corpus == "" {
			continue
		}
		score, hits := textScore(corpus, tokens)
		if hits == 0 {
			continue
		}
		r := e.baseResult(s, score)
		r.Previews = buildPreviews(corpus, tokens, e.cfg.PreviewRadius, e.cfg.PreviewWindows)
		results = append(results, r)
	}
	if len(results) == 0 {
		return nil
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return &Response{Query: query, MatchType: MatchText, Results: results}
}

// textScore measures how much of the corpus the query terms cover. The
// density is scaled so that a handful of matches in a short note already
// reaches the cap of 1.
func textScore(corpus string, tokens []string) (score float64, hits int) {
	orig := []rune(corpus)
	lower := make([]rune, len(orig))
	for i, r := range orig {
		lower[i] = unicode.ToLower(r)
	}
	matchedRunes := 0
	for _, tok := range tokens {
		tr := []rune(tok)
		occ := runeIndexAll(lower, tr, maxOccurrencesPerToken)
		hits += len(occ)
		matchedRunes += len(occ) * len(tr)
	}
	if hits == 0 || len(orig) == 0 {
		return 0, hits
	}
	score = float64(matchedRunes) / float64(len(orig)) * 50
	if score > 1 {
		score = 1
	}
	return score, hits
}

// ---- chronological stage ----

func (e *Engine) chronological(query string, sessions []*session.Session, limit int) *Response {
	sorted := make([]*session.Session, len(sessions))
	copy(sorted, sessions)
	sortSessionsByRecency(sorted)
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	results := make([]Result, 0, len(sorted))
	for _, s := range sorted {
		results = append(results, e.baseResult(s, 0))
	}
	return &Response{Query: query, MatchType: MatchChronological, Results: results}
}

// ListChronological pages through the chat's sessions, newest first. It
// returns the page and the total session count.
func (e *Engine) ListChronological(chatID string, limit, offset int) ([]Result, int, error) {
	sessions, err := e.manager.ListByChat(chatID)
	if err != nil {
		return nil, 0, err
	}
	sortSessionsByRecency(sessions)
	total := len(sessions)
	if limit <= 0 {
		limit = e.cfg.MaxResults
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	results := make([]Result, 0, end-offset)
	for _, s := range sessions[offset:end] {
		results = append(results, e.baseResult(s, 0))
	}
	return results, total, nil
}

// IndexStatus reports backend health and coverage for the status surface.
func (e *Engine) IndexStatus(ctx context.Context) (*Status, error) {
	all, err := e.manager.List()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for _, s := range all {
		ids = append(ids, s.ID)
	}
	st := &Status{
		Backend:       e.index.Name(),
		TotalSessions: len(all),
		EmbedBreaker:  e.breaker.State().String(),
	}
	if e.embedder != nil {
		st.Model = e.embedder.ModelID()
	}
	indexed, ierr := e.index.Indexed(ctx, ids)
	st.IndexedSessions = len(indexed)
	st.BackendHealthy = ierr == nil && e.index.Ping(ctx) == nil
	return st, nil
}

// ---- shared helpers ----

func (e *Engine) baseResult(s *session.Session, score float64) Result {
	return Result{
		SessionID:  s.ID,
		Name:       s.DisplayName(),
		State:      s.State,
		CreatedAt:  s.CreatedAt,
		Score:      score,
		AudioCount: len(s.AudioEntries),
	}
}

// sortResults orders by score, then recency, then lexicographically higher
// id, so equal-scoring results come back in a stable order.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].SessionID > results[j].SessionID
	})
}

func sortSessionsByRecency(sessions []*session.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
}

func corpusHead(corpus string, runes int) string {
	r := []rune(corpus)
	if len(r) <= runes {
		return corpus
	}
	return string(r[:runes])
}
