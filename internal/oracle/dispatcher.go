package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pveiga/oraculo/internal/catalog"
	"github.com/pveiga/oraculo/internal/session"
	"github.com/pveiga/oraculo/pkg/provider/llm"
)

const (
	// ContextPlaceholder marks where a template receives the session
	// context. Templates without it get the context appended.
	ContextPlaceholder = "{{CONTEXT}}"

	// missingFileMarker stands in for transcript or response files that
	// vanished from disk.
	missingFileMarker = "[ARQUIVO AUSENTE]"

	timestampLayout = "02/01/2006 15:04"

	trafficLogName = "llm_traffic.jsonl"

	defaultLLMTimeout = 2 * time.Minute
)

// LLMError reports a failed completion call.
type LLMError struct {
	SessionID string
	PersonaID string
	Err       error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("oracle: llm call for session %s persona %s: %v", e.SessionID, e.PersonaID, e.Err)
}

func (e *LLMError) Unwrap() error { return e.Err }

// CatalogCode implements catalog.Coder.
func (*LLMError) CatalogCode() catalog.Code { return catalog.CodeLLMFailed }

// TimeoutError reports a completion call that exceeded the configured
// timeout.
type TimeoutError struct {
	SessionID string
	PersonaID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("oracle: llm call for session %s persona %s timed out after %s", e.SessionID, e.PersonaID, e.Timeout)
}

// CatalogCode implements catalog.Coder.
func (*TimeoutError) CatalogCode() catalog.Code { return catalog.CodeCapabilityTimeout }

// Response is one persisted oracle answer.
type Response struct {
	SessionID   string
	PersonaID   string
	PersonaName string
	// Sequence is the per-session response number, starting at 1.
	Sequence int
	// File is the artifact name under llm_responses/.
	File    string
	Text    string
	Usage   llm.Usage
	Elapsed time.Duration
}

// ContextSnapshot describes what went into one prompt, for auditability.
type ContextSnapshot struct {
	Transcripts    int
	PriorResponses int
	IncludeHistory bool
	TokenEstimate  int
}

// Config tunes the dispatcher.
type Config struct {
	// Timeout bounds one completion call. Defaults to two minutes.
	Timeout time.Duration
	// Temperature is passed through to the provider; zero keeps the
	// provider default.
	Temperature float64
	// MaxTokens caps the completion length; zero keeps the provider
	// default.
	MaxTokens int
	// Placeholder is the template marker replaced by the session context.
	// Defaults to [ContextPlaceholder].
	Placeholder string
}

// Dispatcher assembles session context, fills persona templates and runs
// completions.
type Dispatcher struct {
	manager  *session.Manager
	registry *Registry
	provider llm.Provider
	cfg      Config
	clock    func() time.Time

	// seqMu serializes response sequence assignment and persistence.
	seqMu sync.Mutex
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock overrides the time source, for tests.
func WithDispatcherClock(clock func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.clock = clock }
}

// NewDispatcher wires a dispatcher over the session manager, the persona
// registry and an LLM provider.
func NewDispatcher(manager *session.Manager, registry *Registry, provider llm.Provider, cfg Config, opts ...DispatcherOption) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultLLMTimeout
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = ContextPlaceholder
	}
	d := &Dispatcher{
		manager:  manager,
		registry: registry,
		provider: provider,
		cfg:      cfg,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends the session context through the persona template to the
// LLM and persists the answer as the session's next numbered response.
// The session must be READY.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, personaID string) (*Response, error) {
	s, err := d.manager.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.State != session.StateReady {
		return nil, &session.NotReadyError{ID: sessionID, State: s.State}
	}
	persona, err := d.registry.Get(personaID)
	if err != nil {
		return nil, err
	}

	paths := d.manager.Paths(sessionID)
	assembled, snap := d.assembleContext(s, paths)
	prompt := fillTemplate(persona.Template, assembled, d.cfg.Placeholder)
	snap.TokenEstimate = len(prompt) / 4

	slog.Info("oracle: context assembled",
		"session_id", sessionID,
		"persona_id", personaID,
		"transcripts", snap.Transcripts,
		"prior_responses", snap.PriorResponses,
		"include_history", snap.IncludeHistory,
		"token_estimate", snap.TokenEstimate)

	cctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	start := d.clock()
	completion, err := d.provider.Complete(cctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: d.cfg.Temperature,
		MaxTokens:   d.cfg.MaxTokens,
	})
	elapsed := d.clock().Sub(start)
	if err != nil {
		var dispatchErr error
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			dispatchErr = &TimeoutError{SessionID: sessionID, PersonaID: personaID, Timeout: d.cfg.Timeout}
		} else {
			dispatchErr = &LLMError{SessionID: sessionID, PersonaID: personaID, Err: err}
		}
		if aerr := d.manager.AppendError(sessionID, "llm", personaID, dispatchErr.Error(), true); aerr != nil {
			slog.Warn("oracle: could not record llm failure", "session_id", sessionID, "error", aerr)
		}
		d.appendTraffic(paths, trafficEntry{
			Timestamp:      d.clock().UTC(),
			SessionID:      sessionID,
			PersonaID:      personaID,
			Model:          d.provider.ModelID(),
			PromptChars:    len(prompt),
			Transcripts:    snap.Transcripts,
			PriorResponses: snap.PriorResponses,
			IncludeHistory: snap.IncludeHistory,
			TokenEstimate:  snap.TokenEstimate,
			ElapsedMS:      elapsed.Milliseconds(),
			Error:          dispatchErr.Error(),
		})
		return nil, dispatchErr
	}

	text := ""
	if completion != nil {
		text = strings.TrimSpace(completion.Content)
	}
	if text == "" {
		dispatchErr := &LLMError{SessionID: sessionID, PersonaID: personaID, Err: errors.New("empty completion")}
		if aerr := d.manager.AppendError(sessionID, "llm", personaID, dispatchErr.Error(), true); aerr != nil {
			slog.Warn("oracle: could not record llm failure", "session_id", sessionID, "error", aerr)
		}
		return nil, dispatchErr
	}

	d.seqMu.Lock()
	seq := nextResponseSeq(paths.ResponsesDir)
	filename := fmt.Sprintf("%03d_%s.txt", seq, personaID)
	err = writeResponseFile(filepath.Join(paths.ResponsesDir, filename), text)
	d.seqMu.Unlock()
	if err != nil {
		return nil, err
	}

	d.appendTraffic(paths, trafficEntry{
		Timestamp:        d.clock().UTC(),
		SessionID:        sessionID,
		PersonaID:        personaID,
		Model:            d.provider.ModelID(),
		Sequence:         seq,
		PromptChars:      len(prompt),
		Transcripts:      snap.Transcripts,
		PriorResponses:   snap.PriorResponses,
		IncludeHistory:   snap.IncludeHistory,
		TokenEstimate:    snap.TokenEstimate,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		CompletionChars:  len(text),
		ElapsedMS:        elapsed.Milliseconds(),
	})

	slog.Info("oracle: response persisted",
		"session_id", sessionID,
		"persona_id", personaID,
		"sequence", seq,
		"chars", len(text),
		"elapsed", elapsed)

	return &Response{
		SessionID:   sessionID,
		PersonaID:   personaID,
		PersonaName: persona.Name,
		Sequence:    seq,
		File:        filename,
		Text:        text,
		Usage:       completion.Usage,
		Elapsed:     elapsed,
	}, nil
}

// ---- context assembly ----

type contextItem struct {
	at   time.Time
	text string
}

// assembleContext builds the chronological prompt context: every successful
// transcript of the session, and, when the session preference allows it,
// every prior oracle response. Missing files become placeholders.
func (d *Dispatcher) assembleContext(s *session.Session, paths session.Paths) (string, ContextSnapshot) {
	snap := ContextSnapshot{IncludeHistory: s.UIPreferences.IncludeLLMHistory}
	var items []contextItem

	for _, seg := range s.AudioEntries {
		if seg.TranscriptionStatus != session.SegmentSuccess || seg.TranscriptFilename == "" {
			continue
		}
		header := fmt.Sprintf("[TRANSCRIÇÃO %d — %s]", seg.Sequence, seg.ReceivedAt.Format(timestampLayout))
		body := missingFileMarker
		data, err := os.ReadFile(filepath.Join(paths.TranscriptsDir, seg.TranscriptFilename))
		if err != nil {
			slog.Warn("oracle: transcript missing, using placeholder",
				"session_id", s.ID, "file", seg.TranscriptFilename, "error", err)
		} else if text := strings.TrimSpace(string(data)); text != "" {
			body = text
		}
		items = append(items, contextItem{at: seg.ReceivedAt, text: header + "\n" + body})
		snap.Transcripts++
	}

	if snap.IncludeHistory {
		for _, prior := range listResponses(paths.ResponsesDir) {
			header := fmt.Sprintf("[ORÁCULO: %s — %s]",
				d.registry.DisplayName(prior.personaID), prior.modTime.Format(timestampLayout))
			body := missingFileMarker
			data, err := os.ReadFile(filepath.Join(paths.ResponsesDir, prior.filename))
			if err != nil {
				slog.Warn("oracle: prior response missing, using placeholder",
					"session_id", s.ID, "file", prior.filename, "error", err)
			} else if text := strings.TrimSpace(string(data)); text != "" {
				body = text
			}
			items = append(items, contextItem{at: prior.modTime, text: header + "\n" + body})
			snap.PriorResponses++
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].at.Before(items[j].at) })
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, it.text)
	}
	return strings.Join(parts, "\n\n"), snap
}

// fillTemplate injects context at the placeholder, or appends it when the
// template has none.
func fillTemplate(template, context, placeholder string) string {
	if strings.Contains(template, placeholder) {
		return strings.ReplaceAll(template, placeholder, context)
	}
	return strings.TrimRight(template, "\n") + "\n\n" + context
}

// ---- response artifacts ----

type priorResponse struct {
	seq       int
	personaID string
	filename  string
	modTime   time.Time
}

// listResponses returns the persisted responses in sequence order. Files
// that do not match the <seq>_<persona>.txt shape are ignored.
func listResponses(dir string) []priorResponse {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []priorResponse
	for _, ent := range entries {
		if ent.IsDir() || !strings.EqualFold(filepath.Ext(ent.Name()), ".txt") {
			continue
		}
		stem := strings.TrimSuffix(ent.Name(), filepath.Ext(ent.Name()))
		sep := strings.Index(stem, "_")
		if sep <= 0 || sep == len(stem)-1 {
			continue
		}
		seq, err := strconv.Atoi(stem[:sep])
		if err != nil {
			continue
		}
		var modTime time.Time
		if info, ierr := ent.Info(); ierr == nil {
			modTime = info.ModTime()
		}
		out = append(out, priorResponse{
			seq:       seq,
			personaID: stem[sep+1:],
			filename:  ent.Name(),
			modTime:   modTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// nextResponseSeq returns one past the highest persisted sequence.
func nextResponseSeq(dir string) int {
	responses := listResponses(dir)
	if len(responses) == 0 {
		return 1
	}
	return responses[len(responses)-1].seq + 1
}

// writeResponseFile persists the answer atomically.
func writeResponseFile(path, text string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("oracle: create responses dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".response-*")
	if err != nil {
		return fmt.Errorf("oracle: create temp response: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.WriteString(text + "\n"); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("oracle: write response: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("oracle: sync response: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("oracle: close response: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("oracle: chmod response: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("oracle: replace response: %w", err)
	}
	return nil
}

// ---- traffic audit log ----

type trafficEntry struct {
	Timestamp        time.Time `json:"timestamp"`
	SessionID        string    `json:"session_id"`
	PersonaID        string    `json:"persona_id"`
	Model            string    `json:"model"`
	Sequence         int       `json:"sequence,omitempty"`
	PromptChars      int       `json:"prompt_chars"`
	Transcripts      int       `json:"transcripts"`
	PriorResponses   int       `json:"prior_responses"`
	IncludeHistory   bool      `json:"include_history"`
	TokenEstimate    int       `json:"token_estimate"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	CompletionChars  int       `json:"completion_chars,omitempty"`
	ElapsedMS        int64     `json:"elapsed_ms"`
	Error            string    `json:"error,omitempty"`
}

// appendTraffic records one exchange in the session's JSONL audit log.
// Audit failures are logged, never propagated.
func (d *Dispatcher) appendTraffic(paths session.Paths, entry trafficEntry) {
	if err := os.MkdirAll(paths.LogsDir, 0o755); err != nil {
		slog.Warn("oracle: create logs dir failed", "session_id", entry.SessionID, "error", err)
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("oracle: marshal traffic entry failed", "session_id", entry.SessionID, "error", err)
		return
	}
	path := filepath.Join(paths.LogsDir, trafficLogName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("oracle: open traffic log failed", "session_id", entry.SessionID, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Warn("oracle: append traffic log failed", "session_id", entry.SessionID, "error", err)
	}
}
