// Package transcribe runs the transcription pipeline: a single worker
// pulls (session, sequence) items off a bounded queue, calls the
// speech-to-text backend with a per-item timeout, persists transcripts,
// and settles sessions once their last pending segment finishes.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pveiga/oraculo/internal/catalog"
	"github.com/pveiga/oraculo/internal/session"
	"github.com/pveiga/oraculo/pkg/provider/stt"
)

// FullError is returned when the work queue cannot take more items.
type FullError struct {
	Capacity int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("transcribe: queue full (capacity %d)", e.Capacity)
}

// CatalogCode implements catalog.Coder.
func (e *FullError) CatalogCode() catalog.Code {
	return catalog.CodeQueueFull
}

// Config carries the queue's tunables, mirroring the transcription
// section of the application config.
type Config struct {
	// Capacity bounds the number of items waiting for the worker.
	Capacity int
	// Timeout limits one backend call.
	Timeout time.Duration
	// DrainGrace is how long Stop waits for the in-flight item before
	// cancelling it.
	DrainGrace time.Duration
	// ProgressInterval is the minimum spacing between non-final progress
	// events per session.
	ProgressInterval time.Duration
}

// ProgressEvent describes the session's transcription progress after a
// segment settles. Final events (Done) are always delivered; the rest
// are rate-limited per session.
type ProgressEvent struct {
	SessionID string
	// Current counts settled segments, Total all segments.
	Current int
	Total   int
	// Step is a short description of the last action.
	Step  string
	State session.State
	Done  bool
}

// Progress is the queryable counterpart of ProgressEvent.
type Progress struct {
	SessionID string
	Current   int
	Total     int
	LastStep  string
	Done      bool
}

type item struct {
	sessionID string
	sequence  int
}

// Queue is the single-worker transcription pipeline.
type Queue struct {
	manager     *session.Manager
	transcriber stt.Transcriber
	cfg         Config
	clock       func() time.Time

	items chan item

	mu       sync.Mutex
	queued   map[item]bool
	lastStep map[string]string
	lastEmit map[string]time.Time

	progressFn   func(ProgressEvent)
	completionFn func(sessionID string)

	runMu   sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithProgressFunc installs the sink for progress events.
func WithProgressFunc(fn func(ProgressEvent)) Option {
	return func(q *Queue) { q.progressFn = fn }
}

// WithCompletionFunc installs the hook invoked when a session reaches
// TRANSCRIBED. The indexer subscribes here.
func WithCompletionFunc(fn func(sessionID string)) Option {
	return func(q *Queue) { q.completionFn = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// New builds a queue over the manager and backend. Zero config fields
// fall back to working values.
func New(manager *session.Manager, transcriber stt.Transcriber, cfg Config, opts ...Option) *Queue {
	if cfg.Capacity < 1 {
		cfg.Capacity = 128
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 30 * time.Second
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	q := &Queue{
		manager:     manager,
		transcriber: transcriber,
		cfg:         cfg,
		clock:       time.Now,
		items:       make(chan item, cfg.Capacity),
		queued:      make(map[item]bool),
		lastStep:    make(map[string]string),
		lastEmit:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ---- lifecycle ----

// Start launches the worker. Calling Start on a running queue is a
// no-op; items queued while stopped are picked up on the next Start.
func (q *Queue) Start() {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.quit = make(chan struct{})
	q.done = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go q.worker(ctx, q.quit, q.done)
	slog.Info("transcription worker started", "capacity", q.cfg.Capacity,
		"timeout", q.cfg.Timeout, "model", q.transcriber.ModelID())
}

// Stop halts the worker, giving the in-flight item the drain grace to
// finish before cancelling it. Idempotent.
func (q *Queue) Stop() {
	q.runMu.Lock()
	if !q.running {
		q.runMu.Unlock()
		return
	}
	q.running = false
	quit, done, cancel := q.quit, q.done, q.cancel
	q.runMu.Unlock()

	close(quit)
	select {
	case <-done:
	case <-time.After(q.cfg.DrainGrace):
		slog.Warn("transcription drain grace elapsed, cancelling in-flight work")
		cancel()
		<-done
	}
	cancel()
	slog.Info("transcription worker stopped")
}

func (q *Queue) worker(ctx context.Context, quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		default:
		}
		select {
		case <-quit:
			return
		case it := <-q.items:
			q.process(ctx, it)
		}
	}
}

// ---- enqueueing ----

// QueueSession enqueues every PENDING segment of a TRANSCRIBING
// session, skipping items already queued. Returns how many were added;
// a *FullError reports the count accepted before the queue filled up.
func (q *Queue) QueueSession(id string) (int, error) {
	s, err := q.manager.Get(id)
	if err != nil {
		return 0, err
	}
	if s.State != session.StateTranscribing {
		return 0, fmt.Errorf("transcribe: session %q is %s, not TRANSCRIBING", id, s.State)
	}

	pending := s.PendingSequences()
	if len(pending) == 0 {
		// Reopen-then-finalize with no new audio: every segment already
		// settled, so the session moves straight through the pipeline.
		q.settle(id)
		return 0, nil
	}

	queued := 0
	for _, seq := range pending {
		added, err := q.enqueue(item{sessionID: id, sequence: seq})
		if err != nil {
			return queued, err
		}
		if added {
			queued++
		}
	}
	if queued > 0 {
		q.emit(s, fmt.Sprintf("queued %d segments", queued), false)
		slog.Info("session queued for transcription", "session_id", id, "segments", queued)
	}
	return queued, nil
}

// RetryFailed flips the session's FAILED segments back to PENDING and
// enqueues them. Returns how many were queued.
func (q *Queue) RetryFailed(id string) (int, error) {
	reset, err := q.manager.ResetFailedSegments(id)
	if err != nil {
		return 0, err
	}
	if len(reset) == 0 {
		return 0, nil
	}
	slog.Info("retrying failed segments", "session_id", id, "segments", len(reset))
	return q.QueueSession(id)
}

// Requeue scans the store for sessions stuck in TRANSCRIBING (a previous
// process died mid-pipeline) and enqueues their pending segments.
// Sessions whose segments all settled are finished on the spot.
func (q *Queue) Requeue() (int, error) {
	all, err := q.manager.List()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, s := range all {
		if s.State != session.StateTranscribing {
			continue
		}
		if len(s.PendingSequences()) == 0 {
			// Crash landed between the last segment and the settle.
			q.settle(s.ID)
			continue
		}
		n, err := q.QueueSession(s.ID)
		if err != nil {
			slog.Warn("requeue failed", "session_id", s.ID, "error", err)
			continue
		}
		slog.Info("resumed interrupted transcription", "session_id", s.ID, "segments", n)
		total += n
	}
	return total, nil
}

func (q *Queue) enqueue(it item) (bool, error) {
	q.mu.Lock()
	if q.queued[it] {
		q.mu.Unlock()
		return false, nil
	}
	q.queued[it] = true
	q.mu.Unlock()

	select {
	case q.items <- it:
		return true, nil
	default:
		q.mu.Lock()
		delete(q.queued, it)
		q.mu.Unlock()
		return false, &FullError{Capacity: cap(q.items)}
	}
}

// ---- processing ----

func (q *Queue) process(ctx context.Context, it item) {
	defer func() {
		q.mu.Lock()
		delete(q.queued, it)
		q.mu.Unlock()
	}()

	s, err := q.manager.Get(it.sessionID)
	if err != nil {
		slog.Warn("dropping queue item, session unavailable", "session_id", it.sessionID, "error", err)
		return
	}
	if s.State != session.StateTranscribing {
		slog.Debug("dropping queue item, session left TRANSCRIBING", "session_id", it.sessionID, "state", s.State)
		return
	}
	seg, ok := s.Segment(it.sequence)
	if !ok || seg.TranscriptionStatus != session.SegmentPending {
		return
	}

	paths := q.manager.Paths(it.sessionID)
	audioPath := filepath.Join(paths.AudioDir, seg.LocalFilename)
	q.setStep(it.sessionID, "transcribing "+seg.LocalFilename)

	tctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	res, err := q.transcriber.Transcribe(tctx, audioPath)
	cancel()

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Shutdown cancelled the call; the segment stays PENDING and
			// Requeue picks it up at next startup.
			slog.Info("transcription interrupted by shutdown", "session_id", it.sessionID, "sequence", it.sequence)
			return
		}
		q.failSegment(it, seg.LocalFilename, err)
		return
	}

	text := strings.TrimSpace(res.Text)
	transcriptName := transcriptFilename(seg.LocalFilename)
	if err := writeTranscript(paths.TranscriptsDir, transcriptName, text); err != nil {
		q.failSegment(it, seg.LocalFilename, err)
		return
	}

	updated, err := q.manager.MarkSegment(it.sessionID, it.sequence, session.SegmentSuccess, transcriptName)
	if err != nil {
		slog.Error("recording transcription success failed", "session_id", it.sessionID,
			"sequence", it.sequence, "error", err)
		return
	}
	slog.Info("segment transcribed", "session_id", it.sessionID, "sequence", it.sequence,
		"chars", len(text), "model", res.Model)

	if it.sequence == 1 && updated.NameSource == session.NameSourceNone {
		if name := DeriveName(text); name != "" {
			if _, err := q.manager.SetDerivedName(it.sessionID, name); err != nil {
				slog.Warn("name derivation failed", "session_id", it.sessionID, "error", err)
			}
		}
	}
	q.setStep(it.sessionID, "transcribed "+seg.LocalFilename)
	q.afterSettle(it.sessionID)
}

func (q *Queue) failSegment(it item, filename string, cause error) {
	slog.Error("segment transcription failed", "session_id", it.sessionID,
		"sequence", it.sequence, "error", cause)
	if _, err := q.manager.MarkSegment(it.sessionID, it.sequence, session.SegmentFailed, ""); err != nil {
		slog.Error("recording transcription failure failed", "session_id", it.sessionID,
			"sequence", it.sequence, "error", err)
		return
	}
	if err := q.manager.AppendError(it.sessionID, "transcribe", filename, cause.Error(), true); err != nil {
		slog.Warn("appending error record failed", "session_id", it.sessionID, "error", err)
	}
	q.setStep(it.sessionID, "failed "+filename)
	q.afterSettle(it.sessionID)
}

// afterSettle emits progress and, when nothing is pending anymore,
// settles the session.
func (q *Queue) afterSettle(id string) {
	s, err := q.manager.Get(id)
	if err != nil {
		return
	}
	pendingLeft := len(s.PendingSequences())
	q.emit(s, q.step(id), pendingLeft == 0)
	if s.State == session.StateTranscribing && pendingLeft == 0 {
		q.settle(id)
	}
}

// settle applies the completion policy and notifies the completion hook
// on success.
func (q *Queue) settle(id string) {
	settled, err := q.manager.FinishTranscription(id)
	if err != nil {
		slog.Warn("settling transcription failed", "session_id", id, "error", err)
		return
	}
	q.emit(settled, "transcription settled", true)
	if settled.State == session.StateTranscribed && q.completionFn != nil {
		q.completionFn(id)
	}
}

// ---- progress ----

// SessionProgress reports current/total and the last step for one
// session.
func (q *Queue) SessionProgress(id string) (Progress, error) {
	s, err := q.manager.Get(id)
	if err != nil {
		return Progress{}, err
	}
	total := len(s.AudioEntries)
	pending := len(s.PendingSequences())
	return Progress{
		SessionID: id,
		Current:   total - pending,
		Total:     total,
		LastStep:  q.step(id),
		Done:      pending == 0,
	}, nil
}

func (q *Queue) setStep(id, step string) {
	q.mu.Lock()
	q.lastStep[id] = step
	q.mu.Unlock()
}

func (q *Queue) step(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastStep[id]
}

// emit delivers a progress event, dropping non-final events that arrive
// within the configured interval of the previous one.
func (q *Queue) emit(s *session.Session, step string, done bool) {
	q.mu.Lock()
	q.lastStep[s.ID] = step
	now := q.clock()
	if !done {
		if last, ok := q.lastEmit[s.ID]; ok && now.Sub(last) < q.cfg.ProgressInterval {
			q.mu.Unlock()
			return
		}
	}
	q.lastEmit[s.ID] = now
	fn := q.progressFn
	q.mu.Unlock()

	if fn == nil {
		return
	}
	total := len(s.AudioEntries)
	pending := len(s.PendingSequences())
	fn(ProgressEvent{
		SessionID: s.ID,
		Current:   total - pending,
		Total:     total,
		Step:      step,
		State:     s.State,
		Done:      done,
	})
}

// ---- helpers ----

// transcriptFilename swaps the audio extension for .txt, keeping the
// NNN_hhmmss stem aligned with the source segment.
func transcriptFilename(audioFilename string) string {
	return strings.TrimSuffix(audioFilename, filepath.Ext(audioFilename)) + ".txt"
}

// writeTranscript lands the text under a temp name and renames it into
// place, so partial writes never masquerade as transcripts.
func writeTranscript(dir, name, text string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("transcribe: create transcripts dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".transcript-*")
	if err != nil {
		return fmt.Errorf("transcribe: create temp transcript: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("transcribe: write transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("transcribe: close temp transcript: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("transcribe: chmod transcript: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("transcribe: rename transcript: %w", err)
	}
	return nil
}
