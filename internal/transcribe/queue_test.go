package transcribe_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pveiga/oraculo/internal/catalog"
	"github.com/pveiga/oraculo/internal/session"
	"github.com/pveiga/oraculo/internal/transcribe"
	sttmock "github.com/pveiga/oraculo/pkg/provider/stt/mock"
)

func newManager(t *testing.T) *session.Manager {
	t.Helper()
	st, err := session.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error: %v", err)
	}
	return session.NewManager(st)
}

// finalizedSession creates a session with n segments and finalizes it,
// returning the id and the absolute audio paths in sequence order.
func finalizedSession(t *testing.T, m *session.Manager, n int) (string, []string) {
	t.Helper()
	s, err := m.Create("chat-q")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf("voice note %d payload", i+1))
		if _, err := m.AddAudioChunk(s.ID, payload, time.Time{}); err != nil {
			t.Fatalf("AddAudioChunk() error: %v", err)
		}
	}
	snap, err := m.Finalize(s.ID)
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	audioDir := m.Paths(s.ID).AudioDir
	paths := make([]string, 0, n)
	for _, seg := range snap.AudioEntries {
		paths = append(paths, filepath.Join(audioDir, seg.LocalFilename))
	}
	return s.ID, paths
}

func waitForState(t *testing.T, m *session.Manager, id string, want session.State) *session.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := m.Get(id)
		if err == nil && s.State == want {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	s, err := m.Get(id)
	t.Fatalf("session %s never reached %s (last: %v, err: %v)", id, want, s, err)
	return nil
}

func testConfig() transcribe.Config {
	return transcribe.Config{
		Capacity:         16,
		Timeout:          2 * time.Second,
		DrainGrace:       200 * time.Millisecond,
		ProgressInterval: time.Millisecond,
	}
}

func TestQueue_TranscribesSessionEndToEnd(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, paths := finalizedSession(t, m, 2)

	tr := &sttmock.Transcriber{
		Texts: map[string]string{
			paths[0]: "Relatório mensal da diretoria financeira",
			paths[1]: "Os números de vendas subiram dez por cento",
		},
	}
	completed := make(chan string, 1)
	q := transcribe.New(m, tr, testConfig(),
		transcribe.WithCompletionFunc(func(sid string) { completed <- sid }))
	q.Start()
	defer q.Stop()

	queued, err := q.QueueSession(id)
	if err != nil {
		t.Fatalf("QueueSession() error: %v", err)
	}
	if queued != 2 {
		t.Fatalf("queued = %d, want 2", queued)
	}

	select {
	case got := <-completed:
		if got != id {
			t.Fatalf("completion hook got %q, want %q", got, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("completion hook never fired")
	}

	s, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if s.State != session.StateTranscribed {
		t.Errorf("State = %q, want TRANSCRIBED", s.State)
	}
	if s.ProcessingStatus != session.ProcessingComplete {
		t.Errorf("ProcessingStatus = %q, want complete", s.ProcessingStatus)
	}

	transcriptsDir := m.Paths(id).TranscriptsDir
	for i, seg := range s.AudioEntries {
		if seg.TranscriptionStatus != session.SegmentSuccess {
			t.Errorf("segment %d status = %q", seg.Sequence, seg.TranscriptionStatus)
		}
		wantPrefix := fmt.Sprintf("%03d_", i+1)
		if !strings.HasPrefix(seg.TranscriptFilename, wantPrefix) {
			t.Errorf("transcript name = %q, want %s prefix", seg.TranscriptFilename, wantPrefix)
		}
		data, err := os.ReadFile(filepath.Join(transcriptsDir, seg.TranscriptFilename))
		if err != nil {
			t.Fatalf("read transcript %d: %v", seg.Sequence, err)
		}
		if len(data) == 0 {
			t.Errorf("transcript %d is empty", seg.Sequence)
		}
	}

	// Name derivation ran over the first transcript.
	if s.IntelligibleName != "relatório mensal diretoria financeira" {
		t.Errorf("IntelligibleName = %q", s.IntelligibleName)
	}
	if s.NameSource != session.NameSourceDerived {
		t.Errorf("NameSource = %q, want derived", s.NameSource)
	}

	if calls := tr.TranscribeCallCount(); calls != 2 {
		t.Errorf("Transcribe calls = %d, want exactly one per segment", calls)
	}
}

func TestQueue_FailedSegmentDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, paths := finalizedSession(t, m, 2)

	tr := &sttmock.Transcriber{
		DefaultText: "Transcrição da segunda nota",
		Errs:        map[string]error{paths[0]: errors.New("decoder exploded")},
	}
	completed := make(chan string, 1)
	q := transcribe.New(m, tr, testConfig(),
		transcribe.WithCompletionFunc(func(sid string) { completed <- sid }))
	q.Start()
	defer q.Stop()

	if _, err := q.QueueSession(id); err != nil {
		t.Fatalf("QueueSession() error: %v", err)
	}

	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("completion hook never fired")
	}

	s, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if s.State != session.StateTranscribed {
		t.Errorf("State = %q, want TRANSCRIBED with one success", s.State)
	}
	if s.ProcessingStatus != session.ProcessingPartial {
		t.Errorf("ProcessingStatus = %q, want partial", s.ProcessingStatus)
	}
	if s.AudioEntries[0].TranscriptionStatus != session.SegmentFailed {
		t.Errorf("segment 1 = %q, want FAILED", s.AudioEntries[0].TranscriptionStatus)
	}
	if s.AudioEntries[1].TranscriptionStatus != session.SegmentSuccess {
		t.Errorf("segment 2 = %q, want SUCCESS", s.AudioEntries[1].TranscriptionStatus)
	}
	if len(s.Errors) == 0 {
		t.Fatal("expected an error record for the failed segment")
	}
	if s.Errors[0].Operation != "transcribe" || !s.Errors[0].Recoverable {
		t.Errorf("error record = %+v", s.Errors[0])
	}
}

func TestQueue_AllFailedMovesSessionToError(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, paths := finalizedSession(t, m, 1)

	tr := &sttmock.Transcriber{
		Errs: map[string]error{paths[0]: errors.New("model missing")},
	}
	completed := make(chan string, 1)
	q := transcribe.New(m, tr, testConfig(),
		transcribe.WithCompletionFunc(func(sid string) { completed <- sid }))
	q.Start()
	defer q.Stop()

	if _, err := q.QueueSession(id); err != nil {
		t.Fatalf("QueueSession() error: %v", err)
	}
	waitForState(t, m, id, session.StateError)

	select {
	case sid := <-completed:
		t.Fatalf("completion hook fired for %q on an all-failed session", sid)
	default:
	}
}

func TestQueue_RetryFailedRequeuesAndRecovers(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, paths := finalizedSession(t, m, 1)

	tr := &sttmock.Transcriber{
		DefaultText: "Ata da reunião de condomínio",
		Errs:        map[string]error{paths[0]: errors.New("temporarily unavailable")},
	}
	q := transcribe.New(m, tr, testConfig())
	q.Start()

	if _, err := q.QueueSession(id); err != nil {
		t.Fatalf("QueueSession() error: %v", err)
	}
	waitForState(t, m, id, session.StateError)
	q.Stop()

	// Backend recovered; retry the failed segment.
	tr.Errs = nil
	tr.Reset()
	q.Start()
	defer q.Stop()

	queued, err := q.RetryFailed(id)
	if err != nil {
		t.Fatalf("RetryFailed() error: %v", err)
	}
	if queued != 1 {
		t.Fatalf("RetryFailed() queued = %d, want 1", queued)
	}
	s := waitForState(t, m, id, session.StateTranscribed)
	if s.AudioEntries[0].TranscriptionStatus != session.SegmentSuccess {
		t.Errorf("segment status = %q after retry", s.AudioEntries[0].TranscriptionStatus)
	}
	if calls := tr.TranscribeCallCount(); calls != 1 {
		t.Errorf("Transcribe calls after retry = %d, want only the reset segment", calls)
	}
}

func TestQueue_RetryFailedWithNothingToRetry(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, _ := finalizedSession(t, m, 1)

	q := transcribe.New(m, &sttmock.Transcriber{}, testConfig())
	queued, err := q.RetryFailed(id)
	if err != nil {
		t.Fatalf("RetryFailed() error: %v", err)
	}
	if queued != 0 {
		t.Errorf("queued = %d, want 0", queued)
	}
}

func TestQueue_FullQueueSurfacesTypedError(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, _ := finalizedSession(t, m, 2)

	cfg := testConfig()
	cfg.Capacity = 1
	q := transcribe.New(m, &sttmock.Transcriber{}, cfg)
	// Worker not started, so the first item occupies the whole queue.

	queued, err := q.QueueSession(id)
	if queued != 1 {
		t.Errorf("queued = %d, want 1 before filling up", queued)
	}
	var full *transcribe.FullError
	if !errors.As(err, &full) {
		t.Fatalf("QueueSession() error = %v, want *FullError", err)
	}
	if full.Capacity != 1 {
		t.Errorf("Capacity = %d, want 1", full.Capacity)
	}
	if entry := catalog.Resolve(err); entry.Code != catalog.CodeQueueFull {
		t.Errorf("catalog code = %q, want %q", entry.Code, catalog.CodeQueueFull)
	}
}

func TestQueue_DuplicateEnqueueSkipped(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, _ := finalizedSession(t, m, 2)

	q := transcribe.New(m, &sttmock.Transcriber{}, testConfig())
	first, err := q.QueueSession(id)
	if err != nil {
		t.Fatalf("QueueSession() error: %v", err)
	}
	if first != 2 {
		t.Fatalf("first enqueue = %d, want 2", first)
	}
	second, err := q.QueueSession(id)
	if err != nil {
		t.Fatalf("second QueueSession() error: %v", err)
	}
	if second != 0 {
		t.Errorf("second enqueue = %d, want 0 (already queued)", second)
	}
}

func TestQueue_QueueSessionRejectsWrongState(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	s, err := m.Create("chat-q")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	q := transcribe.New(m, &sttmock.Transcriber{}, testConfig())
	if _, err := q.QueueSession(s.ID); err == nil {
		t.Fatal("QueueSession() on a COLLECTING session should fail")
	}
}

func TestQueue_StartStopIdempotentAndRestartable(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, _ := finalizedSession(t, m, 1)

	tr := &sttmock.Transcriber{DefaultText: "Nota breve sobre contratos"}
	q := transcribe.New(m, tr, testConfig())

	q.Start()
	q.Start()
	q.Stop()
	q.Stop()

	// Items queued while stopped are handled after restart.
	if _, err := q.QueueSession(id); err != nil {
		t.Fatalf("QueueSession() error: %v", err)
	}
	q.Start()
	defer q.Stop()
	waitForState(t, m, id, session.StateTranscribed)
}

func TestQueue_EmitsProgressEvents(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, _ := finalizedSession(t, m, 2)

	var (
		mu     sync.Mutex
		events []transcribe.ProgressEvent
	)
	// Deterministic clock so the rate limiter never swallows events.
	var clockMu sync.Mutex
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(time.Minute)
		return now
	}

	completed := make(chan string, 1)
	q := transcribe.New(m, &sttmock.Transcriber{DefaultText: "Resumo executivo da semana"}, testConfig(),
		transcribe.WithClock(clock),
		transcribe.WithProgressFunc(func(ev transcribe.ProgressEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}),
		transcribe.WithCompletionFunc(func(sid string) { completed <- sid }))
	q.Start()
	defer q.Stop()

	if _, err := q.QueueSession(id); err != nil {
		t.Fatalf("QueueSession() error: %v", err)
	}
	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("completion hook never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("no progress events emitted")
	}
	last := events[len(events)-1]
	if !last.Done {
		t.Errorf("last event Done = false: %+v", last)
	}
	if last.Current != 2 || last.Total != 2 {
		t.Errorf("last event = %d/%d, want 2/2", last.Current, last.Total)
	}
	if last.SessionID != id {
		t.Errorf("last event session = %q", last.SessionID)
	}
}

func TestQueue_SessionProgress(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, _ := finalizedSession(t, m, 3)

	q := transcribe.New(m, &sttmock.Transcriber{}, testConfig())
	p, err := q.SessionProgress(id)
	if err != nil {
		t.Fatalf("SessionProgress() error: %v", err)
	}
	if p.Current != 0 || p.Total != 3 || p.Done {
		t.Errorf("progress = %d/%d done=%v, want 0/3 pending", p.Current, p.Total, p.Done)
	}

	if _, err := m.MarkSegment(id, 1, session.SegmentSuccess, "001_x.txt"); err != nil {
		t.Fatalf("MarkSegment() error: %v", err)
	}
	p, err = q.SessionProgress(id)
	if err != nil {
		t.Fatalf("SessionProgress() error: %v", err)
	}
	if p.Current != 1 || p.Total != 3 {
		t.Errorf("progress = %d/%d, want 1/3", p.Current, p.Total)
	}
}

func TestQueue_RequeueResumesInterruptedWork(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	// Finalized before a crash: state TRANSCRIBING, segments PENDING,
	// nothing in the queue.
	id, _ := finalizedSession(t, m, 2)

	q := transcribe.New(m, &sttmock.Transcriber{DefaultText: "Continuação após reinício"}, testConfig())
	n, err := q.Requeue()
	if err != nil {
		t.Fatalf("Requeue() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("Requeue() = %d, want 2", n)
	}
	q.Start()
	defer q.Stop()
	waitForState(t, m, id, session.StateTranscribed)
}

func TestQueue_RequeueSettlesFullySettledSession(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, _ := finalizedSession(t, m, 1)
	// Crash landed after the segment settled but before the session
	// transitioned.
	if _, err := m.MarkSegment(id, 1, session.SegmentSuccess, "001_x.txt"); err != nil {
		t.Fatalf("MarkSegment() error: %v", err)
	}

	completed := make(chan string, 1)
	q := transcribe.New(m, &sttmock.Transcriber{}, testConfig(),
		transcribe.WithCompletionFunc(func(sid string) { completed <- sid }))

	n, err := q.Requeue()
	if err != nil {
		t.Fatalf("Requeue() error: %v", err)
	}
	if n != 0 {
		t.Errorf("Requeue() = %d, want 0 queued", n)
	}
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("settling a fully-settled session should fire the completion hook")
	}
	s, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if s.State != session.StateTranscribed {
		t.Errorf("State = %q, want TRANSCRIBED", s.State)
	}
}

func TestQueue_ReopenedSessionWithNoNewAudioSettlesImmediately(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, _ := finalizedSession(t, m, 1)

	completed := make(chan string, 2)
	q := transcribe.New(m, &sttmock.Transcriber{DefaultText: "Ata da primeira reunião"}, testConfig(),
		transcribe.WithCompletionFunc(func(sid string) { completed <- sid }))
	q.Start()
	defer q.Stop()

	if _, err := q.QueueSession(id); err != nil {
		t.Fatalf("QueueSession() error: %v", err)
	}
	waitForState(t, m, id, session.StateTranscribed)
	<-completed

	// Walk through indexing so the session can be reopened.
	if _, err := m.BeginEmbedding(id); err != nil {
		t.Fatalf("BeginEmbedding() error: %v", err)
	}
	if _, err := m.FinishEmbedding(id, nil); err != nil {
		t.Fatalf("FinishEmbedding() error: %v", err)
	}
	if _, err := m.Reopen(id); err != nil {
		t.Fatalf("Reopen() error: %v", err)
	}
	if _, err := m.Finalize(id); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}

	// No segment went back to PENDING, so nothing should be queued and
	// the session should settle on the spot.
	n, err := q.QueueSession(id)
	if err != nil {
		t.Fatalf("QueueSession() after reopen error: %v", err)
	}
	if n != 0 {
		t.Errorf("QueueSession() after reopen = %d, want 0 queued", n)
	}
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("settling a reopened session with no new audio should fire the completion hook")
	}
	s := waitForState(t, m, id, session.StateTranscribed)
	if s.AudioEntries[0].TranscriptionStatus != session.SegmentSuccess {
		t.Errorf("segment status = %q, want SUCCESS untouched by the second finalize",
			s.AudioEntries[0].TranscriptionStatus)
	}
}

func TestQueue_ShutdownLeavesInFlightPending(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	id, _ := finalizedSession(t, m, 1)

	cfg := testConfig()
	cfg.Timeout = 10 * time.Second
	cfg.DrainGrace = 50 * time.Millisecond
	tr := &sttmock.Transcriber{DefaultText: "nunca chega", Delay: 5 * time.Second}
	q := transcribe.New(m, tr, cfg)
	q.Start()

	if _, err := q.QueueSession(id); err != nil {
		t.Fatalf("QueueSession() error: %v", err)
	}
	// Let the worker pick the item up, then shut down under it.
	time.Sleep(150 * time.Millisecond)
	q.Stop()

	s, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if s.State != session.StateTranscribing {
		t.Errorf("State = %q, want TRANSCRIBING preserved across shutdown", s.State)
	}
	if s.AudioEntries[0].TranscriptionStatus != session.SegmentPending {
		t.Errorf("segment status = %q, want PENDING preserved across shutdown",
			s.AudioEntries[0].TranscriptionStatus)
	}
}
