package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Preference identifies one toggleable per-session UI preference.
type Preference string

const (
	PrefSimplifiedUI      Preference = "simplified_ui"
	PrefIncludeLLMHistory Preference = "include_llm_history"
)

// lockTable hands out one mutex per session id.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *lockTable) get(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}

// Manager owns all session mutation. Every operation loads the current
// snapshot under the session's lock, applies the change, and saves
// atomically, so callers only ever observe complete states. Returned
// sessions are copies; mutating them has no effect.
type Manager struct {
	store Store
	locks lockTable

	// collectMu serializes every transition into COLLECTING so a chat
	// can never end up with two active sessions.
	collectMu sync.Mutex

	clock func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager wraps a store with lifecycle and locking logic.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Paths returns the on-disk layout of one session.
func (m *Manager) Paths(id string) Paths {
	return m.store.Paths(id)
}

// ---- creation and lookup ----

// Create starts a new COLLECTING session for the chat. If the chat
// already has one, *ActiveExistsError carries its id so the caller can
// offer the conflict dialog.
func (m *Manager) Create(chatID string) (*Session, error) {
	if chatID == "" {
		return nil, errors.New("session: chat id must not be empty")
	}
	m.collectMu.Lock()
	defer m.collectMu.Unlock()

	active, err := m.Active(chatID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, &ActiveExistsError{ActiveID: active.ID}
	}

	now := m.clock()
	id := NewID(now)
	for {
		_, err := m.store.Load(id)
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		// Id taken: two sessions in the same second. Bump forward.
		now = now.Add(time.Second)
		id = NewID(now)
	}

	s := &Session{
		ID:               id,
		ChatID:           chatID,
		State:            StateCollecting,
		CreatedAt:        now,
		NameSource:       NameSourceNone,
		ProcessingStatus: ProcessingNone,
		UIPreferences:    UIPreferences{IncludeLLMHistory: true},
		AudioEntries:     []AudioSegment{},
	}
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	slog.Info("session created", "session_id", id, "chat_id", chatID)
	return snapshot(s), nil
}

// Active returns the chat's COLLECTING session, or nil when there is
// none.
func (m *Manager) Active(chatID string) (*Session, error) {
	all, err := m.store.List()
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.ChatID == chatID && s.State == StateCollecting {
			return snapshot(s), nil
		}
	}
	return nil, nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (*Session, error) {
	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	return snapshot(s), nil
}

// List returns snapshots of every stored session in id order.
func (m *Manager) List() ([]*Session, error) {
	all, err := m.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]*Session, len(all))
	for i, s := range all {
		out[i] = snapshot(s)
	}
	return out, nil
}

// ListByChat returns snapshots of the chat's sessions in id order.
func (m *Manager) ListByChat(chatID string) ([]*Session, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, s := range all {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out, nil
}

// ---- lifecycle transitions ----

// Finalize closes the capture phase and moves the session to
// TRANSCRIBING. Legal from COLLECTING and from INTERRUPTED (recovery).
// The caller is responsible for enqueueing the pending segments.
func (m *Manager) Finalize(id string) (*Session, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	switch s.State {
	case StateCollecting, StateInterrupted:
	default:
		return nil, &IllegalTransitionError{ID: id, From: s.State, Event: "finalize"}
	}
	if len(s.AudioEntries) == 0 {
		return nil, &EmptySessionError{ID: id}
	}

	now := m.clock()
	s.FinalizedAt = &now
	s.State = StateTranscribing
	s.RecomputeProcessingStatus()
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	slog.Info("session finalized", "session_id", id, "segments", len(s.AudioEntries))
	return snapshot(s), nil
}

// Reopen moves a READY session back to COLLECTING and bumps the reopen
// epoch. Existing segments and transcripts stay read-only.
func (m *Manager) Reopen(id string) (*Session, error) {
	m.collectMu.Lock()
	defer m.collectMu.Unlock()
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if s.State != StateReady {
		return nil, &IllegalTransitionError{ID: id, From: s.State, Event: "reopen"}
	}
	if active, err := m.Active(s.ChatID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, &ActiveExistsError{ActiveID: active.ID}
	}

	s.State = StateCollecting
	s.ReopenCount++
	s.FinalizedAt = nil
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	slog.Info("session reopened", "session_id", id, "reopen_count", s.ReopenCount)
	return snapshot(s), nil
}

// Resume moves an INTERRUPTED session back to COLLECTING without
// starting a new epoch; the capture cycle it belonged to never closed.
func (m *Manager) Resume(id string) (*Session, error) {
	m.collectMu.Lock()
	defer m.collectMu.Unlock()
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if s.State != StateInterrupted {
		return nil, &IllegalTransitionError{ID: id, From: s.State, Event: "resume"}
	}
	if active, err := m.Active(s.ChatID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, &ActiveExistsError{ActiveID: active.ID}
	}

	s.State = StateCollecting
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	slog.Info("session resumed", "session_id", id)
	return snapshot(s), nil
}

// Discard deletes a session and all its artifacts.
func (m *Manager) Discard(id string) error {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.store.Load(id); err != nil {
		return err
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	slog.Info("session discarded", "session_id", id)
	return nil
}

// DetectInterrupted is the startup sweep: any session still persisted as
// COLLECTING has no live owner and is moved to INTERRUPTED. It returns
// the affected sessions so the caller can offer recovery.
func (m *Manager) DetectInterrupted() ([]*Session, error) {
	all, err := m.store.List()
	if err != nil {
		return nil, err
	}
	var swept []*Session
	for _, s := range all {
		if s.State != StateCollecting {
			continue
		}
		lock := m.locks.get(s.ID)
		lock.Lock()
		cur, err := m.store.Load(s.ID)
		if err != nil {
			lock.Unlock()
			slog.Warn("interrupted sweep: session vanished", "session_id", s.ID, "error", err)
			continue
		}
		if cur.State == StateCollecting {
			cur.State = StateInterrupted
			cur.AppendError(m.clock(), "capture", cur.ID, "process terminated while collecting", true)
			if err := m.store.Save(cur); err != nil {
				lock.Unlock()
				return swept, err
			}
			slog.Warn("session marked interrupted", "session_id", cur.ID, "audio_entries", len(cur.AudioEntries))
			swept = append(swept, snapshot(cur))
		}
		lock.Unlock()
	}
	return swept, nil
}

// ---- processing transitions, driven by the queue and indexer ----

// MarkSegment records the transcription outcome of one segment and
// refreshes the session aggregate.
func (m *Manager) MarkSegment(id string, seq int, status SegmentStatus, transcriptFilename string) (*Session, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("session: unknown segment status %q", status)
	}
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	seg, ok := s.Segment(seq)
	if !ok {
		return nil, fmt.Errorf("session: %q has no segment %d", id, seq)
	}
	seg.TranscriptionStatus = status
	if transcriptFilename != "" {
		seg.TranscriptFilename = transcriptFilename
	}
	s.RecomputeProcessingStatus()
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	return snapshot(s), nil
}

// ResetFailedSegments flips every FAILED segment back to PENDING so the
// queue can pick them up again. Returns the sequences reset.
func (m *Manager) ResetFailedSegments(id string) ([]int, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	var reset []int
	for i := range s.AudioEntries {
		if s.AudioEntries[i].TranscriptionStatus == SegmentFailed {
			s.AudioEntries[i].TranscriptionStatus = SegmentPending
			reset = append(reset, s.AudioEntries[i].Sequence)
		}
	}
	if len(reset) == 0 {
		return nil, nil
	}
	if s.State == StateError {
		s.State = StateTranscribing
	}
	s.RecomputeProcessingStatus()
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	return reset, nil
}

// FinishTranscription settles a TRANSCRIBING session once no segment is
// PENDING: at least one success moves it to TRANSCRIBED, none moves it
// to ERROR with a diagnostic.
func (m *Manager) FinishTranscription(id string) (*Session, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if s.State != StateTranscribing {
		return nil, &IllegalTransitionError{ID: id, From: s.State, Event: "transcription_done"}
	}
	if pending := s.CountByStatus(SegmentPending); pending > 0 {
		return nil, fmt.Errorf("session: %q still has %d pending segments", id, pending)
	}

	if s.CountByStatus(SegmentSuccess) > 0 {
		s.State = StateTranscribed
	} else {
		s.State = StateError
		s.AppendError(m.clock(), "transcribe", id, "all segments failed transcription", true)
	}
	s.RecomputeProcessingStatus()
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	slog.Info("session transcription settled", "session_id", id, "state", s.State,
		"succeeded", s.CountByStatus(SegmentSuccess), "failed", s.CountByStatus(SegmentFailed))
	return snapshot(s), nil
}

// BeginEmbedding moves a TRANSCRIBED session into EMBEDDING.
func (m *Manager) BeginEmbedding(id string) (*Session, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if s.State != StateTranscribed {
		return nil, &IllegalTransitionError{ID: id, From: s.State, Event: "embed"}
	}
	s.State = StateEmbedding
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	return snapshot(s), nil
}

// FinishEmbedding completes the EMBEDDING phase. The session becomes
// READY even when indexing failed; text search still works, and the
// failure is recorded for a later retry.
func (m *Manager) FinishEmbedding(id string, indexErr error) (*Session, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if s.State != StateEmbedding {
		return nil, &IllegalTransitionError{ID: id, From: s.State, Event: "embedding_done"}
	}
	s.State = StateReady
	if indexErr != nil {
		s.AppendError(m.clock(), "index", id, indexErr.Error(), true)
	}
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	slog.Info("session ready", "session_id", id, "indexed", indexErr == nil)
	return snapshot(s), nil
}

// AppendError records a non-fatal problem without touching state.
func (m *Manager) AppendError(id, operation, target, message string, recoverable bool) error {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return err
	}
	s.AppendError(m.clock(), operation, target, message, recoverable)
	return m.store.Save(s)
}

// ---- naming and preferences ----

// SetDerivedName names the session from its first transcript. It runs at
// most once: a session that was already named, by derivation or by the
// user, keeps its name. Collisions with other sessions get an "(n)"
// suffix.
func (m *Manager) SetDerivedName(id, name string) (*Session, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if s.NameSource != NameSourceNone || name == "" {
		return snapshot(s), nil
	}
	s.IntelligibleName, err = m.uniqueName(name, id)
	if err != nil {
		return nil, err
	}
	s.NameSource = NameSourceDerived
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	slog.Info("session named", "session_id", id, "name", s.IntelligibleName)
	return snapshot(s), nil
}

// Rename sets a user-chosen name. Unlike derivation it may run any
// number of times, and derivation never overwrites it afterwards.
func (m *Manager) Rename(id, name string) (*Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("session: name must not be empty")
	}
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	s.IntelligibleName, err = m.uniqueName(name, id)
	if err != nil {
		return nil, err
	}
	s.NameSource = NameSourceManual
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	slog.Info("session renamed", "session_id", id, "name", s.IntelligibleName)
	return snapshot(s), nil
}

// uniqueName appends "(n)" until name collides with no other session.
func (m *Manager) uniqueName(name, selfID string) (string, error) {
	all, err := m.store.List()
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(all))
	for _, other := range all {
		if other.ID != selfID && other.IntelligibleName != "" {
			taken[other.IntelligibleName] = true
		}
	}
	if !taken[name] {
		return name, nil
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", name, n)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}

// TogglePreference flips one UI preference and returns the updated
// snapshot.
func (m *Manager) TogglePreference(id string, pref Preference) (*Session, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	switch pref {
	case PrefSimplifiedUI:
		s.UIPreferences.SimplifiedUI = !s.UIPreferences.SimplifiedUI
	case PrefIncludeLLMHistory:
		s.UIPreferences.IncludeLLMHistory = !s.UIPreferences.IncludeLLMHistory
	default:
		return nil, fmt.Errorf("session: unknown preference %q", pref)
	}
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	return snapshot(s), nil
}

// snapshot deep-copies a session so callers cannot mutate stored state.
func snapshot(s *Session) *Session {
	c := *s
	c.AudioEntries = slices.Clone(s.AudioEntries)
	c.Errors = slices.Clone(s.Errors)
	if s.FinalizedAt != nil {
		t := *s.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}
