// Package session owns the session lifecycle: the on-disk store, audio
// capture, and the state machine that moves a session from audio collection
// through transcription and indexing to readiness.
package session

import "time"

// State is the lifecycle state of a session.
type State string

const (
	// StateCollecting accepts audio chunks; the only state that does.
	StateCollecting State = "COLLECTING"
	// StateTranscribing means finalization ran and segments are queued.
	StateTranscribing State = "TRANSCRIBING"
	// StateTranscribed means every segment settled with at least one success.
	StateTranscribed State = "TRANSCRIBED"
	// StateEmbedding means the semantic index build is in flight.
	StateEmbedding State = "EMBEDDING"
	// StateReady means the session answers searches and oracle queries.
	StateReady State = "READY"
	// StateInterrupted marks a COLLECTING session whose owner process died.
	StateInterrupted State = "INTERRUPTED"
	// StateError marks an unrecoverable failure.
	StateError State = "ERROR"
)

// IsValid reports whether s is a recognised state.
func (s State) IsValid() bool {
	switch s {
	case StateCollecting, StateTranscribing, StateTranscribed,
		StateEmbedding, StateReady, StateInterrupted, StateError:
		return true
	}
	return false
}

// SegmentStatus is the transcription status of one audio segment.
type SegmentStatus string

const (
	SegmentPending SegmentStatus = "PENDING"
	SegmentSuccess SegmentStatus = "SUCCESS"
	SegmentFailed  SegmentStatus = "FAILED"
)

// IsValid reports whether s is a recognised segment status.
func (s SegmentStatus) IsValid() bool {
	return s == SegmentPending || s == SegmentSuccess || s == SegmentFailed
}

// ProcessingStatus aggregates the segment statuses of a session.
type ProcessingStatus string

const (
	// ProcessingNone means the session has no segments yet.
	ProcessingNone ProcessingStatus = "none"
	// ProcessingPending means at least one segment awaits transcription.
	ProcessingPending ProcessingStatus = "pending"
	// ProcessingComplete means every segment transcribed successfully.
	ProcessingComplete ProcessingStatus = "complete"
	// ProcessingPartial means segments settled with successes and failures.
	ProcessingPartial ProcessingStatus = "partial"
	// ProcessingFailed means every segment failed.
	ProcessingFailed ProcessingStatus = "failed"
)

// NameSource records how the session got its display name.
const (
	NameSourceNone    = "none"
	NameSourceDerived = "derived"
	NameSourceManual  = "manual"
)

// UIPreferences is persisted per session and controls rendering and oracle
// context assembly.
type UIPreferences struct {
	// SimplifiedUI selects the plain message register.
	SimplifiedUI bool `json:"simplified_ui"`

	// IncludeLLMHistory includes prior oracle responses in subsequent
	// oracle contexts.
	IncludeLLMHistory bool `json:"include_llm_history"`
}

// AudioSegment is one captured voice note. Append-only; the bytes on disk
// are immutable after a successful write.
type AudioSegment struct {
	// Sequence is 1-indexed and gapless within the session.
	Sequence int `json:"sequence"`

	ReceivedAt    time.Time `json:"received_at"`
	LocalFilename string    `json:"local_filename"`
	FileSizeBytes int64     `json:"file_size_bytes"`

	// DurationSeconds is 0 when the container format was not recognised.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// Checksum is the lowercase hex SHA-256 of the audio bytes.
	Checksum string `json:"checksum"`

	TranscriptionStatus SegmentStatus `json:"transcription_status"`

	// TranscriptFilename is set once transcription succeeds.
	TranscriptFilename string `json:"transcript_filename,omitempty"`

	// ReopenEpoch is 0 for the original capture cycle and equals the
	// session's reopen count for segments added after a reopen.
	ReopenEpoch int `json:"reopen_epoch"`
}

// ErrorRecord is one appended entry of a session's error log.
type ErrorRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Operation   string    `json:"operation"`
	Target      string    `json:"target"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// Session is the root entity. It is exclusively owned by the Manager;
// everything handed out of the package is a snapshot.
type Session struct {
	// ID is a timestamp literal, e.g. "2026-08-25_14-03-59".
	ID string `json:"id"`

	ChatID string `json:"chat_id"`
	State  State  `json:"state"`

	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`

	// IntelligibleName is the human-readable display name.
	IntelligibleName string `json:"intelligible_name"`
	// NameSource is one of "none", "derived", "manual".
	NameSource string `json:"name_source"`

	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ReopenCount      int              `json:"reopen_count"`
	UIPreferences    UIPreferences    `json:"ui_preferences"`
	AudioEntries     []AudioSegment   `json:"audio_entries"`
	Errors           []ErrorRecord    `json:"errors,omitempty"`
}

// Segment returns the entry with the given sequence number.
func (s *Session) Segment(seq int) (*AudioSegment, bool) {
	for i := range s.AudioEntries {
		if s.AudioEntries[i].Sequence == seq {
			return &s.AudioEntries[i], true
		}
	}
	return nil, false
}

// CountByStatus returns how many segments currently have the given status.
func (s *Session) CountByStatus(status SegmentStatus) int {
	n := 0
	for i := range s.AudioEntries {
		if s.AudioEntries[i].TranscriptionStatus == status {
			n++
		}
	}
	return n
}

// PendingSequences returns the sequence numbers of all PENDING segments in
// order.
func (s *Session) PendingSequences() []int {
	var seqs []int
	for i := range s.AudioEntries {
		if s.AudioEntries[i].TranscriptionStatus == SegmentPending {
			seqs = append(seqs, s.AudioEntries[i].Sequence)
		}
	}
	return seqs
}

// RecomputeProcessingStatus rebuilds the aggregate from the segment
// statuses.
func (s *Session) RecomputeProcessingStatus() {
	if len(s.AudioEntries) == 0 {
		s.ProcessingStatus = ProcessingNone
		return
	}
	pending := s.CountByStatus(SegmentPending)
	success := s.CountByStatus(SegmentSuccess)
	failed := s.CountByStatus(SegmentFailed)

	switch {
	case pending > 0:
		s.ProcessingStatus = ProcessingPending
	case failed == 0:
		s.ProcessingStatus = ProcessingComplete
	case success == 0:
		s.ProcessingStatus = ProcessingFailed
	default:
		s.ProcessingStatus = ProcessingPartial
	}
}

// AppendError appends one entry to the session's error log. State is not
// touched; state changes go through the Manager's transitions.
func (s *Session) AppendError(now time.Time, operation, target, message string, recoverable bool) {
	s.Errors = append(s.Errors, ErrorRecord{
		Timestamp:   now,
		Operation:   operation,
		Target:      target,
		Message:     message,
		Recoverable: recoverable,
	})
}

// DisplayName returns the intelligible name, falling back to the id while
// no name has been derived.
func (s *Session) DisplayName() string {
	if s.IntelligibleName != "" {
		return s.IntelligibleName
	}
	return s.ID
}

// IDTimeFormat is the layout of session identifiers.
const IDTimeFormat = "2006-01-02_15-04-05"

// NewID formats t as a session identifier.
func NewID(t time.Time) string {
	return t.Format(IDTimeFormat)
}
