package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pveiga/oraculo/pkg/audio"
)

// AddAudioChunk appends one voice note to a COLLECTING session. Sequence
// assignment, file write, checksum and metadata append happen under the
// session lock as one logical step: the bytes land under a temp name, are
// synced, renamed to their final name, and only then recorded in
// metadata. A failure before the metadata save leaves no entry behind
// (the temp file is removed); a failure during the save leaves an orphan
// file that RecoverOrphans reconciles at next startup.
//
// Replayed deliveries are tolerated: a chunk whose checksum equals the
// last recorded segment's is a no-op. The same bytes arriving later, at a
// higher sequence, are accepted as a new segment.
func (m *Manager) AddAudioChunk(id string, data []byte, receivedAt time.Time) (*Session, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("session: %q: empty audio payload", id)
	}
	if receivedAt.IsZero() {
		receivedAt = m.clock()
	}

	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if s.State != StateCollecting {
		return nil, &IllegalTransitionError{ID: id, From: s.State, Event: "audio"}
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	if n := len(s.AudioEntries); n > 0 && s.AudioEntries[n-1].Checksum == checksum {
		// Transport replay of the segment just written.
		slog.Debug("duplicate audio chunk ignored", "session_id", id, "sequence", n)
		return snapshot(s), nil
	}

	seq := len(s.AudioEntries) + 1
	p := m.store.Paths(id)
	filename := fmt.Sprintf("%03d_%s%s", seq, receivedAt.Format("150405"), extensionFor(data))

	if err := os.MkdirAll(p.AudioDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create audio dir: %w", err)
	}
	if err := writeAudioFile(p.AudioDir, filename, data); err != nil {
		return nil, err
	}

	var duration float64
	if info, err := audio.Probe(data); err == nil {
		duration = info.DurationSeconds
	}

	s.AudioEntries = append(s.AudioEntries, AudioSegment{
		Sequence:            seq,
		ReceivedAt:          receivedAt,
		LocalFilename:       filename,
		FileSizeBytes:       int64(len(data)),
		DurationSeconds:     duration,
		Checksum:            checksum,
		TranscriptionStatus: SegmentPending,
		ReopenEpoch:         s.ReopenCount,
	})
	s.RecomputeProcessingStatus()
	if err := m.store.Save(s); err != nil {
		// The audio file stays on disk as an orphan; the startup pass
		// re-derives its metadata entry.
		slog.Warn("audio saved but metadata update failed", "session_id", id,
			"sequence", seq, "file", filename, "error", err)
		return nil, err
	}

	slog.Info("audio chunk captured", "session_id", id, "sequence", seq,
		"bytes", len(data), "duration_s", duration)
	return snapshot(s), nil
}

// writeAudioFile lands data under a temp name in dir, syncs, and renames
// it to name. On failure the temp file is removed and nothing remains.
func writeAudioFile(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".audio-*")
	if err != nil {
		return fmt.Errorf("session: create temp audio: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: write audio: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: sync audio: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: close temp audio: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: chmod audio: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: rename audio: %w", err)
	}
	return nil
}

// extensionFor picks the file extension from the sniffed container
// format, falling back to .bin for unrecognised payloads.
func extensionFor(data []byte) string {
	switch audio.Sniff(data) {
	case audio.FormatOggOpus:
		return ".ogg"
	case audio.FormatWAV:
		return ".wav"
	case audio.FormatMP3:
		return ".mp3"
	default:
		return ".bin"
	}
}

// ---- integrity ----

// IntegrityIssue describes one problem found by VerifyIntegrity.
type IntegrityIssue struct {
	Sequence int
	// Kind is one of "missing_file", "checksum_mismatch",
	// "missing_transcript".
	Kind   string
	Detail string
}

// IntegrityReport is the result of a full session verification.
type IntegrityReport struct {
	SessionID       string
	CheckedSegments int
	Issues          []IntegrityIssue
	// OrphanFiles are audio files on disk that no metadata entry claims.
	OrphanFiles []string
}

// OK reports whether the session passed without findings.
func (r *IntegrityReport) OK() bool {
	return len(r.Issues) == 0 && len(r.OrphanFiles) == 0
}

// VerifyIntegrity re-reads every audio file of a session and checks it
// against the recorded checksums, confirms transcripts exist for
// successful segments, and lists unclaimed files.
func (m *Manager) VerifyIntegrity(id string) (*IntegrityReport, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	p := m.store.Paths(id)
	report := &IntegrityReport{SessionID: id, CheckedSegments: len(s.AudioEntries)}

	known := make(map[string]bool, len(s.AudioEntries))
	for i := range s.AudioEntries {
		seg := &s.AudioEntries[i]
		known[seg.LocalFilename] = true

		data, err := os.ReadFile(filepath.Join(p.AudioDir, seg.LocalFilename))
		if err != nil {
			report.Issues = append(report.Issues, IntegrityIssue{
				Sequence: seg.Sequence,
				Kind:     "missing_file",
				Detail:   seg.LocalFilename,
			})
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != seg.Checksum {
			report.Issues = append(report.Issues, IntegrityIssue{
				Sequence: seg.Sequence,
				Kind:     "checksum_mismatch",
				Detail:   seg.LocalFilename,
			})
		}
		if seg.TranscriptionStatus == SegmentSuccess && seg.TranscriptFilename != "" {
			if _, err := os.Stat(filepath.Join(p.TranscriptsDir, seg.TranscriptFilename)); err != nil {
				report.Issues = append(report.Issues, IntegrityIssue{
					Sequence: seg.Sequence,
					Kind:     "missing_transcript",
					Detail:   seg.TranscriptFilename,
				})
			}
		}
	}

	for _, name := range listAudioFiles(p.AudioDir) {
		if !known[name] {
			report.OrphanFiles = append(report.OrphanFiles, name)
		}
	}
	return report, nil
}

// RecoverOrphans reconciles a session whose last capture crashed between
// the audio rename and the metadata save. Unclaimed audio files become
// PENDING segments with freshly assigned sequences (files are renamed
// when their prefix no longer matches); metadata entries whose file is
// gone are marked FAILED. Only sessions still in a capture state are
// touched. Returns the number of files adopted.
func (m *Manager) RecoverOrphans(id string) (int, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.Load(id)
	if err != nil {
		return 0, err
	}
	if s.State != StateCollecting && s.State != StateInterrupted {
		return 0, nil
	}
	p := m.store.Paths(id)

	known := make(map[string]bool, len(s.AudioEntries))
	for i := range s.AudioEntries {
		known[s.AudioEntries[i].LocalFilename] = true
	}

	dirty := false
	for i := range s.AudioEntries {
		seg := &s.AudioEntries[i]
		if _, err := os.Stat(filepath.Join(p.AudioDir, seg.LocalFilename)); err == nil {
			continue
		}
		if seg.TranscriptionStatus != SegmentFailed {
			seg.TranscriptionStatus = SegmentFailed
			s.AppendError(m.clock(), "capture", seg.LocalFilename, "audio file missing on disk", false)
			dirty = true
		}
	}

	var orphans []string
	for _, name := range listAudioFiles(p.AudioDir) {
		if !known[name] {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)

	recovered := 0
	for _, name := range orphans {
		path := filepath.Join(p.AudioDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("orphan audio unreadable", "session_id", id, "file", name, "error", err)
			continue
		}
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}

		seq := len(s.AudioEntries) + 1
		wantPrefix := fmt.Sprintf("%03d_", seq)
		if !strings.HasPrefix(name, wantPrefix) {
			renamed := fmt.Sprintf("%03d_%s%s", seq, fi.ModTime().Format("150405"), extensionFor(data))
			if err := os.Rename(path, filepath.Join(p.AudioDir, renamed)); err != nil {
				slog.Warn("orphan audio rename failed", "session_id", id, "file", name, "error", err)
				continue
			}
			name = renamed
		}

		sum := sha256.Sum256(data)
		var duration float64
		if info, err := audio.Probe(data); err == nil {
			duration = info.DurationSeconds
		}
		s.AudioEntries = append(s.AudioEntries, AudioSegment{
			Sequence:            seq,
			ReceivedAt:          fi.ModTime(),
			LocalFilename:       name,
			FileSizeBytes:       int64(len(data)),
			DurationSeconds:     duration,
			Checksum:            hex.EncodeToString(sum[:]),
			TranscriptionStatus: SegmentPending,
			ReopenEpoch:         s.ReopenCount,
		})
		recovered++
		dirty = true
		slog.Info("orphan audio adopted", "session_id", id, "sequence", seq, "file", name)
	}

	if dirty {
		s.RecomputeProcessingStatus()
		if err := m.store.Save(s); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

// listAudioFiles returns the regular files directly under dir, skipping
// temp files and the tts subdirectory.
func listAudioFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names
}
