package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// quarantineDir is where corrupt session directories are moved. Entries
// under it never show up in List.
const quarantineDir = "quarantine"

// FSStore keeps each session as a directory under a common root, with
// metadata replaced atomically via write-to-temp-and-rename.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates the root directory if needed and returns a store
// over it.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("session: store root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("session: create store root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Paths returns the directory layout for one session id.
func (st *FSStore) Paths(id string) Paths {
	return PathsFor(st.root, id)
}

// Save atomically replaces the metadata snapshot. The session directory
// tree is created on first save.
func (st *FSStore) Save(s *Session) error {
	if s.ID == "" {
		return errors.New("session: cannot save session without id")
	}
	p := st.Paths(s.ID)
	for _, dir := range []string{p.AudioDir, p.TTSDir, p.TranscriptsDir, p.ResponsesDir, p.LogsDir, p.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("session: create %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal metadata: %w", err)
	}

	// Temp file lives in the session directory so the final rename never
	// crosses a filesystem boundary.
	tmp, err := os.CreateTemp(p.Root, ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("session: create temp metadata: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: close temp metadata: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: chmod metadata: %w", err)
	}
	if err := os.Rename(tmpName, p.MetadataFile); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: replace metadata: %w", err)
	}
	return nil
}

// Load reads and validates one session's metadata.
func (st *FSStore) Load(id string) (*Session, error) {
	data, err := os.ReadFile(st.Paths(id).MetadataFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("session: read metadata for %q: %w", id, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &CorruptSessionError{ID: id, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := validateLoaded(&s); err != nil {
		return nil, &CorruptSessionError{ID: id, Reason: err.Error()}
	}
	return &s, nil
}

// List loads every session under the root in id order. Corrupt entries are
// logged and skipped.
func (st *FSStore) List() ([]*Session, error) {
	entries, err := os.ReadDir(st.root)
	if err != nil {
		return nil, fmt.Errorf("session: read store root: %w", err)
	}

	var sessions []*Session
	for _, e := range entries {
		if !e.IsDir() || e.Name() == quarantineDir || e.Name()[0] == '.' {
			continue
		}
		s, err := st.Load(e.Name())
		if err != nil {
			var notFound *NotFoundError
			if errors.As(err, &notFound) {
				// Stray directory without metadata; not a session.
				continue
			}
			slog.Warn("skipping unreadable session", "session_id", e.Name(), "error", err)
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// Delete removes a session directory and all its artifacts.
func (st *FSStore) Delete(id string) error {
	if id == "" {
		return errors.New("session: cannot delete empty id")
	}
	if err := os.RemoveAll(st.Paths(id).Root); err != nil {
		return fmt.Errorf("session: delete %q: %w", id, err)
	}
	return nil
}

// Quarantine moves a session directory under the quarantine subdirectory
// so List no longer sees it.
func (st *FSStore) Quarantine(id string) (string, error) {
	src := st.Paths(id).Root
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &NotFoundError{ID: id}
		}
		return "", fmt.Errorf("session: stat %q: %w", id, err)
	}
	qdir := filepath.Join(st.root, quarantineDir)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		return "", fmt.Errorf("session: create quarantine dir: %w", err)
	}
	dst := filepath.Join(qdir, fmt.Sprintf("%s_%d", id, time.Now().Unix()))
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("session: quarantine %q: %w", id, err)
	}
	slog.Warn("session quarantined", "session_id", id, "moved_to", dst)
	return dst, nil
}

// validateLoaded rejects metadata that cannot have been produced by a
// healthy writer.
func validateLoaded(s *Session) error {
	if s.ID == "" {
		return errors.New("missing id")
	}
	if s.ChatID == "" {
		return errors.New("missing chat_id")
	}
	if !s.State.IsValid() {
		return fmt.Errorf("impossible state %q", s.State)
	}
	for i := range s.AudioEntries {
		seg := &s.AudioEntries[i]
		if seg.Sequence != i+1 {
			return fmt.Errorf("audio entry %d has sequence %d, want %d", i, seg.Sequence, i+1)
		}
		if !isHexDigest(seg.Checksum) {
			return fmt.Errorf("audio entry %d has malformed checksum %q", seg.Sequence, seg.Checksum)
		}
		if !seg.TranscriptionStatus.IsValid() {
			return fmt.Errorf("audio entry %d has unknown status %q", seg.Sequence, seg.TranscriptionStatus)
		}
		if seg.LocalFilename == "" {
			return fmt.Errorf("audio entry %d has no filename", seg.Sequence)
		}
	}
	return nil
}

// isHexDigest reports whether s is a lowercase hex SHA-256 digest.
func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
