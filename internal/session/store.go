package session

import "path/filepath"

// Paths locates every artifact of one session on disk. All fields are
// absolute once the store root is absolute.
type Paths struct {
	// Root is the session directory itself.
	Root string
	// MetadataFile is the metadata.json snapshot.
	MetadataFile string
	// EmbeddingsFile is the embeddings.json vector file.
	EmbeddingsFile string
	// AudioDir holds captured voice notes.
	AudioDir string
	// TTSDir holds synthesized speech, inside AudioDir.
	TTSDir string
	// TranscriptsDir holds one text file per transcribed segment.
	TranscriptsDir string
	// ResponsesDir holds persisted oracle responses.
	ResponsesDir string
	// LogsDir holds the LLM traffic log.
	LogsDir string
	// ProcessDir holds the consolidated input for artifact runs.
	ProcessDir string
	// OutputDir holds artifact pipeline outputs, inside ProcessDir.
	OutputDir string
}

// PathsFor lays out the session directory structure under root.
func PathsFor(root, id string) Paths {
	dir := filepath.Join(root, id)
	audio := filepath.Join(dir, "audio")
	process := filepath.Join(dir, "process")
	return Paths{
		Root:           dir,
		MetadataFile:   filepath.Join(dir, "metadata.json"),
		EmbeddingsFile: filepath.Join(dir, "embeddings.json"),
		AudioDir:       audio,
		TTSDir:         filepath.Join(audio, "tts"),
		TranscriptsDir: filepath.Join(dir, "transcripts"),
		ResponsesDir:   filepath.Join(dir, "llm_responses"),
		LogsDir:        filepath.Join(dir, "logs"),
		ProcessDir:     process,
		OutputDir:      filepath.Join(process, "output"),
	}
}

// Store persists session metadata and owns the directory layout. The
// filesystem implementation is local and synchronous, so operations take
// no context.
type Store interface {
	// Load reads and validates the metadata of one session. It returns
	// *NotFoundError when the session does not exist and
	// *CorruptSessionError when the metadata fails validation.
	Load(id string) (*Session, error)

	// Save atomically replaces the metadata snapshot, creating the
	// session directory tree on first save.
	Save(s *Session) error

	// List loads every session under the root. Corrupt entries are
	// logged and skipped, not returned as errors.
	List() ([]*Session, error)

	// Delete removes a session directory and everything in it.
	Delete(id string) error

	// Paths returns the directory layout for one session id.
	Paths(id string) Paths

	// Quarantine moves a corrupt session directory aside so it no longer
	// shows up in List, returning the new location.
	Quarantine(id string) (string, error)
}
