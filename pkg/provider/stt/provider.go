// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A transcriber wraps a batch transcription engine (a local whisper.cpp model,
// a whisper-server instance, or the OpenAI transcription API) and turns
// recorded audio files into text. Voice notes are short and already complete
// when they reach the pipeline, so each file is submitted as a single
// inference call; there is no streaming surface.
//
// Implementations must be safe for concurrent use. The transcription queue
// serialises calls itself, but health probes may call Ready at any time.
package stt

import (
	"context"
	"errors"
)

// ErrNotLoaded is returned by Transcribe when the backend requires a loaded
// model and Load has not been called (or Unload already ran).
var ErrNotLoaded = errors.New("stt: model not loaded")

// Transcriber is the abstraction over any speech-to-text backend.
//
// Lifecycle: Load is called once at startup before the first Transcribe and
// Unload once during shutdown. Backends without local state (HTTP services)
// may implement both as no-ops and report Ready() == true immediately.
type Transcriber interface {
	// Load prepares the backend, e.g. maps a model file into memory. Calling
	// Load on an already-loaded backend is a no-op.
	Load(ctx context.Context) error

	// Unload releases backend resources. Safe to call more than once.
	Unload() error

	// Ready reports whether Transcribe can be called right now.
	Ready() bool

	// ModelID returns the model identifier used for transcription (e.g.
	// "ggml-large-v3", "whisper-1"). Useful for logging and status reports.
	ModelID() string

	// Transcribe converts one audio file into text. The file may be any
	// container the backend accepts; implementations in this module accept
	// Ogg/Opus, WAV and MP3. Returns ErrNotLoaded when Load has not run.
	Transcribe(ctx context.Context, path string) (*Result, error)

	// TranscribeBatch transcribes several files in order. A failing item does
	// not abort the batch: its slot in the returned slice is nil and the error
	// is reported through onProgress. The returned slice always has
	// len(paths) elements. A non-nil error is returned only when the whole
	// batch cannot proceed (cancelled context, model not loaded).
	TranscribeBatch(ctx context.Context, paths []string, onProgress ProgressFunc) ([]*Result, error)
}
