// This file contains the Native implementation backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/pveiga/oraculo/pkg/audio"
	"github.com/pveiga/oraculo/pkg/provider/stt"
)

// Compile-time assertion that Native satisfies stt.Transcriber.
var _ stt.Transcriber = (*Native)(nil)

// Native implements stt.Transcriber using whisper.cpp Go bindings (CGO),
// eliminating HTTP overhead entirely. The model file is mapped into memory by
// Load and shared by all inferences; each Transcribe call runs in a fresh
// whisper context because contexts are not reusable concurrently.
type Native struct {
	modelPath string
	language  string

	mu    sync.Mutex
	model whisperlib.Model
}

// NativeOption is a functional option for configuring a Native transcriber.
type NativeOption func(*Native)

// WithNativeLanguage sets the BCP-47 language code for transcription (e.g.
// "pt", "en", or "auto" for detection). Defaults to "pt".
func WithNativeLanguage(lang string) NativeOption {
	return func(n *Native) { n.language = lang }
}

// NewNative creates a Native transcriber for the whisper.cpp model at
// modelPath. The model is not loaded until Load is called, so construction is
// cheap and the supervisor controls when the expensive mapping happens.
func NewNative(modelPath string, opts ...NativeOption) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	n := &Native{
		modelPath: modelPath,
		language:  defaultLanguage,
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Load maps the model file into memory. Calling Load on an already-loaded
// transcriber is a no-op.
func (n *Native) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("whisper: load cancelled: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.model != nil {
		return nil
	}
	model, err := whisperlib.New(n.modelPath)
	if err != nil {
		return fmt.Errorf("whisper: load model %q: %w", n.modelPath, err)
	}
	n.model = model
	return nil
}

// Unload releases the model. Safe to call more than once.
func (n *Native) Unload() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.model == nil {
		return nil
	}
	err := n.model.Close()
	n.model = nil
	return err
}

// Ready reports whether the model is loaded.
func (n *Native) Ready() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.model != nil
}

// ModelID returns the model file name without its extension, e.g.
// "ggml-large-v3".
func (n *Native) ModelID() string {
	base := filepath.Base(n.modelPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Transcribe decodes the audio file, normalises it to 16 kHz mono and runs
// whisper.cpp inference on it.
func (n *Native) Transcribe(ctx context.Context, path string) (*stt.Result, error) {
	n.mu.Lock()
	model := n.model
	n.mu.Unlock()
	if model == nil {
		return nil, stt.ErrNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pcm, err := audio.DecodeFile(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: decode %q: %w", path, err)
	}
	duration := pcm.DurationSeconds()

	pcm, err = pcm.Mono().Resampled(whisperSampleRate)
	if err != nil {
		return nil, fmt.Errorf("whisper: resample %q: %w", path, err)
	}

	text, err := n.infer(model, pcmToFloat32(pcm.Data))
	if err != nil {
		return nil, err
	}
	return &stt.Result{
		Text:            strings.TrimSpace(text),
		Language:        n.language,
		DurationSeconds: duration,
		Model:           n.ModelID(),
	}, nil
}

// TranscribeBatch transcribes each file in order against the shared model.
// Per-item failures are reported through onProgress and leave a nil slot.
func (n *Native) TranscribeBatch(ctx context.Context, paths []string, onProgress stt.ProgressFunc) ([]*stt.Result, error) {
	if !n.Ready() {
		return nil, stt.ErrNotLoaded
	}
	results := make([]*stt.Result, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := n.Transcribe(ctx, path)
		if err == nil {
			results[i] = res
		}
		if onProgress != nil {
			onProgress(stt.Progress{Index: i, Total: len(paths), Path: path, Err: err})
		}
	}
	return results, nil
}

// infer runs whisper.cpp inference on normalised float32 samples using a
// fresh context and returns the concatenated segment text.
func (n *Native) infer(model whisperlib.Model, samples []float32) (string, error) {
	// Each context is NOT thread-safe, but the model can be shared.
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(n.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", n.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
