// Package mock provides a test double for the stt.Transcriber interface.
//
// Script per-path transcripts through Texts and per-path failures through
// Errs, then inspect TranscribeCalls to verify what the caller submitted.
//
// Example:
//
//	tr := &mock.Transcriber{
//	    Texts: map[string]string{"/tmp/001.ogg": "bom dia"},
//	}
//	res, _ := tr.Transcribe(ctx, "/tmp/001.ogg")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/pveiga/oraculo/pkg/provider/stt"
)

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Texts maps an audio file path to the transcript returned for it. Paths
	// not present fall back to DefaultText.
	Texts map[string]string

	// DefaultText is returned for paths absent from Texts.
	DefaultText string

	// Errs maps an audio file path to the error returned for it.
	Errs map[string]error

	// LoadErr, if non-nil, is returned by Load.
	LoadErr error

	// NotReady forces Ready to report false and Transcribe to return
	// stt.ErrNotLoaded.
	NotReady bool

	// Model is the value returned by ModelID. Defaults to "mock".
	Model string

	// Delay, when positive, makes each Transcribe call sleep (or return early
	// on context cancellation). Useful for queue timing tests.
	Delay time.Duration

	// TranscribeCalls records every path passed to Transcribe in order.
	TranscribeCalls []string

	// LoadCalls counts Load invocations; UnloadCalls counts Unload.
	LoadCalls   int
	UnloadCalls int
}

// Load records the call and returns LoadErr.
func (t *Transcriber) Load(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.LoadCalls++
	return t.LoadErr
}

// Unload records the call and returns nil.
func (t *Transcriber) Unload() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.UnloadCalls++
	return nil
}

// Ready reports the inverse of NotReady.
func (t *Transcriber) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.NotReady
}

// ModelID returns Model, or "mock" when unset.
func (t *Transcriber) ModelID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Model == "" {
		return "mock"
	}
	return t.Model
}

// Transcribe records the call and returns the scripted text or error.
func (t *Transcriber) Transcribe(ctx context.Context, path string) (*stt.Result, error) {
	t.mu.Lock()
	t.TranscribeCalls = append(t.TranscribeCalls, path)
	notReady := t.NotReady
	scriptedErr := t.Errs[path]
	text, ok := t.Texts[path]
	if !ok {
		text = t.DefaultText
	}
	model := t.Model
	if model == "" {
		model = "mock"
	}
	delay := t.Delay
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if notReady {
		return nil, stt.ErrNotLoaded
	}
	if scriptedErr != nil {
		return nil, scriptedErr
	}
	return &stt.Result{Text: text, Model: model}, nil
}

// TranscribeBatch runs Transcribe for each path, reporting per-item progress.
func (t *Transcriber) TranscribeBatch(ctx context.Context, paths []string, onProgress stt.ProgressFunc) ([]*stt.Result, error) {
	results := make([]*stt.Result, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := t.Transcribe(ctx, path)
		if err == nil {
			results[i] = res
		}
		if onProgress != nil {
			onProgress(stt.Progress{Index: i, Total: len(paths), Path: path, Err: err})
		}
	}
	return results, nil
}

// TranscribeCallCount returns the number of Transcribe calls. Thread-safe.
func (t *Transcriber) TranscribeCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TranscribeCalls = nil
	t.LoadCalls = 0
	t.UnloadCalls = 0
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
