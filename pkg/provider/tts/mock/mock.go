// Package mock provides a test double for the tts.Synthesizer interface.
//
// Script the returned audio through Result (or leave it nil for a small
// deterministic payload derived from the request text), then inspect
// SynthesizeCalls to verify what the caller asked for.
//
// Example:
//
//	s := &mock.Synthesizer{
//	    VoicesResult: []tts.Voice{{ID: "v1", Name: "Alice"}},
//	}
//	out, _ := s.Synthesize(ctx, tts.Request{Text: "olá", VoiceID: "v1"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/pveiga/oraculo/pkg/provider/tts"
)

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Result, when non-nil, is returned by every Synthesize call. When nil,
	// Synthesize fabricates a WAV-tagged payload of the form "wav:<text>" so
	// tests can assert which text was spoken.
	Result *tts.Audio

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// VoicesResult is returned by Voices.
	VoicesResult []tts.Voice

	// VoicesErr, if non-nil, is returned by Voices.
	VoicesErr error

	// ID is the value returned by ProviderID. Defaults to "mock".
	ID string

	// Delay, when positive, makes each Synthesize call sleep (or return early
	// on context cancellation). Useful for pipeline dedup tests.
	Delay time.Duration

	// SynthesizeCalls records every request passed to Synthesize in order.
	SynthesizeCalls []tts.Request
}

// Synthesize records the call and returns the scripted result or error.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	s.mu.Lock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, req)
	result := s.Result
	scriptedErr := s.SynthesizeErr
	delay := s.Delay
	s.mu.Unlock()

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
	if scriptedErr != nil {
		return nil, scriptedErr
	}
	if result != nil {
		return result, nil
	}
	return &tts.Audio{Data: []byte("wav:" + req.Text), Format: "wav", SampleRate: 22050}, nil
}

// Voices returns VoicesResult, VoicesErr.
func (s *Synthesizer) Voices(_ context.Context) ([]tts.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.VoicesErr != nil {
		return nil, s.VoicesErr
	}
	return s.VoicesResult, nil
}

// ProviderID returns ID, or "mock" when unset.
func (s *Synthesizer) ProviderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ID == "" {
		return "mock"
	}
	return s.ID
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (s *Synthesizer) SynthesizeCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = nil
}

// Ensure Synthesizer implements tts.Synthesizer at compile time.
var _ tts.Synthesizer = (*Synthesizer)(nil)
