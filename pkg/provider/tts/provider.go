// Package tts defines the Synthesizer interface for text-to-speech backends.
//
// A synthesizer wraps a speech synthesis service (a local Coqui server,
// ElevenLabs, or the OpenAI speech API) and produces one encoded audio result
// per request. Synthesis here is batch work hanging off the oracle pipeline,
// not a realtime stream: the full persona response text is known before any
// audio is needed, and the result is written to disk and delivered as a voice
// message.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize converts req.Text into encoded audio. Returns an error if
	// the request fails, the voice is unknown, or ctx is cancelled.
	Synthesize(ctx context.Context, req Request) (*Audio, error)

	// Voices returns the provider's current voice catalogue. The list may
	// change between calls if the underlying service adds or removes voices.
	Voices(ctx context.Context) ([]Voice, error)

	// ProviderID names the backend (e.g. "coqui", "elevenlabs"). Used in
	// logging and status reports.
	ProviderID() string
}
