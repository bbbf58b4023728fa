package tts

// Audio is a finished synthesis result.
type Audio struct {
	// Data is the encoded audio, in the container named by Format.
	Data []byte

	// Format is the container: "wav" or "mp3".
	Format string

	// SampleRate is the sample rate in Hz when the provider reports it.
	// Zero means unknown.
	SampleRate int
}

// Voice describes one selectable synthesis voice.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which backend this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// Request describes a single synthesis call.
type Request struct {
	// Text is the sanitised text to speak. Must be non-empty.
	Text string

	// VoiceID selects the provider voice. Empty selects the provider default
	// where one exists.
	VoiceID string

	// Language is the BCP-47 language code, for providers that need one.
	Language string

	// Speed adjusts the speaking rate where supported. 1.0 is normal; zero
	// means use the provider default.
	Speed float64
}
