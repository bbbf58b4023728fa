package stt

// Result represents one finished transcription.
type Result struct {
	// Text is the transcribed speech content, whitespace-trimmed.
	Text string

	// Language is the BCP-47 language code the backend transcribed in. For
	// backends without language detection this echoes the configured language.
	Language string

	// DurationSeconds is the audio duration, when the backend knows it.
	// Zero means unknown.
	DurationSeconds float64

	// Model is the model identifier that produced this result.
	Model string
}

// Progress reports the state of a batch run after each item finishes.
type Progress struct {
	// Index is the zero-based position of the item within the batch.
	Index int

	// Total is the batch size.
	Total int

	// Path is the audio file that was processed.
	Path string

	// Err is nil when the item transcribed cleanly.
	Err error
}

// ProgressFunc receives a Progress value after each batch item. A nil
// ProgressFunc is valid and disables reporting.
type ProgressFunc func(Progress)
