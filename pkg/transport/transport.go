// Package transport defines the ChatTransport interface that decouples the
// orchestrator from any concrete chat platform.
//
// A transport delivers normalized Events (text, voice, command, callback) on
// a channel and exposes the small set of outbound operations the bot layer
// needs: sending and editing text with inline keyboards, sending voice and
// file attachments, downloading voice payloads, and acknowledging callback
// presses.
//
// Implementations must be safe for concurrent use. The Events channel is
// closed when Run returns.
package transport

import (
	"context"
	"time"
)

// EventKind enumerates the typed events a transport delivers.
type EventKind string

const (
	// EventText is a plain text message.
	EventText EventKind = "text"

	// EventVoice is a message carrying a voice attachment.
	EventVoice EventKind = "voice"

	// EventCommand is a "/command arg..." message, pre-split by the transport.
	EventCommand EventKind = "command"

	// EventCallback is an inline keyboard button press.
	EventCallback EventKind = "callback"
)

// ChatID identifies a chat (or channel) on the transport. The value is
// opaque to the orchestrator; Telegram renders its int64 chat ids as decimal
// strings, Discord uses snowflake strings directly.
type ChatID string

// MessageRef identifies a previously sent message so it can be edited
// in place.
type MessageRef struct {
	// Chat is the chat the message was sent to.
	Chat ChatID

	// MessageID is the transport-specific message identifier.
	MessageID string
}

// Button is a single inline keyboard button. Pressing it delivers an
// EventCallback whose Callback.Token equals Token.
type Button struct {
	// Label is the user-visible button text.
	Label string

	// Token is the opaque callback payload ("namespace:verb[:arg]").
	Token string
}

// Keyboard is a grid of inline buttons attached to a message. A nil
// *Keyboard means no keyboard; an empty one removes an existing keyboard
// on edit.
type Keyboard struct {
	// Rows holds the buttons row by row, top to bottom.
	Rows [][]Button
}

// NewKeyboard builds a Keyboard from rows of buttons.
func NewKeyboard(rows ...[]Button) *Keyboard {
	return &Keyboard{Rows: rows}
}

// Row groups buttons into one keyboard row.
func Row(buttons ...Button) []Button {
	return buttons
}

// Voice describes a voice attachment on an inbound message.
type Voice struct {
	// FileRef is the transport-specific reference used with DownloadVoice
	// (Telegram file_id, Discord attachment URL).
	FileRef string

	// Duration is the duration reported by the transport; zero when unknown.
	Duration time.Duration

	// MimeType is the attachment MIME type when reported (e.g. "audio/ogg").
	MimeType string

	// Size is the attachment size in bytes; zero when unknown.
	Size int64
}

// Callback describes an inline button press.
type Callback struct {
	// ID is the transport acknowledgement handle for AnswerCallback.
	ID string

	// Token is the opaque payload carried by the pressed button.
	Token string
}

// Event is a normalized inbound transport event.
type Event struct {
	// Kind discriminates which of the optional fields are populated.
	Kind EventKind

	// Chat is the originating chat.
	Chat ChatID

	// MessageID is the inbound message id (empty for callbacks without an
	// attached message).
	MessageID string

	// Text is the message text for EventText.
	Text string

	// Command is the command name without the leading slash, for EventCommand.
	Command string

	// Args are the whitespace-split command arguments, for EventCommand.
	Args []string

	// Voice is set for EventVoice.
	Voice *Voice

	// Callback is set for EventCallback.
	Callback *Callback
}

// ChatTransport is the abstraction over a chat platform.
//
// Run drives the inbound event loop and blocks until ctx is cancelled or a
// fatal transport error occurs; the Events channel is closed when Run
// returns. Close releases the underlying connection and is safe to call
// more than once.
type ChatTransport interface {
	// SendText sends text to chat with an optional inline keyboard and
	// returns a reference for later edits.
	SendText(ctx context.Context, chat ChatID, text string, kb *Keyboard) (MessageRef, error)

	// EditText replaces the text (and keyboard) of a previously sent message.
	EditText(ctx context.Context, ref MessageRef, text string, kb *Keyboard) error

	// SendVoice sends the audio file at path as a voice message.
	SendVoice(ctx context.Context, chat ChatID, path string) error

	// SendFile sends the file at path as a document attachment.
	SendFile(ctx context.Context, chat ChatID, path string) error

	// DownloadVoice fetches the raw bytes of a voice attachment.
	DownloadVoice(ctx context.Context, fileRef string) ([]byte, error)

	// AnswerCallback acknowledges a button press. text, when non-empty, is
	// shown to the user as a short notification.
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// Events returns the inbound event channel. The same channel is
	// returned on every call.
	Events() <-chan Event

	// Run starts the inbound loop and blocks until ctx is cancelled.
	Run(ctx context.Context) error

	// Close releases the transport connection.
	Close() error
}
