// Package mock provides a test double for the transport package interface.
//
// Use Transport to script inbound events and inspect everything the caller
// sent, edited, or answered. Emit pushes events into the channel returned by
// Events; CloseEvents ends the stream so consumer loops terminate.
//
// Example:
//
//	tr := mock.New()
//	go router.Run(ctx, tr)
//	tr.Emit(transport.Event{Kind: transport.EventCommand, Command: "status"})
//	tr.CloseEvents()
package mock

import (
	"context"
	"strconv"
	"sync"

	"github.com/pveiga/oraculo/pkg/transport"
)

// SentText records a single invocation of Transport.SendText.
type SentText struct {
	// Chat is the destination chat.
	Chat transport.ChatID
	// Text is the message body.
	Text string
	// Keyboard is the inline keyboard attached to the message, if any.
	Keyboard *transport.Keyboard
}

// EditedText records a single invocation of Transport.EditText.
type EditedText struct {
	// Ref identifies the message that was edited.
	Ref transport.MessageRef
	// Text is the replacement body.
	Text string
	// Keyboard is the replacement keyboard, if any.
	Keyboard *transport.Keyboard
}

// SentFile records a single invocation of Transport.SendVoice or
// Transport.SendFile.
type SentFile struct {
	// Chat is the destination chat.
	Chat transport.ChatID
	// Path is the local file path that was sent.
	Path string
}

// AnsweredCallback records a single invocation of Transport.AnswerCallback.
type AnsweredCallback struct {
	// ID is the callback identifier that was acknowledged.
	ID string
	// Text is the notification text, empty for a silent acknowledgement.
	Text string
}

// Transport is a mock implementation of transport.ChatTransport.
type Transport struct {
	mu sync.Mutex

	// SendTextErr, if non-nil, is returned as the error from SendText.
	SendTextErr error
	// EditTextErr, if non-nil, is returned as the error from EditText.
	EditTextErr error
	// SendVoiceErr, if non-nil, is returned as the error from SendVoice.
	SendVoiceErr error
	// SendFileErr, if non-nil, is returned as the error from SendFile.
	SendFileErr error
	// AnswerCallbackErr, if non-nil, is returned as the error from
	// AnswerCallback.
	AnswerCallbackErr error

	// DownloadVoiceResult is returned from DownloadVoice when
	// DownloadVoiceErr is nil.
	DownloadVoiceResult []byte
	// DownloadVoiceErr, if non-nil, is returned as the error from
	// DownloadVoice.
	DownloadVoiceErr error

	// SentTexts records every call to SendText.
	SentTexts []SentText
	// EditedTexts records every call to EditText.
	EditedTexts []EditedText
	// SentVoices records every call to SendVoice.
	SentVoices []SentFile
	// SentFiles records every call to SendFile.
	SentFiles []SentFile
	// AnsweredCallbacks records every call to AnswerCallback.
	AnsweredCallbacks []AnsweredCallback
	// Downloads records the file reference of every DownloadVoice call.
	Downloads []string

	nextMessageID int

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
	emitOnce  sync.Once
}

// New creates a Transport with a buffered event channel.
func New() *Transport {
	return &Transport{
		events: make(chan transport.Event, 32),
		done:   make(chan struct{}),
	}
}

// Emit delivers one inbound event to the channel returned by Events.
func (t *Transport) Emit(ev transport.Event) {
	t.events <- ev
}

// CloseEvents closes the event channel, ending consumer loops. Safe to call
// more than once.
func (t *Transport) CloseEvents() {
	t.emitOnce.Do(func() { close(t.events) })
}

// SendText records the call and returns a MessageRef with a sequential
// message id ("1", "2", ...), or SendTextErr.
func (t *Transport) SendText(_ context.Context, chat transport.ChatID, text string, kb *transport.Keyboard) (transport.MessageRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SentTexts = append(t.SentTexts, SentText{Chat: chat, Text: text, Keyboard: kb})
	if t.SendTextErr != nil {
		return transport.MessageRef{}, t.SendTextErr
	}
	t.nextMessageID++
	return transport.MessageRef{Chat: chat, MessageID: strconv.Itoa(t.nextMessageID)}, nil
}

// EditText records the call and returns EditTextErr.
func (t *Transport) EditText(_ context.Context, ref transport.MessageRef, text string, kb *transport.Keyboard) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.EditedTexts = append(t.EditedTexts, EditedText{Ref: ref, Text: text, Keyboard: kb})
	return t.EditTextErr
}

// SendVoice records the call and returns SendVoiceErr.
func (t *Transport) SendVoice(_ context.Context, chat transport.ChatID, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SentVoices = append(t.SentVoices, SentFile{Chat: chat, Path: path})
	return t.SendVoiceErr
}

// SendFile records the call and returns SendFileErr.
func (t *Transport) SendFile(_ context.Context, chat transport.ChatID, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SentFiles = append(t.SentFiles, SentFile{Chat: chat, Path: path})
	return t.SendFileErr
}

// DownloadVoice records the call and returns DownloadVoiceResult,
// DownloadVoiceErr.
func (t *Transport) DownloadVoice(_ context.Context, fileRef string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Downloads = append(t.Downloads, fileRef)
	if t.DownloadVoiceErr != nil {
		return nil, t.DownloadVoiceErr
	}
	return t.DownloadVoiceResult, nil
}

// AnswerCallback records the call and returns AnswerCallbackErr.
func (t *Transport) AnswerCallback(_ context.Context, callbackID string, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AnsweredCallbacks = append(t.AnsweredCallbacks, AnsweredCallback{ID: callbackID, Text: text})
	return t.AnswerCallbackErr
}

// Events returns the channel fed by Emit.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Run blocks until ctx is cancelled or Close is called, then closes the
// event channel.
func (t *Transport) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		t.CloseEvents()
		return ctx.Err()
	case <-t.done:
		t.CloseEvents()
		return nil
	}
}

// Close signals Run to return. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// LastText returns the most recent SendText record, or false when nothing
// was sent.
func (t *Transport) LastText() (SentText, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.SentTexts) == 0 {
		return SentText{}, false
	}
	return t.SentTexts[len(t.SentTexts)-1], true
}

// TextCount returns the number of SendText calls so far. Thread-safe.
func (t *Transport) TextCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.SentTexts)
}

// Reset clears all recorded calls and scripted errors. The event channel is
// left untouched. Thread-safe.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SendTextErr = nil
	t.EditTextErr = nil
	t.SendVoiceErr = nil
	t.SendFileErr = nil
	t.AnswerCallbackErr = nil
	t.DownloadVoiceResult = nil
	t.DownloadVoiceErr = nil
	t.SentTexts = nil
	t.EditedTexts = nil
	t.SentVoices = nil
	t.SentFiles = nil
	t.AnsweredCallbacks = nil
	t.Downloads = nil
	t.nextMessageID = 0
}

// Ensure Transport implements transport.ChatTransport at compile time.
var _ transport.ChatTransport = (*Transport)(nil)
