// Package discord implements transport.ChatTransport over Discord using
// github.com/bwmarrin/discordgo.
//
// The adapter maps channel messages to text/command/voice events (audio
// attachments act as voice notes) and message-component interactions to
// callback events. Inline keyboards are rendered as button component rows.
// Voice duration is not reported by Discord attachments; the capture layer
// probes it from the downloaded bytes instead.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pveiga/oraculo/pkg/transport"
)

// Compile-time interface assertion.
var _ transport.ChatTransport = (*Transport)(nil)

const (
	defaultTimeout = 30 * time.Second

	// eventBufferSize bounds the inbound event channel; gateway handlers
	// block (with shutdown escape) when the consumer falls behind.
	eventBufferSize = 32
)

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithTimeout sets the HTTP timeout used for attachment downloads.
// Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) { t.httpClient.Timeout = d }
}

// Transport implements transport.ChatTransport over the Discord gateway.
// It is safe for concurrent use.
type Transport struct {
	session    *discordgo.Session
	httpClient *http.Client

	events chan transport.Event
	done   chan struct{}

	closeOnce sync.Once

	// emitMu guards the events channel close against concurrent gateway
	// handler sends.
	emitMu sync.RWMutex
	closed bool

	// pending holds interactions awaiting AnswerCallback, keyed by
	// interaction id.
	mu      sync.Mutex
	pending map[string]*discordgo.Interaction
}

// New creates a Transport for the given bot token. The gateway connection is
// established by Run.
func New(token string, opts ...Option) (*Transport, error) {
	if token == "" {
		return nil, errors.New("discord: token must not be empty")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	t := &Transport{
		session:    session,
		httpClient: &http.Client{Timeout: defaultTimeout},
		events:     make(chan transport.Event, eventBufferSize),
		done:       make(chan struct{}),
		pending:    make(map[string]*discordgo.Interaction),
	}
	for _, o := range opts {
		o(t)
	}

	session.AddHandler(t.onMessageCreate)
	session.AddHandler(t.onInteractionCreate)

	return t, nil
}

// ---- inbound ----------------------------------------------------------------

func (t *Transport) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	ev, ok := eventForMessage(m.Message)
	if !ok {
		return
	}
	t.emit(ev)
}

func (t *Transport) onInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}

	t.mu.Lock()
	t.pending[i.ID] = i.Interaction
	t.mu.Unlock()

	ev := transport.Event{
		Kind: transport.EventCallback,
		Chat: transport.ChatID(i.ChannelID),
		Callback: &transport.Callback{
			ID:    i.ID,
			Token: i.MessageComponentData().CustomID,
		},
	}
	if i.Message != nil {
		ev.MessageID = i.Message.ID
	}
	t.emit(ev)
}

// emit delivers one event unless shutdown has begun.
func (t *Transport) emit(ev transport.Event) {
	t.emitMu.RLock()
	defer t.emitMu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// eventForMessage converts a Discord message into a normalized Event. Audio
// attachments take precedence over text; messages without usable content
// report ok=false.
func eventForMessage(m *discordgo.Message) (transport.Event, bool) {
	ev := transport.Event{
		Chat:      transport.ChatID(m.ChannelID),
		MessageID: m.ID,
	}

	if att := firstAudioAttachment(m.Attachments); att != nil {
		ev.Kind = transport.EventVoice
		ev.Voice = &transport.Voice{
			FileRef:  att.URL,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		}
		return ev, true
	}

	switch {
	case strings.HasPrefix(m.Content, "/"):
		name, args := splitCommand(m.Content)
		if name == "" {
			return transport.Event{}, false
		}
		ev.Kind = transport.EventCommand
		ev.Command = name
		ev.Args = args
	case m.Content != "":
		ev.Kind = transport.EventText
		ev.Text = m.Content
	default:
		return transport.Event{}, false
	}
	return ev, true
}

// firstAudioAttachment returns the first attachment that looks like audio,
// by content type or file extension.
func firstAudioAttachment(atts []*discordgo.MessageAttachment) *discordgo.MessageAttachment {
	for _, a := range atts {
		if a == nil {
			continue
		}
		if strings.HasPrefix(a.ContentType, "audio/") {
			return a
		}
		switch strings.ToLower(filepath.Ext(a.Filename)) {
		case ".ogg", ".oga", ".opus", ".mp3", ".wav", ".m4a":
			return a
		}
	}
	return nil
}

// splitCommand parses "/cmd arg1 arg2" into ("cmd", ["arg1", "arg2"]).
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}
	name := strings.TrimPrefix(fields[0], "/")
	return strings.ToLower(name), fields[1:]
}

// ---- outbound ---------------------------------------------------------------

// componentsFor renders a transport keyboard as Discord button rows. A nil
// keyboard yields nil; an empty keyboard yields an empty slice, clearing
// buttons on edit.
func componentsFor(kb *transport.Keyboard) []discordgo.MessageComponent {
	if kb == nil {
		return nil
	}
	comps := make([]discordgo.MessageComponent, 0, len(kb.Rows))
	for _, row := range kb.Rows {
		buttons := make([]discordgo.MessageComponent, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, discordgo.Button{
				Label:    b.Label,
				Style:    discordgo.SecondaryButton,
				CustomID: b.Token,
			})
		}
		comps = append(comps, discordgo.ActionsRow{Components: buttons})
	}
	return comps
}

// SendText implements transport.ChatTransport.
func (t *Transport) SendText(_ context.Context, chat transport.ChatID, text string, kb *transport.Keyboard) (transport.MessageRef, error) {
	msg, err := t.session.ChannelMessageSendComplex(string(chat), &discordgo.MessageSend{
		Content:    text,
		Components: componentsFor(kb),
	})
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("discord: send message: %w", err)
	}
	return transport.MessageRef{Chat: chat, MessageID: msg.ID}, nil
}

// EditText implements transport.ChatTransport.
func (t *Transport) EditText(_ context.Context, ref transport.MessageRef, text string, kb *transport.Keyboard) error {
	edit := &discordgo.MessageEdit{
		Channel: string(ref.Chat),
		ID:      ref.MessageID,
		Content: &text,
	}
	if kb != nil {
		comps := componentsFor(kb)
		edit.Components = &comps
	}
	if _, err := t.session.ChannelMessageEditComplex(edit); err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

// SendVoice implements transport.ChatTransport. Discord has no dedicated
// voice-note upload in the bot API surface, so the audio goes out as a file
// attachment.
func (t *Transport) SendVoice(ctx context.Context, chat transport.ChatID, path string) error {
	return t.SendFile(ctx, chat, path)
}

// SendFile implements transport.ChatTransport.
func (t *Transport) SendFile(_ context.Context, chat transport.ChatID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("discord: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := t.session.ChannelFileSend(string(chat), filepath.Base(path), f); err != nil {
		return fmt.Errorf("discord: send file: %w", err)
	}
	return nil
}

// DownloadVoice implements transport.ChatTransport. fileRef is the
// attachment URL delivered in the voice event.
func (t *Transport) DownloadVoice(ctx context.Context, fileRef string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileRef, nil)
	if err != nil {
		return nil, fmt.Errorf("discord: create download request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discord: download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discord: download attachment: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("discord: download attachment: read body: %w", err)
	}
	return data, nil
}

// AnswerCallback implements transport.ChatTransport. With empty text the
// interaction is acknowledged silently; otherwise an ephemeral notification
// is shown.
func (t *Transport) AnswerCallback(_ context.Context, callbackID string, text string) error {
	t.mu.Lock()
	inter, ok := t.pending[callbackID]
	delete(t.pending, callbackID)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("discord: unknown callback id %q", callbackID)
	}

	if text == "" {
		return t.session.InteractionRespond(inter, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		})
	}
	return t.session.InteractionRespond(inter, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// Events implements transport.ChatTransport.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Run implements transport.ChatTransport. It opens the gateway connection
// and blocks until ctx is cancelled or Close is called, then tears the
// session down and closes the event channel.
func (t *Transport) Run(ctx context.Context) error {
	if err := t.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	slog.Info("discord transport started")

	select {
	case <-ctx.Done():
	case <-t.done:
	}

	// Unblock in-flight emits before the session stops dispatching.
	t.closeOnce.Do(func() { close(t.done) })
	if err := t.session.Close(); err != nil {
		slog.Warn("discord: close session", "err", err)
	}

	t.emitMu.Lock()
	t.closed = true
	t.emitMu.Unlock()
	close(t.events)

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Close implements transport.ChatTransport. It signals shutdown; a running
// Run call performs the actual session teardown. Safe to call more than
// once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
