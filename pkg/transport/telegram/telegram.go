// Package telegram implements transport.ChatTransport over the Telegram Bot
// API using plain net/http and long polling.
//
// No SDK is used: the Bot API is a small JSON-over-HTTPS surface and the
// orchestrator only needs seven methods (getUpdates, sendMessage,
// editMessageText, sendVoice, sendDocument, getFile, answerCallbackQuery).
//
// Typical usage:
//
//	tp, err := telegram.New(os.Getenv("ORACULO_BOT_TOKEN"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go tp.Run(ctx)
//	for ev := range tp.Events() {
//	    ...
//	}
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pveiga/oraculo/pkg/transport"
)

// Compile-time interface assertion.
var _ transport.ChatTransport = (*Transport)(nil)

const (
	defaultBaseURL = "https://api.telegram.org"
	defaultTimeout = 30 * time.Second

	// defaultPollSeconds is the getUpdates long-poll timeout requested from
	// the API, in seconds.
	defaultPollSeconds = 30

	// eventBufferSize bounds the inbound event channel. When the consumer
	// falls behind, the poll loop blocks, which is the desired backpressure.
	eventBufferSize = 32

	maxPollBackoff = 30 * time.Second
)

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithBaseURL overrides the Bot API base URL. Intended for tests.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = strings.TrimRight(url, "/") }
}

// WithTimeout sets the per-request HTTP timeout for outbound calls
// (sends, edits, downloads). Defaults to 30 s. The long-poll client is
// sized independently from the poll timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) { t.httpClient.Timeout = d }
}

// WithPollTimeout sets the getUpdates long-poll timeout in seconds.
// Defaults to 30.
func WithPollTimeout(seconds int) Option {
	return func(t *Transport) { t.pollSeconds = seconds }
}

// Transport implements transport.ChatTransport against the Telegram Bot API.
// It is safe for concurrent use.
type Transport struct {
	token       string
	baseURL     string
	pollSeconds int

	httpClient *http.Client
	pollClient *http.Client

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Transport for the given bot token. The token must be
// non-empty; it is never logged.
func New(token string, opts ...Option) (*Transport, error) {
	if token == "" {
		return nil, errors.New("telegram: token must not be empty")
	}
	t := &Transport{
		token:       token,
		baseURL:     defaultBaseURL,
		pollSeconds: defaultPollSeconds,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		events:      make(chan transport.Event, eventBufferSize),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	// The poll client must outlive the requested long-poll window.
	t.pollClient = &http.Client{
		Timeout: time.Duration(t.pollSeconds)*time.Second + 15*time.Second,
	}
	return t, nil
}

// ---- wire types -------------------------------------------------------------

// apiEnvelope is the uniform Bot API response wrapper.
type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// apiError is a Bot API-level failure (ok=false in the envelope).
type apiError struct {
	method      string
	code        int
	description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram: %s: API error %d: %s", e.method, e.code, e.description)
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *apiMessage    `json:"message"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type apiMessage struct {
	MessageID int64     `json:"message_id"`
	Chat      apiChat   `json:"chat"`
	Text      string    `json:"text"`
	Voice     *apiVoice `json:"voice"`
	Audio     *apiVoice `json:"audio"`
}

type apiChat struct {
	ID int64 `json:"id"`
}

type apiVoice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

type callbackQuery struct {
	ID      string      `json:"id"`
	Data    string      `json:"data"`
	Message *apiMessage `json:"message"`
}

type apiFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

type inlineKeyboardMarkup struct {
	InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard"`
}

type inlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type getUpdatesParams struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

type sendMessageParams struct {
	ChatID      string                `json:"chat_id"`
	Text        string                `json:"text"`
	ReplyMarkup *inlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

type editMessageParams struct {
	ChatID      string                `json:"chat_id"`
	MessageID   int64                 `json:"message_id"`
	Text        string                `json:"text"`
	ReplyMarkup *inlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

type getFileParams struct {
	FileID string `json:"file_id"`
}

type answerCallbackParams struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

// ---- API plumbing -----------------------------------------------------------

// call performs one JSON Bot API request and decodes the envelope result
// into out (when non-nil). API-level failures come back as *apiError.
func (t *Transport) call(ctx context.Context, client *http.Client, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram: %s: marshal params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: %s: create request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	return t.decodeEnvelope(method, resp, out)
}

// decodeEnvelope parses the uniform {ok, result, description} wrapper. The
// API returns the envelope even on non-200 statuses, so the body is decoded
// first and the HTTP status only reported when the body is not an envelope.
func (t *Transport) decodeEnvelope(method string, resp *http.Response, out any) error {
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("telegram: %s: unexpected status %d", method, resp.StatusCode)
		}
		return fmt.Errorf("telegram: %s: decode response: %w", method, err)
	}
	if !env.OK {
		return &apiError{method: method, code: env.ErrorCode, description: env.Description}
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("telegram: %s: decode result: %w", method, err)
		}
	}
	return nil
}

// upload performs one multipart Bot API request carrying the file at path in
// the given form field.
func (t *Transport) upload(ctx context.Context, method, field string, chat transport.ChatID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: %s: open %s: %w", method, path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", string(chat)); err != nil {
		return fmt.Errorf("telegram: %s: write chat_id field: %w", method, err)
	}
	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("telegram: %s: create form file: %w", method, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("telegram: %s: copy file: %w", method, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram: %s: close multipart writer: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL(method), &buf)
	if err != nil {
		return fmt.Errorf("telegram: %s: create request: %w", method, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	return t.decodeEnvelope(method, resp, nil)
}

func (t *Transport) methodURL(method string) string {
	return t.baseURL + "/bot" + t.token + "/" + method
}

// markupFor converts a transport keyboard to Bot API reply markup. A nil
// keyboard yields nil; an empty keyboard yields an empty grid, which removes
// an existing keyboard on edit.
func markupFor(kb *transport.Keyboard) *inlineKeyboardMarkup {
	if kb == nil {
		return nil
	}
	rows := make([][]inlineKeyboardButton, 0, len(kb.Rows))
	for _, r := range kb.Rows {
		row := make([]inlineKeyboardButton, 0, len(r))
		for _, b := range r {
			row = append(row, inlineKeyboardButton{Text: b.Label, CallbackData: b.Token})
		}
		rows = append(rows, row)
	}
	return &inlineKeyboardMarkup{InlineKeyboard: rows}
}

// ---- ChatTransport ----------------------------------------------------------

// SendText implements transport.ChatTransport.
func (t *Transport) SendText(ctx context.Context, chat transport.ChatID, text string, kb *transport.Keyboard) (transport.MessageRef, error) {
	var sent apiMessage
	err := t.call(ctx, t.httpClient, "sendMessage", sendMessageParams{
		ChatID:      string(chat),
		Text:        text,
		ReplyMarkup: markupFor(kb),
	}, &sent)
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{
		Chat:      chat,
		MessageID: strconv.FormatInt(sent.MessageID, 10),
	}, nil
}

// EditText implements transport.ChatTransport. Editing a message to its
// current content is treated as success; the API rejects such edits and the
// progress throttle legitimately produces them.
func (t *Transport) EditText(ctx context.Context, ref transport.MessageRef, text string, kb *transport.Keyboard) error {
	msgID, err := strconv.ParseInt(ref.MessageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: editMessageText: invalid message id %q", ref.MessageID)
	}
	err = t.call(ctx, t.httpClient, "editMessageText", editMessageParams{
		ChatID:      string(ref.Chat),
		MessageID:   msgID,
		Text:        text,
		ReplyMarkup: markupFor(kb),
	}, nil)

	var ae *apiError
	if errors.As(err, &ae) && strings.Contains(ae.description, "message is not modified") {
		return nil
	}
	return err
}

// SendVoice implements transport.ChatTransport.
func (t *Transport) SendVoice(ctx context.Context, chat transport.ChatID, path string) error {
	return t.upload(ctx, "sendVoice", "voice", chat, path)
}

// SendFile implements transport.ChatTransport.
func (t *Transport) SendFile(ctx context.Context, chat transport.ChatID, path string) error {
	return t.upload(ctx, "sendDocument", "document", chat, path)
}

// DownloadVoice implements transport.ChatTransport. It resolves the file_id
// to a server path via getFile and then fetches the bytes from the file
// endpoint.
func (t *Transport) DownloadVoice(ctx context.Context, fileRef string) ([]byte, error) {
	var fi apiFile
	if err := t.call(ctx, t.httpClient, "getFile", getFileParams{FileID: fileRef}, &fi); err != nil {
		return nil, err
	}
	if fi.FilePath == "" {
		return nil, fmt.Errorf("telegram: getFile: empty file_path for %s", fileRef)
	}

	url := t.baseURL + "/file/bot" + t.token + "/" + fi.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: download file: create request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: download file: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram: download file: read body: %w", err)
	}
	return data, nil
}

// AnswerCallback implements transport.ChatTransport.
func (t *Transport) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return t.call(ctx, t.httpClient, "answerCallbackQuery", answerCallbackParams{
		CallbackQueryID: callbackID,
		Text:            text,
	}, nil)
}

// Events implements transport.ChatTransport.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Run implements transport.ChatTransport. It long-polls getUpdates until ctx
// is cancelled or Close is called, converting updates into Events. Poll
// failures back off exponentially up to 30 s.
func (t *Transport) Run(ctx context.Context) error {
	defer close(t.events)

	slog.Info("telegram transport started", "poll_timeout_s", t.pollSeconds)

	var offset int64
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		default:
		}

		var updates []update
		err := t.call(ctx, t.pollClient, "getUpdates", getUpdatesParams{
			Offset:         offset,
			Timeout:        t.pollSeconds,
			AllowedUpdates: []string{"message", "callback_query"},
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("telegram: poll failed", "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-t.done:
				return nil
			}
			backoff = min(backoff*2, maxPollBackoff)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			ev, ok := mapUpdate(u)
			if !ok {
				continue
			}
			select {
			case t.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			case <-t.done:
				return nil
			}
		}
	}
}

// Close implements transport.ChatTransport. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// ---- update mapping ---------------------------------------------------------

// mapUpdate converts one Bot API update into a normalized Event. Updates the
// orchestrator has no use for (stickers, photos, member joins) report ok=false.
func mapUpdate(u update) (transport.Event, bool) {
	switch {
	case u.CallbackQuery != nil:
		cb := u.CallbackQuery
		ev := transport.Event{
			Kind:     transport.EventCallback,
			Callback: &transport.Callback{ID: cb.ID, Token: cb.Data},
		}
		if cb.Message != nil {
			ev.Chat = chatID(cb.Message.Chat.ID)
			ev.MessageID = strconv.FormatInt(cb.Message.MessageID, 10)
		}
		return ev, true

	case u.Message != nil:
		m := u.Message
		ev := transport.Event{
			Chat:      chatID(m.Chat.ID),
			MessageID: strconv.FormatInt(m.MessageID, 10),
		}
		switch {
		case m.Voice != nil, m.Audio != nil:
			v := m.Voice
			if v == nil {
				v = m.Audio
			}
			ev.Kind = transport.EventVoice
			ev.Voice = &transport.Voice{
				FileRef:  v.FileID,
				Duration: time.Duration(v.Duration) * time.Second,
				MimeType: v.MimeType,
				Size:     v.FileSize,
			}
		case strings.HasPrefix(m.Text, "/"):
			name, args := splitCommand(m.Text)
			if name == "" {
				return transport.Event{}, false
			}
			ev.Kind = transport.EventCommand
			ev.Command = name
			ev.Args = args
		case m.Text != "":
			ev.Kind = transport.EventText
			ev.Text = m.Text
		default:
			return transport.Event{}, false
		}
		return ev, true

	default:
		return transport.Event{}, false
	}
}

// splitCommand parses "/cmd@BotName arg1 arg2" into ("cmd", ["arg1", "arg2"]).
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), fields[1:]
}

func chatID(id int64) transport.ChatID {
	return transport.ChatID(strconv.FormatInt(id, 10))
}
