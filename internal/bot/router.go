// Package bot is the conversational layer: it consumes normalized transport
// events, keeps the per-chat state of pending intents and dialogs, and
// renders every reply through the pt-BR message catalog.
//
// One goroutine (Run) owns all per-chat state. Background work — search,
// oracle dispatch, reindexing, transcription progress — posts closures back
// into the loop instead of touching state from other goroutines.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pveiga/oraculo/internal/catalog"
	"github.com/pveiga/oraculo/internal/observe"
	"github.com/pveiga/oraculo/internal/oracle"
	"github.com/pveiga/oraculo/internal/search"
	"github.com/pveiga/oraculo/internal/session"
	"github.com/pveiga/oraculo/internal/speech"
	"github.com/pveiga/oraculo/internal/transcribe"
	"github.com/pveiga/oraculo/pkg/transport"
)

// Config tunes the router.
type Config struct {
	// AllowedChat is the only chat the bot serves; empty allows all (tests).
	AllowedChat transport.ChatID
	// IntentTimeout bounds a pending intent. Defaults to one minute.
	IntentTimeout time.Duration
	// MessageByteCap splits outbound messages. Defaults to 4096.
	MessageByteCap int
	// FileThresholdPages switches delivery to a file attachment. Defaults
	// to 3.
	FileThresholdPages int
	// ProgressInterval throttles progress edits. Defaults to 5s.
	ProgressInterval time.Duration
	// SearchLimit caps one result page. Defaults to 5.
	SearchLimit int
	// SessionsRoot anchors get_file resolution.
	SessionsRoot string
}

func (c Config) withDefaults() Config {
	if c.IntentTimeout <= 0 {
		c.IntentTimeout = time.Minute
	}
	if c.MessageByteCap <= 0 {
		c.MessageByteCap = 4096
	}
	if c.FileThresholdPages <= 0 {
		c.FileThresholdPages = 3
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 5 * time.Second
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 5
	}
	return c
}

// Deps collects the pipeline components the router drives. Speech may be
// nil when TTS is disabled.
type Deps struct {
	Sessions   *session.Manager
	Queue      *transcribe.Queue
	Engine     *search.Engine
	Indexer    *search.Indexer
	Registry   *oracle.Registry
	Dispatcher *oracle.Dispatcher
	Speech     *speech.Pipeline
}

type callbackHandler func(ctx context.Context, ev transport.Event, tok Token) string

// Router owns the conversational state and fans events out to the pipeline
// components.
type Router struct {
	tr       transport.ChatTransport
	sessions *session.Manager
	queue    *transcribe.Queue
	engine   *search.Engine
	indexer  *search.Indexer
	registry *oracle.Registry
	oracles  *oracle.Dispatcher
	speech   *speech.Pipeline
	metrics  *observe.Metrics

	cfg       Config
	clock     func() time.Time
	present   *Presenter
	startedAt time.Time

	chats    map[transport.ChatID]*chatState
	posts    chan func(context.Context)
	handlers map[string]callbackHandler
}

// Option customizes a Router.
type Option func(*Router)

// WithClock injects a deterministic time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) { r.clock = clock }
}

// WithMetrics replaces the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter builds the router and its callback routing table.
func NewRouter(tr transport.ChatTransport, deps Deps, cfg Config, opts ...Option) *Router {
	r := &Router{
		tr:       tr,
		sessions: deps.Sessions,
		queue:    deps.Queue,
		engine:   deps.Engine,
		indexer:  deps.Indexer,
		registry: deps.Registry,
		oracles:  deps.Dispatcher,
		speech:   deps.Speech,
		metrics:  observe.DefaultMetrics(),
		cfg:      cfg.withDefaults(),
		clock:    time.Now,
		chats:    make(map[transport.ChatID]*chatState),
		posts:    make(chan func(context.Context), 64),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.present = newPresenter(tr, r.metrics, r.cfg.ProgressInterval, r.clock)
	r.startedAt = r.clock()
	r.handlers = map[string]callbackHandler{
		NSAction:  r.onAction,
		NSConfirm: r.onConfirm,
		NSRecover: r.onRecover,
		NSPage:    r.onPage,
		NSSearch:  r.onSearchSelect,
		NSPref:    r.onPref,
		NSOracle:  r.onOracle,
		NSToggle:  r.onToggle,
		NSRetry:   r.onRetry,
		NSHelp:    r.onHelp,
		NSGetFile: r.onGetFile,
	}
	return r
}

// Run consumes transport events until ctx is cancelled or the transport
// closes its channel. All chat state is owned by this goroutine.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	events := r.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-r.posts:
			fn(ctx)
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.HandleEvent(ctx, ev)
		case <-ticker.C:
			r.expireIntents(ctx)
		}
	}
}

// post hands a closure to the router loop. Never blocks; when the loop is
// saturated the update is dropped.
func (r *Router) post(fn func(context.Context)) {
	select {
	case r.posts <- fn:
	default:
		slog.Debug("bot: post queue full, update dropped")
	}
}

// HandleEvent dispatches one inbound event. Callers outside Run must not
// use it concurrently with the loop.
func (r *Router) HandleEvent(ctx context.Context, ev transport.Event) {
	r.metrics.RecordTransportEvent(ctx, string(ev.Kind))
	if r.cfg.AllowedChat != "" && ev.Chat != r.cfg.AllowedChat {
		r.refuse(ctx, ev)
		return
	}
	switch ev.Kind {
	case transport.EventCommand:
		r.handleCommand(ctx, ev)
	case transport.EventText:
		r.handleText(ctx, ev)
	case transport.EventVoice:
		r.handleVoice(ctx, ev)
	case transport.EventCallback:
		r.handleCallback(ctx, ev)
	default:
		slog.Warn("bot: unhandled event kind", "kind", ev.Kind)
	}
}

// refuse answers events from chats outside the allow list with a fixed
// reply, once per chat.
func (r *Router) refuse(ctx context.Context, ev transport.Event) {
	if ev.Kind == transport.EventCallback && ev.Callback != nil {
		r.answer(ctx, ev.Callback.ID, "")
	}
	st := r.chat(ev.Chat)
	if st.warned {
		return
	}
	st.warned = true
	slog.Warn("bot: event from chat outside allow list", "chat_id", ev.Chat)
	r.send(ctx, ev.Chat, catalog.Text(catalog.RegisterPlain, catalog.MsgChatNotAllowed), nil)
}

// chat returns the chat's state, creating it on first contact.
func (r *Router) chat(id transport.ChatID) *chatState {
	st, ok := r.chats[id]
	if !ok {
		st = &chatState{}
		r.chats[id] = st
	}
	return st
}

// register resolves the text register for a chat from its sessions'
// preferences: the active session decides, else the most recent one.
func (r *Router) register(chat transport.ChatID) catalog.Register {
	list, err := r.sessions.ListByChat(string(chat))
	if err != nil || len(list) == 0 {
		return catalog.RegisterDecorated
	}
	for _, s := range list {
		if s.State == session.StateCollecting {
			return registerFor(s)
		}
	}
	return registerFor(list[len(list)-1])
}

func registerFor(s *session.Session) catalog.Register {
	if s.UIPreferences.SimplifiedUI {
		return catalog.RegisterPlain
	}
	return catalog.RegisterDecorated
}

// ---- outbound helpers ----

func (r *Router) send(ctx context.Context, chat transport.ChatID, text string, kb *transport.Keyboard) (transport.MessageRef, bool) {
	ref, err := r.tr.SendText(ctx, chat, text, kb)
	if err != nil {
		slog.Warn("bot: send failed", "chat_id", chat, "error", err)
		return transport.MessageRef{}, false
	}
	r.metrics.RecordTransportSend(ctx, "text")
	return ref, true
}

func (r *Router) edit(ctx context.Context, ref transport.MessageRef, text string, kb *transport.Keyboard) bool {
	if err := r.tr.EditText(ctx, ref, text, kb); err != nil {
		slog.Warn("bot: edit failed", "chat_id", ref.Chat, "error", err)
		return false
	}
	r.metrics.RecordTransportSend(ctx, "edit")
	return true
}

func (r *Router) sendVoice(ctx context.Context, chat transport.ChatID, p string) bool {
	if err := r.tr.SendVoice(ctx, chat, p); err != nil {
		slog.Warn("bot: voice send failed", "chat_id", chat, "path", p, "error", err)
		return false
	}
	r.metrics.RecordTransportSend(ctx, "voice")
	return true
}

func (r *Router) sendFile(ctx context.Context, chat transport.ChatID, p string) bool {
	if err := r.tr.SendFile(ctx, chat, p); err != nil {
		slog.Warn("bot: file send failed", "chat_id", chat, "path", p, "error", err)
		return false
	}
	r.metrics.RecordTransportSend(ctx, "file")
	return true
}

func (r *Router) answer(ctx context.Context, callbackID, text string) {
	if err := r.tr.AnswerCallback(ctx, callbackID, text); err != nil {
		slog.Warn("bot: callback answer failed", "callback_id", callbackID, "error", err)
	}
}

// sendError renders err through the catalog with its recovery actions.
func (r *Router) sendError(ctx context.Context, chat transport.ChatID, err error) {
	entry := catalog.Resolve(err)
	if entry.Severity == catalog.SeverityError {
		slog.Error("bot: operation failed", "chat_id", chat, "code", entry.Code, "error", err)
	} else {
		slog.Warn("bot: operation rejected", "chat_id", chat, "code", entry.Code, "error", err)
	}
	reg := r.register(chat)
	r.send(ctx, chat, renderEntry(reg, entry), recoveryActions(entry))
}

// sendCode renders a catalog entry directly, for conditions that never
// materialized as a Go error.
func (r *Router) sendCode(ctx context.Context, chat transport.ChatID, code catalog.Code) {
	entry, ok := catalog.Lookup(code)
	if !ok {
		return
	}
	reg := r.register(chat)
	r.send(ctx, chat, renderEntry(reg, entry), recoveryActions(entry))
}

// deliver sends text, paginating when it exceeds the byte cap. fileRel,
// when non-empty, names the sessions-root-relative file offered as the full
// content; above the page threshold delivery switches to that file. extra
// rows ride below the navigation row.
func (r *Router) deliver(ctx context.Context, chat transport.ChatID, text, fileRel string, extra ...[]transport.Button) {
	reg := r.register(chat)
	pages := paginate(text, r.cfg.MessageByteCap)
	if len(pages) == 1 {
		var kb *transport.Keyboard
		if len(extra) > 0 {
			kb = &transport.Keyboard{Rows: extra}
		}
		r.send(ctx, chat, text, kb)
		return
	}
	pages = paginate(text, r.cfg.MessageByteCap-pageFooterReserve)
	if len(pages) > r.cfg.FileThresholdPages && fileRel != "" {
		if r.sendFile(ctx, chat, filepath.Join(r.cfg.SessionsRoot, filepath.FromSlash(fileRel))) {
			r.send(ctx, chat, catalog.Text(reg, catalog.MsgFileSent), nil)
			return
		}
		// Attachment failed; fall back to pagination.
	}
	ps := &pageState{pages: pages, index: 1, fileRel: fileRel, extra: extra}
	ref, ok := r.send(ctx, chat, pageText(reg, ps), pageKeyboard(reg, ps))
	if !ok {
		return
	}
	ps.ref = ref
	r.chat(chat).page = ps
}

// ---- inbound events ----

func (r *Router) handleCommand(ctx context.Context, ev transport.Event) {
	reg := r.register(ev.Chat)
	switch ev.Command {
	case "start":
		r.send(ctx, ev.Chat, catalog.Text(reg, catalog.MsgWelcome), mainKeyboard(reg))
	case "help":
		r.send(ctx, ev.Chat, catalog.Text(reg, catalog.MsgHelpMain), helpKeyboard(reg))
	case "status":
		r.statusFlow(ctx, ev.Chat)
	case "new":
		r.createFlow(ctx, ev.Chat)
	case "finalize":
		r.finalizeFlow(ctx, ev.Chat)
	case "sessions":
		r.sessionsFlow(ctx, ev.Chat)
	case "search":
		if q := strings.TrimSpace(strings.Join(ev.Args, " ")); q != "" {
			r.searchFlow(ctx, ev.Chat, q)
			return
		}
		r.armIntent(ctx, ev.Chat, intentSearchQuery, "")
	case "oracles":
		r.oraclesFlow(ctx, ev.Chat)
	case "prefs":
		r.prefsFlow(ctx, ev.Chat)
	case "cancel":
		r.cancelIntent(ctx, ev.Chat)
	default:
		r.send(ctx, ev.Chat, catalog.Text(reg, catalog.MsgHelpMain), mainKeyboard(reg))
	}
}

func (r *Router) handleText(ctx context.Context, ev transport.Event) {
	st := r.chat(ev.Chat)
	if it := st.intent; it != nil {
		st.intent = nil
		switch it.kind {
		case intentSearchQuery:
			r.searchFlow(ctx, ev.Chat, strings.TrimSpace(ev.Text))
		case intentRename:
			r.renameFlow(ctx, ev.Chat, it.sessionID, strings.TrimSpace(ev.Text))
		}
		return
	}
	reg := r.register(ev.Chat)
	r.send(ctx, ev.Chat, catalog.Text(reg, catalog.MsgHelpMain), mainKeyboard(reg))
}

// handleVoice runs inline in the loop so sequence numbers follow arrival
// order. A chat without an active session gets one implicitly.
func (r *Router) handleVoice(ctx context.Context, ev transport.Event) {
	if ev.Voice == nil {
		return
	}
	chat := ev.Chat
	active, err := r.sessions.Active(string(chat))
	if err != nil {
		r.sendError(ctx, chat, err)
		return
	}
	created := false
	if active == nil {
		active, err = r.sessions.Create(string(chat))
		if err != nil {
			r.sendError(ctx, chat, err)
			return
		}
		created = true
	}
	data, err := r.tr.DownloadVoice(ctx, ev.Voice.FileRef)
	if err != nil {
		slog.Warn("bot: voice download failed", "chat_id", chat, "file_ref", ev.Voice.FileRef, "error", err)
		r.sendError(ctx, chat, err)
		return
	}
	s, err := r.sessions.AddAudioChunk(active.ID, data, r.clock())
	if err != nil {
		r.sendError(ctx, chat, err)
		return
	}
	reg := r.register(chat)
	if created {
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgSessionCreated, active.ID), nil)
	}
	seq := 0
	if n := len(s.AudioEntries); n > 0 {
		seq = s.AudioEntries[n-1].Sequence
	}
	r.send(ctx, chat, catalog.Text(reg, catalog.MsgAudioReceived, seq, audioMeta(ev.Voice.Duration, len(data))), nil)
}

func (r *Router) handleCallback(ctx context.Context, ev transport.Event) {
	if ev.Callback == nil {
		return
	}
	tok, err := ParseToken(ev.Callback.Token)
	if err != nil {
		slog.Warn("bot: unroutable callback token", "token", ev.Callback.Token, "error", err)
		r.answer(ctx, ev.Callback.ID, "")
		return
	}
	handler := r.handlers[tok.Namespace]
	if handler == nil {
		slog.Warn("bot: no handler for callback namespace", "namespace", tok.Namespace)
		r.answer(ctx, ev.Callback.ID, "")
		return
	}
	toast := handler(ctx, ev, tok)
	r.answer(ctx, ev.Callback.ID, toast)
}

// ---- intents ----

func (r *Router) armIntent(ctx context.Context, chat transport.ChatID, kind intentKind, sessionID string) {
	st := r.chat(chat)
	st.intent = &pendingIntent{kind: kind, sessionID: sessionID, expiresAt: r.clock().Add(r.cfg.IntentTimeout)}
	reg := r.register(chat)
	var id catalog.ID
	switch kind {
	case intentSearchQuery:
		id = catalog.MsgSearchPrompt
	case intentRename:
		id = catalog.MsgRenamePrompt
	}
	kb := transport.NewKeyboard(transport.Row(btn(reg, catalog.BtnCancel, "action:cancel")))
	r.send(ctx, chat, catalog.Text(reg, id), kb)
}

func (r *Router) cancelIntent(ctx context.Context, chat transport.ChatID) {
	r.chat(chat).intent = nil
	reg := r.register(chat)
	r.send(ctx, chat, catalog.Text(reg, catalog.MsgCancelled), nil)
}

// expireIntents cancels timed-out intents with a visible message.
func (r *Router) expireIntents(ctx context.Context) {
	now := r.clock()
	for chat, st := range r.chats {
		if st.intent == nil || now.Before(st.intent.expiresAt) {
			continue
		}
		st.intent = nil
		reg := r.register(chat)
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgIntentExpired), nil)
	}
}

// ---- target resolution ----

// targetSession resolves the session a session-scoped action refers to: the
// explicit selection first, then the active session, then the chat's most
// recent one.
func (r *Router) targetSession(chat transport.ChatID) (string, bool) {
	st := r.chat(chat)
	if st.selected != "" {
		if _, err := r.sessions.Get(st.selected); err == nil {
			return st.selected, true
		}
		st.selected = ""
	}
	if active, err := r.sessions.Active(string(chat)); err == nil && active != nil {
		return active.ID, true
	}
	list, err := r.sessions.ListByChat(string(chat))
	if err != nil || len(list) == 0 {
		return "", false
	}
	return list[len(list)-1].ID, true
}

// readyTarget resolves which READY session an oracle consult refers to.
func (r *Router) readyTarget(chat transport.ChatID) (string, bool) {
	st := r.chat(chat)
	if st.selected != "" {
		if s, err := r.sessions.Get(st.selected); err == nil && s.State == session.StateReady {
			return s.ID, true
		}
	}
	list, err := r.sessions.ListByChat(string(chat))
	if err != nil {
		return "", false
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].State == session.StateReady {
			return list[i].ID, true
		}
	}
	return "", false
}

// retryTarget resolves the session a retry:* token refers to.
func (r *Router) retryTargetSession(chat transport.ChatID) (string, bool) {
	st := r.chat(chat)
	if st.retryTarget != "" {
		if _, err := r.sessions.Get(st.retryTarget); err == nil {
			return st.retryTarget, true
		}
		st.retryTarget = ""
	}
	return r.targetSession(chat)
}

// ---- session flows ----

func (r *Router) createFlow(ctx context.Context, chat transport.ChatID) {
	reg := r.register(chat)
	s, err := r.sessions.Create(string(chat))
	var exists *session.ActiveExistsError
	if errors.As(err, &exists) {
		active, gerr := r.sessions.Get(exists.ActiveID)
		if gerr != nil {
			r.sendError(ctx, chat, gerr)
			return
		}
		text := catalog.Text(reg, catalog.MsgConflictDialog, active.DisplayName(), len(active.AudioEntries))
		r.send(ctx, chat, text, conflictKeyboard(reg))
		return
	}
	if err != nil {
		r.sendError(ctx, chat, err)
		return
	}
	r.send(ctx, chat, catalog.Text(reg, catalog.MsgSessionCreated, s.ID), nil)
}

func (r *Router) finalizeFlow(ctx context.Context, chat transport.ChatID) {
	active, err := r.sessions.Active(string(chat))
	if err != nil {
		r.sendError(ctx, chat, err)
		return
	}
	if active == nil {
		reg := r.register(chat)
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgNoActiveSession), nil)
		return
	}
	r.finalizeSession(ctx, chat, active.ID)
}

// finalizeSession closes the capture phase and enqueues the session,
// reporting either outcome. Returns true when the pipeline accepted it.
func (r *Router) finalizeSession(ctx context.Context, chat transport.ChatID, id string) bool {
	reg := r.register(chat)
	if _, err := r.sessions.Finalize(id); err != nil {
		r.chat(chat).retryTarget = id
		r.sendError(ctx, chat, err)
		return false
	}
	n, err := r.queue.QueueSession(id)
	if err != nil {
		r.chat(chat).retryTarget = id
		r.sendError(ctx, chat, err)
		return false
	}
	r.send(ctx, chat, catalog.Text(reg, catalog.MsgFinalizeStarted, n), nil)
	return true
}

// retryFinalize resumes a finalize that failed at the queue: a session
// already TRANSCRIBING is re-enqueued, anything else goes through the
// normal finalize path.
func (r *Router) retryFinalize(ctx context.Context, chat transport.ChatID, id string) {
	s, err := r.sessions.Get(id)
	if err != nil {
		r.sendError(ctx, chat, err)
		return
	}
	if s.State == session.StateTranscribing {
		n, qerr := r.queue.QueueSession(id)
		if qerr != nil {
			r.sendError(ctx, chat, qerr)
			return
		}
		reg := r.register(chat)
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgFinalizeStarted, n), nil)
		return
	}
	r.finalizeSession(ctx, chat, id)
}

func (r *Router) sessionsFlow(ctx context.Context, chat transport.ChatID) {
	reg := r.register(chat)
	list, err := r.sessions.ListByChat(string(chat))
	if err != nil {
		r.sendError(ctx, chat, err)
		return
	}
	if len(list) == 0 {
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgSessionListEmpty), nil)
		return
	}
	// Most recent first.
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	var b strings.Builder
	b.WriteString(catalog.Text(reg, catalog.MsgSessionListHeader, len(list)))
	for _, s := range list {
		b.WriteString("\n")
		b.WriteString(catalog.Text(reg, catalog.MsgSessionLine, s.ID, s.DisplayName(), catalog.StateLabel(string(s.State)), len(s.AudioEntries)))
	}
	r.deliver(ctx, chat, b.String(), "", selectRows(list)...)
}

func (r *Router) reopenFlow(ctx context.Context, chat transport.ChatID) {
	id, ok := r.targetSession(chat)
	if !ok {
		reg := r.register(chat)
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgSessionListEmpty), nil)
		return
	}
	s, err := r.sessions.Reopen(id)
	if err != nil {
		r.sendError(ctx, chat, err)
		return
	}
	reg := r.register(chat)
	r.send(ctx, chat, catalog.Text(reg, catalog.MsgSessionReopened, s.DisplayName()), nil)
}

func (r *Router) renameFlow(ctx context.Context, chat transport.ChatID, id, name string) {
	reg := r.register(chat)
	if id == "" || name == "" {
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgCancelled), nil)
		return
	}
	s, err := r.sessions.Rename(id, name)
	if err != nil {
		r.sendError(ctx, chat, err)
		return
	}
	r.send(ctx, chat, catalog.Text(reg, catalog.MsgRenamed, s.IntelligibleName), nil)
}

func (r *Router) verifyFlow(ctx context.Context, chat transport.ChatID) {
	id, ok := r.targetSession(chat)
	if !ok {
		reg := r.register(chat)
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgSessionListEmpty), nil)
		return
	}
	rep, err := r.sessions.VerifyIntegrity(id)
	if err != nil {
		r.sendError(ctx, chat, err)
		return
	}
	reg := r.register(chat)
	var b strings.Builder
	b.WriteString(catalog.Text(reg, catalog.MsgIntegrityHeader, id))
	if rep.OK() {
		b.WriteString("\n")
		b.WriteString(catalog.Text(reg, catalog.MsgIntegrityOK, rep.CheckedSegments))
	} else {
		for _, issue := range rep.Issues {
			b.WriteString("\n")
			b.WriteString(catalog.Text(reg, catalog.MsgIntegrityIssue, fmt.Sprintf("áudio %d: %s", issue.Sequence, issue.Detail)))
		}
		for _, orphan := range rep.OrphanFiles {
			b.WriteString("\n")
			b.WriteString(catalog.Text(reg, catalog.MsgIntegrityIssue, fmt.Sprintf("arquivo sem registro: %s", orphan)))
		}
	}
	r.deliver(ctx, chat, b.String(), "")
}

// discardSession drops the session and every derived trace of it.
func (r *Router) discardSession(ctx context.Context, id string) error {
	if err := r.sessions.Discard(id); err != nil {
		return err
	}
	if r.indexer != nil {
		if err := r.indexer.Remove(ctx, id); err != nil {
			slog.Warn("bot: could not drop index entry", "session_id", id, "error", err)
		}
	}
	for _, st := range r.chats {
		if st.selected == id {
			st.selected = ""
		}
		if st.recovery == id {
			st.recovery = ""
		}
		if st.retryTarget == id {
			st.retryTarget = ""
		}
	}
	return nil
}

// ---- search ----

func (r *Router) searchFlow(ctx context.Context, chat transport.ChatID, query string) {
	start := time.Now()
	go func() {
		resp, err := r.engine.Search(ctx, query, string(chat), r.cfg.SearchLimit, 0)
		elapsed := time.Since(start)
		r.post(func(ctx context.Context) {
			if err != nil {
				r.sendError(ctx, chat, err)
				return
			}
			r.metrics.RecordSearch(ctx, strings.ToLower(string(resp.MatchType)), elapsed.Seconds())
			r.renderSearch(ctx, chat, resp)
		})
	}()
}

func (r *Router) renderSearch(ctx context.Context, chat transport.ChatID, resp *search.Response) {
	reg := r.register(chat)
	if len(resp.Results) == 0 {
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgSearchNoResults, resp.Query), nil)
		return
	}
	var b strings.Builder
	b.WriteString(catalog.Text(reg, catalog.MsgSearchResultsHeader, resp.Query, matchLabel(reg, resp.MatchType)))
	for _, res := range resp.Results {
		b.WriteString("\n")
		name := res.Name
		if name == "" {
			name = res.SessionID
		}
		b.WriteString(catalog.Text(reg, catalog.MsgSessionLine, res.SessionID, name, catalog.StateLabel(string(res.State)), res.AudioCount))
		for _, pv := range res.Previews {
			b.WriteString("\n  ")
			b.WriteString(pv.Fragment)
		}
	}
	r.deliver(ctx, chat, b.String(), "", resultRows(resp.Results)...)
}

func matchLabel(reg catalog.Register, mt search.MatchType) string {
	switch mt {
	case search.MatchSemantic:
		return catalog.Text(reg, catalog.MsgSearchModeSemantic)
	case search.MatchText:
		return catalog.Text(reg, catalog.MsgSearchModeText)
	default:
		return catalog.Text(reg, catalog.MsgSearchModeChrono)
	}
}

// ---- oracles ----

func (r *Router) oraclesFlow(ctx context.Context, chat transport.ChatID) {
	reg := r.register(chat)
	personas := r.registry.List()
	if len(personas) == 0 {
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgOracleListEmpty), nil)
		return
	}
	r.send(ctx, chat, catalog.Text(reg, catalog.MsgOracleListHeader), oracleKeyboard(personas))
}

func (r *Router) consultOracle(ctx context.Context, chat transport.ChatID, sessionID, personaID string) {
	reg := r.register(chat)
	r.send(ctx, chat, catalog.Text(reg, catalog.MsgOracleThinking, r.registry.DisplayName(personaID)), nil)
	start := time.Now()
	go func() {
		resp, err := r.oracles.Dispatch(ctx, sessionID, personaID)
		elapsed := time.Since(start)
		r.post(func(ctx context.Context) {
			st := r.chat(chat)
			if err != nil {
				st.retryTarget = sessionID
				st.oracle = &lastOracle{sessionID: sessionID, personaID: personaID}
				r.sendError(ctx, chat, err)
				return
			}
			r.metrics.RecordOracle(ctx, personaID, elapsed.Seconds(), int64(resp.Usage.PromptTokens))
			r.deliverOracle(ctx, chat, resp)
		})
	}()
}

func (r *Router) deliverOracle(ctx context.Context, chat transport.ChatID, resp *oracle.Response) {
	st := r.chat(chat)
	st.oracle = &lastOracle{
		sessionID: resp.SessionID,
		personaID: resp.PersonaID,
		sequence:  resp.Sequence,
		text:      resp.Text,
	}
	reg := r.register(chat)
	text := catalog.Text(reg, catalog.MsgOracleResponseHeader, resp.PersonaName) + "\n\n" + resp.Text
	rel := path.Join(resp.SessionID, "llm_responses", resp.File)
	r.deliver(ctx, chat, text, rel, transport.Row(btn(reg, catalog.BtnListen, "action:listen")))
	r.speakResponse(ctx, chat, st.oracle)
}

// speakResponse runs TTS for an oracle exchange without blocking text
// delivery. Failures are recorded on the session by the pipeline; the text
// already stands on its own.
func (r *Router) speakResponse(ctx context.Context, chat transport.ChatID, lo *lastOracle) {
	if r.speech == nil || lo == nil {
		return
	}
	req := speech.Request{SessionID: lo.sessionID, PersonaID: lo.personaID, Sequence: lo.sequence, Text: lo.text}
	start := time.Now()
	go func() {
		res := r.speech.Synthesize(ctx, req)
		r.metrics.RecordTTS(ctx, ttsOutcome(res), time.Since(start).Seconds())
		if !res.OK {
			return
		}
		r.post(func(ctx context.Context) {
			r.sendVoice(ctx, chat, res.Path)
		})
	}()
}

func ttsOutcome(res speech.Result) string {
	switch {
	case res.Cached:
		return "cached"
	case res.OK:
		return "ok"
	default:
		return "failed"
	}
}

func (r *Router) listenFlow(ctx context.Context, chat transport.ChatID) {
	st := r.chat(chat)
	lo := st.oracle
	if lo == nil || r.speech == nil {
		r.sendCode(ctx, chat, catalog.CodeTTSFailed)
		return
	}
	req := speech.Request{SessionID: lo.sessionID, PersonaID: lo.personaID, Sequence: lo.sequence, Text: lo.text}
	if p, ok := r.speech.Artifact(req); ok {
		r.sendVoice(ctx, chat, p)
		return
	}
	r.speakResponse(ctx, chat, lo)
}

// ---- status ----

func (r *Router) statusFlow(ctx context.Context, chat transport.ChatID) {
	go func() {
		var idx *search.Status
		if r.engine != nil {
			var err error
			if idx, err = r.engine.IndexStatus(ctx); err != nil {
				slog.Warn("bot: index status unavailable", "error", err)
			}
		}
		r.post(func(ctx context.Context) { r.renderStatus(ctx, chat, idx) })
	}()
}

func (r *Router) renderStatus(ctx context.Context, chat transport.ChatID, idx *search.Status) {
	reg := r.register(chat)
	list, err := r.sessions.ListByChat(string(chat))
	if err != nil {
		r.sendError(ctx, chat, err)
		return
	}
	var active *session.Session
	totalAudio, transcribed, pending := 0, 0, 0
	for _, s := range list {
		totalAudio += len(s.AudioEntries)
		transcribed += s.CountByStatus(session.SegmentSuccess)
		if s.State == session.StateTranscribing {
			pending += len(s.PendingSequences())
		}
		if s.State == session.StateCollecting {
			active = s
		}
	}
	var b strings.Builder
	b.WriteString(catalog.Text(reg, catalog.MsgStatusHeader))
	b.WriteString("\n")
	if active != nil {
		b.WriteString(catalog.Text(reg, catalog.MsgStatusActive, active.DisplayName(), catalog.StateLabel(string(active.State))))
	} else {
		b.WriteString(catalog.Text(reg, catalog.MsgStatusNoActive))
	}
	b.WriteString("\n")
	b.WriteString(catalog.Text(reg, catalog.MsgStatusAudio, totalAudio, transcribed))
	b.WriteString("\n")
	b.WriteString(catalog.Text(reg, catalog.MsgStatusQueue, pending))
	if idx != nil {
		b.WriteString("\n")
		b.WriteString(catalog.Text(reg, catalog.MsgStatusIndex, idx.IndexedSessions, idx.TotalSessions))
		if !idx.BackendHealthy || (idx.EmbedBreaker != "" && idx.EmbedBreaker != "closed") {
			b.WriteString("\n")
			b.WriteString(catalog.Text(reg, catalog.MsgStatusDegraded))
		}
	}
	b.WriteString("\n")
	b.WriteString(catalog.Text(reg, catalog.MsgStatusUptime, formatDuration(r.clock().Sub(r.startedAt))))
	r.send(ctx, chat, b.String(), nil)
}

// ---- prefs ----

func (r *Router) prefsFlow(ctx context.Context, chat transport.ChatID) {
	id, ok := r.targetSession(chat)
	if !ok {
		reg := r.register(chat)
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgNoActiveSession), nil)
		return
	}
	s, err := r.sessions.Get(id)
	if err != nil {
		r.sendError(ctx, chat, err)
		return
	}
	reg := r.register(chat)
	ref, ok := r.send(ctx, chat, catalog.Text(reg, catalog.MsgPrefsHeader), prefsKeyboard(reg, s.UIPreferences))
	if ok {
		r.chat(chat).prefsRef = &ref
	}
}

// ---- callback handlers ----

func (r *Router) onAction(ctx context.Context, ev transport.Event, tok Token) string {
	chat := ev.Chat
	switch tok.Verb {
	case "new_session":
		r.createFlow(ctx, chat)
	case "finalize":
		r.finalizeFlow(ctx, chat)
	case "sessions":
		r.sessionsFlow(ctx, chat)
	case "search":
		r.armIntent(ctx, chat, intentSearchQuery, "")
	case "oracles":
		r.oraclesFlow(ctx, chat)
	case "reopen":
		r.reopenFlow(ctx, chat)
	case "rename":
		id, ok := r.targetSession(chat)
		if !ok {
			return catalog.Text(catalog.RegisterPlain, catalog.MsgSessionListEmpty)
		}
		r.armIntent(ctx, chat, intentRename, id)
	case "verify":
		r.verifyFlow(ctx, chat)
	case "listen":
		r.listenFlow(ctx, chat)
	case "cancel":
		r.cancelIntent(ctx, chat)
	default:
		slog.Warn("bot: unknown action verb", "verb", tok.Verb)
	}
	return ""
}

func (r *Router) onConfirm(ctx context.Context, ev transport.Event, tok Token) string {
	if tok.Verb != "new_session" {
		slog.Warn("bot: unknown confirm dialog", "dialog", tok.Verb)
		return ""
	}
	chat := ev.Chat
	reg := r.register(chat)
	active, err := r.sessions.Active(string(chat))
	if err != nil {
		r.sendError(ctx, chat, err)
		return ""
	}
	if active == nil {
		// The conflict vanished while the dialog sat unanswered.
		if tok.Arg != "keep" {
			r.createFlow(ctx, chat)
		}
		return ""
	}
	switch tok.Arg {
	case "finalize":
		if r.finalizeSession(ctx, chat, active.ID) {
			r.createFlow(ctx, chat)
		}
	case "discard":
		if err := r.discardSession(ctx, active.ID); err != nil {
			r.sendError(ctx, chat, err)
			return ""
		}
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgSessionDiscarded, active.ID), nil)
		r.createFlow(ctx, chat)
	case "keep":
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgSessionKept), nil)
	default:
		slog.Warn("bot: unknown confirm choice", "choice", tok.Arg)
	}
	return ""
}

func (r *Router) onRecover(ctx context.Context, ev transport.Event, tok Token) string {
	chat := ev.Chat
	st := r.chat(chat)
	id := st.recovery
	if id == "" {
		if entry, ok := catalog.Lookup(catalog.CodeSessionNotFound); ok {
			return entry.Message
		}
		return ""
	}
	reg := r.register(chat)
	switch tok.Verb {
	case "resume_session":
		s, err := r.sessions.Resume(id)
		if err != nil {
			r.sendError(ctx, chat, err)
			return ""
		}
		st.recovery = ""
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgSessionReopened, s.DisplayName()), nil)
	case "finalize_orphan":
		if r.finalizeSession(ctx, chat, id) {
			st.recovery = ""
		}
	case "discard_orphan":
		if err := r.discardSession(ctx, id); err != nil {
			r.sendError(ctx, chat, err)
			return ""
		}
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgSessionDiscarded, id), nil)
	default:
		slog.Warn("bot: unknown recover verb", "verb", tok.Verb)
	}
	return ""
}

func (r *Router) onPage(ctx context.Context, ev transport.Event, tok Token) string {
	if tok.Verb == "current" {
		return ""
	}
	st := r.chat(ev.Chat)
	ps := st.page
	if ps == nil {
		return ""
	}
	n, err := strconv.Atoi(tok.Verb)
	if err != nil || n < 1 || n > len(ps.pages) {
		slog.Warn("bot: page out of range", "page", tok.Verb)
		return ""
	}
	ps.index = n
	reg := r.register(ev.Chat)
	r.edit(ctx, ps.ref, pageText(reg, ps), pageKeyboard(reg, ps))
	return ""
}

func (r *Router) onSearchSelect(ctx context.Context, ev transport.Event, tok Token) string {
	if tok.Verb != "select" || tok.Arg == "" {
		slog.Warn("bot: unknown search verb", "verb", tok.Verb)
		return ""
	}
	chat := ev.Chat
	s, err := r.sessions.Get(tok.Arg)
	if err != nil {
		r.sendError(ctx, chat, err)
		return ""
	}
	r.chat(chat).selected = s.ID
	reg := r.register(chat)
	text := catalog.Text(reg, catalog.MsgSessionLine, s.ID, s.DisplayName(), catalog.StateLabel(string(s.State)), len(s.AudioEntries))
	r.send(ctx, chat, text, sessionKeyboard(reg, s))
	return ""
}

func (r *Router) onPref(ctx context.Context, ev transport.Event, tok Token) string {
	if tok.Verb != "show" {
		slog.Warn("bot: unknown pref verb", "verb", tok.Verb)
		return ""
	}
	r.prefsFlow(ctx, ev.Chat)
	return ""
}

func (r *Router) onOracle(ctx context.Context, ev transport.Event, tok Token) string {
	chat := ev.Chat
	id, ok := r.readyTarget(chat)
	if !ok {
		r.sendCode(ctx, chat, catalog.CodeSessionNotReady)
		return ""
	}
	r.consultOracle(ctx, chat, id, tok.Verb)
	return ""
}

func (r *Router) onToggle(ctx context.Context, ev transport.Event, tok Token) string {
	chat := ev.Chat
	id, ok := r.targetSession(chat)
	if !ok {
		return catalog.Text(catalog.RegisterPlain, catalog.MsgNoActiveSession)
	}
	var pref session.Preference
	switch tok.Verb {
	case "history":
		pref = session.PrefIncludeLLMHistory
	case "simple":
		pref = session.PrefSimplifiedUI
	default:
		slog.Warn("bot: unknown toggle flag", "flag", tok.Verb)
		return ""
	}
	s, err := r.sessions.TogglePreference(id, pref)
	if err != nil {
		r.sendError(ctx, chat, err)
		return ""
	}
	// Re-resolve after the toggle so a register switch shows immediately.
	reg := r.register(chat)
	st := r.chat(chat)
	if st.prefsRef != nil && r.edit(ctx, *st.prefsRef, catalog.Text(reg, catalog.MsgPrefsHeader), prefsKeyboard(reg, s.UIPreferences)) {
		return catalog.Text(reg, catalog.MsgPrefUpdated)
	}
	r.send(ctx, chat, catalog.Text(reg, catalog.MsgPrefUpdated), prefsKeyboard(reg, s.UIPreferences))
	return ""
}

func (r *Router) onRetry(ctx context.Context, ev transport.Event, tok Token) string {
	chat := ev.Chat
	switch tok.Verb {
	case "failed":
		id, ok := r.retryTargetSession(chat)
		if !ok {
			return catalog.Text(catalog.RegisterPlain, catalog.MsgSessionListEmpty)
		}
		n, err := r.queue.RetryFailed(id)
		if err != nil {
			r.sendError(ctx, chat, err)
			return ""
		}
		reg := r.register(chat)
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgFinalizeStarted, n), nil)
	case "finalize":
		id, ok := r.retryTargetSession(chat)
		if !ok {
			return catalog.Text(catalog.RegisterPlain, catalog.MsgSessionListEmpty)
		}
		r.retryFinalize(ctx, chat, id)
	case "index":
		r.reindexFlow(ctx, chat)
	case "oracle":
		lo := r.chat(chat).oracle
		if lo == nil {
			return ""
		}
		r.consultOracle(ctx, chat, lo.sessionID, lo.personaID)
	case "tts":
		r.listenFlow(ctx, chat)
	default:
		slog.Warn("bot: unknown retry verb", "verb", tok.Verb)
	}
	return ""
}

func (r *Router) reindexFlow(ctx context.Context, chat transport.ChatID) {
	id, ok := r.retryTargetSession(chat)
	if !ok {
		r.sendCode(ctx, chat, catalog.CodeSessionNotReady)
		return
	}
	go func() {
		err := r.indexer.Reindex(ctx, id)
		r.post(func(ctx context.Context) {
			if err != nil {
				r.sendError(ctx, chat, err)
				return
			}
			name := id
			if s, gerr := r.sessions.Get(id); gerr == nil {
				name = s.DisplayName()
			}
			reg := r.register(chat)
			r.send(ctx, chat, catalog.Text(reg, catalog.MsgSessionReady, name), nil)
		})
	}()
}

func (r *Router) onHelp(ctx context.Context, ev transport.Event, tok Token) string {
	reg := r.register(ev.Chat)
	var id catalog.ID
	switch tok.Verb {
	case "sessions":
		id = catalog.MsgHelpSessions
	case "search":
		id = catalog.MsgHelpSearch
	case "oracles":
		id = catalog.MsgHelpOracles
	default:
		r.send(ctx, ev.Chat, catalog.Text(reg, catalog.MsgHelpMain), helpKeyboard(reg))
		return ""
	}
	r.send(ctx, ev.Chat, catalog.Text(reg, id), nil)
	return ""
}

func (r *Router) onGetFile(ctx context.Context, ev transport.Event, tok Token) string {
	p, err := r.resolveFile(tok.Verb)
	if err != nil {
		slog.Warn("bot: rejected file request", "rel", tok.Verb, "error", err)
		return ""
	}
	if r.sendFile(ctx, ev.Chat, p) {
		return catalog.Text(r.register(ev.Chat), catalog.MsgFileSent)
	}
	return ""
}

// resolveFile maps a sessions-root-relative path to an absolute one,
// refusing anything that escapes the root.
func (r *Router) resolveFile(rel string) (string, error) {
	if rel == "" || path.IsAbs(rel) {
		return "", fmt.Errorf("bot: invalid file path %q", rel)
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("bot: path escapes sessions root: %q", rel)
	}
	return filepath.Join(r.cfg.SessionsRoot, filepath.FromSlash(clean)), nil
}

// ---- pipeline hooks ----

// OnProgress receives queue progress events. Safe to call from any
// goroutine.
func (r *Router) OnProgress(ev transcribe.ProgressEvent) {
	r.post(func(ctx context.Context) { r.renderProgress(ctx, ev) })
}

func (r *Router) renderProgress(ctx context.Context, ev transcribe.ProgressEvent) {
	s, err := r.sessions.Get(ev.SessionID)
	if err != nil {
		return
	}
	chat := transport.ChatID(s.ChatID)
	r.present.Progress(ctx, chat, r.register(chat), ev)
}

// NotifySessionReady posts the ready announcement for a freshly indexed
// session. Safe to call from any goroutine.
func (r *Router) NotifySessionReady(sessionID string) {
	r.post(func(ctx context.Context) {
		s, err := r.sessions.Get(sessionID)
		if err != nil {
			slog.Warn("bot: ready notification for unknown session", "session_id", sessionID, "error", err)
			return
		}
		chat := transport.ChatID(s.ChatID)
		reg := r.register(chat)
		r.send(ctx, chat, catalog.Text(reg, catalog.MsgSessionReady, s.DisplayName()), nil)
	})
}

// NotifyRecovery issues the startup recovery prompt for sessions found
// INTERRUPTED. Safe to call before Run starts; the prompts go out once the
// loop begins draining posts.
func (r *Router) NotifyRecovery(sessions []*session.Session) {
	for _, s := range sessions {
		s := s
		r.post(func(ctx context.Context) {
			chat := transport.ChatID(s.ChatID)
			r.chat(chat).recovery = s.ID
			r.metrics.RecordRecovery(ctx, "interrupted", 1)
			reg := r.register(chat)
			r.send(ctx, chat, catalog.Text(reg, catalog.MsgRecoveryPrompt, s.ID, len(s.AudioEntries)), recoveryKeyboard(reg))
		})
	}
}
