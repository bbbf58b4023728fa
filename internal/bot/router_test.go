package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pveiga/oraculo/internal/catalog"
	"github.com/pveiga/oraculo/internal/oracle"
	"github.com/pveiga/oraculo/internal/search"
	"github.com/pveiga/oraculo/internal/session"
	"github.com/pveiga/oraculo/internal/speech"
	"github.com/pveiga/oraculo/internal/transcribe"
	embmock "github.com/pveiga/oraculo/pkg/provider/embeddings/mock"
	"github.com/pveiga/oraculo/pkg/provider/llm"
	llmmock "github.com/pveiga/oraculo/pkg/provider/llm/mock"
	sttmock "github.com/pveiga/oraculo/pkg/provider/stt/mock"
	ttsmock "github.com/pveiga/oraculo/pkg/provider/tts/mock"
	"github.com/pveiga/oraculo/pkg/transport"
	trmock "github.com/pveiga/oraculo/pkg/transport/mock"
)

// routerEnv wires a Router over real pipeline components, mock providers
// and a mock transport, all rooted in a per-test directory. The queue is
// never started; enqueued work just accumulates.
type routerEnv struct {
	tr     *trmock.Transport
	mgr    *session.Manager
	queue  *transcribe.Queue
	llm    *llmmock.Provider
	tts    *ttsmock.Synthesizer
	router *Router

	root string
	// now feeds every component clock; advance it to trigger timeouts.
	now time.Time
}

func newTestRouter(t *testing.T, cfg Config) *routerEnv {
	t.Helper()
	root := t.TempDir()
	store, err := session.NewFSStore(root)
	if err != nil {
		t.Fatalf("NewFSStore() error: %v", err)
	}

	env := &routerEnv{
		tr: trmock.New(),
		llm: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
			Content: "O caminho é seguir.",
			Usage:   llm.Usage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
		}},
		tts:  &ttsmock.Synthesizer{},
		root: root,
		now:  time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }
	env.tr.DownloadVoiceResult = []byte("primeira nota")

	env.mgr = session.NewManager(store, session.WithClock(clock))
	env.queue = transcribe.New(env.mgr, &sttmock.Transcriber{DefaultText: "olá"}, transcribe.Config{})

	embedder := &embmock.Provider{
		EmbedResult:     []float32{0.1, 0.2, 0.7},
		DimensionsValue: 3,
		ModelIDValue:    "embed-test",
	}
	index := search.NewFSIndex(env.mgr)
	engine := search.NewEngine(env.mgr, embedder, index, search.Config{})
	indexer := search.NewIndexer(env.mgr, embedder, index)

	personaDir := t.TempDir()
	writePersona(t, personaDir, "sabio.md", "# Sábio\n\nVocê é um conselheiro sereno.\n\n{{CONTEXT}}\n")
	registry := oracle.NewRegistry(personaDir)
	dispatcher := oracle.NewDispatcher(env.mgr, registry, env.llm, oracle.Config{})

	pipe := speech.NewPipeline(env.mgr, env.tts, speech.Config{Enabled: true, Format: "wav"})

	if cfg.SessionsRoot == "" {
		cfg.SessionsRoot = root
	}
	env.router = NewRouter(env.tr, Deps{
		Sessions:   env.mgr,
		Queue:      env.queue,
		Engine:     engine,
		Indexer:    indexer,
		Registry:   registry,
		Dispatcher: dispatcher,
		Speech:     pipe,
	}, cfg, WithClock(clock))
	return env
}

func writePersona(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write persona: %v", err)
	}
}

// handle feeds one event through the router on the test goroutine.
func (env *routerEnv) handle(t *testing.T, ev transport.Event) {
	t.Helper()
	env.router.HandleEvent(context.Background(), ev)
}

// drain waits for one closure posted by a background flow and runs it on
// the calling goroutine, standing in for the Run loop.
func (env *routerEnv) drain(t *testing.T) {
	t.Helper()
	select {
	case fn := <-env.router.posts:
		fn(context.Background())
	case <-time.After(2 * time.Second):
		t.Fatal("no update reached the router loop within 2s")
	}
}

// collecting creates a COLLECTING session for chat with n distinct chunks.
func (env *routerEnv) collecting(t *testing.T, chat string, n int) *session.Session {
	t.Helper()
	s, err := env.mgr.Create(chat)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := env.mgr.AddAudioChunk(s.ID, []byte(fmt.Sprintf("nota %d", i+1)), env.now); err != nil {
			t.Fatalf("AddAudioChunk() error: %v", err)
		}
	}
	got, err := env.mgr.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	return got
}

// ready walks one session through the whole pipeline to READY, with a
// single transcribed segment whose transcript holds text.
func (env *routerEnv) ready(t *testing.T, chat, text string) *session.Session {
	t.Helper()
	s := env.collecting(t, chat, 1)
	if _, err := env.mgr.Finalize(s.ID); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if _, err := env.mgr.MarkSegment(s.ID, 1, session.SegmentSuccess, "001_nota.txt"); err != nil {
		t.Fatalf("MarkSegment() error: %v", err)
	}
	env.writeTranscript(t, s.ID, "001_nota.txt", text)
	if _, err := env.mgr.FinishTranscription(s.ID); err != nil {
		t.Fatalf("FinishTranscription() error: %v", err)
	}
	if _, err := env.mgr.BeginEmbedding(s.ID); err != nil {
		t.Fatalf("BeginEmbedding() error: %v", err)
	}
	got, err := env.mgr.FinishEmbedding(s.ID, nil)
	if err != nil {
		t.Fatalf("FinishEmbedding() error: %v", err)
	}
	return got
}

func (env *routerEnv) writeTranscript(t *testing.T, id, name, text string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(env.mgr.Paths(id).TranscriptsDir, name), []byte(text), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
}

func command(chat transport.ChatID, name string, args ...string) transport.Event {
	return transport.Event{Kind: transport.EventCommand, Chat: chat, Command: name, Args: args}
}

func textEvent(chat transport.ChatID, text string) transport.Event {
	return transport.Event{Kind: transport.EventText, Chat: chat, Text: text}
}

func voiceEvent(chat transport.ChatID, fileRef string, d time.Duration) transport.Event {
	return transport.Event{Kind: transport.EventVoice, Chat: chat, Voice: &transport.Voice{FileRef: fileRef, Duration: d}}
}

func callbackEvent(chat transport.ChatID, id, token string) transport.Event {
	return transport.Event{Kind: transport.EventCallback, Chat: chat, Callback: &transport.Callback{ID: id, Token: token}}
}

func wantText(t *testing.T, got trmock.SentText, want string) {
	t.Helper()
	if got.Text != want {
		t.Errorf("text = %q, want %q", got.Text, want)
	}
}

func TestRouterStartShowsWelcome(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})

	env.handle(t, command("123", "start"))

	if env.tr.TextCount() != 1 {
		t.Fatalf("sends = %d, want 1", env.tr.TextCount())
	}
	wantText(t, env.tr.SentTexts[0], catalog.Text(catalog.RegisterDecorated, catalog.MsgWelcome))
	kb := env.tr.SentTexts[0].Keyboard
	if kb == nil || len(kb.Rows) != 4 {
		t.Fatalf("welcome keyboard = %+v, want 4 rows", kb)
	}
	if kb.Rows[0][0].Token != "action:new_session" || kb.Rows[0][1].Token != "action:finalize" {
		t.Errorf("first row tokens = %q, %q", kb.Rows[0][0].Token, kb.Rows[0][1].Token)
	}
	if kb.Rows[3][0].Token != "help:main" {
		t.Errorf("last row token = %q, want help:main", kb.Rows[3][0].Token)
	}
}

func TestRouterFallbackHelp(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	helpText := catalog.Text(catalog.RegisterDecorated, catalog.MsgHelpMain)

	env.handle(t, command("123", "fly_me_to_the_moon"))
	env.handle(t, textEvent("123", "bom dia"))

	if env.tr.TextCount() != 2 {
		t.Fatalf("sends = %d, want 2", env.tr.TextCount())
	}
	for i := range env.tr.SentTexts {
		wantText(t, env.tr.SentTexts[i], helpText)
		if env.tr.SentTexts[i].Keyboard == nil {
			t.Errorf("send %d carries no keyboard", i)
		}
	}

	env.handle(t, callbackEvent("123", "cb1", "help:oracles"))
	wantText(t, env.tr.SentTexts[2], catalog.Text(catalog.RegisterDecorated, catalog.MsgHelpOracles))
	if len(env.tr.AnsweredCallbacks) != 1 {
		t.Errorf("answered callbacks = %d, want 1", len(env.tr.AnsweredCallbacks))
	}
}

func TestRouterDisallowedChatRefusedOnce(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{AllowedChat: "123"})

	env.handle(t, command("999", "start"))
	env.handle(t, textEvent("999", "oi"))
	env.handle(t, callbackEvent("999", "cb1", "action:sessions"))

	if env.tr.TextCount() != 1 {
		t.Fatalf("refusal sends = %d, want exactly 1", env.tr.TextCount())
	}
	wantText(t, env.tr.SentTexts[0], catalog.Text(catalog.RegisterPlain, catalog.MsgChatNotAllowed))
	if len(env.tr.AnsweredCallbacks) != 1 || env.tr.AnsweredCallbacks[0].Text != "" {
		t.Errorf("callback from refused chat must still be acknowledged, got %+v", env.tr.AnsweredCallbacks)
	}

	env.handle(t, command("123", "start"))
	wantText(t, env.tr.SentTexts[1], catalog.Text(catalog.RegisterDecorated, catalog.MsgWelcome))
}

func TestRouterVoiceCaptureReceipts(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	reg := catalog.RegisterDecorated

	env.handle(t, voiceEvent("123", "file-1", 42*time.Second))

	active, err := env.mgr.Active("123")
	if err != nil || active == nil {
		t.Fatalf("Active() = %v, %v, want implicit session", active, err)
	}
	if env.tr.TextCount() != 2 {
		t.Fatalf("sends = %d, want creation message plus receipt", env.tr.TextCount())
	}
	wantText(t, env.tr.SentTexts[0], catalog.Text(reg, catalog.MsgSessionCreated, active.ID))
	wantText(t, env.tr.SentTexts[1], catalog.Text(reg, catalog.MsgAudioReceived, 1, "42s"))

	// Second note: no duration reported, receipt falls back to size.
	env.tr.DownloadVoiceResult = []byte("segunda nota")
	env.handle(t, voiceEvent("123", "file-2", 0))
	wantText(t, env.tr.SentTexts[2], catalog.Text(reg, catalog.MsgAudioReceived, 2, "1 KB"))

	// Transport replay of the same payload is absorbed without a new segment.
	env.handle(t, voiceEvent("123", "file-3", 0))
	wantText(t, env.tr.SentTexts[3], catalog.Text(reg, catalog.MsgAudioReceived, 2, "1 KB"))
	s, err := env.mgr.Get(active.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if len(s.AudioEntries) != 2 {
		t.Errorf("AudioEntries = %d, want 2 after replay", len(s.AudioEntries))
	}
	if got := env.tr.Downloads; len(got) != 3 || got[0] != "file-1" || got[2] != "file-3" {
		t.Errorf("downloads = %v", got)
	}
}

func TestRouterVoiceDownloadFailure(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	env.tr.DownloadVoiceErr = errors.New("rede caiu")

	env.handle(t, voiceEvent("123", "file-1", time.Second))

	if env.tr.TextCount() != 1 {
		t.Fatalf("sends = %d, want only the error entry", env.tr.TextCount())
	}
	entry, _ := catalog.Lookup(catalog.CodeInternal)
	wantText(t, env.tr.SentTexts[0], renderEntry(catalog.RegisterDecorated, entry))

	// The implicit session was created before the download failed and
	// stays usable for a retry.
	active, err := env.mgr.Active("123")
	if err != nil || active == nil {
		t.Fatalf("Active() = %v, %v, want surviving session", active, err)
	}
	if len(active.AudioEntries) != 0 {
		t.Errorf("AudioEntries = %d, want none recorded", len(active.AudioEntries))
	}
}

func TestRouterNewConflictDialog(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	s := env.collecting(t, "123", 2)

	env.handle(t, command("123", "new"))

	if env.tr.TextCount() != 1 {
		t.Fatalf("sends = %d, want 1", env.tr.TextCount())
	}
	wantText(t, env.tr.SentTexts[0], catalog.Text(catalog.RegisterDecorated, catalog.MsgConflictDialog, s.DisplayName(), 2))
	kb := env.tr.SentTexts[0].Keyboard
	if kb == nil || len(kb.Rows) != 3 {
		t.Fatalf("conflict keyboard = %+v, want 3 rows", kb)
	}
	wantTokens := []string{"confirm:new_session:finalize", "confirm:new_session:discard", "confirm:new_session:keep"}
	for i, want := range wantTokens {
		if kb.Rows[i][0].Token != want {
			t.Errorf("row %d token = %q, want %q", i, kb.Rows[i][0].Token, want)
		}
	}
}

func TestRouterConflictResolutions(t *testing.T) {
	t.Parallel()

	t.Run("finalize current then create", func(t *testing.T) {
		t.Parallel()
		env := newTestRouter(t, Config{})
		old := env.collecting(t, "123", 1)
		env.handle(t, command("123", "new"))

		env.handle(t, callbackEvent("123", "cb1", "confirm:new_session:finalize"))

		wantText(t, env.tr.SentTexts[1], catalog.Text(catalog.RegisterDecorated, catalog.MsgFinalizeStarted, 1))
		oldNow, err := env.mgr.Get(old.ID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if oldNow.State != session.StateTranscribing {
			t.Errorf("old session state = %s, want TRANSCRIBING", oldNow.State)
		}
		active, err := env.mgr.Active("123")
		if err != nil || active == nil {
			t.Fatalf("Active() = %v, %v, want fresh session", active, err)
		}
		if active.ID == old.ID {
			t.Errorf("new session reused id %s", active.ID)
		}
		wantText(t, env.tr.SentTexts[2], catalog.Text(catalog.RegisterDecorated, catalog.MsgSessionCreated, active.ID))
	})

	t.Run("discard current then create", func(t *testing.T) {
		t.Parallel()
		env := newTestRouter(t, Config{})
		old := env.collecting(t, "123", 1)
		env.handle(t, command("123", "new"))

		env.handle(t, callbackEvent("123", "cb1", "confirm:new_session:discard"))

		wantText(t, env.tr.SentTexts[1], catalog.Text(catalog.RegisterDecorated, catalog.MsgSessionDiscarded, old.ID))
		active, err := env.mgr.Active("123")
		if err != nil || active == nil {
			t.Fatalf("Active() = %v, %v, want fresh session", active, err)
		}
		if len(active.AudioEntries) != 0 {
			t.Errorf("fresh session carries %d entries", len(active.AudioEntries))
		}
	})

	t.Run("keep current", func(t *testing.T) {
		t.Parallel()
		env := newTestRouter(t, Config{})
		old := env.collecting(t, "123", 1)
		env.handle(t, command("123", "new"))

		env.handle(t, callbackEvent("123", "cb1", "confirm:new_session:keep"))

		wantText(t, env.tr.SentTexts[1], catalog.Text(catalog.RegisterDecorated, catalog.MsgSessionKept))
		active, err := env.mgr.Active("123")
		if err != nil || active == nil || active.ID != old.ID {
			t.Fatalf("Active() = %v, %v, want the kept session %s", active, err, old.ID)
		}
	})

	t.Run("vanished conflict creates anyway", func(t *testing.T) {
		t.Parallel()
		env := newTestRouter(t, Config{})

		env.handle(t, callbackEvent("123", "cb1", "confirm:new_session:finalize"))

		active, err := env.mgr.Active("123")
		if err != nil || active == nil {
			t.Fatalf("Active() = %v, %v, want a session despite the stale dialog", active, err)
		}

		env.handle(t, callbackEvent("456", "cb2", "confirm:new_session:keep"))
		if other, _ := env.mgr.Active("456"); other != nil {
			t.Errorf("keep on a vanished conflict must not create, got %s", other.ID)
		}
	})
}

func TestRouterFinalizeWithoutActive(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})

	env.handle(t, command("123", "finalize"))

	if env.tr.TextCount() != 1 {
		t.Fatalf("sends = %d, want 1", env.tr.TextCount())
	}
	wantText(t, env.tr.SentTexts[0], catalog.Text(catalog.RegisterDecorated, catalog.MsgNoActiveSession))
}

func TestRouterFinalizeEmptyThenRetry(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	env.collecting(t, "123", 0)

	env.handle(t, command("123", "finalize"))

	entry, _ := catalog.Lookup(catalog.CodeEmptySession)
	wantText(t, env.tr.SentTexts[0], renderEntry(catalog.RegisterDecorated, entry))
	if env.tr.SentTexts[0].Keyboard != nil {
		t.Errorf("empty-session entry offers no recovery, got %+v", env.tr.SentTexts[0].Keyboard)
	}

	// An audio arrives afterwards; the retry button now succeeds.
	env.handle(t, voiceEvent("123", "file-1", 3*time.Second))
	env.handle(t, callbackEvent("123", "cb1", "retry:finalize"))

	last, ok := env.tr.LastText()
	if !ok {
		t.Fatal("no message sent")
	}
	wantText(t, last, catalog.Text(catalog.RegisterDecorated, catalog.MsgFinalizeStarted, 1))
}

func TestRouterFinalizeQueuesSegments(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	s := env.collecting(t, "123", 2)

	env.handle(t, command("123", "finalize"))

	if env.tr.TextCount() != 1 {
		t.Fatalf("sends = %d, want 1", env.tr.TextCount())
	}
	wantText(t, env.tr.SentTexts[0], catalog.Text(catalog.RegisterDecorated, catalog.MsgFinalizeStarted, 2))
	got, err := env.mgr.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.State != session.StateTranscribing {
		t.Errorf("state = %s, want TRANSCRIBING", got.State)
	}
}

func TestRouterSessionsListEmpty(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})

	env.handle(t, command("123", "sessions"))

	wantText(t, env.tr.SentTexts[0], catalog.Text(catalog.RegisterDecorated, catalog.MsgSessionListEmpty))
}

func TestRouterSessionsListAndCardActions(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	older := env.ready(t, "123", "primeira sessão")
	env.now = env.now.Add(time.Minute)
	newer := env.ready(t, "123", "segunda sessão")

	env.handle(t, command("123", "sessions"))

	list := env.tr.SentTexts[0]
	if !strings.HasPrefix(list.Text, catalog.Text(catalog.RegisterDecorated, catalog.MsgSessionListHeader, 2)) {
		t.Errorf("list header missing in %q", list.Text)
	}
	if iNew, iOld := strings.Index(list.Text, newer.ID), strings.Index(list.Text, older.ID); iNew < 0 || iOld < 0 || iNew > iOld {
		t.Errorf("list should put the newest first: %q", list.Text)
	}
	kb := list.Keyboard
	if kb == nil || len(kb.Rows) != 2 {
		t.Fatalf("list keyboard = %+v, want one row per session", kb)
	}
	if kb.Rows[0][0].Token != "search:select:"+newer.ID || kb.Rows[1][0].Token != "search:select:"+older.ID {
		t.Errorf("select tokens = %q, %q", kb.Rows[0][0].Token, kb.Rows[1][0].Token)
	}

	// Selecting a session shows its card with state-appropriate actions.
	env.handle(t, callbackEvent("123", "cb1", "search:select:"+older.ID))
	card := env.tr.SentTexts[1]
	wantText(t, card, catalog.Text(catalog.RegisterDecorated, catalog.MsgSessionLine,
		older.ID, older.DisplayName(), "pronta", 1))
	if card.Keyboard == nil || len(card.Keyboard.Rows) != 2 {
		t.Fatalf("card keyboard = %+v, want 2 rows", card.Keyboard)
	}
	if card.Keyboard.Rows[0][0].Token != "action:oracles" || card.Keyboard.Rows[0][1].Token != "action:reopen" {
		t.Errorf("ready card row = %+v", card.Keyboard.Rows[0])
	}
	if card.Keyboard.Rows[1][0].Token != "action:rename" || card.Keyboard.Rows[1][1].Token != "action:verify" {
		t.Errorf("common card row = %+v", card.Keyboard.Rows[1])
	}

	// The selection anchors reopen on the older session.
	env.handle(t, callbackEvent("123", "cb2", "action:reopen"))
	wantText(t, env.tr.SentTexts[2], catalog.Text(catalog.RegisterDecorated, catalog.MsgSessionReopened, older.DisplayName()))
	reopened, err := env.mgr.Get(older.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if reopened.State != session.StateCollecting || reopened.ReopenCount != 1 {
		t.Errorf("reopened = %s epoch %d, want COLLECTING epoch 1", reopened.State, reopened.ReopenCount)
	}

	// Integrity verification over the same selection finds nothing wrong.
	env.handle(t, callbackEvent("123", "cb3", "action:verify"))
	wantVerify := catalog.Text(catalog.RegisterDecorated, catalog.MsgIntegrityHeader, older.ID) +
		"\n" + catalog.Text(catalog.RegisterDecorated, catalog.MsgIntegrityOK, 1)
	wantText(t, env.tr.SentTexts[3], wantVerify)
}

func TestRouterSearchIntentFlow(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	s := env.ready(t, "123", "Hoje discutimos a estratégia do projeto.")
	reg := catalog.RegisterDecorated

	env.handle(t, command("123", "search"))
	prompt := env.tr.SentTexts[0]
	wantText(t, prompt, catalog.Text(reg, catalog.MsgSearchPrompt))
	if prompt.Keyboard == nil || prompt.Keyboard.Rows[0][0].Token != "action:cancel" {
		t.Fatalf("prompt keyboard = %+v, want cancel button", prompt.Keyboard)
	}

	// A blank reply consumes the intent and is rejected by the engine.
	env.handle(t, textEvent("123", "   "))
	env.drain(t)
	entry, _ := catalog.Lookup(catalog.CodeEmptyQuery)
	wantText(t, env.tr.SentTexts[1], renderEntry(reg, entry))

	// Querying with arguments skips the prompt entirely.
	env.handle(t, command("123", "search", "estratégia"))
	env.drain(t)
	results := env.tr.SentTexts[2]
	header := catalog.Text(reg, catalog.MsgSearchResultsHeader, "estratégia", catalog.Text(reg, catalog.MsgSearchModeText))
	if !strings.HasPrefix(results.Text, header) {
		t.Errorf("results = %q, want header %q", results.Text, header)
	}
	if !strings.Contains(results.Text, "estratégia do projeto") {
		t.Errorf("results lack the matching fragment: %q", results.Text)
	}
	if results.Keyboard == nil || results.Keyboard.Rows[0][0].Token != "search:select:"+s.ID {
		t.Errorf("result keyboard = %+v", results.Keyboard)
	}
}

func TestRouterSearchNoSessions(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})

	env.handle(t, command("123", "search", "qualquer", "coisa"))
	env.drain(t)

	wantText(t, env.tr.SentTexts[0], catalog.Text(catalog.RegisterDecorated, catalog.MsgSearchNoResults, "qualquer coisa"))
}

func TestRouterIntentCancelAndExpiry(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	reg := catalog.RegisterDecorated

	env.handle(t, command("123", "search"))
	env.handle(t, command("123", "cancel"))
	wantText(t, env.tr.SentTexts[1], catalog.Text(reg, catalog.MsgCancelled))

	env.handle(t, command("123", "search"))
	env.now = env.now.Add(time.Minute)
	env.router.expireIntents(context.Background())
	wantText(t, env.tr.SentTexts[3], catalog.Text(reg, catalog.MsgIntentExpired))

	// With the intent gone, plain text falls back to help.
	env.handle(t, textEvent("123", "estratégia"))
	wantText(t, env.tr.SentTexts[4], catalog.Text(reg, catalog.MsgHelpMain))
}

func TestRouterRenameFlow(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	s := env.ready(t, "123", "uma nota")

	env.handle(t, callbackEvent("123", "cb1", "action:rename"))
	wantText(t, env.tr.SentTexts[0], catalog.Text(catalog.RegisterDecorated, catalog.MsgRenamePrompt))

	env.handle(t, textEvent("123", "Sessão do projeto"))
	wantText(t, env.tr.SentTexts[1], catalog.Text(catalog.RegisterDecorated, catalog.MsgRenamed, "Sessão do projeto"))

	got, err := env.mgr.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.IntelligibleName != "Sessão do projeto" || got.NameSource != session.NameSourceManual {
		t.Errorf("renamed to %q (%s), want manual name", got.IntelligibleName, got.NameSource)
	}
}

func TestRouterRecoveryChoices(t *testing.T) {
	t.Parallel()

	interrupted := func(t *testing.T, env *routerEnv) *session.Session {
		t.Helper()
		s := env.collecting(t, "123", 1)
		swept, err := env.mgr.DetectInterrupted()
		if err != nil || len(swept) != 1 {
			t.Fatalf("DetectInterrupted() = %v, %v, want one session", swept, err)
		}
		env.router.NotifyRecovery(swept)
		env.drain(t)
		prompt := env.tr.SentTexts[0]
		wantText(t, prompt, catalog.Text(catalog.RegisterDecorated, catalog.MsgRecoveryPrompt, s.ID, 1))
		if prompt.Keyboard == nil || len(prompt.Keyboard.Rows) != 3 {
			t.Fatalf("recovery keyboard = %+v, want 3 rows", prompt.Keyboard)
		}
		return s
	}

	t.Run("resume", func(t *testing.T) {
		t.Parallel()
		env := newTestRouter(t, Config{})
		s := interrupted(t, env)

		env.handle(t, callbackEvent("123", "cb1", "recover:resume_session"))

		wantText(t, env.tr.SentTexts[1], catalog.Text(catalog.RegisterDecorated, catalog.MsgSessionReopened, s.DisplayName()))
		got, err := env.mgr.Get(s.ID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if got.State != session.StateCollecting {
			t.Errorf("state = %s, want COLLECTING", got.State)
		}
		if got.ReopenCount != 0 {
			t.Errorf("resume must not open a new epoch, got %d", got.ReopenCount)
		}

		// The prompt was consumed; pressing again only toasts.
		env.handle(t, callbackEvent("123", "cb2", "recover:resume_session"))
		last := env.tr.AnsweredCallbacks[len(env.tr.AnsweredCallbacks)-1]
		entry, _ := catalog.Lookup(catalog.CodeSessionNotFound)
		if last.Text != entry.Message {
			t.Errorf("stale recovery toast = %q, want %q", last.Text, entry.Message)
		}
	})

	t.Run("finalize orphan", func(t *testing.T) {
		t.Parallel()
		env := newTestRouter(t, Config{})
		s := interrupted(t, env)

		env.handle(t, callbackEvent("123", "cb1", "recover:finalize_orphan"))

		wantText(t, env.tr.SentTexts[1], catalog.Text(catalog.RegisterDecorated, catalog.MsgFinalizeStarted, 1))
		got, err := env.mgr.Get(s.ID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if got.State != session.StateTranscribing {
			t.Errorf("state = %s, want TRANSCRIBING", got.State)
		}
	})

	t.Run("discard orphan", func(t *testing.T) {
		t.Parallel()
		env := newTestRouter(t, Config{})
		s := interrupted(t, env)

		env.handle(t, callbackEvent("123", "cb1", "recover:discard_orphan"))

		wantText(t, env.tr.SentTexts[1], catalog.Text(catalog.RegisterDecorated, catalog.MsgSessionDiscarded, s.ID))
		if _, err := env.mgr.Get(s.ID); err == nil {
			t.Error("discarded session still loads")
		}
	})
}

func TestRouterPaginatedDelivery(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{MessageByteCap: 120})
	ctx := context.Background()
	chat := transport.ChatID("123")
	reg := catalog.RegisterDecorated
	para := strings.Repeat("a", 50)

	env.router.deliver(ctx, chat, strings.Join([]string{para, para, para}, "\n\n"), "relatorio.txt")

	first := env.tr.SentTexts[0]
	wantText(t, first, para+"\n\n"+catalog.Text(reg, catalog.MsgPageIndicator, 1, 3))
	kb := first.Keyboard
	if kb == nil || len(kb.Rows) != 2 {
		t.Fatalf("page keyboard = %+v, want nav and file rows", kb)
	}
	nav := kb.Rows[0]
	if len(nav) != 2 || nav[0].Token != "page:current" || nav[1].Token != "page:2" {
		t.Errorf("first-page nav = %+v", nav)
	}
	if kb.Rows[1][0].Token != "get_file:relatorio.txt" {
		t.Errorf("file row = %+v", kb.Rows[1])
	}

	// Turning the page edits the same message.
	env.handle(t, callbackEvent(chat, "cb1", "page:2"))
	if len(env.tr.EditedTexts) != 1 {
		t.Fatalf("edits = %d, want 1", len(env.tr.EditedTexts))
	}
	edited := env.tr.EditedTexts[0]
	if want := (transport.MessageRef{Chat: chat, MessageID: "1"}); edited.Ref != want {
		t.Errorf("edit ref = %+v, want %+v", edited.Ref, want)
	}
	if want := para + "\n\n" + catalog.Text(reg, catalog.MsgPageIndicator, 2, 3); edited.Text != want {
		t.Errorf("page 2 text = %q, want %q", edited.Text, want)
	}
	nav = edited.Keyboard.Rows[0]
	if len(nav) != 3 || nav[0].Token != "page:1" || nav[1].Token != "page:current" || nav[2].Token != "page:3" {
		t.Errorf("middle-page nav = %+v", nav)
	}

	// The position indicator and out-of-range pages are no-ops.
	env.handle(t, callbackEvent(chat, "cb2", "page:current"))
	env.handle(t, callbackEvent(chat, "cb3", "page:9"))
	if len(env.tr.EditedTexts) != 1 {
		t.Errorf("no-op page callbacks caused %d edits, want 1", len(env.tr.EditedTexts))
	}

	// Above the page threshold, delivery switches to the file.
	env.router.deliver(ctx, chat, strings.Join([]string{para, para, para, para}, "\n\n"), "relatorio.txt")
	if len(env.tr.SentFiles) != 1 {
		t.Fatalf("files sent = %d, want 1", len(env.tr.SentFiles))
	}
	if want := filepath.Join(env.root, "relatorio.txt"); env.tr.SentFiles[0].Path != want {
		t.Errorf("file path = %q, want %q", env.tr.SentFiles[0].Path, want)
	}
	last, _ := env.tr.LastText()
	wantText(t, last, catalog.Text(reg, catalog.MsgFileSent))
}

func TestRouterGetFileSafety(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})

	env.handle(t, callbackEvent("123", "cb1", "get_file:relatorio.txt"))
	if len(env.tr.SentFiles) != 1 {
		t.Fatalf("files sent = %d, want 1", len(env.tr.SentFiles))
	}
	if want := filepath.Join(env.root, "relatorio.txt"); env.tr.SentFiles[0].Path != want {
		t.Errorf("resolved path = %q, want %q", env.tr.SentFiles[0].Path, want)
	}
	if toast := env.tr.AnsweredCallbacks[0].Text; toast != catalog.Text(catalog.RegisterDecorated, catalog.MsgFileSent) {
		t.Errorf("toast = %q", toast)
	}

	// Escapes and absolute paths are refused without any send.
	env.handle(t, callbackEvent("123", "cb2", "get_file:../segredo.txt"))
	env.handle(t, callbackEvent("123", "cb3", "get_file:a/../../segredo.txt"))
	env.handle(t, callbackEvent("123", "cb4", "get_file:/etc/passwd"))
	if len(env.tr.SentFiles) != 1 {
		t.Errorf("files sent = %d after rejected paths, want still 1", len(env.tr.SentFiles))
	}
	if len(env.tr.AnsweredCallbacks) != 4 {
		t.Errorf("answered = %d, want every press acknowledged", len(env.tr.AnsweredCallbacks))
	}
}

func TestRouterOracleConsultFlow(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	s := env.ready(t, "123", "Estou em dúvida sobre o rumo do projeto.")
	reg := catalog.RegisterDecorated

	env.handle(t, command("123", "oracles"))
	listMsg := env.tr.SentTexts[0]
	wantText(t, listMsg, catalog.Text(reg, catalog.MsgOracleListHeader))
	if listMsg.Keyboard == nil || listMsg.Keyboard.Rows[0][0].Token != "oracle:sabio" {
		t.Fatalf("oracle keyboard = %+v", listMsg.Keyboard)
	}
	if listMsg.Keyboard.Rows[0][0].Label != "Sábio" {
		t.Errorf("persona label = %q, want heading from the template", listMsg.Keyboard.Rows[0][0].Label)
	}

	env.handle(t, callbackEvent("123", "cb1", "oracle:sabio"))
	wantText(t, env.tr.SentTexts[1], catalog.Text(reg, catalog.MsgOracleThinking, "Sábio"))

	env.drain(t) // completion lands
	answer := env.tr.SentTexts[2]
	wantText(t, answer, catalog.Text(reg, catalog.MsgOracleResponseHeader, "Sábio")+"\n\nO caminho é seguir.")
	if answer.Keyboard == nil || answer.Keyboard.Rows[0][0].Token != "action:listen" {
		t.Errorf("answer keyboard = %+v, want listen button", answer.Keyboard)
	}
	if _, err := os.Stat(filepath.Join(env.mgr.Paths(s.ID).ResponsesDir, "001_sabio.txt")); err != nil {
		t.Errorf("persisted response missing: %v", err)
	}

	env.drain(t) // synthesized voice lands
	if len(env.tr.SentVoices) != 1 {
		t.Fatalf("voices sent = %d, want 1", len(env.tr.SentVoices))
	}
	if !strings.HasSuffix(env.tr.SentVoices[0].Path, "001_sabio.wav") {
		t.Errorf("voice path = %q", env.tr.SentVoices[0].Path)
	}
	if got := env.tts.SynthesizeCallCount(); got != 1 {
		t.Fatalf("synthesize calls = %d, want 1", got)
	}

	// Listen again: the cached artifact is replayed without resynthesis.
	env.handle(t, callbackEvent("123", "cb2", "action:listen"))
	if len(env.tr.SentVoices) != 2 {
		t.Fatalf("voices sent = %d, want replay", len(env.tr.SentVoices))
	}
	if got := env.tts.SynthesizeCallCount(); got != 1 {
		t.Errorf("synthesize calls = %d after replay, want still 1", got)
	}
}

func TestRouterOracleWithoutReadySession(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	env.collecting(t, "123", 1)

	env.handle(t, callbackEvent("123", "cb1", "oracle:sabio"))

	entry, _ := catalog.Lookup(catalog.CodeSessionNotReady)
	wantText(t, env.tr.SentTexts[0], renderEntry(catalog.RegisterDecorated, entry))
	if got := env.llm.CompleteCallCount(); got != 0 {
		t.Errorf("llm calls = %d, want none", got)
	}
}

func TestRouterOracleFailureThenRetry(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	env.ready(t, "123", "uma nota qualquer")
	env.llm.CompleteErr = errors.New("boom")

	env.handle(t, callbackEvent("123", "cb1", "oracle:sabio"))
	env.drain(t)

	entry, _ := catalog.Lookup(catalog.CodeLLMFailed)
	failure := env.tr.SentTexts[1]
	wantText(t, failure, renderEntry(catalog.RegisterDecorated, entry))
	if failure.Keyboard == nil || failure.Keyboard.Rows[0][0].Token != "retry:oracle" {
		t.Fatalf("failure keyboard = %+v, want retry button", failure.Keyboard)
	}

	env.llm.CompleteErr = nil
	env.handle(t, callbackEvent("123", "cb2", "retry:oracle"))
	env.drain(t) // completion
	env.drain(t) // voice

	answer := env.tr.SentTexts[3]
	if !strings.Contains(answer.Text, "O caminho é seguir.") {
		t.Errorf("retry answer = %q", answer.Text)
	}
	if got := env.llm.CompleteCallCount(); got != 2 {
		t.Errorf("llm calls = %d, want 2", got)
	}
}

func TestRouterListenWithoutExchange(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})

	env.handle(t, callbackEvent("123", "cb1", "action:listen"))

	entry, _ := catalog.Lookup(catalog.CodeTTSFailed)
	wantText(t, env.tr.SentTexts[0], renderEntry(catalog.RegisterDecorated, entry))
	if len(env.tr.SentVoices) != 0 {
		t.Errorf("voices sent = %d, want none", len(env.tr.SentVoices))
	}
}

func TestRouterRetryFailedSegments(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	s := env.collecting(t, "123", 1)
	if _, err := env.mgr.Finalize(s.ID); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if _, err := env.mgr.MarkSegment(s.ID, 1, session.SegmentFailed, ""); err != nil {
		t.Fatalf("MarkSegment() error: %v", err)
	}
	if _, err := env.mgr.FinishTranscription(s.ID); err != nil {
		t.Fatalf("FinishTranscription() error: %v", err)
	}

	env.handle(t, callbackEvent("123", "cb1", "retry:failed"))

	last, ok := env.tr.LastText()
	if !ok {
		t.Fatal("no message sent")
	}
	wantText(t, last, catalog.Text(catalog.RegisterDecorated, catalog.MsgFinalizeStarted, 1))
	got, err := env.mgr.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.State != session.StateTranscribing {
		t.Errorf("state = %s, want TRANSCRIBING", got.State)
	}
	if pending := got.PendingSequences(); len(pending) != 1 || pending[0] != 1 {
		t.Errorf("pending = %v, want the failed segment requeued", pending)
	}
}

func TestRouterReindexRetry(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	s := env.ready(t, "123", "Hoje discutimos a estratégia do projeto.")

	env.handle(t, callbackEvent("123", "cb1", "retry:index"))
	env.drain(t)

	last, ok := env.tr.LastText()
	if !ok {
		t.Fatal("no message sent")
	}
	wantText(t, last, catalog.Text(catalog.RegisterDecorated, catalog.MsgSessionReady, s.DisplayName()))

	// With the session indexed, search now resolves semantically.
	env.handle(t, command("123", "search", "estratégia"))
	env.drain(t)
	results, _ := env.tr.LastText()
	reg := catalog.RegisterDecorated
	header := catalog.Text(reg, catalog.MsgSearchResultsHeader, "estratégia", catalog.Text(reg, catalog.MsgSearchModeSemantic))
	if !strings.HasPrefix(results.Text, header) {
		t.Errorf("results = %q, want semantic header %q", results.Text, header)
	}
}

func TestRouterStatusReport(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	env.ready(t, "123", "nota pronta")
	active := env.collecting(t, "123", 1)
	env.now = env.now.Add(90 * time.Minute)

	env.handle(t, command("123", "status"))
	env.drain(t)

	status, ok := env.tr.LastText()
	if !ok {
		t.Fatal("no status sent")
	}
	reg := catalog.RegisterDecorated
	for _, want := range []string{
		catalog.Text(reg, catalog.MsgStatusActive, active.DisplayName(), "coletando"),
		catalog.Text(reg, catalog.MsgStatusAudio, 2, 1),
		catalog.Text(reg, catalog.MsgStatusQueue, 0),
		catalog.Text(reg, catalog.MsgStatusIndex, 0, 2),
		catalog.Text(reg, catalog.MsgStatusUptime, "1h30min"),
	} {
		if !strings.Contains(status.Text, want) {
			t.Errorf("status lacks %q:\n%s", want, status.Text)
		}
	}
	if strings.Contains(status.Text, catalog.Text(reg, catalog.MsgStatusDegraded)) {
		t.Errorf("healthy backend reported as degraded:\n%s", status.Text)
	}
}

func TestRouterPrefsToggle(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	s := env.ready(t, "123", "uma nota")

	env.handle(t, command("123", "prefs"))
	prefsMsg := env.tr.SentTexts[0]
	wantText(t, prefsMsg, catalog.Text(catalog.RegisterDecorated, catalog.MsgPrefsHeader))
	kb := prefsMsg.Keyboard
	if kb == nil || len(kb.Rows) != 2 {
		t.Fatalf("prefs keyboard = %+v, want 2 toggles", kb)
	}
	if kb.Rows[0][0].Label != "Histórico do oráculo: ativado" || kb.Rows[0][0].Token != "toggle:history" {
		t.Errorf("history toggle = %+v", kb.Rows[0][0])
	}
	if kb.Rows[1][0].Label != "Interface simples: desativado" || kb.Rows[1][0].Token != "toggle:simple" {
		t.Errorf("simple toggle = %+v", kb.Rows[1][0])
	}

	// Flipping to the simplified UI re-renders the dialog in the plain
	// register, in place.
	env.handle(t, callbackEvent("123", "cb1", "toggle:simple"))
	if len(env.tr.EditedTexts) != 1 {
		t.Fatalf("edits = %d, want the dialog updated in place", len(env.tr.EditedTexts))
	}
	edited := env.tr.EditedTexts[0]
	if edited.Text != catalog.Text(catalog.RegisterPlain, catalog.MsgPrefsHeader) {
		t.Errorf("edited header = %q, want plain register", edited.Text)
	}
	if edited.Keyboard.Rows[1][0].Label != "Interface simples: ativado" {
		t.Errorf("simple toggle after flip = %+v", edited.Keyboard.Rows[1][0])
	}
	toast := env.tr.AnsweredCallbacks[0].Text
	if toast != catalog.Text(catalog.RegisterPlain, catalog.MsgPrefUpdated) {
		t.Errorf("toast = %q", toast)
	}

	got, err := env.mgr.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !got.UIPreferences.SimplifiedUI {
		t.Error("SimplifiedUI not persisted")
	}
}

func TestRouterPipelineNotifications(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})
	s := env.ready(t, "123", "uma nota")

	env.router.NotifySessionReady(s.ID)
	env.drain(t)
	wantText(t, env.tr.SentTexts[0], catalog.Text(catalog.RegisterDecorated, catalog.MsgSessionReady, s.DisplayName()))

	env.router.OnProgress(transcribe.ProgressEvent{SessionID: s.ID, Current: 0, Total: 1, State: session.StateTranscribing})
	env.drain(t)
	wantText(t, env.tr.SentTexts[1], catalog.Text(catalog.RegisterDecorated, catalog.MsgTranscribing, 0, 1))

	env.now = env.now.Add(6 * time.Second)
	env.router.OnProgress(transcribe.ProgressEvent{SessionID: s.ID, Current: 1, Total: 1, State: session.StateTranscribed, Done: true})
	env.drain(t)
	if len(env.tr.EditedTexts) != 1 {
		t.Fatalf("edits = %d, want progress edited in place", len(env.tr.EditedTexts))
	}
	if want := catalog.Text(catalog.RegisterDecorated, catalog.MsgTranscribeDone, 1, 1); env.tr.EditedTexts[0].Text != want {
		t.Errorf("final progress = %q, want %q", env.tr.EditedTexts[0].Text, want)
	}
}

func TestRouterUnroutableCallbackAnswered(t *testing.T) {
	t.Parallel()
	env := newTestRouter(t, Config{})

	env.handle(t, callbackEvent("123", "cb1", "bogus:verb"))
	env.handle(t, callbackEvent("123", "cb2", "nocolon"))

	if env.tr.TextCount() != 0 {
		t.Errorf("sends = %d, want none", env.tr.TextCount())
	}
	if len(env.tr.AnsweredCallbacks) != 2 {
		t.Fatalf("answered = %d, want both acknowledged", len(env.tr.AnsweredCallbacks))
	}
	for _, a := range env.tr.AnsweredCallbacks {
		if a.Text != "" {
			t.Errorf("unroutable callback %q toasted %q", a.ID, a.Text)
		}
	}
}
