// Package app wires all oráculo subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems in dependency order, Run executes the startup sequence and the
// event loops, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithVectorIndex). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/pveiga/oraculo/internal/bot"
	"github.com/pveiga/oraculo/internal/config"
	"github.com/pveiga/oraculo/internal/health"
	"github.com/pveiga/oraculo/internal/observe"
	"github.com/pveiga/oraculo/internal/oracle"
	"github.com/pveiga/oraculo/internal/search"
	"github.com/pveiga/oraculo/internal/session"
	"github.com/pveiga/oraculo/internal/speech"
	"github.com/pveiga/oraculo/internal/transcribe"
	"github.com/pveiga/oraculo/pkg/provider/embeddings"
	"github.com/pveiga/oraculo/pkg/provider/llm"
	"github.com/pveiga/oraculo/pkg/provider/stt"
	"github.com/pveiga/oraculo/pkg/provider/tts"
	"github.com/pveiga/oraculo/pkg/transport"
)

// indexTimeout bounds one post-transcription index build.
const indexTimeout = 5 * time.Minute

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Transport  transport.ChatTransport
	STT        stt.Transcriber
	TTS        tts.Synthesizer
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and orchestrates the session pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	store      session.Store
	sessions   *session.Manager
	queue      *transcribe.Queue
	index      search.VectorIndex
	indexer    *search.Indexer
	engine     *search.Engine
	registry   *oracle.Registry
	dispatcher *oracle.Dispatcher
	speech     *speech.Pipeline
	gc         *speech.GC
	router     *bot.Router
	httpSrv    *http.Server

	// interrupted holds the sessions swept at startup; Run announces them
	// once the router loop is live.
	interrupted []*session.Session

	metrics *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating an FSStore from
// config.
func WithStore(s session.Store) Option {
	return func(a *App) { a.store = s }
}

// WithVectorIndex injects a vector index instead of creating one from config.
func WithVectorIndex(ix search.VectorIndex) Option {
	return func(a *App) { a.index = ix }
}

// WithMetrics replaces the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: session store setup, the
// interrupted-session sweep, orphan audio recovery, queue and search
// construction, and the persona registry scan. Background loops start in Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if providers.Transport == nil {
		return nil, fmt.Errorf("app: a chat transport is required")
	}
	if providers.STT == nil {
		return nil, fmt.Errorf("app: a speech-to-text provider is required")
	}

	// ── 1. Session store + manager ───────────────────────────────────────
	if err := a.initStore(); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Crash recovery sweep ──────────────────────────────────────────
	if err := a.recoverSessions(ctx); err != nil {
		return nil, fmt.Errorf("app: recovery sweep: %w", err)
	}

	// ── 3. Transcription queue ───────────────────────────────────────────
	if err := a.initQueue(ctx); err != nil {
		return nil, fmt.Errorf("app: init queue: %w", err)
	}

	// ── 4. Search index + engine ─────────────────────────────────────────
	if err := a.initSearch(ctx); err != nil {
		return nil, fmt.Errorf("app: init search: %w", err)
	}

	// ── 5. Oracle registry + dispatcher ──────────────────────────────────
	a.initOracles()

	// ── 6. Speech synthesis + artifact sweeper ───────────────────────────
	a.initSpeech()

	// ── 7. Router ────────────────────────────────────────────────────────
	a.router = bot.NewRouter(providers.Transport, bot.Deps{
		Sessions:   a.sessions,
		Queue:      a.queue,
		Engine:     a.engine,
		Indexer:    a.indexer,
		Registry:   a.registry,
		Dispatcher: a.dispatcher,
		Speech:     a.speech,
	}, bot.Config{
		AllowedChat:        transport.ChatID(cfg.Transport.AllowedChatID),
		IntentTimeout:      cfg.UI.IntentTimeout.Std(),
		MessageByteCap:     cfg.UI.MessageByteCap,
		FileThresholdPages: cfg.UI.FileThreshold,
		ProgressInterval:   cfg.UI.ProgressInterval.Std(),
		SearchLimit:        cfg.Search.MaxResults,
		SessionsRoot:       cfg.Paths.SessionsRoot,
	}, bot.WithMetrics(a.metrics))

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore sets up the filesystem session store and the lifecycle manager.
func (a *App) initStore() error {
	if a.store == nil {
		store, err := session.NewFSStore(a.cfg.Paths.SessionsRoot)
		if err != nil {
			return err
		}
		a.store = store
	}
	a.sessions = session.NewManager(a.store)
	return nil
}

// recoverSessions marks sessions left COLLECTING by a previous process as
// INTERRUPTED and adopts audio files recorded but never registered in the
// metadata. The swept sessions are kept for the recovery prompt in Run.
func (a *App) recoverSessions(ctx context.Context) error {
	swept, err := a.sessions.DetectInterrupted()
	if err != nil {
		return err
	}
	a.interrupted = swept

	var orphans int
	for _, s := range swept {
		n, err := a.sessions.RecoverOrphans(s.ID)
		if err != nil {
			slog.Warn("orphan recovery failed", "session_id", s.ID, "error", err)
			continue
		}
		orphans += n
	}
	a.metrics.RecordRecovery(ctx, "orphan", int64(orphans))

	if len(swept) > 0 {
		slog.Info("recovery sweep complete",
			"interrupted", len(swept), "orphan_audios", orphans)
	}
	return nil
}

// initQueue loads the transcription model and builds the single-worker queue.
// Progress and completion flow back through the router, which is constructed
// afterwards; the closures tolerate the brief window where it is still nil.
func (a *App) initQueue(ctx context.Context) error {
	if err := a.providers.STT.Load(ctx); err != nil {
		return fmt.Errorf("load stt model: %w", err)
	}

	a.queue = transcribe.New(a.sessions, a.providers.STT, transcribe.Config{
		Capacity:         a.cfg.Transcription.QueueCapacity,
		Timeout:          a.cfg.Transcription.Timeout.Std(),
		DrainGrace:       a.cfg.Transcription.DrainGrace.Std(),
		ProgressInterval: a.cfg.UI.ProgressInterval.Std(),
	},
		transcribe.WithProgressFunc(func(ev transcribe.ProgressEvent) {
			if a.router != nil {
				a.router.OnProgress(ev)
			}
		}),
		transcribe.WithCompletionFunc(a.afterTranscription),
	)
	a.closers = append(a.closers, func() error {
		a.queue.Stop()
		return nil
	})
	a.closers = append(a.closers, a.providers.STT.Unload)
	return nil
}

// initSearch picks the vector index backend and builds the indexer and the
// staged search engine. With no embeddings provider the semantic stage is
// disabled and searches run on text and recency alone.
func (a *App) initSearch(ctx context.Context) error {
	if a.index == nil {
		if dsn := a.cfg.Index.PostgresDSN; dsn != "" {
			pg, err := search.NewPGIndex(ctx, dsn, a.cfg.Index.EmbeddingDimensions)
			if err != nil {
				return fmt.Errorf("connect vector index: %w", err)
			}
			a.index = pg
			a.closers = append(a.closers, func() error {
				pg.Close()
				return nil
			})
		} else {
			a.index = search.NewFSIndex(a.sessions)
		}
	}

	if a.providers.Embeddings != nil {
		a.indexer = search.NewIndexer(a.sessions, a.providers.Embeddings, a.index)
	} else {
		slog.Warn("no embeddings provider configured, semantic search disabled")
	}

	a.engine = search.NewEngine(a.sessions, a.providers.Embeddings, a.index, search.Config{
		MaxResults:   a.cfg.Search.MaxResults,
		MinScore:     a.cfg.Search.MinScore,
		QueryTimeout: a.cfg.Search.QueryTimeout.Std(),
	})
	return nil
}

// initOracles builds the persona registry and, when an LLM provider is
// configured, the dispatcher that feeds session context to it.
func (a *App) initOracles() {
	if a.cfg.Paths.OraclesDir == "" {
		slog.Warn("no oracles directory configured, persona dispatch disabled")
		return
	}
	a.registry = oracle.NewRegistry(a.cfg.Paths.OraclesDir,
		oracle.WithTTL(a.cfg.Oracle.CacheTTL.Std()))
	a.closers = append(a.closers, func() error {
		a.registry.Stop()
		return nil
	})

	if a.providers.LLM == nil {
		slog.Warn("no llm provider configured, oracle dispatch disabled")
		return
	}
	a.dispatcher = oracle.NewDispatcher(a.sessions, a.registry, a.providers.LLM, oracle.Config{
		Timeout:     a.cfg.Oracle.LLMTimeout.Std(),
		Placeholder: a.cfg.Oracle.PlaceholderToken,
	})
}

// initSpeech builds the synthesis pipeline and its artifact sweeper. Both are
// skipped when voice feedback is disabled or no synthesizer is configured.
func (a *App) initSpeech() {
	if !a.cfg.TTS.Enabled {
		return
	}
	if a.providers.TTS == nil {
		slog.Warn("tts enabled but no synthesizer configured, voice feedback disabled")
		return
	}
	a.speech = speech.NewPipeline(a.sessions, a.providers.TTS, speech.Config{
		Enabled:      true,
		Format:       a.cfg.TTS.Format,
		VoiceID:      a.cfg.TTS.Voice,
		Timeout:      a.cfg.TTS.Timeout.Std(),
		MaxTextRunes: a.cfg.TTS.MaxTextLength,
	})
	a.gc = speech.NewGC(a.sessions, speech.GCConfig{
		Interval:        a.cfg.TTS.GCInterval.Std(),
		Retention:       time.Duration(a.cfg.TTS.GCRetentionHours) * time.Hour,
		MaxStorageBytes: int64(a.cfg.TTS.GCMaxStorageMB) * 1024 * 1024,
	})
	a.closers = append(a.closers, func() error {
		a.gc.Stop()
		return nil
	})
}

// afterTranscription runs on the queue worker goroutine once a session's
// segments have all settled. A TRANSCRIBED session is pushed through the
// index build; either way the session lands in READY and the chat is told.
func (a *App) afterTranscription(id string) {
	s, err := a.sessions.Get(id)
	if err != nil {
		slog.Error("settled session vanished", "session_id", id, "error", err)
		return
	}
	if s.State != session.StateTranscribed {
		// Settling failed every segment; the router already showed the error.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()

	if a.indexer != nil {
		start := time.Now()
		if err := a.indexer.IndexSession(ctx, id); err != nil {
			slog.Warn("session index build failed", "session_id", id, "error", err)
		}
		a.metrics.EmbeddingDuration.Record(ctx, time.Since(start).Seconds())
	} else {
		// No semantic index; settle the state machine directly.
		if _, err := a.sessions.BeginEmbedding(id); err != nil {
			slog.Error("embedding transition failed", "session_id", id, "error", err)
			return
		}
		if _, err := a.sessions.FinishEmbedding(id, nil); err != nil {
			slog.Error("ready transition failed", "session_id", id, "error", err)
			return
		}
	}

	if a.router != nil {
		a.router.NotifySessionReady(id)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the background loops and blocks until ctx is cancelled or the
// transport fails. Startup order: queue worker, startup requeue, embedding
// model migration, artifact sweeper, persona refresher, health server, then
// the transport and router loops together.
func (a *App) Run(ctx context.Context) error {
	a.queue.Start()
	if n, err := a.queue.Requeue(); err != nil {
		slog.Warn("startup requeue failed", "error", err)
	} else if n > 0 {
		a.metrics.RecordRecovery(ctx, "requeued", int64(n))
		slog.Info("interrupted transcriptions requeued", "sessions", n)
	}

	if a.indexer != nil {
		// Vectors stored under a previously configured embedding model are
		// unusable for scoring; migrate them off the hot path.
		go func() {
			migrated, err := a.indexer.ReindexOutdated(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				slog.Warn("embedding model migration failed", "error", err)
			case len(migrated) > 0:
				a.metrics.RecordRecovery(ctx, "reindexed", int64(len(migrated)))
				slog.Info("stored embeddings migrated to configured model", "sessions", len(migrated))
			}
		}()
	}

	if a.gc != nil {
		a.gc.Start(ctx)
	}
	if a.registry != nil {
		a.registry.Start(ctx)
	}
	a.startHealthServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.providers.Transport.Run(gctx)
	})
	g.Go(func() error {
		a.router.Run(gctx)
		return nil
	})

	if len(a.interrupted) > 0 {
		a.router.NotifyRecovery(a.interrupted)
	}

	slog.Info("oráculo running",
		"allowed_chat", a.cfg.Transport.AllowedChatID,
		"stt_model", a.providers.STT.ModelID(),
		"index", a.index.Name(),
		"oracles", a.registry != nil,
		"tts", a.speech != nil)

	return g.Wait()
}

// startHealthServer mounts /healthz, /readyz and /metrics when a health
// address is configured.
func (a *App) startHealthServer() {
	if a.cfg.Server.HealthAddr == "" {
		return
	}

	checkers := []health.Checker{
		{Name: "store", Check: func(context.Context) error {
			_, err := a.sessions.List()
			return err
		}},
		{Name: "stt", Check: func(context.Context) error {
			if !a.providers.STT.Ready() {
				return fmt.Errorf("transcriber not ready")
			}
			return nil
		}},
		{Name: "index", Check: a.index.Ping},
	}
	if a.speech != nil {
		// Synthesis is best-effort; a down TTS backend degrades /readyz
		// without failing it.
		checkers = append(checkers, health.Checker{Name: "tts", Check: a.speech.CheckHealth, Optional: true})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpSrv = &http.Server{
		Addr:    a.cfg.Server.HealthAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(ctx)
	})

	go func() {
		slog.Info("health server listening", "addr", a.cfg.Server.HealthAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "error", err)
		}
	}()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop intake first so nothing new lands while draining.
		if err := a.providers.Transport.Close(); err != nil {
			slog.Warn("transport close error", "error", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
