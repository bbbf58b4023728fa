package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pveiga/oraculo/internal/catalog"
	"github.com/pveiga/oraculo/internal/session"
	"github.com/pveiga/oraculo/pkg/audio"
	"github.com/pveiga/oraculo/pkg/provider/tts"
)

// ErrDisabled is reported when synthesis is switched off by configuration.
var ErrDisabled = errors.New("speech: tts disabled")

const (
	defaultTimeout      = 60 * time.Second
	defaultMaxTextRunes = 3000
	keySidecarExt       = ".key"
)

// Request identifies one answer to voice.
type Request struct {
	SessionID string
	PersonaID string
	// Sequence is the oracle response number the artifact belongs to.
	Sequence int
	Text     string
}

// Result is the outcome of a synthesis attempt. OK distinguishes success;
// Err carries the diagnostic for failures and is never raised to the caller.
type Result struct {
	OK         bool
	Path       string
	Cached     bool
	DurationMS int64
	Code       catalog.Code
	Err        error
}

// Config tunes the pipeline.
type Config struct {
	// Enabled switches synthesis on. Off by default.
	Enabled bool
	// Format is the artifact container, "mp3" or "wav". Defaults to mp3.
	Format string
	// VoiceID selects the provider voice.
	VoiceID string
	// Language is passed to the provider. Defaults to pt-BR.
	Language string
	// Speed adjusts the speaking rate; zero keeps the provider default.
	Speed float64
	// Timeout bounds one provider call.
	Timeout time.Duration
	// MaxTextRunes rejects oversized answers before they reach the
	// provider.
	MaxTextRunes int
}

func (c Config) withDefaults() Config {
	switch strings.ToLower(c.Format) {
	case "wav":
		c.Format = "wav"
	case "", "mp3":
		c.Format = "mp3"
	default:
		slog.Warn("speech: unknown artifact format, using mp3", "format", c.Format)
		c.Format = "mp3"
	}
	if c.Language == "" {
		c.Language = "pt-BR"
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxTextRunes <= 0 {
		c.MaxTextRunes = defaultMaxTextRunes
	}
	return c
}

// inflightCall lets duplicate concurrent requests ride on the first one.
type inflightCall struct {
	done chan struct{}
	res  Result
}

// Pipeline synthesizes oracle answers into per-session audio artifacts.
type Pipeline struct {
	manager *session.Manager
	synth   tts.Synthesizer
	cfg     Config

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

// NewPipeline wires a pipeline over the session manager and a synthesizer.
func NewPipeline(manager *session.Manager, synth tts.Synthesizer, cfg Config) *Pipeline {
	return &Pipeline{
		manager:  manager,
		synth:    synth,
		cfg:      cfg.withDefaults(),
		inflight: make(map[string]*inflightCall),
	}
}

// Artifact returns the artifact path for req and whether a non-empty file
// is already there.
func (p *Pipeline) Artifact(req Request) (string, bool) {
	path := p.artifactPath(req)
	info, err := os.Stat(path)
	return path, err == nil && info.Size() > 0
}

// Synthesize voices one oracle answer. It never panics and never returns a
// Go error; inspect Result.OK and Result.Err.
func (p *Pipeline) Synthesize(ctx context.Context, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("speech: synthesize panicked",
				"session_id", req.SessionID, "persona_id", req.PersonaID, "panic", r)
			res = Result{Code: catalog.CodeTTSFailed, Err: fmt.Errorf("speech: internal failure: %v", r)}
		}
	}()

	if !p.cfg.Enabled {
		return Result{Code: catalog.CodeTTSFailed, Err: ErrDisabled}
	}
	if req.SessionID == "" || req.PersonaID == "" || req.Sequence <= 0 {
		return Result{Code: catalog.CodeTTSFailed,
			Err: fmt.Errorf("speech: incomplete request %q/%q/%d", req.SessionID, req.PersonaID, req.Sequence)}
	}

	sanitized := Sanitize(req.Text)
	if sanitized == "" {
		return Result{Code: catalog.CodeTTSFailed, Err: errors.New("speech: nothing speakable after sanitization")}
	}
	if n := len([]rune(sanitized)); n > p.cfg.MaxTextRunes {
		return Result{Code: catalog.CodeTTSFailed,
			Err: fmt.Errorf("speech: text has %d runes, cap is %d", n, p.cfg.MaxTextRunes)}
	}

	key := idempotencyKey(req.SessionID, req.PersonaID, sanitized)
	path := p.artifactPath(req)

	if cached, ok := p.cachedResult(path, key); ok {
		return cached
	}

	// Collapse concurrent identical requests into one provider call.
	p.mu.Lock()
	if call, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		select {
		case <-call.done:
			res = call.res
			res.Cached = true
			return res
		case <-ctx.Done():
			return Result{Code: catalog.CodeTTSFailed, Err: ctx.Err()}
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	p.inflight[key] = call
	p.mu.Unlock()

	res = p.synthesize(ctx, req, sanitized, key, path)

	p.mu.Lock()
	call.res = res
	delete(p.inflight, key)
	p.mu.Unlock()
	close(call.done)
	return res
}

func (p *Pipeline) synthesize(ctx context.Context, req Request, sanitized, key, path string) Result {
	tctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	out, err := p.synth.Synthesize(tctx, tts.Request{
		Text:     sanitized,
		VoiceID:  p.cfg.VoiceID,
		Language: p.cfg.Language,
		Speed:    p.cfg.Speed,
	})
	if err != nil {
		code := catalog.CodeTTSFailed
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			code = catalog.CodeCapabilityTimeout
		}
		p.recordFailure(req, err)
		return Result{Code: code, Err: fmt.Errorf("speech: synthesize: %w", err)}
	}
	if out == nil || len(out.Data) == 0 {
		err := errors.New("speech: provider returned no audio")
		p.recordFailure(req, err)
		return Result{Code: catalog.CodeTTSFailed, Err: err}
	}

	data, err := p.transcode(out)
	if err != nil {
		p.recordFailure(req, err)
		return Result{Code: catalog.CodeTTSFailed, Err: err}
	}

	if err := writeArtifact(path, data, key); err != nil {
		p.recordFailure(req, err)
		return Result{Code: catalog.CodeTTSFailed, Err: err}
	}

	durationMS := int64(0)
	if info, perr := audio.Probe(data); perr == nil {
		durationMS = int64(info.DurationSeconds * 1000)
	}

	slog.Info("speech: artifact written",
		"session_id", req.SessionID,
		"persona_id", req.PersonaID,
		"path", path,
		"bytes", len(data),
		"duration_ms", durationMS)
	return Result{OK: true, Path: path, DurationMS: durationMS}
}

// transcode converts the provider audio to the configured container.
func (p *Pipeline) transcode(out *tts.Audio) ([]byte, error) {
	format := strings.ToLower(out.Format)
	if format == "" {
		format = string(audio.Sniff(out.Data))
	}
	if format == p.cfg.Format {
		return out.Data, nil
	}
	switch {
	case format == "wav" && p.cfg.Format == "mp3":
		pcm, err := audio.DecodeWAV(out.Data)
		if err != nil {
			return nil, fmt.Errorf("speech: decode provider wav: %w", err)
		}
		data, err := audio.EncodeMP3(pcm)
		if err != nil {
			return nil, fmt.Errorf("speech: encode mp3: %w", err)
		}
		return data, nil
	case format == "mp3" && p.cfg.Format == "wav":
		pcm, err := audio.DecodeMP3(out.Data)
		if err != nil {
			return nil, fmt.Errorf("speech: decode provider mp3: %w", err)
		}
		return audio.EncodeWAV(pcm.Data, pcm.SampleRate, pcm.Channels), nil
	default:
		return nil, fmt.Errorf("speech: cannot convert %q to %q", format, p.cfg.Format)
	}
}

// CheckHealth verifies the provider answers. Disabled pipelines report
// ErrDisabled so the status surface can show "off" instead of "broken".
func (p *Pipeline) CheckHealth(ctx context.Context) error {
	if !p.cfg.Enabled {
		return ErrDisabled
	}
	voices, err := p.synth.Voices(ctx)
	if err != nil {
		return fmt.Errorf("speech: tts health: %w", err)
	}
	slog.Debug("speech: tts healthy", "provider", p.synth.ProviderID(), "voices", len(voices))
	return nil
}

// ---- internals ----

func (p *Pipeline) artifactPath(req Request) string {
	name := fmt.Sprintf("%03d_%s.%s", req.Sequence, req.PersonaID, p.cfg.Format)
	return filepath.Join(p.manager.Paths(req.SessionID).TTSDir, name)
}

// cachedResult short-circuits when the artifact already exists for the same
// sanitized text. A key sidecar mismatch forces a rebuild.
func (p *Pipeline) cachedResult(path, key string) (Result, bool) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return Result{}, false
	}
	if stored, err := os.ReadFile(path + keySidecarExt); err == nil {
		if strings.TrimSpace(string(stored)) != key {
			return Result{}, false
		}
	}
	durationMS := int64(0)
	if data, err := os.ReadFile(path); err == nil {
		if pi, perr := audio.Probe(data); perr == nil {
			durationMS = int64(pi.DurationSeconds * 1000)
		}
	}
	return Result{OK: true, Path: path, Cached: true, DurationMS: durationMS}, true
}

func (p *Pipeline) recordFailure(req Request, err error) {
	target := fmt.Sprintf("%03d_%s", req.Sequence, req.PersonaID)
	if aerr := p.manager.AppendError(req.SessionID, "tts", target, err.Error(), true); aerr != nil {
		slog.Warn("speech: could not record tts failure", "session_id", req.SessionID, "error", aerr)
	}
}

func idempotencyKey(sessionID, personaID, sanitized string) string {
	sum := sha256.Sum256([]byte(sessionID + "\x00" + personaID + "\x00" + sanitized))
	return hex.EncodeToString(sum[:])[:16]
}

// writeArtifact persists the audio atomically and drops the key sidecar
// beside it. Sidecar trouble is logged, not fatal.
func writeArtifact(path string, data []byte, key string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("speech: create tts dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tts-*")
	if err != nil {
		return fmt.Errorf("speech: create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("speech: write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("speech: sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("speech: close artifact: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("speech: chmod artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("speech: replace artifact: %w", err)
	}
	if err := os.WriteFile(path+keySidecarExt, []byte(key+"\n"), 0o644); err != nil {
		slog.Warn("speech: key sidecar write failed", "path", path, "error", err)
	}
	return nil
}
