// Package openai provides speech-to-text backed by the OpenAI transcription
// API. It implements the stt.Transcriber interface.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/pveiga/oraculo/pkg/provider/stt"
)

const defaultModel = "whisper-1"

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// config holds optional configuration for the transcriber.
type config struct {
	baseURL  string
	model    string
	language string
	timeout  time.Duration
}

// Option is a functional option for Transcriber.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the transcription model (e.g. "whisper-1",
// "gpt-4o-mini-transcribe"). Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithLanguage sets the ISO-639-1 language hint (e.g. "pt").
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Transcriber implements stt.Transcriber using the OpenAI audio API. The API
// accepts encoded containers directly, so files are uploaded as-is without
// local decoding.
type Transcriber struct {
	client   oai.Client
	model    string
	language string
}

// New constructs a new OpenAI Transcriber.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Transcriber{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		language: cfg.language,
	}, nil
}

// Load implements stt.Transcriber as a no-op; the API hosts the model.
func (t *Transcriber) Load(_ context.Context) error { return nil }

// Unload implements stt.Transcriber as a no-op.
func (t *Transcriber) Unload() error { return nil }

// Ready always reports true.
func (t *Transcriber) Ready() bool { return true }

// ModelID returns the configured transcription model.
func (t *Transcriber) ModelID() string { return t.model }

// Transcribe uploads the audio file to the transcription endpoint.
func (t *Transcriber) Transcribe(ctx context.Context, path string) (*stt.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("openai: open %q: %w", path, err)
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		File:  f,
		Model: oai.AudioModel(t.model),
	}
	if t.language != "" {
		params.Language = param.NewOpt(t.language)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: transcription: %w", err)
	}

	return &stt.Result{
		Text:     strings.TrimSpace(resp.Text),
		Language: t.language,
		Model:    t.model,
	}, nil
}

// TranscribeBatch uploads each file in order. Per-item failures are reported
// through onProgress and leave a nil slot in the result slice.
func (t *Transcriber) TranscribeBatch(ctx context.Context, paths []string, onProgress stt.ProgressFunc) ([]*stt.Result, error) {
	results := make([]*stt.Result, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := t.Transcribe(ctx, path)
		if err == nil {
			results[i] = res
		}
		if onProgress != nil {
			onProgress(stt.Progress{Index: i, Total: len(paths), Path: path, Err: err})
		}
	}
	return results, nil
}
