// Package whisper provides speech-to-text backed by whisper.cpp, either
// in-process through the CGO bindings (Native) or over HTTP against a running
// whisper-server binary (Server).
//
// Both variants normalise input the same way: the audio file is decoded from
// its container (Ogg/Opus, WAV or MP3), down-mixed to mono and resampled to
// 16 kHz, which is the input format whisper.cpp expects.
//
// Usage (server):
//
//	tr, err := whisper.NewServer("http://localhost:8080",
//	    whisper.WithLanguage("pt"),
//	)
//	res, err := tr.Transcribe(ctx, "sessions/x/audio/001_093015.ogg")
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pveiga/oraculo/pkg/audio"
	"github.com/pveiga/oraculo/pkg/provider/stt"
)

const (
	// whisperSampleRate is the input sample rate whisper.cpp expects.
	whisperSampleRate = 16000

	defaultLanguage = "pt"
	defaultTimeout  = 120 * time.Second
)

// Compile-time assertion that Server implements stt.Transcriber.
var _ stt.Transcriber = (*Server)(nil)

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithModel sets the model identifier forwarded to the whisper-server (e.g.
// "base", "small"). When empty, the default, the server uses whichever model
// it was started with.
func WithModel(model string) Option {
	return func(s *Server) { s.model = model }
}

// WithLanguage sets the BCP-47 language code sent to the server (e.g. "pt",
// "en"). Defaults to "pt".
func WithLanguage(lang string) Option {
	return func(s *Server) { s.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Long voice notes on slow
// hardware can take minutes; the default is 120 s.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.httpClient.Timeout = d }
}

// WithTranslate asks the server to translate the audio to English instead of
// transcribing it in the source language. Off by default.
func WithTranslate(translate bool) Option {
	return func(s *Server) { s.translate = translate }
}

// Server implements stt.Transcriber backed by a whisper-server instance
// reachable over HTTP. The server owns the model, so Load and Unload are
// no-ops and Ready always reports true; connection failures surface per call.
type Server struct {
	serverURL  string
	model      string
	language   string
	translate  bool
	httpClient *http.Client
}

// NewServer creates a Server that submits inference requests to the
// whisper-server at serverURL (e.g. "http://localhost:8080"). serverURL must
// be non-empty.
func NewServer(serverURL string, opts ...Option) (*Server, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	s := &Server{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Load implements stt.Transcriber as a no-op; the server manages its model.
func (s *Server) Load(_ context.Context) error { return nil }

// Unload implements stt.Transcriber as a no-op.
func (s *Server) Unload() error { return nil }

// Ready always reports true; the connection is established per request.
func (s *Server) Ready() bool { return true }

// ModelID returns the configured model name, or "server-default" when the
// server decides.
func (s *Server) ModelID() string {
	if s.model == "" {
		return "server-default"
	}
	return s.model
}

// Transcribe decodes the audio file, normalises it to 16 kHz mono WAV and
// POSTs it to the server's /inference endpoint.
func (s *Server) Transcribe(ctx context.Context, path string) (*stt.Result, error) {
	pcm, err := audio.DecodeFile(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: decode %q: %w", path, err)
	}
	duration := pcm.DurationSeconds()

	pcm, err = pcm.Mono().Resampled(whisperSampleRate)
	if err != nil {
		return nil, fmt.Errorf("whisper: resample %q: %w", path, err)
	}

	text, err := s.infer(ctx, audio.EncodeWAV(pcm.Data, pcm.SampleRate, pcm.Channels))
	if err != nil {
		return nil, err
	}
	return &stt.Result{
		Text:            strings.TrimSpace(text),
		Language:        s.language,
		DurationSeconds: duration,
		Model:           s.ModelID(),
	}, nil
}

// TranscribeBatch transcribes each file in order. Per-item failures are
// reported through onProgress and leave a nil slot in the result slice.
func (s *Server) TranscribeBatch(ctx context.Context, paths []string, onProgress stt.ProgressFunc) ([]*stt.Result, error) {
	results := make([]*stt.Result, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := s.Transcribe(ctx, path)
		if err == nil {
			results[i] = res
		}
		if onProgress != nil {
			onProgress(stt.Progress{Index: i, Total: len(paths), Path: path, Err: err})
		}
	}
	return results, nil
}

// infer POSTs a WAV payload to the /inference endpoint as multipart/form-data
// and returns the transcribed text.
func (s *Server) infer(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	if s.language != "" {
		if err := mw.WriteField("language", s.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if s.model != "" {
		if err := mw.WriteField("model", s.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if s.translate {
		if err := mw.WriteField("translate", "true"); err != nil {
			return "", fmt.Errorf("whisper: write translate field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := s.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}
