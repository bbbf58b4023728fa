// Package elevenlabs provides an ElevenLabs-backed synthesizer using the
// ElevenLabs REST API. It implements the tts.Synthesizer interface.
//
// Each Synthesize call maps to one POST /v1/text-to-speech/{voice_id}
// request returning a complete MP3 file, which matches the batch unit of the
// speech pipeline. The voice catalogue comes from GET /v1/voices.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pveiga/oraculo/pkg/audio"
	"github.com/pveiga/oraculo/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Synthesizer = (*Synthesizer)(nil)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_multilingual_v2"
	defaultTimeout = 60 * time.Second

	// defaultOutputFormat requests 44.1 kHz 128 kbps MP3, the API default.
	defaultOutputFormat = "mp3_44100_128"
)

// Option is a functional option for configuring the Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_multilingual_v2",
// "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(s *Synthesizer) { s.model = model }
}

// WithOutputFormat sets the audio output format query parameter (e.g.
// "mp3_44100_128", "mp3_22050_32").
func WithOutputFormat(format string) Option {
	return func(s *Synthesizer) { s.outputFormat = format }
}

// WithBaseURL overrides the API base URL. Intended for tests.
func WithBaseURL(url string) Option {
	return func(s *Synthesizer) { s.baseURL = strings.TrimRight(url, "/") }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) { s.httpClient.Timeout = d }
}

// Synthesizer implements tts.Synthesizer backed by the ElevenLabs REST API.
type Synthesizer struct {
	apiKey       string
	baseURL      string
	model        string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		outputFormat: defaultOutputFormat,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ProviderID implements tts.Synthesizer.
func (s *Synthesizer) ProviderID() string { return "elevenlabs" }

// ---- API types ----

// ttsRequest is the JSON body for POST /v1/text-to-speech/{voice_id}.
type ttsRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// voicesResponse is the JSON body returned by GET /v1/voices.
type voicesResponse struct {
	Voices []voiceEntry `json:"voices"`
}

// voiceEntry is one catalogue entry in voicesResponse.
type voiceEntry struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ---- Synthesize -------------------------------------------------------------

// Synthesize issues a single text-to-speech request and returns the MP3
// response. req.VoiceID is required.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("elevenlabs: request text must not be empty")
	}
	if req.VoiceID == "" {
		return nil, errors.New("elevenlabs: VoiceID must not be empty")
	}

	body := ttsRequest{
		Text:    req.Text,
		ModelID: s.model,
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	}
	if req.Speed > 0 {
		body.VoiceSettings.Speed = req.Speed
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal tts request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, req.VoiceID, s.outputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: POST text-to-speech: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Error responses carry a JSON detail body worth surfacing.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elevenlabs: text-to-speech returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	mp3, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio response: %w", err)
	}

	out := &tts.Audio{Data: mp3, Format: string(audio.FormatMP3)}
	if rate := sampleRateFromFormat(s.outputFormat); rate > 0 {
		out.SampleRate = rate
	}
	return out, nil
}

// ---- Voices -----------------------------------------------------------------

// Voices retrieves the voice catalogue via GET /v1/voices.
func (s *Synthesizer) Voices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: GET /v1/voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: GET /v1/voices returned status %d", resp.StatusCode)
	}

	var parsed voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices response: %w", err)
	}

	voices := make([]tts.Voice, 0, len(parsed.Voices))
	for _, v := range parsed.Voices {
		meta := map[string]string{}
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		voices = append(voices, tts.Voice{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return voices, nil
}

// sampleRateFromFormat extracts the sample rate from an output format name
// like "mp3_44100_128". Returns 0 when the name has no recognisable rate.
func sampleRateFromFormat(format string) int {
	parts := strings.Split(format, "_")
	if len(parts) < 2 {
		return 0
	}
	var rate int
	if _, err := fmt.Sscanf(parts[1], "%d", &rate); err != nil {
		return 0
	}
	return rate
}
