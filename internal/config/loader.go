package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per capability kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transport":  {"telegram", "discord"},
	"stt":        {"whisper-native", "whisper-server", "openai"},
	"tts":        {"coqui", "elevenlabs", "openai"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills secrets left empty in YAML from the environment, so tokens
// and API keys can stay out of the config file. The bot token falls back to
// ORACULO_BOT_TOKEN, provider keys to ORACULO_<KIND>_API_KEY.
func ApplyEnv(cfg *Config) {
	fromEnv := func(key *string, envVar string) {
		if *key == "" {
			*key = os.Getenv(envVar)
		}
	}
	fromEnv(&cfg.Transport.Provider.APIKey, "ORACULO_BOT_TOKEN")
	fromEnv(&cfg.Providers.STT.APIKey, "ORACULO_STT_API_KEY")
	fromEnv(&cfg.Providers.TTS.APIKey, "ORACULO_TTS_API_KEY")
	fromEnv(&cfg.Providers.LLM.APIKey, "ORACULO_LLM_API_KEY")
	fromEnv(&cfg.Providers.Embeddings.APIKey, "ORACULO_EMBEDDINGS_API_KEY")
}

// ApplyDefaults fills zero-valued tunables with their documented defaults.
// Required fields (token, chat id, paths, provider names) are left alone;
// [Validate] reports them.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogText
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = Duration(15 * time.Second)
	}

	if cfg.Transcription.QueueCapacity == 0 {
		cfg.Transcription.QueueCapacity = 128
	}
	if cfg.Transcription.Timeout == 0 {
		cfg.Transcription.Timeout = Duration(5 * time.Minute)
	}
	if cfg.Transcription.DrainGrace == 0 {
		cfg.Transcription.DrainGrace = Duration(30 * time.Second)
	}

	if cfg.TTS.Format == "" {
		cfg.TTS.Format = "mp3"
	}
	if cfg.TTS.Timeout == 0 {
		cfg.TTS.Timeout = Duration(30 * time.Second)
	}
	if cfg.TTS.MaxTextLength == 0 {
		cfg.TTS.MaxTextLength = 3000
	}
	if cfg.TTS.GCRetentionHours == 0 {
		cfg.TTS.GCRetentionHours = 24
	}
	if cfg.TTS.GCMaxStorageMB == 0 {
		cfg.TTS.GCMaxStorageMB = 512
	}
	if cfg.TTS.GCInterval == 0 {
		cfg.TTS.GCInterval = Duration(time.Hour)
	}

	if cfg.Search.MinScore == 0 {
		cfg.Search.MinScore = 0.6
	}
	if cfg.Search.MaxResults == 0 {
		cfg.Search.MaxResults = 5
	}
	if cfg.Search.QueryTimeout == 0 {
		cfg.Search.QueryTimeout = Duration(60 * time.Second)
	}

	if cfg.UI.MessageByteCap == 0 {
		cfg.UI.MessageByteCap = 4096
	}
	if cfg.UI.FileThreshold == 0 {
		cfg.UI.FileThreshold = 3
	}
	if cfg.UI.ProgressInterval == 0 {
		cfg.UI.ProgressInterval = Duration(5 * time.Second)
	}
	if cfg.UI.OperationTimeout == 0 {
		cfg.UI.OperationTimeout = Duration(2 * time.Minute)
	}
	if cfg.UI.IntentTimeout == 0 {
		cfg.UI.IntentTimeout = Duration(60 * time.Second)
	}

	if cfg.Oracle.PlaceholderToken == "" {
		cfg.Oracle.PlaceholderToken = "{{CONTEXT}}"
	}
	if cfg.Oracle.CacheTTL == 0 {
		cfg.Oracle.CacheTTL = Duration(10 * time.Second)
	}
	if cfg.Oracle.LLMTimeout == 0 {
		cfg.Oracle.LLMTimeout = Duration(30 * time.Second)
	}

	if cfg.Narrative.Timeout == 0 {
		cfg.Narrative.Timeout = Duration(10 * time.Minute)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Transport
	if cfg.Transport.Provider.Name == "" {
		errs = append(errs, errors.New("transport.provider.name is required"))
	}
	if cfg.Transport.Provider.APIKey == "" {
		errs = append(errs, errors.New("transport.provider.api_key (bot token) is required"))
	}
	if cfg.Transport.AllowedChatID == "" {
		errs = append(errs, errors.New("transport.allowed_chat_id is required"))
	}

	// Paths
	if cfg.Paths.SessionsRoot == "" {
		errs = append(errs, errors.New("paths.sessions_root is required"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("transport", cfg.Transport.Provider.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Capability availability warnings
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; captured audio will stay untranscribed")
	}
	if cfg.Providers.LLM.Name == "" && cfg.Paths.OraclesDir != "" {
		slog.Warn("paths.oracles_dir is set but providers.llm is not; oracle dispatch will be unavailable")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; search will degrade to text matching")
	}

	// TTS
	if cfg.TTS.Enabled && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("tts.enabled is true but providers.tts is not configured"))
	}
	if f := cfg.TTS.Format; f != "mp3" && f != "wav" {
		errs = append(errs, fmt.Errorf("tts.format %q is invalid; valid values: mp3, wav", f))
	}
	if cfg.TTS.GCRetentionHours < 0 {
		errs = append(errs, fmt.Errorf("tts.gc_retention_hours %d must not be negative", cfg.TTS.GCRetentionHours))
	}

	// Search
	if cfg.Search.MinScore < 0 || cfg.Search.MinScore > 1 {
		errs = append(errs, fmt.Errorf("search.min_score %.2f is out of range [0, 1]", cfg.Search.MinScore))
	}
	if cfg.Search.MaxResults < 1 {
		errs = append(errs, fmt.Errorf("search.max_results %d must be at least 1", cfg.Search.MaxResults))
	}

	// UI
	if cfg.UI.MessageByteCap < 512 {
		errs = append(errs, fmt.Errorf("ui.message_byte_cap %d must be at least 512", cfg.UI.MessageByteCap))
	}
	if cfg.UI.FileThreshold < 1 {
		errs = append(errs, fmt.Errorf("ui.file_threshold %d must be at least 1", cfg.UI.FileThreshold))
	}

	// Oracle
	if cfg.Oracle.PlaceholderToken == "" {
		errs = append(errs, errors.New("oracle.placeholder_token must not be empty"))
	}

	// Transcription
	if cfg.Transcription.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("transcription.queue_capacity %d must be at least 1", cfg.Transcription.QueueCapacity))
	}

	// Index ↔ embeddings dimensions
	if cfg.Index.PostgresDSN != "" && cfg.Index.EmbeddingDimensions <= 0 {
		slog.Warn("index.postgres_dsn is configured but index.embedding_dimensions is not set; defaulting to 768")
	}

	// Narrative command template
	if len(cfg.Narrative.Command) > 0 {
		hasPlaceholder := false
		for _, arg := range cfg.Narrative.Command {
			if strings.Contains(arg, "{input}") || strings.Contains(arg, "{dir}") || strings.Contains(arg, "{output}") {
				hasPlaceholder = true
				break
			}
		}
		if !hasPlaceholder {
			slog.Warn("narrative.command has no {dir}/{input}/{output} placeholder; the chain will not see session data")
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
