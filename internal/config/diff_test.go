package config_test

import (
	"slices"
	"testing"

	"github.com/pveiga/oraculo/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Transport: config.TransportConfig{
			Provider:      config.ProviderEntry{Name: "telegram", APIKey: "tok"},
			AllowedChatID: "42",
		},
		Paths: config.PathsConfig{SessionsRoot: "/tmp/s"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	d := config.Diff(old, new)
	if !d.Empty() {
		t.Errorf("Diff() = %+v, want empty", d)
	}
}

func TestDiff_LogLevelOnly(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("LogLevelChanged = false, want true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none for a level-only change", d.RestartRequired)
	}
}

func TestDiff_SectionChangeRequiresRestart(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Search.MinScore = 0.8
	new.Transport.AllowedChatID = "77"

	d := config.Diff(old, new)
	if d.LogLevelChanged {
		t.Error("LogLevelChanged = true, want false")
	}
	if !slices.Contains(d.RestartRequired, "search") {
		t.Errorf("RestartRequired = %v, want to contain search", d.RestartRequired)
	}
	if !slices.Contains(d.RestartRequired, "transport") {
		t.Errorf("RestartRequired = %v, want to contain transport", d.RestartRequired)
	}
	if d.Empty() {
		t.Error("Empty() = true, want false")
	}
}

func TestDiff_ProviderOptionsCompared(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	old.Providers.STT = config.ProviderEntry{Name: "whisper-native", Options: map[string]any{"device": "cpu"}}
	new.Providers.STT = config.ProviderEntry{Name: "whisper-native", Options: map[string]any{"device": "cuda"}}

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("RestartRequired = %v, want to contain providers", d.RestartRequired)
	}
}
