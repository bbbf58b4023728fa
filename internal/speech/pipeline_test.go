package speech_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pveiga/oraculo/internal/catalog"
	"github.com/pveiga/oraculo/internal/session"
	"github.com/pveiga/oraculo/internal/speech"
	"github.com/pveiga/oraculo/pkg/audio"
	"github.com/pveiga/oraculo/pkg/provider/tts"
	ttsmock "github.com/pveiga/oraculo/pkg/provider/tts/mock"
)

func newManager(t *testing.T) *session.Manager {
	t.Helper()
	store, err := session.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error: %v", err)
	}
	return session.NewManager(store)
}

func newSession(t *testing.T, m *session.Manager, chatID string) string {
	t.Helper()
	s, err := m.Create(chatID)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return s.ID
}

// wavBytes builds a real WAV container holding 16-bit mono silence.
func wavBytes(samples, sampleRate int) []byte {
	return audio.EncodeWAV(make([]byte, samples*2), sampleRate, 1)
}

func enabledConfig() speech.Config {
	return speech.Config{Enabled: true, Format: "wav", VoiceID: "voz-1", Language: "pt-BR"}
}

func TestSynthesize_WritesArtifactAndSidecar(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	id := newSession(t, m, "chat-1")
	synth := &ttsmock.Synthesizer{
		Result: &tts.Audio{Data: wavBytes(8000, 16000), Format: "wav"},
	}
	p := speech.NewPipeline(m, synth, enabledConfig())

	res := p.Synthesize(context.Background(), speech.Request{
		SessionID: id, PersonaID: "sabio", Sequence: 1, Text: "**Olá**, mundo",
	})
	if !res.OK {
		t.Fatalf("Synthesize() failed: code=%v err=%v", res.Code, res.Err)
	}
	want := filepath.Join(m.Paths(id).TTSDir, "001_sabio.wav")
	if res.Path != want {
		t.Errorf("Path = %q, want %q", res.Path, want)
	}
	if res.Cached {
		t.Error("first synthesis reported Cached = true")
	}
	if res.DurationMS != 500 {
		t.Errorf("DurationMS = %d, want 500", res.DurationMS)
	}

	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	if audio.Sniff(data) != audio.FormatWAV {
		t.Errorf("artifact sniffs as %q, want wav", audio.Sniff(data))
	}
	sidecar, err := os.ReadFile(res.Path + ".key")
	if err != nil {
		t.Fatalf("reading key sidecar: %v", err)
	}
	if key := strings.TrimSpace(string(sidecar)); len(key) != 16 {
		t.Errorf("sidecar key = %q, want 16 hex chars", key)
	}

	if n := synth.SynthesizeCallCount(); n != 1 {
		t.Fatalf("provider calls = %d, want 1", n)
	}
	call := synth.SynthesizeCalls[0]
	if call.Text != "Olá, mundo" {
		t.Errorf("provider got text %q, want sanitized %q", call.Text, "Olá, mundo")
	}
	if call.VoiceID != "voz-1" || call.Language != "pt-BR" {
		t.Errorf("provider got voice=%q lang=%q", call.VoiceID, call.Language)
	}
}

func TestSynthesize_SecondCallHitsCache(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	id := newSession(t, m, "chat-1")
	synth := &ttsmock.Synthesizer{
		Result: &tts.Audio{Data: wavBytes(4000, 8000), Format: "wav"},
	}
	p := speech.NewPipeline(m, synth, enabledConfig())
	req := speech.Request{SessionID: id, PersonaID: "sabio", Sequence: 1, Text: "mesma resposta"}

	if res := p.Synthesize(context.Background(), req); !res.OK {
		t.Fatalf("first Synthesize() failed: %v", res.Err)
	}
	res := p.Synthesize(context.Background(), req)
	if !res.OK {
		t.Fatalf("second Synthesize() failed: %v", res.Err)
	}
	if !res.Cached {
		t.Error("second synthesis of identical text should be cached")
	}
	if res.DurationMS != 500 {
		t.Errorf("cached DurationMS = %d, want 500", res.DurationMS)
	}
	if n := synth.SynthesizeCallCount(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestSynthesize_ChangedTextRebuilds(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	id := newSession(t, m, "chat-1")
	synth := &ttsmock.Synthesizer{
		Result: &tts.Audio{Data: wavBytes(4000, 8000), Format: "wav"},
	}
	p := speech.NewPipeline(m, synth, enabledConfig())

	first := p.Synthesize(context.Background(), speech.Request{
		SessionID: id, PersonaID: "sabio", Sequence: 1, Text: "versão original",
	})
	if !first.OK {
		t.Fatalf("first Synthesize() failed: %v", first.Err)
	}
	before, err := os.ReadFile(first.Path + ".key")
	if err != nil {
		t.Fatalf("reading sidecar: %v", err)
	}

	// Same artifact slot, different text: the key miss must force a rebuild.
	second := p.Synthesize(context.Background(), speech.Request{
		SessionID: id, PersonaID: "sabio", Sequence: 1, Text: "versão revisada",
	})
	if !second.OK {
		t.Fatalf("second Synthesize() failed: %v", second.Err)
	}
	if second.Cached {
		t.Error("rebuild after text change reported Cached = true")
	}
	if n := synth.SynthesizeCallCount(); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}
	after, err := os.ReadFile(first.Path + ".key")
	if err != nil {
		t.Fatalf("reading sidecar after rebuild: %v", err)
	}
	if string(before) == string(after) {
		t.Error("sidecar key unchanged after rebuild")
	}
}

func TestArtifact_ReportsExistence(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	id := newSession(t, m, "chat-1")
	synth := &ttsmock.Synthesizer{
		Result: &tts.Audio{Data: wavBytes(4000, 8000), Format: "wav"},
	}
	p := speech.NewPipeline(m, synth, enabledConfig())
	req := speech.Request{SessionID: id, PersonaID: "cetico", Sequence: 2, Text: "duvido muito"}

	path, ok := p.Artifact(req)
	if ok {
		t.Errorf("Artifact() = %q, true before synthesis", path)
	}
	res := p.Synthesize(context.Background(), req)
	if !res.OK {
		t.Fatalf("Synthesize() failed: %v", res.Err)
	}
	path, ok = p.Artifact(req)
	if !ok || path != res.Path {
		t.Errorf("Artifact() = %q, %v after synthesis, want %q, true", path, ok, res.Path)
	}
	if base := filepath.Base(path); base != "002_cetico.wav" {
		t.Errorf("artifact name = %q, want 002_cetico.wav", base)
	}
}

func TestSynthesize_DisabledPipeline(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	id := newSession(t, m, "chat-1")
	synth := &ttsmock.Synthesizer{}
	p := speech.NewPipeline(m, synth, speech.Config{Enabled: false})

	res := p.Synthesize(context.Background(), speech.Request{
		SessionID: id, PersonaID: "sabio", Sequence: 1, Text: "olá",
	})
	if res.OK {
		t.Fatal("disabled pipeline produced audio")
	}
	if !errors.Is(res.Err, speech.ErrDisabled) {
		t.Errorf("Err = %v, want ErrDisabled", res.Err)
	}
	if n := synth.SynthesizeCallCount(); n != 0 {
		t.Errorf("provider calls = %d, want 0", n)
	}
}

func TestSynthesize_RejectsUnspeakableText(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	id := newSession(t, m, "chat-1")
	synth := &ttsmock.Synthesizer{}
	p := speech.NewPipeline(m, synth, enabledConfig())

	res := p.Synthesize(context.Background(), speech.Request{
		SessionID: id, PersonaID: "sabio", Sequence: 1, Text: "*** ~~~ 🚀",
	})
	if res.OK || res.Err == nil {
		t.Fatalf("Synthesize() = %+v, want failure for unspeakable text", res)
	}
	if res.Code != catalog.CodeTTSFailed {
		t.Errorf("Code = %v, want %v", res.Code, catalog.CodeTTSFailed)
	}
	if n := synth.SynthesizeCallCount(); n != 0 {
		t.Errorf("provider calls = %d, want 0", n)
	}
}

func TestSynthesize_EnforcesTextCap(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	id := newSession(t, m, "chat-1")
	synth := &ttsmock.Synthesizer{}
	cfg := enabledConfig()
	cfg.MaxTextRunes = 10
	p := speech.NewPipeline(m, synth, cfg)

	res := p.Synthesize(context.Background(), speech.Request{
		SessionID: id, PersonaID: "sabio", Sequence: 1,
		Text: "uma resposta bem mais longa do que o limite permite",
	})
	if res.OK {
		t.Fatal("over-cap text was synthesized")
	}
	if n := synth.SynthesizeCallCount(); n != 0 {
		t.Errorf("provider calls = %d, want 0", n)
	}
}

func TestSynthesize_ProviderFailureRecordedOnSession(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	id := newSession(t, m, "chat-1")
	synth := &ttsmock.Synthesizer{SynthesizeErr: errors.New("voice server down")}
	p := speech.NewPipeline(m, synth, enabledConfig())

	res := p.Synthesize(context.Background(), speech.Request{
		SessionID: id, PersonaID: "sabio", Sequence: 1, Text: "olá",
	})
	if res.OK {
		t.Fatal("provider failure reported OK")
	}
	if res.Code != catalog.CodeTTSFailed {
		t.Errorf("Code = %v, want %v", res.Code, catalog.CodeTTSFailed)
	}

	s, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if len(s.Errors) == 0 {
		t.Fatal("session has no error records")
	}
	last := s.Errors[len(s.Errors)-1]
	if last.Operation != "tts" || !last.Recoverable {
		t.Errorf("last error = %+v, want recoverable tts failure", last)
	}
	if last.Target != "001_sabio" {
		t.Errorf("error target = %q, want 001_sabio", last.Target)
	}
}

func TestSynthesize_TimeoutYieldsTimeoutCode(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	id := newSession(t, m, "chat-1")
	synth := &ttsmock.Synthesizer{Delay: 400 * time.Millisecond}
	cfg := enabledConfig()
	cfg.Timeout = 30 * time.Millisecond
	p := speech.NewPipeline(m, synth, cfg)

	res := p.Synthesize(context.Background(), speech.Request{
		SessionID: id, PersonaID: "sabio", Sequence: 1, Text: "olá",
	})
	if res.OK {
		t.Fatal("timed-out synthesis reported OK")
	}
	if res.Code != catalog.CodeCapabilityTimeout {
		t.Errorf("Code = %v, want %v", res.Code, catalog.CodeCapabilityTimeout)
	}
}

func TestSynthesize_ConcurrentDuplicatesShareProviderCall(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	id := newSession(t, m, "chat-1")
	synth := &ttsmock.Synthesizer{
		Result: &tts.Audio{Data: wavBytes(4000, 8000), Format: "wav"},
		Delay:  200 * time.Millisecond,
	}
	p := speech.NewPipeline(m, synth, enabledConfig())
	req := speech.Request{SessionID: id, PersonaID: "sabio", Sequence: 1, Text: "resposta única"}

	const callers = 4
	results := make([]speech.Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Synthesize(context.Background(), req)
		}(i)
	}
	wg.Wait()

	cached := 0
	for i, res := range results {
		if !res.OK {
			t.Fatalf("caller %d failed: %v", i, res.Err)
		}
		if res.Cached {
			cached++
		}
	}
	if cached != callers-1 {
		t.Errorf("cached results = %d, want %d", cached, callers-1)
	}
	if n := synth.SynthesizeCallCount(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestSynthesize_TranscodesWavToMp3(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	id := newSession(t, m, "chat-1")
	// One second of mono silence at 44.1 kHz.
	synth := &ttsmock.Synthesizer{
		Result: &tts.Audio{Data: wavBytes(44100, 44100), Format: "wav"},
	}
	cfg := enabledConfig()
	cfg.Format = "mp3"
	p := speech.NewPipeline(m, synth, cfg)

	res := p.Synthesize(context.Background(), speech.Request{
		SessionID: id, PersonaID: "sabio", Sequence: 1, Text: "um segundo de fala",
	})
	if !res.OK {
		t.Fatalf("Synthesize() failed: %v", res.Err)
	}
	if base := filepath.Base(res.Path); base != "001_sabio.mp3" {
		t.Errorf("artifact name = %q, want 001_sabio.mp3", base)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	if audio.Sniff(data) != audio.FormatMP3 {
		t.Errorf("artifact sniffs as %q, want mp3", audio.Sniff(data))
	}
	// Encoder framing pads the tail, so allow some slack around one second.
	if res.DurationMS < 900 || res.DurationMS > 1200 {
		t.Errorf("DurationMS = %d, want ~1000", res.DurationMS)
	}
}

func TestCheckHealth(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	t.Run("disabled", func(t *testing.T) {
		p := speech.NewPipeline(m, &ttsmock.Synthesizer{}, speech.Config{Enabled: false})
		if err := p.CheckHealth(context.Background()); !errors.Is(err, speech.ErrDisabled) {
			t.Errorf("CheckHealth() = %v, want ErrDisabled", err)
		}
	})
	t.Run("provider down", func(t *testing.T) {
		synth := &ttsmock.Synthesizer{VoicesErr: errors.New("refused")}
		p := speech.NewPipeline(m, synth, enabledConfig())
		if err := p.CheckHealth(context.Background()); err == nil {
			t.Error("CheckHealth() = nil, want error")
		}
	})
	t.Run("healthy", func(t *testing.T) {
		synth := &ttsmock.Synthesizer{VoicesResult: []tts.Voice{{ID: "voz-1", Name: "Helena"}}}
		p := speech.NewPipeline(m, synth, enabledConfig())
		if err := p.CheckHealth(context.Background()); err != nil {
			t.Errorf("CheckHealth() error: %v", err)
		}
	})
}
