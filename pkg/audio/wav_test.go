package audio_test

import (
	"errors"
	"testing"

	"github.com/pveiga/oraculo/pkg/audio"
)

func TestEncodeDecodeWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{0, 1000, -1000, 32767, -32768})
	wav := audio.EncodeWAV(pcm, 16000, 1)

	got, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error: %v", err)
	}
	if got.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", got.SampleRate)
	}
	if got.Channels != 1 {
		t.Errorf("Channels = %d, want 1", got.Channels)
	}
	if len(got.Data) != len(pcm) {
		t.Fatalf("payload length = %d, want %d", len(got.Data), len(pcm))
	}
	for i := range pcm {
		if got.Data[i] != pcm[i] {
			t.Fatalf("payload byte %d = %#x, want %#x", i, got.Data[i], pcm[i])
		}
	}
}

func TestWAVDuration(t *testing.T) {
	t.Parallel()

	// One second of 16 kHz mono silence.
	wav := audio.EncodeWAV(make([]byte, 16000*2), 16000, 1)
	dur, err := audio.WAVDuration(wav)
	if err != nil {
		t.Fatalf("WAVDuration() error: %v", err)
	}
	if dur != 1.0 {
		t.Errorf("duration = %v, want 1.0", dur)
	}
}

func TestDecodeWAV_RejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := audio.DecodeWAV([]byte("definitely not a riff container"))
	if !errors.Is(err, audio.ErrNotWAV) {
		t.Errorf("DecodeWAV(garbage) error = %v, want ErrNotWAV", err)
	}
}
