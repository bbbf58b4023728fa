package whisper

import (
	"math"
	"testing"

	"github.com/pveiga/oraculo/pkg/audio"
)

func TestPcmToFloat32(t *testing.T) {
	samples := []int16{0, 100, -100, 16384, -16384, 32767, -32768}
	out := pcmToFloat32(audio.Int16sToBytes(samples))
	if len(out) != len(samples) {
		t.Fatalf("sample count = %d, want %d", len(out), len(samples))
	}
	for i, s := range samples {
		want := float32(s) / 32768.0
		if math.Abs(float64(out[i]-want)) > 1e-6 {
			t.Errorf("sample %d = %f, want %f", i, out[i], want)
		}
	}
	// Full-scale negative maps exactly to -1.
	if out[6] != -1.0 {
		t.Errorf("full-scale negative = %f, want -1.0", out[6])
	}
}

func TestPcmToFloat32_Empty(t *testing.T) {
	if out := pcmToFloat32(nil); len(out) != 0 {
		t.Fatalf("expected no samples, got %d", len(out))
	}
}

func TestPcmToFloat32_OddByteCount(t *testing.T) {
	// The trailing odd byte is ignored.
	if out := pcmToFloat32([]byte{0x00, 0x40, 0xFF}); len(out) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(out))
	}
}
