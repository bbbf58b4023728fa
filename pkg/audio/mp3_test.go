package audio_test

import (
	"math"
	"testing"

	"github.com/pveiga/oraculo/pkg/audio"
)

// sineStereo produces an interleaved 16-bit stereo sine tone.
func sineStereo(freq float64, sampleRate, frames int) []int16 {
	samples := make([]int16, frames*2)
	for i := range frames {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		samples[2*i] = v
		samples[2*i+1] = v
	}
	return samples
}

func TestEncodeDecodeMP3_RoundTrip(t *testing.T) {
	t.Parallel()

	const sampleRate = 44100
	in := &audio.PCM{
		Data:       samplesToBytes(sineStereo(440, sampleRate, sampleRate)),
		SampleRate: sampleRate,
		Channels:   2,
	}

	encoded, err := audio.EncodeMP3(in)
	if err != nil {
		t.Fatalf("EncodeMP3() error: %v", err)
	}
	if len(encoded) == 0 {
		t.Fatal("EncodeMP3() produced no output")
	}

	out, err := audio.DecodeMP3(encoded)
	if err != nil {
		t.Fatalf("DecodeMP3() error: %v", err)
	}
	if out.SampleRate != sampleRate {
		t.Errorf("SampleRate = %d, want %d", out.SampleRate, sampleRate)
	}
	if out.Channels != 2 {
		t.Errorf("Channels = %d, want 2", out.Channels)
	}
	// Codec delay and block padding shift the length slightly.
	if d := out.DurationSeconds(); math.Abs(d-1.0) > 0.15 {
		t.Errorf("decoded duration = %v, want about 1.0", d)
	}
}

func TestMP3Duration(t *testing.T) {
	t.Parallel()

	const sampleRate = 44100
	in := &audio.PCM{
		Data:       samplesToBytes(sineStereo(330, sampleRate, sampleRate/2)),
		SampleRate: sampleRate,
		Channels:   2,
	}
	encoded, err := audio.EncodeMP3(in)
	if err != nil {
		t.Fatalf("EncodeMP3() error: %v", err)
	}

	dur, err := audio.MP3Duration(encoded)
	if err != nil {
		t.Fatalf("MP3Duration() error: %v", err)
	}
	if math.Abs(dur-0.5) > 0.15 {
		t.Errorf("MP3Duration() = %v, want about 0.5", dur)
	}
}

func TestEncodeMP3_RejectsBadChannelCount(t *testing.T) {
	t.Parallel()

	_, err := audio.EncodeMP3(&audio.PCM{Data: make([]byte, 8), SampleRate: 44100, Channels: 6})
	if err == nil {
		t.Fatal("EncodeMP3() with 6 channels succeeded, want error")
	}
}
