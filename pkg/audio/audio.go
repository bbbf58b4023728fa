// Package audio provides the small audio toolkit the session pipeline needs:
// container probing (duration, sample rate), Ogg/Opus demuxing and decoding,
// WAV encoding/parsing, MP3 decoding/encoding, and PCM utilities (channel
// fold-down, linear resampling).
//
// Voice notes arrive as Ogg-encapsulated Opus; speech synthesis providers
// return WAV or MP3. Everything is normalised through the [PCM] value type:
// 16-bit signed little-endian interleaved samples plus rate and channel
// metadata.
package audio

import "fmt"

// PCM holds decoded 16-bit signed little-endian interleaved PCM audio.
type PCM struct {
	// Data is the raw sample data, two bytes per sample, channels interleaved.
	Data []byte

	// SampleRate in Hz (e.g. 48000, 16000).
	SampleRate int

	// Channels is the channel count (1 = mono, 2 = stereo).
	Channels int
}

// Samples returns the number of samples per channel.
func (p *PCM) Samples() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Data) / 2 / p.Channels
}

// DurationSeconds returns the playback duration in seconds.
func (p *PCM) DurationSeconds() float64 {
	if p.SampleRate <= 0 {
		return 0
	}
	return float64(p.Samples()) / float64(p.SampleRate)
}

// Mono folds the audio down to a single channel by averaging each frame.
// Mono input is returned unchanged.
func (p *PCM) Mono() *PCM {
	if p.Channels <= 1 {
		return p
	}
	return &PCM{
		Data:       foldToMono(p.Data, p.Channels),
		SampleRate: p.SampleRate,
		Channels:   1,
	}
}

// Resampled returns the audio linearly resampled to rate. Same-rate input is
// returned unchanged.
func (p *PCM) Resampled(rate int) (*PCM, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("audio: invalid target rate %d", rate)
	}
	if p.Channels <= 0 {
		return nil, fmt.Errorf("audio: cannot resample %d-channel audio", p.Channels)
	}
	if p.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid source rate %d", p.SampleRate)
	}
	if p.SampleRate == rate {
		return p, nil
	}
	return &PCM{
		Data:       resample16(p.Data, p.Channels, p.SampleRate, rate),
		SampleRate: rate,
		Channels:   p.Channels,
	}, nil
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
