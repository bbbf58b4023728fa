package audio

import (
	"bytes"
	"fmt"
	"io"

	shine "github.com/braheezy/shine-mp3/pkg/mp3"
	gomp3 "github.com/hajimehoshi/go-mp3"
)

// mp3BlockSamples is the MPEG-1 Layer III granule size per channel; shine
// consumes input in whole blocks.
const mp3BlockSamples = 1152

// DecodeMP3 decodes an MP3 stream into PCM. go-mp3 always emits 16-bit
// stereo at the stream's native sample rate.
func DecodeMP3(data []byte) (*PCM, error) {
	dec, err := gomp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("audio: mp3 decoder: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("audio: mp3 decode: %w", err)
	}
	return &PCM{Data: pcm, SampleRate: dec.SampleRate(), Channels: 2}, nil
}

// MP3Duration returns the playback duration in seconds of an MP3 stream
// without decoding the audio payload.
func MP3Duration(data []byte) (float64, error) {
	dec, err := gomp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("audio: mp3 decoder: %w", err)
	}
	// Length reports total decoded bytes: 16-bit stereo, 4 bytes per frame.
	frames := dec.Length() / 4
	if dec.SampleRate() <= 0 {
		return 0, fmt.Errorf("audio: mp3 reports sample rate %d", dec.SampleRate())
	}
	return float64(frames) / float64(dec.SampleRate()), nil
}

// EncodeMP3 encodes 16-bit little-endian PCM as MPEG-1 Layer III. The input
// is zero-padded to a whole encoder block.
func EncodeMP3(p *PCM) ([]byte, error) {
	if p.Channels < 1 || p.Channels > 2 {
		return nil, fmt.Errorf("audio: mp3 encode: unsupported channel count %d", p.Channels)
	}
	samples := BytesToInt16s(p.Data)

	block := mp3BlockSamples * p.Channels
	if rem := len(samples) % block; rem != 0 {
		samples = append(samples, make([]int16, block-rem)...)
	}

	enc := shine.NewEncoder(p.SampleRate, p.Channels)
	var out bytes.Buffer
	if err := enc.Write(&out, samples); err != nil {
		return nil, fmt.Errorf("audio: mp3 encode: %w", err)
	}
	return out.Bytes(), nil
}
