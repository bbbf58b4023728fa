package whisper

import "github.com/pveiga/oraculo/pkg/audio"

// pcmToFloat32 converts 16-bit little-endian PCM to the normalised [-1, 1]
// float32 samples whisper.cpp consumes. A trailing odd byte is ignored.
func pcmToFloat32(pcm []byte) []float32 {
	ints := audio.BytesToInt16s(pcm)
	out := make([]float32, len(ints))
	for i, s := range ints {
		out[i] = float32(s) / 32768.0
	}
	return out
}
