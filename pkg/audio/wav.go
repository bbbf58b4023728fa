package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned when the data does not carry a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a wav file")

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV parses a RIFF/WAVE container and returns its PCM payload. Only
// uncompressed 16-bit PCM is supported; chunks other than "fmt " and "data"
// are skipped.
func DecodeWAV(data []byte) (*PCM, error) {
	if len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var (
		sampleRate int
		channels   int
		bits       int
		pcm        []byte
		haveFmt    bool
	)

	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			// Tolerate a truncated final chunk; some encoders get the size wrong.
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, errors.New("audio: wav fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, fmt.Errorf("audio: unsupported wav format %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt || pcm == nil {
		return nil, errors.New("audio: wav missing fmt or data chunk")
	}
	if bits != 16 {
		return nil, fmt.Errorf("audio: unsupported wav bit depth %d (want 16)", bits)
	}
	if channels < 1 || sampleRate <= 0 {
		return nil, fmt.Errorf("audio: implausible wav header (%d ch, %d Hz)", channels, sampleRate)
	}

	return &PCM{Data: pcm, SampleRate: sampleRate, Channels: channels}, nil
}

// WAVDuration returns the playback duration in seconds of a WAV file without
// copying its sample data.
func WAVDuration(data []byte) (float64, error) {
	p, err := DecodeWAV(data)
	if err != nil {
		return 0, err
	}
	return p.DurationSeconds(), nil
}
