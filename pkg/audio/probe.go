package audio

import (
	"errors"
	"fmt"
	"os"
)

// Format identifies an audio container recognised by [Sniff].
type Format string

const (
	FormatOggOpus Format = "ogg"
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatUnknown Format = "unknown"
)

// ErrUnknownFormat is returned by Probe and Decode for unrecognised data.
var ErrUnknownFormat = errors.New("audio: unknown container format")

// Sniff identifies the container format from magic bytes.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 4 && string(data[:4]) == "OggS":
		return FormatOggOpus
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	default:
		return FormatUnknown
	}
}

// Info describes a probed audio payload.
type Info struct {
	Format          Format
	DurationSeconds float64
}

// Probe sniffs the container format and computes the playback duration
// without a full decode where the container allows it.
func Probe(data []byte) (Info, error) {
	format := Sniff(data)
	info := Info{Format: format}

	var err error
	switch format {
	case FormatOggOpus:
		info.DurationSeconds, err = OggOpusDuration(data)
	case FormatWAV:
		info.DurationSeconds, err = WAVDuration(data)
	case FormatMP3:
		info.DurationSeconds, err = MP3Duration(data)
	default:
		return info, ErrUnknownFormat
	}
	if err != nil {
		return info, err
	}
	return info, nil
}

// Decode decodes any recognised container into PCM.
func Decode(data []byte) (*PCM, error) {
	switch Sniff(data) {
	case FormatOggOpus:
		return DecodeOggOpus(data)
	case FormatWAV:
		return DecodeWAV(data)
	case FormatMP3:
		return DecodeMP3(data)
	default:
		return nil, ErrUnknownFormat
	}
}

// DecodeFile reads and decodes an audio file into PCM.
func DecodeFile(path string) (*PCM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audio: read %q: %w", path, err)
	}
	return Decode(data)
}
