package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// Opus in Ogg always uses a 48 kHz granule clock regardless of the input
// sample rate recorded in the OpusHead.
const opusGranuleRate = 48000

// maxOpusFrameSamples is the largest Opus frame (120 ms at 48 kHz) per channel.
const maxOpusFrameSamples = 5760

// ErrNotOgg is returned when the data does not start with an Ogg capture pattern.
var ErrNotOgg = errors.New("audio: not an ogg stream")

// oggPage is one parsed Ogg page: header fields plus the segment lacing table
// and payload.
type oggPage struct {
	headerType byte
	granule    uint64
	serial     uint32
	lacing     []byte
	payload    []byte
}

const (
	oggFlagContinued = 0x01
	oggFlagBOS       = 0x02
)

// parseOggPage reads one page starting at data[off]. Returns the page and the
// offset just past it.
func parseOggPage(data []byte, off int) (*oggPage, int, error) {
	if off+27 > len(data) {
		return nil, 0, errors.New("truncated page header")
	}
	if string(data[off:off+4]) != "OggS" {
		return nil, 0, ErrNotOgg
	}
	if data[off+4] != 0 {
		return nil, 0, fmt.Errorf("unsupported ogg version %d", data[off+4])
	}
	p := &oggPage{
		headerType: data[off+5],
		granule:    binary.LittleEndian.Uint64(data[off+6 : off+14]),
		serial:     binary.LittleEndian.Uint32(data[off+14 : off+18]),
	}
	segCount := int(data[off+26])
	tableEnd := off + 27 + segCount
	if tableEnd > len(data) {
		return nil, 0, errors.New("truncated segment table")
	}
	p.lacing = data[off+27 : tableEnd]

	payloadLen := 0
	for _, l := range p.lacing {
		payloadLen += int(l)
	}
	end := tableEnd + payloadLen
	if end > len(data) {
		return nil, 0, errors.New("truncated page payload")
	}
	p.payload = data[tableEnd:end]
	return p, end, nil
}

// packets splits the page payload into packets according to the lacing table.
// The final packet is complete only when the last lacing value is < 255;
// otherwise it continues on the next page.
func (p *oggPage) packets() (complete [][]byte, trailing []byte) {
	var pos int
	var cur []byte
	for i, l := range p.lacing {
		cur = append(cur, p.payload[pos:pos+int(l)]...)
		pos += int(l)
		if l < 255 {
			complete = append(complete, cur)
			cur = nil
		} else if i == len(p.lacing)-1 {
			trailing = cur
		}
	}
	return complete, trailing
}

// opusStream is the demuxed content of a single-stream Ogg/Opus file.
type opusStream struct {
	channels    int
	preSkip     int
	packets     [][]byte // audio packets (OpusHead and OpusTags removed)
	lastGranule uint64
}

// demuxOggOpus walks all pages of the first logical stream in data, assembles
// packets across page boundaries, and parses the OpusHead.
func demuxOggOpus(data []byte) (*opusStream, error) {
	if len(data) < 4 || string(data[:4]) != "OggS" {
		return nil, ErrNotOgg
	}

	st := &opusStream{}
	var (
		serial    uint32
		haveBOS   bool
		partial   []byte
		collected [][]byte
	)

	for off := 0; off < len(data); {
		page, next, err := parseOggPage(data, off)
		if err != nil {
			return nil, fmt.Errorf("audio: ogg page at %d: %w", off, err)
		}
		off = next

		if page.headerType&oggFlagBOS != 0 && !haveBOS {
			haveBOS = true
			serial = page.serial
		}
		if page.serial != serial {
			// Only the first logical stream is decoded; voice notes carry one.
			continue
		}

		complete, trailing := page.packets()
		if len(complete) > 0 && page.headerType&oggFlagContinued != 0 && partial != nil {
			complete[0] = append(partial, complete[0]...)
			partial = nil
		}
		collected = append(collected, complete...)
		if trailing != nil {
			partial = append(partial, trailing...)
		}

		// A granule of all-ones means no packet ends on this page.
		if page.granule != ^uint64(0) && page.granule > st.lastGranule {
			st.lastGranule = page.granule
		}
	}

	if len(collected) == 0 {
		return nil, errors.New("audio: ogg stream contains no packets")
	}
	if err := st.parseHead(collected[0]); err != nil {
		return nil, err
	}
	// collected[1] is the OpusTags comment packet; everything after is audio.
	if len(collected) > 2 {
		st.packets = collected[2:]
	}
	return st, nil
}

// parseHead extracts channel count and pre-skip from an OpusHead packet.
func (st *opusStream) parseHead(pkt []byte) error {
	if len(pkt) < 19 || string(pkt[:8]) != "OpusHead" {
		return errors.New("audio: missing OpusHead packet")
	}
	st.channels = int(pkt[9])
	if st.channels < 1 || st.channels > 2 {
		return fmt.Errorf("audio: unsupported opus channel count %d", st.channels)
	}
	st.preSkip = int(binary.LittleEndian.Uint16(pkt[10:12]))
	return nil
}

// OggOpusDuration returns the playback duration in seconds of an Ogg/Opus
// stream without decoding any audio, using the final granule position.
func OggOpusDuration(data []byte) (float64, error) {
	st, err := demuxOggOpus(data)
	if err != nil {
		return 0, err
	}
	samples := int64(st.lastGranule) - int64(st.preSkip)
	if samples < 0 {
		samples = 0
	}
	return float64(samples) / opusGranuleRate, nil
}

// DecodeOggOpus decodes a full Ogg/Opus stream into 48 kHz PCM. The pre-skip
// priming samples declared in the OpusHead are removed from the output.
func DecodeOggOpus(data []byte) (*PCM, error) {
	st, err := demuxOggOpus(data)
	if err != nil {
		return nil, err
	}

	dec, err := gopus.NewDecoder(opusGranuleRate, st.channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}

	var samples []int16
	for i, pkt := range st.packets {
		out, err := dec.Decode(pkt, maxOpusFrameSamples, false)
		if err != nil {
			return nil, fmt.Errorf("audio: opus decode packet %d: %w", i, err)
		}
		samples = append(samples, out...)
	}

	skip := st.preSkip * st.channels
	if skip > len(samples) {
		skip = len(samples)
	}
	samples = samples[skip:]

	return &PCM{
		Data:       Int16sToBytes(samples),
		SampleRate: opusGranuleRate,
		Channels:   st.channels,
	}, nil
}
