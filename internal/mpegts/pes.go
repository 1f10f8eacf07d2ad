package mpegts

import "fmt"

const (
	streamIDPrivate1  = 0xBD
	timestampSize     = 5
	pesFixedHeaderLen = 6
	pesOptHeaderLen   = 3
)

// PESHeader is the part of a PES packet header this package decodes.
type PESHeader struct {
	StreamID     uint8
	PacketLength uint16
	PTS          *ClockReference
	DTS          *ClockReference
}

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// IsVideoStreamID reports whether id is an MPEG video stream_id (0xE0-0xEF).
func IsVideoStreamID(id uint8) bool {
	return id&0xF0 == 0xE0
}

// IsAudioStreamID reports whether id is an MPEG audio stream_id (0xC0-0xDF)
// or private_stream_1, which carries AC-3 and DTS audio.
func IsAudioStreamID(id uint8) bool {
	return id&0xE0 == 0xC0 || id == streamIDPrivate1
}

// parsePES decodes the start of a PES packet. Timestamps are only looked for
// on audio and video stream IDs.
func parsePES(payload []byte) (*PESHeader, error) {
	if !isPESPayload(payload) {
		return nil, fmt.Errorf("mpegts: missing PES start code: %w", ErrUnsupportedPESHeader)
	}
	if len(payload) < pesFixedHeaderLen {
		return nil, fmt.Errorf("mpegts: PES header too short (%d bytes): %w", len(payload), ErrOutOfBounds)
	}

	pes := &PESHeader{
		StreamID:     payload[3],
		PacketLength: uint16(payload[4])<<8 | uint16(payload[5]),
	}
	if !IsVideoStreamID(pes.StreamID) && !IsAudioStreamID(pes.StreamID) {
		return pes, nil
	}

	pts, dts, err := ExtractTimestamps(payload[pesFixedHeaderLen:])
	if err != nil {
		return nil, err
	}
	pes.PTS = pts
	pes.DTS = dts
	return pes, nil
}

// ExtractTimestamps decodes PTS and DTS from a PES optional header, starting
// at its first ('10' marker) byte. PTS is present iff bit 1 of
// PTS_DTS_flags is set and DTS iff bit 0 is set; DTS follows PTS when both
// are present.
func ExtractTimestamps(opt []byte) (pts, dts *ClockReference, err error) {
	if len(opt) < pesOptHeaderLen {
		return nil, nil, fmt.Errorf("mpegts: PES optional header too short: %w", ErrOutOfBounds)
	}

	// '10' + scrambling(2) + priority(1) + alignment(1) + copyright(1) + original(1)
	// PTS_DTS_flags(2) + ESCR(1) + ES_rate(1) + DSM_trick(1) + additional_copy(1) + CRC(1) + extension(1)
	// PES_header_data_length(8)
	r := newBitReader(opt[:pesOptHeaderLen])
	marker := r.bits8(2)
	r.skip(6)
	flags := r.bits8(2)
	r.skip(6)
	headerDataLen := int(r.bits8(8))
	if r.err != nil {
		return nil, nil, fmt.Errorf("mpegts: read PES optional header: %w: %w", ErrOutOfBounds, r.err)
	}
	if marker != 0x2 {
		return nil, nil, fmt.Errorf("mpegts: PES optional header marker %02b: %w", marker, ErrUnsupportedPESHeader)
	}

	fields := opt[pesOptHeaderLen:]
	if headerDataLen < len(fields) {
		fields = fields[:headerDataLen]
	}

	pos := 0
	if flags&0x2 != 0 {
		if pts, err = decodeTimestamp(fields, pos); err != nil {
			return nil, nil, fmt.Errorf("mpegts: PTS: %w", err)
		}
		pos += timestampSize
	}
	if flags&0x1 != 0 {
		if dts, err = decodeTimestamp(fields, pos); err != nil {
			return nil, nil, fmt.Errorf("mpegts: DTS: %w", err)
		}
	}
	return pts, dts, nil
}

// decodeTimestamp reads a 33-bit timestamp from the 5-byte marker-interleaved
// layout: prefix(4) ts[32..30](3) marker(1) ts[29..15](15) marker(1)
// ts[14..0](15) marker(1).
func decodeTimestamp(fields []byte, pos int) (*ClockReference, error) {
	if pos+timestampSize > len(fields) {
		return nil, fmt.Errorf("timestamp at %d exceeds %d header bytes: %w", pos, len(fields), ErrOutOfBounds)
	}
	r := newBitReader(fields[pos : pos+timestampSize])
	r.skip(4)
	hi := r.bits8(3)
	r.skip(1)
	mid := r.bits16(15)
	r.skip(1)
	lo := r.bits16(15)
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutOfBounds, r.err)
	}
	return &ClockReference{Base: int64(hi)<<30 | int64(mid)<<15 | int64(lo)}, nil
}
