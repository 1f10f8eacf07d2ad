package mpegts

import "fmt"

const (
	// PacketSize is the fixed transport stream packet length.
	PacketSize = 188
	// SyncByte starts every transport stream packet.
	SyncByte = 0x47

	// PIDPAT is the fixed PID of the Program Association Table.
	PIDPAT uint16 = 0x0000
	// PIDNull is the PID of stuffing packets.
	PIDNull uint16 = 0x1FFF

	headerSize = 4
)

// ReadHeader validates the packet size and sync byte and decodes the fixed
// 4-byte header.
func ReadHeader(b []byte) (Header, error) {
	if len(b) != PacketSize {
		return Header{}, fmt.Errorf("mpegts: packet size %d, expected %d: %w", len(b), PacketSize, ErrInputSize)
	}
	if b[0] != SyncByte {
		return Header{}, fmt.Errorf("mpegts: invalid sync byte 0x%02X: %w", b[0], ErrSyncByte)
	}

	var h Header
	h.TransportErrorIndicator = b[1]&0x80 != 0
	h.PayloadUnitStartIndicator = b[1]&0x40 != 0
	h.PID = uint16(b[1]&0x1F)<<8 | uint16(b[2])
	h.AdaptationFieldControl = b[3] >> 4 & 0x03
	h.ContinuityCounter = b[3] & 0x0F
	return h, nil
}

// AdaptationFieldLength returns the number of bytes the adaptation field
// occupies (the length byte plus adaptation_field_length), or 0 when the
// packet has none.
func AdaptationFieldLength(b []byte, h Header) (int, error) {
	if !h.HasAdaptationField() {
		return 0, nil
	}
	if len(b) <= headerSize {
		return 0, fmt.Errorf("mpegts: adaptation field length byte missing: %w", ErrOutOfBounds)
	}
	n := 1 + int(b[headerSize])
	if headerSize+n > len(b) {
		return 0, fmt.Errorf("mpegts: adaptation field length %d exceeds packet: %w", n-1, ErrOutOfBounds)
	}
	return n, nil
}

// PayloadOffset returns the offset of the first payload byte.
func PayloadOffset(b []byte, h Header) (int, error) {
	afLen, err := AdaptationFieldLength(b, h)
	if err != nil {
		return 0, err
	}
	return headerSize + afLen, nil
}

// TableStartOffset returns the offset of the first PSI section byte. When
// the packet carries a payload the offset is advanced past the pointer_field
// and the bytes it says to skip.
func TableStartOffset(b []byte, h Header) (int, error) {
	off, err := PayloadOffset(b, h)
	if err != nil {
		return 0, err
	}
	if !h.HasPayload() {
		return off, nil
	}
	if off >= len(b) {
		return 0, fmt.Errorf("mpegts: pointer field beyond packet: %w", ErrOutOfBounds)
	}
	off += 1 + int(b[off])
	if off >= len(b) {
		return 0, fmt.Errorf("mpegts: pointer field out of range: %w", ErrOutOfBounds)
	}
	return off, nil
}
