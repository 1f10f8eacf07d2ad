package mpegts

import "errors"

// Decode errors. Each is local to one packet; callers match them with
// errors.Is.
var (
	// ErrSyncByte means the first byte was not 0x47.
	ErrSyncByte = errors.New("sync byte mismatch")
	// ErrInputSize means the buffer was not exactly one packet long.
	ErrInputSize = errors.New("input size")
	// ErrOutOfBounds means a field read would run past the packet.
	ErrOutOfBounds = errors.New("field out of bounds")
	// ErrMalformedSection means a PAT/PMT length field implies data beyond
	// the packet, or the table header is not the expected one.
	ErrMalformedSection = errors.New("malformed section")
	// ErrUnsupportedPESHeader means the PES start code or optional header
	// marker was missing.
	ErrUnsupportedPESHeader = errors.New("unsupported PES header")
)

// ErrorKind returns a short stable label for a decode error, used for
// per-kind counters. Unknown errors map to "other".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSyncByte):
		return "sync_byte"
	case errors.Is(err, ErrInputSize):
		return "input_size"
	case errors.Is(err, ErrMalformedSection):
		return "malformed_section"
	case errors.Is(err, ErrUnsupportedPESHeader):
		return "unsupported_pes_header"
	case errors.Is(err, ErrOutOfBounds):
		return "out_of_bounds"
	default:
		return "other"
	}
}
