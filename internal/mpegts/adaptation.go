package mpegts

import "fmt"

const (
	pcrFlag = 0x10
	pcrSize = 6
)

// ExtractPCR returns the PCR carried in the packet's adaptation field, or nil
// when there is no adaptation field, it is empty, or PCR_flag is clear.
//
// The returned Base is the 33-bit 90 kHz value. The 9-bit 27 MHz extension
// is kept separately in Extension and never folded into Base.
func ExtractPCR(b []byte, h Header) (*ClockReference, error) {
	afLen, err := AdaptationFieldLength(b, h)
	if err != nil {
		return nil, err
	}
	if afLen <= 1 {
		return nil, nil
	}

	flags := b[headerSize+1]
	if flags&pcrFlag == 0 {
		return nil, nil
	}
	// flags byte + 6 PCR bytes must fit inside the declared field.
	if afLen-1 < 1+pcrSize {
		return nil, fmt.Errorf("mpegts: adaptation field of %d bytes too short for PCR: %w", afLen-1, ErrOutOfBounds)
	}

	start := headerSize + 2
	return decodePCR(b[start : start+pcrSize])
}

// decodePCR decodes program_clock_reference_base(33), reserved(6) and
// program_clock_reference_extension(9).
func decodePCR(bs []byte) (*ClockReference, error) {
	r := newBitReader(bs)
	hi := r.bits32(32)
	lo := r.bits8(1)
	r.skip(6)
	ext := r.bits16(9)
	if r.err != nil {
		return nil, fmt.Errorf("mpegts: read PCR: %w: %w", ErrOutOfBounds, r.err)
	}
	return &ClockReference{
		Base:      int64(hi)<<1 | int64(lo),
		Extension: ext,
	}, nil
}
