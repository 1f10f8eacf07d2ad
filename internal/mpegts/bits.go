package mpegts

import "github.com/q191201771/naza/pkg/nazabits"

// bitReader reads MSB-first bit fields and remembers the first overflow, so a
// run of reads can be checked once at the end.
type bitReader struct {
	br  nazabits.BitReader
	err error
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{br: nazabits.NewBitReader(data)}
}

func (r *bitReader) bits8(n uint) uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.br.ReadBits8(n)
	r.err = err
	return v
}

func (r *bitReader) bits16(n uint) uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.br.ReadBits16(n)
	r.err = err
	return v
}

func (r *bitReader) bits32(n uint) uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.br.ReadBits32(n)
	r.err = err
	return v
}

func (r *bitReader) skip(n uint) {
	for n > 8 {
		r.bits8(8)
		n -= 8
	}
	if n > 0 {
		r.bits8(n)
	}
}
