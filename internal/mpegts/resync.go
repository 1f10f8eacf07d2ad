package mpegts

import (
	"bufio"
	"errors"
	"io"
)

// defaultSyncPackets is how many consecutive sync bytes, one packet apart,
// must line up before the reader locks onto a boundary.
const defaultSyncPackets = 3

// PacketReader splits an unaligned byte stream into 188-byte packets. It
// locks onto the packet boundary before the first packet and again whenever
// a packet does not start with the sync byte.
type PacketReader struct {
	r           *bufio.Reader
	syncPackets int
	locked      bool
	everLocked  bool
	dropped     bool

	resyncs int64
	skipped int64
}

// NewPacketReader creates a PacketReader reading from r.
func NewPacketReader(r io.Reader, opts ...func(*PacketReader)) *PacketReader {
	pr := &PacketReader{syncPackets: defaultSyncPackets}
	for _, opt := range opts {
		opt(pr)
	}
	if pr.syncPackets < 1 {
		pr.syncPackets = 1
	}
	pr.r = bufio.NewReaderSize(r, 2*pr.syncPackets*PacketSize)
	return pr
}

// PacketReaderOptSyncPackets sets how many aligned sync bytes are required
// to lock (default 3).
func PacketReaderOptSyncPackets(n int) func(*PacketReader) {
	return func(pr *PacketReader) {
		pr.syncPackets = n
	}
}

// Next returns the next aligned packet. A trailing partial packet is dropped
// and io.EOF returned.
func (pr *PacketReader) Next() ([]byte, error) {
	for {
		if !pr.locked {
			if err := pr.lock(); err != nil {
				return nil, err
			}
			continue
		}

		head, err := pr.r.Peek(1)
		if err != nil {
			return nil, eofOr(err)
		}
		if head[0] != SyncByte {
			pr.locked = false
			pr.dropped = true
			continue
		}

		pkt := make([]byte, PacketSize)
		n, err := io.ReadFull(pr.r, pkt)
		if err != nil {
			pr.skipped += int64(n)
			return nil, eofOr(err)
		}
		return pkt, nil
	}
}

// lock discards bytes until syncPackets sync bytes line up one packet apart.
// It scans a full buffer per call. Near the end of the stream fewer packets
// are checked, as long as one whole packet remains.
func (pr *PacketReader) lock() error {
	buf, err := pr.r.Peek(pr.r.Size())
	if len(buf) < PacketSize {
		if err == nil {
			err = io.EOF
		}
		pr.skipped += int64(len(buf))
		return eofOr(err)
	}

	count := min(pr.syncPackets, len(buf)/PacketSize)
	last := len(buf) - count*PacketSize
	for i := 0; i <= last; i++ {
		if !aligned(buf[i:], count) {
			continue
		}
		if i > 0 {
			pr.r.Discard(i)
			pr.skipped += int64(i)
			pr.dropped = true
		}
		if pr.everLocked || pr.dropped {
			pr.resyncs++
		}
		pr.locked = true
		pr.everLocked = true
		pr.dropped = false
		return nil
	}

	pr.r.Discard(last + 1)
	pr.skipped += int64(last + 1)
	pr.dropped = true
	return nil
}

func aligned(buf []byte, count int) bool {
	for k := 0; k < count; k++ {
		if buf[k*PacketSize] != SyncByte {
			return false
		}
	}
	return true
}

func eofOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// Resyncs returns how many times the reader had to skip bytes to regain the
// packet boundary.
func (pr *PacketReader) Resyncs() int64 {
	return pr.resyncs
}

// SkippedBytes returns how many input bytes were discarded while searching
// for the packet boundary or as a trailing partial packet.
func (pr *PacketReader) SkippedBytes() int64 {
	return pr.skipped
}
