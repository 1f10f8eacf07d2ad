package ingest

import (
	"context"
	"io"
	"sync"

	"github.com/zsiec/tsprobe/internal/mpegts"
)

// Pump reads packets from an unaligned byte stream on its own goroutine, so
// that Receive can honor context cancellation and deadlines even while the
// underlying Read blocks.
type Pump struct {
	out   chan []byte
	done  chan struct{}
	stop  chan struct{}
	once  sync.Once
	err   error
	stats *Counters
}

// NewPump starts reading r. syncPackets is the number of aligned sync bytes
// required to lock onto the stream (0 for the default). The pump stops at
// the first read error, which Receive then returns.
func NewPump(r io.Reader, syncPackets int, stats *Counters) *Pump {
	p := &Pump{
		out:   make(chan []byte),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
		stats: stats,
	}
	var opts []func(*mpegts.PacketReader)
	if syncPackets > 0 {
		opts = append(opts, mpegts.PacketReaderOptSyncPackets(syncPackets))
	}
	pr := mpegts.NewPacketReader(&countingReader{r: r, stats: stats}, opts...)
	go p.run(pr)
	return p
}

func (p *Pump) run(pr *mpegts.PacketReader) {
	defer close(p.done)
	for {
		pkt, err := pr.Next()
		p.stats.SetResyncs(pr.Resyncs(), pr.SkippedBytes())
		if err != nil {
			p.err = err
			return
		}
		select {
		case p.out <- pkt:
			p.stats.RecordPackets(1, 0)
		case <-p.stop:
			p.err = ErrClosed
			return
		}
	}
}

// Receive returns the next packet, the stream's terminal error (io.EOF at a
// clean end), or ctx.Err().
func (p *Pump) Receive(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-p.out:
		return pkt, nil
	case <-p.done:
		return nil, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop makes the pump goroutine exit at its next packet. A Read blocked in
// the underlying reader is not interrupted; close the reader for that.
func (p *Pump) Stop() {
	p.once.Do(func() { close(p.stop) })
}

type countingReader struct {
	r     io.Reader
	stats *Counters
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.stats.RecordRead(n)
	}
	return n, err
}
