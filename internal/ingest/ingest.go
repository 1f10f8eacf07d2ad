// Package ingest provides the packet sources the pipeline reads from: UDP
// (unicast, multicast, optionally RTP-encapsulated), raw IPv4 sockets, pcap
// captures, byte streams (files, stdin) and QUIC datagrams. SRT lives in the
// srt subpackage. Every source yields one transport stream packet per
// Receive call, optionally prefixed with the datagram's IP and UDP headers.
package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/zsiec/tsprobe/internal/mpegts"
)

// Source is a pipeline source that can be closed and reports connection
// metrics.
type Source interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	Stats() Stats
}

// ErrClosed is returned by Receive after Close.
var ErrClosed = errors.New("ingest: source closed")

// Stats captures connection-level metrics for a source, exposed in the
// periodic stats log for monitoring source health.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	Packets       int64  `json:"packets"`
	DroppedBytes  int64  `json:"droppedBytes"`
	Dropped       int64  `json:"dropped"`
	Resyncs       int64  `json:"resyncs"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Counters accumulates Stats. All methods are safe for concurrent use.
type Counters struct {
	startedAt time.Time

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	packets       atomic.Int64
	droppedBytes  atomic.Int64
	dropped       atomic.Int64
	resyncs       atomic.Int64
	remoteAddr    atomic.Value
}

// NewCounters returns Counters whose uptime starts now.
func NewCounters() *Counters {
	return &Counters{startedAt: time.Now()}
}

// RecordRead increments the byte and read counters, called after each
// successful socket or stream read.
func (c *Counters) RecordRead(n int) {
	c.bytesReceived.Add(int64(n))
	c.readCount.Add(1)
}

// RecordPackets counts n packets handed out and the trailing bytes of a
// datagram that did not form a whole packet.
func (c *Counters) RecordPackets(n, trailing int) {
	c.packets.Add(int64(n))
	c.droppedBytes.Add(int64(trailing))
}

// RecordDropped counts a datagram discarded before framing (wrong port,
// undecodable encapsulation).
func (c *Counters) RecordDropped() {
	c.dropped.Add(1)
}

// SetResyncs stores the resync and skipped byte totals of a stream reader.
func (c *Counters) SetResyncs(resyncs, skipped int64) {
	c.resyncs.Store(resyncs)
	c.droppedBytes.Store(skipped)
}

// SetRemoteAddr stores the remote address of the current peer for
// diagnostics.
func (c *Counters) SetRemoteAddr(addr string) {
	c.remoteAddr.Store(addr)
}

// Snapshot returns the current metrics.
func (c *Counters) Snapshot() Stats {
	addr, _ := c.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: c.bytesReceived.Load(),
		ReadCount:     c.readCount.Load(),
		Packets:       c.packets.Load(),
		DroppedBytes:  c.droppedBytes.Load(),
		Dropped:       c.dropped.Load(),
		Resyncs:       c.resyncs.Load(),
		ConnectedAt:   c.startedAt.UnixMilli(),
		UptimeMs:      time.Since(c.startedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// framer hands out the packets of one datagram at a time.
type framer struct {
	pending [][]byte
}

func (f *framer) next() ([]byte, bool) {
	if len(f.pending) == 0 {
		return nil, false
	}
	pkt := f.pending[0]
	f.pending[0] = nil
	f.pending = f.pending[1:]
	return pkt, true
}

// push splits payload into packets, each copied behind prefix. It returns
// the number of packets queued and the count of trailing bytes dropped.
func (f *framer) push(prefix, payload []byte) (int, int) {
	n := len(payload) / mpegts.PacketSize
	for i := 0; i < n; i++ {
		frame := make([]byte, 0, len(prefix)+mpegts.PacketSize)
		frame = append(frame, prefix...)
		frame = append(frame, payload[i*mpegts.PacketSize:(i+1)*mpegts.PacketSize]...)
		f.pending = append(f.pending, frame)
	}
	return n, len(payload) - n*mpegts.PacketSize
}

