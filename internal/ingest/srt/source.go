package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/tsprobe/internal/ingest"
)

// srtReadBufferSize is the read buffer for SRT socket reads.
// 1316 bytes = 7 MPEG-TS packets (188 * 7), the standard SRT payload size.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// dialTimeout bounds how long a caller-mode source waits for the remote
// listener.
const dialTimeout = 10 * time.Second

// Options configures an SRT source.
type Options struct {
	// Addr is the local listen address, or the remote address in caller
	// mode.
	Addr string
	// StreamKey restricts listener mode to publishers whose stream ID names
	// this key, and is sent as "live/<key>" in caller mode. Empty accepts
	// any publisher.
	StreamKey string
	// Caller dials Addr instead of listening on it.
	Caller bool
	// SyncPackets is the number of aligned sync bytes required to lock onto
	// the byte stream (0 for the default).
	SyncPackets int
}

// Source yields transport stream packets received over SRT. SRT delivers a
// byte stream, so packets are re-aligned with the same resync logic as
// files. In listener mode one publisher is served at a time and the stream
// continues across reconnects; in caller mode the stream ends when the
// remote side disconnects.
type Source struct {
	log   *slog.Logger
	opts  Options
	pr    *io.PipeReader
	pw    *io.PipeWriter
	pump  *ingest.Pump
	stats *ingest.Counters

	closeListener func()

	mu     sync.Mutex
	conn   *srtgo.Conn
	closed bool
	wg     sync.WaitGroup
}

func newSource(opts Options, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	pr, pw := io.Pipe()
	stats := ingest.NewCounters()
	return &Source{
		log:   log.With("component", "srt-source"),
		opts:  opts,
		pr:    pr,
		pw:    pw,
		pump:  ingest.NewPump(pr, opts.SyncPackets, stats),
		stats: stats,
	}
}

// Open starts an SRT source in listener or caller mode according to opts.
// In caller mode it blocks until the remote listener answers, ctx ends, or
// the dial times out.
func Open(ctx context.Context, opts Options, log *slog.Logger) (*Source, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("srt: address is required")
	}
	s := newSource(opts, log)
	var err error
	if opts.Caller {
		err = s.dial(ctx)
	} else {
		err = s.listen()
	}
	if err != nil {
		s.pr.Close()
		return nil, err
	}
	return s, nil
}

func (s *Source) listen() error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.opts.Addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen on %s: %w", s.opts.Addr, err)
	}
	s.log.Info("listening", "addr", s.opts.Addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !s.accepts(req.StreamID) {
			return srtgo.RejPeer
		}
		return 0
	})
	s.closeListener = func() { l.Close() }

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				if s.isClosed() {
					return
				}
				s.log.Warn("accept error", "error", err)
				continue
			}
			streamKey := extractStreamKey(conn.StreamID())
			s.log.Info("publish", "stream_key", streamKey, "remote", conn.RemoteAddr())
			s.serve(conn, streamKey)
		}
	}()
	return nil
}

// accepts reports whether a publisher with streamID may connect: the key
// must match and no other publisher may be active.
func (s *Source) accepts(streamID string) bool {
	if s.opts.StreamKey != "" && extractStreamKey(streamID) != s.opts.StreamKey {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == nil && !s.closed
}

func (s *Source) dial(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	streamKey := s.opts.StreamKey
	if streamKey == "" {
		streamKey = "default"
	}
	cfg.StreamID = "live/" + streamKey

	s.log.Info("dialing", "address", s.opts.Addr, "stream_key", streamKey)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(s.opts.Addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srt: dial %s: %w", s.opts.Addr, res.err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(res.conn, streamKey)
			// The remote side went away: end the stream.
			s.pw.Close()
		}()
		return nil
	case <-timer.C:
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("srt: dial %s timed out after %s", s.opts.Addr, dialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return ctx.Err()
	}
}

// serve copies one connection into the pipe until it ends.
func (s *Source) serve(conn *srtgo.Conn, streamKey string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.stats.SetRemoteAddr(conn.RemoteAddr().String())
	start := time.Now()

	defer func() {
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	var bytes int64
	buf := make([]byte, srtReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				s.log.Debug("read error", "stream_key", streamKey, "error", err)
			}
			break
		}
		bytes += int64(n)
		if _, err := s.pw.Write(buf[:n]); err != nil {
			s.log.Debug("pipe write error", "stream_key", streamKey, "error", err)
			break
		}
	}
	s.log.Info("connection closed", "stream_key", streamKey,
		"bytes", bytes, "uptime_ms", time.Since(start).Milliseconds())
}

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Receive returns the next aligned packet.
func (s *Source) Receive(ctx context.Context) ([]byte, error) {
	pkt, err := s.pump.Receive(ctx)
	if errors.Is(err, io.ErrClosedPipe) {
		return nil, ingest.ErrClosed
	}
	return pkt, err
}

// Stats returns the stream metrics. BytesReceived counts bytes that reached
// the packet reader.
func (s *Source) Stats() ingest.Stats {
	return s.stats.Snapshot()
}

// Close stops the listener, disconnects the publisher and ends the stream.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if s.closeListener != nil {
		s.closeListener()
	}
	if conn != nil {
		conn.Close()
	}
	s.pump.Stop()
	s.pr.CloseWithError(ingest.ErrClosed)
	s.wg.Wait()
	return nil
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
