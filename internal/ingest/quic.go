package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol QUIC publishers must negotiate.
const ALPN = "tsprobe-mpegts"

// datagramBacklog is how many received datagrams wait for Receive before the
// connection goroutine blocks.
const datagramBacklog = 64

// QUICSource accepts QUIC connections and yields the transport stream
// packets carried in their DATAGRAM frames. Any number of publishers may be
// connected; their datagrams are interleaved in arrival order.
type QUICSource struct {
	log       *slog.Logger
	ln        *quic.Listener
	datagrams chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	frames    framer
	stats     *Counters
}

// ListenQUIC starts a QUIC listener on addr with the given certificate. If
// log is nil, slog.Default() is used.
func ListenQUIC(addr string, cert tls.Certificate, log *slog.Logger) (*QUICSource, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, fmt.Errorf("ingest: quic listen on %s: %w", addr, err)
	}

	s := &QUICSource{
		log:       log.With("component", "quic-source"),
		ln:        ln,
		datagrams: make(chan []byte, datagramBacklog),
		closed:    make(chan struct{}),
		stats:     NewCounters(),
	}
	s.log.Info("listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listener's UDP address.
func (s *QUICSource) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *QUICSource) acceptLoop() {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.closed
		cancel()
	}()

	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, quic.ErrServerClosed) {
				s.log.Warn("accept error", "error", err)
			}
			return
		}
		s.log.Info("publisher connected", "remote", conn.RemoteAddr().String())
		s.stats.SetRemoteAddr(conn.RemoteAddr().String())

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *QUICSource) handleConnection(ctx context.Context, conn quic.Connection) {
	defer s.wg.Done()
	defer conn.CloseWithError(0, "")

	for {
		b, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Info("publisher disconnected", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		s.stats.RecordRead(len(b))
		select {
		case s.datagrams <- b:
		case <-ctx.Done():
			return
		}
	}
}

// Receive returns the next packet from any connected publisher.
func (s *QUICSource) Receive(ctx context.Context) ([]byte, error) {
	for {
		if pkt, ok := s.frames.next(); ok {
			return pkt, nil
		}

		var b []byte
		select {
		case b = <-s.datagrams:
		case <-s.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		payload, err := Decapsulate(b)
		if err != nil {
			s.stats.RecordDropped()
			s.log.Debug("datagram dropped", "size", len(b), "error", err)
			continue
		}
		s.stats.RecordPackets(s.frames.push(nil, payload))
	}
}

// Stats returns the listener metrics.
func (s *QUICSource) Stats() Stats {
	return s.stats.Snapshot()
}

// Close stops accepting, disconnects publishers and waits for their
// goroutines to exit.
func (s *QUICSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.ln.Close()
		s.wg.Wait()
	})
	return err
}
