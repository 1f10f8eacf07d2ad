package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// maxDatagramSize covers any UDP payload.
const maxDatagramSize = 65535

// defaultReadBuffer is the socket receive buffer requested for UDP sources,
// room for about 4000 packets.
const defaultReadBuffer = 4 * 188 * 1024

// UDPOptions configures a UDPSource.
type UDPOptions struct {
	// Interface names the interface used to join a multicast group. Empty
	// lets the system choose.
	Interface string
	// ReadBuffer is the socket receive buffer size in bytes.
	ReadBuffer int
}

// UDPSource receives transport stream datagrams on a UDP socket. Unicast
// and multicast group addresses are both accepted. Datagrams may carry bare
// packets or RTP-encapsulated packets; anything else is counted and dropped.
type UDPSource struct {
	log    *slog.Logger
	conn   *net.UDPConn
	buf    []byte
	frames framer
	stats  *Counters
}

// ListenUDP opens a UDP source on addr ("host:port"). A multicast host
// joins that group. If log is nil, slog.Default() is used.
func ListenUDP(addr string, opts UDPOptions, log *slog.Logger) (*UDPSource, error) {
	if log == nil {
		log = slog.Default()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ingest: resolve %s: %w", addr, err)
	}

	var conn *net.UDPConn
	if udpAddr.IP != nil && udpAddr.IP.IsMulticast() {
		var ifi *net.Interface
		if opts.Interface != "" {
			ifi, err = net.InterfaceByName(opts.Interface)
			if err != nil {
				return nil, fmt.Errorf("ingest: interface %s: %w", opts.Interface, err)
			}
		}
		conn, err = net.ListenMulticastUDP("udp", ifi, udpAddr)
	} else {
		conn, err = net.ListenUDP("udp", udpAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: listen udp %s: %w", addr, err)
	}

	readBuffer := opts.ReadBuffer
	if readBuffer <= 0 {
		readBuffer = defaultReadBuffer
	}
	if err := conn.SetReadBuffer(readBuffer); err != nil {
		log.Warn("set read buffer failed", "size", readBuffer, "error", err)
	}

	log = log.With("component", "udp-source")
	log.Info("listening", "addr", conn.LocalAddr().String(), "multicast", udpAddr.IP.IsMulticast())
	return &UDPSource{
		log:   log,
		conn:  conn,
		buf:   make([]byte, maxDatagramSize),
		stats: NewCounters(),
	}, nil
}

// Addr returns the local address of the socket.
func (s *UDPSource) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Receive returns the next packet, reading a new datagram when the previous
// one is used up.
func (s *UDPSource) Receive(ctx context.Context) ([]byte, error) {
	for {
		if pkt, ok := s.frames.next(); ok {
			return pkt, nil
		}

		var (
			n    int
			from *net.UDPAddr
		)
		err := readContext(ctx, s.conn, func() error {
			var err error
			n, from, err = s.conn.ReadFromUDP(s.buf)
			return err
		})
		if err != nil {
			return nil, err
		}
		s.stats.RecordRead(n)
		if from != nil {
			s.stats.SetRemoteAddr(from.String())
		}

		payload, err := Decapsulate(s.buf[:n])
		if err != nil {
			s.stats.RecordDropped()
			s.log.Debug("datagram dropped", "from", from, "size", n, "error", err)
			continue
		}
		s.stats.RecordPackets(s.frames.push(nil, payload))
	}
}

// Stats returns the socket metrics.
func (s *UDPSource) Stats() Stats {
	return s.stats.Snapshot()
}

// Close closes the socket. A blocked Receive returns ErrClosed.
func (s *UDPSource) Close() error {
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
