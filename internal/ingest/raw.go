package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
)

// RawHeaderSize is the IPv4 plus UDP header length of a datagram without IP
// options, the header skip to configure for raw and header-keeping sources.
const RawHeaderSize = 20 + 8

// RawSource reads UDP datagrams from a raw IPv4 socket and yields every
// packet prefixed with its datagram's IPv4 and UDP headers. Datagrams whose
// headers are not exactly RawHeaderSize bytes, such as those carrying IP
// options, are dropped. It requires CAP_NET_RAW.
type RawSource struct {
	log    *slog.Logger
	conn   *ipv4.RawConn
	port   uint16
	buf    []byte
	frames framer
	stats  *Counters
}

// ListenRaw opens a raw IPv4 UDP socket bound to host (empty for all
// addresses) and keeps datagrams addressed to port. Port 0 keeps every UDP
// datagram. If log is nil, slog.Default() is used.
func ListenRaw(host string, port uint16, log *slog.Logger) (*RawSource, error) {
	if log == nil {
		log = slog.Default()
	}
	if host == "" {
		host = "0.0.0.0"
	}
	pc, err := net.ListenPacket("ip4:udp", host)
	if err != nil {
		return nil, fmt.Errorf("ingest: listen raw %s: %w", host, err)
	}
	conn, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("ingest: raw conn: %w", err)
	}

	log = log.With("component", "raw-source")
	log.Info("listening", "host", host, "port", port)
	return &RawSource{
		log:   log,
		conn:  conn,
		port:  port,
		buf:   make([]byte, maxDatagramSize),
		stats: NewCounters(),
	}, nil
}

// Receive returns the next header-prefixed packet.
func (s *RawSource) Receive(ctx context.Context) ([]byte, error) {
	for {
		if pkt, ok := s.frames.next(); ok {
			return pkt, nil
		}

		var (
			hdr     *ipv4.Header
			payload []byte
		)
		err := readContext(ctx, s.conn, func() error {
			var err error
			hdr, payload, _, err = s.conn.ReadFrom(s.buf)
			return err
		})
		if err != nil {
			return nil, err
		}
		s.stats.RecordRead(hdr.Len + len(payload))
		s.stats.SetRemoteAddr(hdr.Src.String())

		n, trailing, err := s.frames.pushRaw(s.buf[:hdr.Len], payload, s.port)
		if err != nil {
			s.stats.RecordDropped()
			s.log.Debug("datagram dropped", "src", hdr.Src, "error", err)
			continue
		}
		s.stats.RecordPackets(n, trailing)
	}
}

var (
	// errPortMismatch marks datagrams for another UDP port.
	errPortMismatch = errors.New("ingest: udp port mismatch")
	// errHeaderSize marks datagrams whose IP and UDP headers a RawHeaderSize
	// skip would not strip exactly.
	errHeaderSize = errors.New("ingest: header size mismatch")
)

// pushRaw frames a raw datagram: ipHeader is the IPv4 header and datagram
// the UDP header plus payload. Datagrams for another port (when port is
// non-zero), datagrams with IP options and undecodable ones return an error.
func (f *framer) pushRaw(ipHeader, datagram []byte, port uint16) (int, int, error) {
	var udp layers.UDP
	if err := udp.DecodeFromBytes(datagram, gopacket.NilDecodeFeedback); err != nil {
		return 0, 0, fmt.Errorf("ingest: udp header: %w", err)
	}
	if port != 0 && uint16(udp.DstPort) != port {
		return 0, 0, fmt.Errorf("ingest: port %d: %w", udp.DstPort, errPortMismatch)
	}
	prefix, err := headerPrefix(ipHeader, udp.Contents)
	if err != nil {
		return 0, 0, err
	}
	ts, err := Decapsulate(udp.Payload)
	if err != nil {
		return 0, 0, err
	}
	n, trailing := f.push(prefix, ts)
	return n, trailing, nil
}

// headerPrefix joins the IP and UDP headers kept in front of each packet.
// Any other total than RawHeaderSize is rejected.
func headerPrefix(ipHeader, udpHeader []byte) ([]byte, error) {
	if n := len(ipHeader) + len(udpHeader); n != RawHeaderSize {
		return nil, fmt.Errorf("ingest: %d header bytes: %w", n, errHeaderSize)
	}
	prefix := make([]byte, 0, RawHeaderSize)
	prefix = append(prefix, ipHeader...)
	return append(prefix, udpHeader...), nil
}

// Stats returns the socket metrics.
func (s *RawSource) Stats() Stats {
	return s.stats.Snapshot()
}

// Close closes the socket.
func (s *RawSource) Close() error {
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
