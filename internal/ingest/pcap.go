package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapngMagic is the section header block type that opens a pcapng file.
var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

type packetDataReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PcapOptions configures a PcapSource.
type PcapOptions struct {
	// Port keeps only UDP datagrams sent to this port. Zero keeps all.
	Port uint16
	// KeepHeaders prefixes every packet with its datagram's IPv4 and UDP
	// headers, matching what a raw socket delivers. Datagrams whose headers
	// are not exactly RawHeaderSize bytes (IPv6, IPv4 with options) are
	// dropped.
	KeepHeaders bool
}

// PcapSource replays the UDP payloads of a pcap or pcapng capture as fast as
// they can be consumed.
type PcapSource struct {
	log    *slog.Logger
	closer io.Closer
	r      packetDataReader
	opts   PcapOptions
	frames framer
	stats  *Counters
}

// OpenPcap opens the capture at path. If log is nil, slog.Default() is used.
func OpenPcap(path string, opts PcapOptions, log *slog.Logger) (*PcapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open pcap: %w", err)
	}
	s, err := NewPcapSource(f, opts, log)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewPcapSource reads a pcap or pcapng capture from r.
func NewPcapSource(r io.Reader, opts PcapOptions, log *slog.Logger) (*PcapSource, error) {
	if log == nil {
		log = slog.Default()
	}
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		return nil, fmt.Errorf("ingest: read pcap header: %w", err)
	}

	var pr packetDataReader
	if bytes.Equal(magic, pcapngMagic) {
		pr, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		pr, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: pcap: %w", err)
	}

	log = log.With("component", "pcap-source")
	log.Info("replaying capture", "link_type", pr.LinkType().String(), "port", opts.Port)
	return &PcapSource{
		log:   log,
		r:     pr,
		opts:  opts,
		stats: NewCounters(),
	}, nil
}

// Receive returns the next packet of the capture, or io.EOF at its end.
func (s *PcapSource) Receive(ctx context.Context) ([]byte, error) {
	for {
		if pkt, ok := s.frames.next(); ok {
			return pkt, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, _, err := s.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("ingest: read pcap: %w", err)
		}
		s.stats.RecordRead(len(data))

		n, trailing, err := s.frames.pushCaptured(data, s.r.LinkType(), s.opts)
		if err != nil {
			s.stats.RecordDropped()
			s.log.Debug("frame skipped", "error", err)
			continue
		}
		s.stats.RecordPackets(n, trailing)
	}
}

// pushCaptured decodes a captured link-layer frame and frames its UDP
// payload.
func (f *framer) pushCaptured(data []byte, link layers.LinkType, opts PcapOptions) (int, int, error) {
	packet := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return 0, 0, errors.New("ingest: not a UDP datagram")
	}
	if opts.Port != 0 && uint16(udp.DstPort) != opts.Port {
		return 0, 0, fmt.Errorf("ingest: port %d: %w", udp.DstPort, errPortMismatch)
	}

	var prefix []byte
	if opts.KeepHeaders {
		var ipHeader []byte
		if nl := packet.NetworkLayer(); nl != nil {
			ipHeader = nl.LayerContents()
		}
		var err error
		if prefix, err = headerPrefix(ipHeader, udp.Contents); err != nil {
			return 0, 0, err
		}
	}
	ts, err := Decapsulate(udp.Payload)
	if err != nil {
		return 0, 0, err
	}
	n, trailing := f.push(prefix, ts)
	return n, trailing, nil
}

// Stats returns the replay metrics.
func (s *PcapSource) Stats() Stats {
	return s.stats.Snapshot()
}

// Close closes the capture file, if the source opened it.
func (s *PcapSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
