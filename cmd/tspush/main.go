// Command tspush plays a recorded transport stream file to a probe in real
// time over UDP, RTP, SRT or QUIC, looping until interrupted.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/quic-go/quic-go"
	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/tsprobe/internal/ingest"
	"github.com/zsiec/tsprobe/internal/mpegts"
)

// defaultDuration is assumed when neither -duration nor the file's PCRs give
// a playback length.
const defaultDuration = 60 * time.Second

// pcrWrap is the modulus of the 33-bit PCR base.
const pcrWrap = 1 << 33

func main() {
	protoFlag := flag.String("proto", "udp", "Transport: udp, rtp, srt or quic")
	addrFlag := flag.String("addr", "127.0.0.1:5000", "Probe address")
	keyFlag := flag.String("key", "", "SRT stream key (default: filename without extension)")
	durationFlag := flag.Duration("duration", 0, "Known duration of the file (skips the PCR scan)")
	loopFlag := flag.Bool("loop", true, "Restart from the beginning at the end of the file")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: tspush [flags] <file.ts>\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := push(ctx, log, path, *protoFlag, *addrFlag, *keyFlag, *durationFlag, *loopFlag); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("push failed", "error", err)
		os.Exit(1)
	}
}

func push(ctx context.Context, log *slog.Logger, path, proto, addr, key string, durationOverride time.Duration, loop bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if len(data) < mpegts.PacketSize {
		return fmt.Errorf("%s holds no whole packet", path)
	}
	if len(data)%mpegts.PacketSize != 0 {
		log.Warn("file size is not a multiple of the packet size", "size", len(data))
	}

	duration := selectDuration(durationOverride, pcrDuration(data))
	bytesPerSec := float64(len(data)) / duration.Seconds()

	if key == "" {
		base := filepath.Base(path)
		key = strings.TrimSuffix(base, filepath.Ext(base))
	}

	s, err := dial(ctx, proto, addr, key)
	if err != nil {
		return err
	}
	defer s.Close()

	log.Info("streaming",
		"file", path,
		"proto", proto,
		"addr", addr,
		"packets", len(data)/mpegts.PacketSize,
		"duration", duration,
		"bytes_per_sec", int64(bytesPerSec),
	)
	return streamLoop(ctx, log, s, data, bytesPerSec, loop)
}

// sender writes one chunk of whole packets per call.
type sender interface {
	Send(chunk []byte) error
	ChunkSize() int
	Close() error
}

func dial(ctx context.Context, proto, addr, key string) (sender, error) {
	switch proto {
	case "udp":
		conn, err := net.Dial("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial udp: %w", err)
		}
		return &udpSender{conn: conn}, nil
	case "rtp":
		conn, err := net.Dial("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial udp: %w", err)
		}
		return newRTPSender(conn), nil
	case "srt":
		cfg := srt.DefaultConfig()
		cfg.StreamID = "live/" + key
		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			return nil, fmt.Errorf("dial srt: %w", err)
		}
		return &srtSender{conn: conn}, nil
	case "quic":
		conn, err := quic.DialAddr(ctx, addr, &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ingest.ALPN},
		}, &quic.Config{EnableDatagrams: true})
		if err != nil {
			return nil, fmt.Errorf("dial quic: %w", err)
		}
		return &quicSender{conn: conn}, nil
	}
	return nil, fmt.Errorf("unknown proto %q", proto)
}

type udpSender struct{ conn net.Conn }

func (s *udpSender) Send(chunk []byte) error {
	_, err := s.conn.Write(chunk)
	return err
}
func (s *udpSender) ChunkSize() int { return 7 * mpegts.PacketSize }
func (s *udpSender) Close() error   { return s.conn.Close() }

// rtpSender wraps each chunk in an RTP packet (payload type 33, MP2T) with a
// 90 kHz timestamp taken from the wall clock.
type rtpSender struct {
	conn  net.Conn
	seq   uint16
	ssrc  uint32
	start time.Time
}

func newRTPSender(conn net.Conn) *rtpSender {
	return &rtpSender{conn: conn, ssrc: uint32(time.Now().UnixNano()), start: time.Now()}
}

func (s *rtpSender) Send(chunk []byte) error {
	b, err := rtpPacket(chunk, s.seq, uint32(time.Since(s.start).Microseconds()*9/100), s.ssrc)
	if err != nil {
		return err
	}
	s.seq++
	_, err = s.conn.Write(b)
	return err
}
func (s *rtpSender) ChunkSize() int { return 7 * mpegts.PacketSize }
func (s *rtpSender) Close() error   { return s.conn.Close() }

func rtpPacket(payload []byte, seq uint16, ts, ssrc uint32) ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    33,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	return pkt.Marshal()
}

type srtSender struct{ conn *srt.Conn }

func (s *srtSender) Send(chunk []byte) error {
	_, err := s.conn.Write(chunk)
	return err
}
func (s *srtSender) ChunkSize() int { return 7 * mpegts.PacketSize }
func (s *srtSender) Close() error {
	s.conn.Close()
	return nil
}

// quicSender sends five packets per datagram to stay under the minimum QUIC
// datagram payload.
type quicSender struct{ conn quic.Connection }

func (s *quicSender) Send(chunk []byte) error { return s.conn.SendDatagram(chunk) }
func (s *quicSender) ChunkSize() int          { return 5 * mpegts.PacketSize }
func (s *quicSender) Close() error            { return s.conn.CloseWithError(0, "") }

func streamLoop(ctx context.Context, log *slog.Logger, s sender, data []byte, bytesPerSec float64, loop bool) error {
	chunkSize := s.ChunkSize()
	globalStart := time.Now()
	var totalBytesSent int64
	lastLog := time.Now()
	const logInterval = 10 * time.Second

	for pass := 1; ; pass++ {
		if pass > 1 {
			if !loop {
				return nil
			}
			log.Debug("restarting from offset 0", "pass", pass, "sent_bytes", totalBytesSent)
		}

		for i := 0; i < len(data); i += chunkSize {
			end := min(i+chunkSize, len(data))
			if err := s.Send(data[i:end]); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			totalBytesSent += int64(end - i)

			// Pace against the global clock so timing is continuous across
			// loop boundaries.
			if wait := paceDelay(totalBytesSent, bytesPerSec, time.Since(globalStart)); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}

			if time.Since(lastLog) >= logInterval {
				log.Info("progress",
					"pass", pass,
					"offset_pct", float64(i)/float64(len(data))*100,
					"rate", int64(float64(totalBytesSent)/time.Since(globalStart).Seconds()),
					"target", int64(bytesPerSec),
					"sent_bytes", totalBytesSent,
				)
				lastLog = time.Now()
			}
		}
	}
}

// paceDelay returns how long to wait so that sent bytes do not run ahead of
// bytesPerSec after elapsed.
func paceDelay(sent int64, bytesPerSec float64, elapsed time.Duration) time.Duration {
	if bytesPerSec <= 0 {
		return 0
	}
	expected := time.Duration(float64(sent) / bytesPerSec * float64(time.Second))
	if expected <= elapsed {
		return 0
	}
	return expected - elapsed
}

// selectDuration prefers the override, then the PCR span, then
// defaultDuration.
func selectDuration(override, fromPCR time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if fromPCR > 0 {
		return fromPCR
	}
	return defaultDuration
}

// pcrDuration returns the span between the first and last PCR of the first
// PID that carries one, or zero when fewer than two PCRs are found.
func pcrDuration(data []byte) time.Duration {
	var (
		pcrPID uint16
		found  bool
		last   int64
		span   int64
	)
	for off := 0; off+mpegts.PacketSize <= len(data); off += mpegts.PacketSize {
		pkt := data[off : off+mpegts.PacketSize]
		h, err := mpegts.ReadHeader(pkt)
		if err != nil || (found && h.PID != pcrPID) {
			continue
		}
		pcr, err := mpegts.ExtractPCR(pkt, h)
		if err != nil || pcr == nil {
			continue
		}
		if !found {
			pcrPID, found, last = h.PID, true, pcr.Base
			continue
		}
		span += (pcr.Base - last + pcrWrap) % pcrWrap
		last = pcr.Base
	}
	return time.Duration(float64(span) / 90000 * float64(time.Second))
}
