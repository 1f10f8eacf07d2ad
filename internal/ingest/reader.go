package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ReaderSource yields packets from a byte stream such as a recorded .ts file
// or stdin. It locks onto the packet boundary first and resynchronises after
// corruption.
type ReaderSource struct {
	log    *slog.Logger
	closer io.Closer
	pump   *Pump
	stats  *Counters
}

// OpenFile opens path as a ReaderSource; "-" reads stdin. If log is nil,
// slog.Default() is used.
func OpenFile(path string, syncPackets int, log *slog.Logger) (*ReaderSource, error) {
	if path == "-" {
		return NewReaderSource(os.Stdin, syncPackets, log), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	s := NewReaderSource(f, syncPackets, log)
	s.closer = f
	return s, nil
}

// NewReaderSource reads packets from r. It does not close r.
func NewReaderSource(r io.Reader, syncPackets int, log *slog.Logger) *ReaderSource {
	if log == nil {
		log = slog.Default()
	}
	stats := NewCounters()
	return &ReaderSource{
		log:   log.With("component", "reader-source"),
		pump:  NewPump(r, syncPackets, stats),
		stats: stats,
	}
}

// Receive returns the next packet, or io.EOF at the end of the stream.
func (s *ReaderSource) Receive(ctx context.Context) ([]byte, error) {
	return s.pump.Receive(ctx)
}

// Stats returns the stream metrics. Resyncs counts boundary re-locks and
// DroppedBytes the bytes skipped while searching.
func (s *ReaderSource) Stats() Stats {
	return s.stats.Snapshot()
}

// Close stops reading and closes the file, if the source opened it.
func (s *ReaderSource) Close() error {
	s.pump.Stop()
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
