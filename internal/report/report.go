// Package report renders decoded packet summaries, either as one text line
// per packet or as structured log records.
package report

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/zsiec/tsprobe/internal/mpegts"
)

// Entry is one reported packet. Info is nil when the packet header itself
// could not be decoded; Err is set when the packet was skipped.
type Entry struct {
	PacketNumber int64
	Info         *mpegts.PacketInfo
	Err          error
}

// FormatTicks renders a 90 kHz timestamp as HH:MM:SS.mmm. Hours are not
// wrapped.
func FormatTicks(ticks int64) string {
	ms := ticks / 90
	s := ms / 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", s/3600, (s%3600)/60, s%60, ms%1000)
}

// Line renders e in the single-line packet format:
//
//	PktNo: 00000003, PID: 0x0021, PCR: 900000(00:00:10.000)
//
// The first of PAT, PMT, PCR and Null that applies is printed, then PTS and
// DTS, then Video or Audio. A skipped packet keeps a PCR decoded before the
// failure.
func Line(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PktNo: %08d", e.PacketNumber)

	info := e.Info
	if info != nil {
		fmt.Fprintf(&b, ", PID: 0x%04X", info.PID)
	}
	if e.Err != nil {
		if info != nil && info.PCR != nil {
			fmt.Fprintf(&b, ", PCR: %d(%s)", info.PCR.Base, FormatTicks(info.PCR.Base))
		}
		fmt.Fprintf(&b, ", skipped (%s): %v", mpegts.ErrorKind(e.Err), e.Err)
		return b.String()
	}
	if info == nil {
		return b.String()
	}

	switch {
	case info.Roles.Has(mpegts.RolePAT):
		b.WriteString(", PAT")
	case info.Roles.Has(mpegts.RolePMT):
		b.WriteString(", PMT")
	case info.PCR != nil:
		fmt.Fprintf(&b, ", PCR: %d(%s)", info.PCR.Base, FormatTicks(info.PCR.Base))
	case info.Roles.Has(mpegts.RoleNull):
		b.WriteString(", Null Packet")
	}
	if info.PTS != nil {
		fmt.Fprintf(&b, ", PTS: %d(%s)", info.PTS.Base, FormatTicks(info.PTS.Base))
	}
	if info.DTS != nil {
		fmt.Fprintf(&b, ", DTS: %d(%s)", info.DTS.Base, FormatTicks(info.DTS.Base))
	}
	switch {
	case info.Roles.Has(mpegts.RoleVideo):
		b.WriteString(", Video")
	case info.Roles.Has(mpegts.RoleAudio):
		b.WriteString(", Audio")
	}
	return b.String()
}

// TextSink writes one Line per entry to an io.Writer. It is safe for
// concurrent use. The first write error is kept and returned by Err; later
// entries are dropped.
type TextSink struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

// NewTextSink creates a TextSink writing to w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

// Report writes e.
func (s *TextSink) Report(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if _, err := io.WriteString(s.w, Line(e)+"\n"); err != nil {
		s.err = fmt.Errorf("report: write: %w", err)
	}
}

// Err returns the first write error, if any.
func (s *TextSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LogSink reports entries as structured log records: decoded packets at info,
// skipped packets at debug.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink. If log is nil, slog.Default() is used.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With("component", "report")}
}

// Report logs e.
func (s *LogSink) Report(e Entry) {
	attrs := []any{"pkt", e.PacketNumber}
	if e.Info != nil {
		attrs = append(attrs, "pid", e.Info.PID)
		if pcr := e.Info.PCR; pcr != nil {
			attrs = append(attrs, "pcr", pcr.Base, "pcr_ext", pcr.Extension, "pcr_27mhz", pcr.Ticks27MHz())
		}
	}
	if e.Err != nil {
		attrs = append(attrs, "kind", mpegts.ErrorKind(e.Err), "error", e.Err)
		s.log.Debug("packet skipped", attrs...)
		return
	}

	info := e.Info
	if info == nil {
		s.log.Info("packet", attrs...)
		return
	}
	if !info.Roles.Empty() {
		attrs = append(attrs, "roles", info.Roles.String())
	}
	if info.PTS != nil {
		attrs = append(attrs, "pts", info.PTS.Base)
	}
	if info.DTS != nil {
		attrs = append(attrs, "dts", info.DTS.Base)
	}
	s.log.Info("packet", attrs...)
}

// Discard drops every entry.
type Discard struct{}

// Report does nothing.
func (Discard) Report(Entry) {}
