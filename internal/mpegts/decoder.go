package mpegts

import (
	"log/slog"
	"sync/atomic"
)

// Decoder classifies single transport stream packets and extracts their
// timing. PAT and PMT packets update the Registry; every other packet is
// interpreted against what the registry holds at that moment, so packets
// must be decoded in arrival order by one goroutine.
type Decoder struct {
	log      *slog.Logger
	registry *Registry

	multiProgramLogged bool
	multiProgramPATs   atomic.Int64
}

// NewDecoder creates a Decoder that records discovered PIDs in registry. If
// registry is nil a fresh one is created. If log is nil, slog.Default() is
// used.
func NewDecoder(registry *Registry, log *slog.Logger) *Decoder {
	if registry == nil {
		registry = NewRegistry()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		log:      log.With("component", "ts-decoder"),
		registry: registry,
	}
}

// Registry returns the registry the decoder updates.
func (d *Decoder) Registry() *Registry {
	return d.registry
}

// MultiProgramPATs returns how many PAT sections listed more than one
// program. Safe to call from any goroutine.
func (d *Decoder) MultiProgramPATs() int64 {
	return d.multiProgramPATs.Load()
}

// Decode parses one 188-byte packet. On error the returned info holds
// whatever was decoded before the failure (nil if the header itself was
// invalid); the registry is never partially updated.
func (d *Decoder) Decode(b []byte) (*PacketInfo, error) {
	h, err := ReadHeader(b)
	if err != nil {
		return nil, err
	}

	info := &PacketInfo{
		PID:               h.PID,
		ContinuityCounter: h.ContinuityCounter,
	}
	if h.PID == PIDNull {
		info.Roles = info.Roles.Add(RoleNull)
		return info, nil
	}

	isPSI := false
	switch {
	case h.PID == PIDPAT:
		isPSI = true
		info.Roles = info.Roles.Add(RolePAT)
		if err := d.handlePAT(b, h); err != nil {
			return info, err
		}
	case d.registry.Is(RolePMT, h.PID):
		isPSI = true
		info.Roles = info.Roles.Add(RolePMT)
		if err := d.handlePMT(b, h); err != nil {
			return info, err
		}
	case d.registry.Is(RolePCR, h.PID):
		info.Roles = info.Roles.Add(RolePCR)
		pcr, err := ExtractPCR(b, h)
		if err != nil {
			return info, err
		}
		info.PCR = pcr
	}

	if d.registry.Is(RoleVideo, h.PID) {
		info.Roles = info.Roles.Add(RoleVideo)
	} else if d.registry.Is(RoleAudio, h.PID) {
		info.Roles = info.Roles.Add(RoleAudio)
	}

	if isPSI || !h.PayloadUnitStartIndicator || !h.HasPayload() {
		return info, nil
	}
	return info, d.handlePES(b, h, info)
}

// sectionStart returns the PSI section bytes of a packet, or nil when the
// packet cannot start a section: continuation packets, packets without
// payload, and packets flagged with a transport error.
func sectionStart(b []byte, h Header) ([]byte, error) {
	if !h.PayloadUnitStartIndicator || !h.HasPayload() || h.TransportErrorIndicator {
		return nil, nil
	}
	off, err := TableStartOffset(b, h)
	if err != nil {
		return nil, err
	}
	return b[off:], nil
}

func (d *Decoder) handlePAT(b []byte, h Header) error {
	section, err := sectionStart(b, h)
	if err != nil || section == nil {
		return err
	}
	pat, err := parsePAT(section)
	if err != nil {
		return err
	}

	if pat.MultiProgram {
		d.multiProgramPATs.Add(1)
	}
	if pat.MultiProgram && !d.multiProgramLogged {
		d.log.Warn("PAT lists more than one program, tracking only the first",
			"program_number", pat.ProgramNumber, "pmt_pid", pat.PMTPID)
		d.multiProgramLogged = true
	}
	if !pat.Found {
		d.log.Debug("PAT without programs", "ts_id", pat.TransportStreamID)
		return nil
	}

	if !d.registry.Is(RolePMT, pat.PMTPID) {
		d.log.Info("PMT PID discovered", "pmt_pid", pat.PMTPID, "program_number", pat.ProgramNumber)
	}
	d.registry.RecordPAT(pat.PMTPID)
	return nil
}

func (d *Decoder) handlePMT(b []byte, h Header) error {
	section, err := sectionStart(b, h)
	if err != nil || section == nil {
		return err
	}
	pmt, err := parsePMT(section)
	if err != nil {
		return err
	}

	video, audio := pmt.FirstVideo(), pmt.FirstAudio()
	before := d.registry.Snapshot()
	d.registry.RecordPMT(pmt.PCRPID, video, audio)

	if pid, ok := before[RolePCR]; !ok || pid != pmt.PCRPID {
		attrs := []any{"pcr_pid", pmt.PCRPID, "streams", len(pmt.Streams)}
		if video != nil {
			attrs = append(attrs, "video_pid", *video)
		}
		if audio != nil {
			attrs = append(attrs, "audio_pid", *audio)
		}
		d.log.Info("PMT parsed", attrs...)
	}
	return nil
}

func (d *Decoder) handlePES(b []byte, h Header, info *PacketInfo) error {
	off, err := PayloadOffset(b, h)
	if err != nil {
		return err
	}
	payload := b[off:]

	// PUSI packets on PIDs not known to carry audio or video (SDT, EIT,
	// private sections) are not required to start with a PES header.
	if !isPESPayload(payload) && !info.Roles.Has(RoleVideo) && !info.Roles.Has(RoleAudio) {
		return nil
	}

	pes, err := parsePES(payload)
	if err != nil {
		return err
	}
	info.StreamID = pes.StreamID
	info.PTS = pes.PTS
	info.DTS = pes.DTS
	return nil
}
