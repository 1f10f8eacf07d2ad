package mpegts

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newTestDecoder() *Decoder {
	return NewDecoder(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func decodeAll(t *testing.T, d *Decoder, pkts ...[]byte) []*PacketInfo {
	t.Helper()
	out := make([]*PacketInfo, 0, len(pkts))
	for i, p := range pkts {
		info, err := d.Decode(p)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		out = append(out, info)
	}
	return out
}

func TestDecoder_DiscoversProgram(t *testing.T) {
	t.Parallel()
	d := newTestDecoder()

	infos := decodeAll(t, d,
		patPacket(0, program{1, 0x20}),
		pmtPacket(0x20, 0, 0x21,
			stream{streamType: StreamTypeH264, pid: 0x22},
			stream{streamType: StreamTypeAAC, pid: 0x23}),
		makePacketWithAF(0x21, 0, false, pcrAF(900000, 0), nil),
	)

	if !infos[0].Roles.Has(RolePAT) || infos[0].PID != PIDPAT {
		t.Errorf("packet 0 roles = %s, want PAT", infos[0].Roles)
	}
	if !infos[1].Roles.Has(RolePMT) || infos[1].PID != 0x20 {
		t.Errorf("packet 1 roles = %s, want PMT", infos[1].Roles)
	}
	if !infos[2].Roles.Has(RolePCR) {
		t.Errorf("packet 2 roles = %s, want PCR", infos[2].Roles)
	}
	if infos[2].PCR == nil || infos[2].PCR.Base != 900000 {
		t.Fatalf("PCR = %+v, want base 900000", infos[2].PCR)
	}

	snap := d.Registry().Snapshot()
	want := map[Role]uint16{RolePAT: 0, RolePMT: 0x20, RolePCR: 0x21, RoleVideo: 0x22, RoleAudio: 0x23}
	if len(snap) != len(want) {
		t.Errorf("registry has %d roles, want %d", len(snap), len(want))
	}
	for role, pid := range want {
		if snap[role] != pid {
			t.Errorf("registry %s = 0x%X, want 0x%X", role, snap[role], pid)
		}
	}
}

func TestDecoder_PCRFlagClear(t *testing.T) {
	t.Parallel()
	d := newTestDecoder()
	decodeAll(t, d,
		patPacket(0, program{1, 0x20}),
		pmtPacket(0x20, 0, 0x21, stream{streamType: StreamTypeH264, pid: 0x22}),
	)

	info, err := d.Decode(makePacketWithAF(0x21, 1, false, []byte{0x00}, []byte{0xFF}))
	if err != nil {
		t.Fatal(err)
	}
	if !info.Roles.Has(RolePCR) {
		t.Errorf("roles = %s, want PCR", info.Roles)
	}
	if info.PCR != nil {
		t.Errorf("PCR = %+v, want nil", info.PCR)
	}
}

func TestDecoder_VideoPESWithPCR(t *testing.T) {
	t.Parallel()
	d := newTestDecoder()
	decodeAll(t, d,
		patPacket(0, program{1, 0x1000}),
		pmtPacket(0x1000, 0, 0x100,
			stream{streamType: StreamTypeH264, pid: 0x100},
			stream{streamType: StreamTypeAAC, pid: 0x101}),
	)

	pes := buildPESPacket(0xE0, 0x3, 183003, 180000, []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xF0})
	info, err := d.Decode(makePacketWithAF(0x100, 0, true, pcrAF(177000, 42), pes))
	if err != nil {
		t.Fatal(err)
	}
	if !info.Roles.Has(RolePCR) || !info.Roles.Has(RoleVideo) {
		t.Errorf("roles = %s, want PCR|Video", info.Roles)
	}
	if info.PCR == nil || info.PCR.Base != 177000 || info.PCR.Extension != 42 {
		t.Errorf("PCR = %+v, want 177000/42", info.PCR)
	}
	if info.StreamID != 0xE0 {
		t.Errorf("stream ID = 0x%02X, want 0xE0", info.StreamID)
	}
	if info.PTS == nil || info.PTS.Base != 183003 {
		t.Errorf("PTS = %+v, want 183003", info.PTS)
	}
	if info.DTS == nil || info.DTS.Base != 180000 {
		t.Errorf("DTS = %+v, want 180000", info.DTS)
	}

	// Continuation packets on the same PID carry no PES header.
	info, err = d.Decode(makePacket(0x100, 1, false, []byte{0x12, 0x34}))
	if err != nil {
		t.Fatal(err)
	}
	if info.PTS != nil || info.PCR != nil {
		t.Errorf("continuation carried timing: %+v", info)
	}
}

func TestDecoder_AudioPES(t *testing.T) {
	t.Parallel()
	d := newTestDecoder()
	decodeAll(t, d,
		patPacket(0, program{1, 0x20}),
		pmtPacket(0x20, 0, 0x21,
			stream{streamType: StreamTypeH264, pid: 0x22},
			stream{streamType: StreamTypeAAC, pid: 0x23}),
	)

	info, err := d.Decode(makePacket(0x23, 0, true, buildPESPacket(0xC0, 0x2, 90000, 0, []byte{0xFF, 0xF1})))
	if err != nil {
		t.Fatal(err)
	}
	if !info.Roles.Has(RoleAudio) || info.Roles.Has(RoleVideo) {
		t.Errorf("roles = %s, want Audio", info.Roles)
	}
	if info.PTS == nil || info.PTS.Base != 90000 || info.DTS != nil {
		t.Errorf("PTS/DTS = %+v/%+v, want 90000/nil", info.PTS, info.DTS)
	}
}

func TestDecoder_SecondPATOverwritesPMT(t *testing.T) {
	t.Parallel()
	d := newTestDecoder()
	decodeAll(t, d,
		patPacket(0, program{1, 0x20}),
		patPacket(1, program{1, 0x40}),
	)
	if !d.Registry().Is(RolePMT, 0x40) {
		t.Fatal("PMT PID should be 0x40")
	}

	info, err := d.Decode(pmtPacket(0x20, 0, 0x21, stream{streamType: StreamTypeH264, pid: 0x22}))
	if err != nil {
		t.Fatal(err)
	}
	if !info.Roles.Empty() {
		t.Errorf("roles = %s, old PMT PID should no longer classify", info.Roles)
	}
	if _, ok := d.Registry().Lookup(RolePCR); ok {
		t.Error("PCR should not be recorded from a stale PMT PID")
	}
}

func TestDecoder_MalformedPMTLeavesRegistry(t *testing.T) {
	t.Parallel()
	d := newTestDecoder()
	decodeAll(t, d,
		patPacket(0, program{1, 0x20}),
		pmtPacket(0x20, 0, 0x21,
			stream{streamType: StreamTypeH264, pid: 0x22},
			stream{streamType: StreamTypeAAC, pid: 0x23}),
	)
	before := d.Registry().Snapshot()

	section := buildPMT(1, 0x31, nil, []stream{{streamType: StreamTypeH264, pid: 0x32}})
	section[12+4] = 0x40 // ES_info_length overrun
	info, err := d.Decode(makePacket(0x20, 1, true, withPointer(section)))
	if !errors.Is(err, ErrMalformedSection) {
		t.Fatalf("err = %v, want ErrMalformedSection", err)
	}
	if info == nil || !info.Roles.Has(RolePMT) {
		t.Errorf("info = %+v, want PMT role despite error", info)
	}

	after := d.Registry().Snapshot()
	for role, pid := range before {
		if after[role] != pid {
			t.Errorf("%s changed from 0x%X to 0x%X", role, pid, after[role])
		}
	}
}

func TestDecoder_MultiProgramPAT(t *testing.T) {
	t.Parallel()
	d := newTestDecoder()
	decodeAll(t, d,
		patPacket(0, program{1, 0x20}, program{2, 0x30}),
		patPacket(1, program{1, 0x20}, program{2, 0x30}),
	)
	if !d.Registry().Is(RolePMT, 0x20) {
		t.Error("the first program's PMT PID should be tracked")
	}
	if got := d.MultiProgramPATs(); got != 2 {
		t.Errorf("MultiProgramPATs = %d, want 2", got)
	}
}

func TestDecoder_PMTWithoutAudioKeepsAudio(t *testing.T) {
	t.Parallel()
	d := newTestDecoder()
	decodeAll(t, d,
		patPacket(0, program{1, 0x20}),
		pmtPacket(0x20, 0, 0x21,
			stream{streamType: StreamTypeH264, pid: 0x22},
			stream{streamType: StreamTypeAAC, pid: 0x23}),
		pmtPacket(0x20, 1, 0x24, stream{streamType: StreamTypeH265, pid: 0x24}),
	)
	r := d.Registry()
	if !r.Is(RolePCR, 0x24) || !r.Is(RoleVideo, 0x24) {
		t.Error("PCR and video should move to 0x24")
	}
	if !r.Is(RoleAudio, 0x23) {
		t.Error("audio should stay at 0x23")
	}
}

func TestDecoder_IgnoredPSIPackets(t *testing.T) {
	t.Parallel()

	tei := patPacket(0, program{1, 0x99})
	tei[1] |= 0x80

	tests := []struct {
		name string
		pkt  []byte
	}{
		{"continuation", makePacket(PIDPAT, 0, false, withPointer(buildPAT(1, []program{{1, 0x99}})))},
		{"transport_error", tei},
		{"no_payload", makePacketWithAF(PIDPAT, 0, true, []byte{0x00}, nil)},
		{"network_only", patPacket(0, program{0, 0x10})},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := newTestDecoder()
			info, err := d.Decode(tc.pkt)
			if err != nil {
				t.Fatal(err)
			}
			if !info.Roles.Has(RolePAT) {
				t.Errorf("roles = %s, want PAT", info.Roles)
			}
			if _, ok := d.Registry().Lookup(RolePMT); ok {
				t.Error("PMT PID should not be recorded")
			}
		})
	}
}

func TestDecoder_NullPacket(t *testing.T) {
	t.Parallel()
	d := newTestDecoder()
	info, err := d.Decode(makePacket(PIDNull, 0, false, []byte{0xFF, 0xFF}))
	if err != nil {
		t.Fatal(err)
	}
	if info.Roles != RoleSet(0).Add(RoleNull) {
		t.Errorf("roles = %s, want Null", info.Roles)
	}
}

func TestDecoder_Errors(t *testing.T) {
	t.Parallel()

	badSync := makePacket(0x100, 0, false, nil)
	badSync[0] = 0x48

	tests := []struct {
		name     string
		pkt      []byte
		want     error
		wantInfo bool
	}{
		{"bad_sync", badSync, ErrSyncByte, false},
		{"short", make([]byte, 100), ErrInputSize, false},
		{"pat_pointer_past_end", makePacket(PIDPAT, 0, true, []byte{0xFF}), ErrOutOfBounds, true},
		{"pat_bad_table_id", makePacket(PIDPAT, 0, true, []byte{0x00, 0x42, 0xB0, 0x0D}), ErrMalformedSection, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			info, err := newTestDecoder().Decode(tc.pkt)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if (info != nil) != tc.wantInfo {
				t.Errorf("info present = %v, want %v", info != nil, tc.wantInfo)
			}
		})
	}
}

func TestDecoder_PUSIWithoutPESHeader(t *testing.T) {
	t.Parallel()
	d := newTestDecoder()
	decodeAll(t, d,
		patPacket(0, program{1, 0x20}),
		pmtPacket(0x20, 0, 0x21, stream{streamType: StreamTypeH264, pid: 0x22}),
	)

	// SDT-like section on an unclassified PID: not an error.
	info, err := d.Decode(makePacket(0x11, 0, true, []byte{0x00, 0x42, 0xF0, 0x11}))
	if err != nil {
		t.Fatalf("unclassified PID: %v", err)
	}
	if !info.Roles.Empty() {
		t.Errorf("roles = %s, want none", info.Roles)
	}

	// The video PID must start with a PES header.
	_, err = d.Decode(makePacket(0x22, 0, true, []byte{0x12, 0x34, 0x56, 0x78}))
	if !errors.Is(err, ErrUnsupportedPESHeader) {
		t.Errorf("video PID err = %v, want ErrUnsupportedPESHeader", err)
	}
}

func TestDecoder_PCRKeptOnPESError(t *testing.T) {
	t.Parallel()
	d := newTestDecoder()
	decodeAll(t, d,
		patPacket(0, program{1, 0x1000}),
		pmtPacket(0x1000, 0, 0x100, stream{streamType: StreamTypeH264, pid: 0x100}),
	)

	info, err := d.Decode(makePacketWithAF(0x100, 0, true, pcrAF(900000, 5), []byte{0x12, 0x34, 0x56, 0x78}))
	if !errors.Is(err, ErrUnsupportedPESHeader) {
		t.Fatalf("err = %v, want ErrUnsupportedPESHeader", err)
	}
	if info == nil || info.PCR == nil || info.PCR.Base != 900000 || info.PCR.Extension != 5 {
		t.Fatalf("info = %+v, want PCR 900000/5", info)
	}
	if !info.Roles.Has(RolePCR) || !info.Roles.Has(RoleVideo) {
		t.Errorf("roles = %s, want PCR|Video", info.Roles)
	}
}

func TestErrorKind(t *testing.T) {
	t.Parallel()
	d := newTestDecoder()
	_, err := d.Decode(make([]byte, PacketSize))
	if got := ErrorKind(err); got != "sync_byte" {
		t.Errorf("ErrorKind = %q, want sync_byte", got)
	}
	if got := ErrorKind(io.EOF); got != "other" {
		t.Errorf("ErrorKind(io.EOF) = %q, want other", got)
	}
}
