// Package mpegts decodes live MPEG-TS packets one at a time. It discovers the
// PMT, PCR, video and audio PIDs from PAT/PMT sections, keeps them in a
// Registry, and extracts PCR, PTS and DTS timing from the adaptation field
// and the PES optional header. Every field access is bounds-checked against
// the 188-byte packet.
package mpegts

import "strings"

// Header contains the fixed 4-byte transport stream packet header.
type Header struct {
	PID                       uint16
	ContinuityCounter         uint8
	AdaptationFieldControl    uint8
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
}

// HasAdaptationField reports whether an adaptation field follows the header.
func (h Header) HasAdaptationField() bool {
	return h.AdaptationFieldControl&0x2 != 0
}

// HasPayload reports whether the packet carries a payload.
func (h Header) HasPayload() bool {
	return h.AdaptationFieldControl&0x1 != 0
}

// ClockReference holds a 33-bit MPEG-TS timestamp base value (90 kHz clock).
// For a PCR, Extension carries the 9-bit 27 MHz remainder; it is zero for
// PTS and DTS.
type ClockReference struct {
	Base      int64
	Extension uint16
}

// Ticks27MHz returns the full-precision PCR value, base*300 + extension.
func (c *ClockReference) Ticks27MHz() int64 {
	return c.Base*300 + int64(c.Extension)
}

// Role names a logical stream tracked by the Registry, plus the null packet
// classification.
type Role uint8

// Roles in registry order. RoleNull is a classification only.
const (
	RolePAT Role = iota
	RolePMT
	RolePCR
	RoleVideo
	RoleAudio
	RoleNull

	numRegistryRoles = int(RoleAudio) + 1
)

var roleNames = [...]string{"PAT", "PMT", "PCR", "Video", "Audio", "Null"}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return "Unknown"
}

// RoleSet is a bit set of roles. A packet can hold more than one role, e.g.
// a video PID that also carries the PCR.
type RoleSet uint8

// Add returns s with r included.
func (s RoleSet) Add(r Role) RoleSet {
	return s | 1<<r
}

// Has reports whether r is in the set.
func (s RoleSet) Has(r Role) bool {
	return s&(1<<r) != 0
}

// Empty reports whether no role is set.
func (s RoleSet) Empty() bool {
	return s == 0
}

func (s RoleSet) String() string {
	var parts []string
	for r := RolePAT; r <= RoleNull; r++ {
		if s.Has(r) {
			parts = append(parts, r.String())
		}
	}
	return strings.Join(parts, "|")
}

// PacketInfo is the decoded summary of one transport stream packet.
type PacketInfo struct {
	PID               uint16
	ContinuityCounter uint8
	Roles             RoleSet
	// StreamID is the PES stream_id when the packet starts a PES packet.
	StreamID uint8
	PCR      *ClockReference
	PTS      *ClockReference
	DTS      *ClockReference
}
