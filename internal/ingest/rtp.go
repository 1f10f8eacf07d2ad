package ingest

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"

	"github.com/zsiec/tsprobe/internal/mpegts"
)

// ErrNotTransportStream means a datagram carried neither bare transport
// stream packets nor an RTP packet.
var ErrNotTransportStream = errors.New("ingest: datagram is neither TS nor RTP")

// rtpVersion is the only RTP version on the wire (RFC 3550).
const rtpVersion = 2

// Decapsulate returns the transport stream bytes of a datagram. Datagrams
// starting with the sync byte are returned unchanged; RTP datagrams
// (RFC 2250 MP2T carriage) are unwrapped.
func Decapsulate(datagram []byte) ([]byte, error) {
	if len(datagram) == 0 {
		return nil, fmt.Errorf("ingest: empty datagram: %w", ErrNotTransportStream)
	}
	if datagram[0] == mpegts.SyncByte {
		return datagram, nil
	}
	if datagram[0]>>6 != rtpVersion {
		return nil, fmt.Errorf("ingest: first byte 0x%02X: %w", datagram[0], ErrNotTransportStream)
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		return nil, fmt.Errorf("ingest: rtp: %v: %w", err, ErrNotTransportStream)
	}
	if len(pkt.Payload) == 0 || pkt.Payload[0] != mpegts.SyncByte {
		return nil, fmt.Errorf("ingest: rtp payload type %d: %w", pkt.PayloadType, ErrNotTransportStream)
	}
	return pkt.Payload, nil
}
