package mpegts

import "encoding/binary"

// MPEG-2 CRC32 with polynomial 0x04C11DB7. Sections built by the helpers
// carry a valid CRC even though the decoder does not check it.
var crc32Table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

func computeCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// bitWriter writes bits MSB-first into a byte slice.
type bitWriter struct {
	data   []byte
	bitPos int
}

func newBitWriter(size int) *bitWriter {
	return &bitWriter{data: make([]byte, size)}
}

func (w *bitWriter) putUint64(n int, v uint64) {
	for i := n - 1; i >= 0; i-- {
		if w.bitPos >= len(w.data)*8 {
			return
		}
		if (v>>uint(i))&1 == 1 {
			w.data[w.bitPos/8] |= 1 << uint(7-w.bitPos%8)
		}
		w.bitPos++
	}
}

type program struct{ num, pid uint16 }

type stream struct {
	streamType uint8
	pid        uint16
	esInfo     []byte
}

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = SyncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F) // payload only
	if pusi {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

// makePacketWithAF builds a packet whose adaptation field body is af (flags
// byte first). A nil payload makes an adaptation-only packet.
func makePacketWithAF(pid uint16, cc uint8, pusi bool, af []byte, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = SyncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	if pusi {
		buf[1] |= 0x40
	}
	afLen := len(af)
	if payload != nil {
		buf[3] = 0x30 | (cc & 0x0F) // adaptation + payload
	} else {
		buf[3] = 0x20 | (cc & 0x0F) // adaptation only
		afLen = PacketSize - 5
	}
	buf[4] = byte(afLen)
	copy(buf[5:], af)
	offset := 5 + afLen
	if offset < PacketSize {
		copy(buf[offset:], payload)
	}
	return buf
}

// encodePCR encodes base(33) reserved(6) extension(9) into 6 bytes.
func encodePCR(base int64, ext uint16) []byte {
	w := newBitWriter(pcrSize)
	w.putUint64(33, uint64(base))
	w.putUint64(6, 0x3F)
	w.putUint64(9, uint64(ext))
	return w.data
}

// pcrAF returns an adaptation field body carrying a PCR.
func pcrAF(base int64, ext uint16) []byte {
	return append([]byte{pcrFlag}, encodePCR(base, ext)...)
}

// buildPAT constructs a PAT section with CRC32.
func buildPAT(tsID uint16, programs []program) []byte {
	entryLen := len(programs) * 4
	sectionLength := patFixedLen + entryLen + crcLen

	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F // section_syntax_indicator=1
	data[2] = byte(sectionLength)
	data[3] = byte(tsID >> 8)
	data[4] = byte(tsID)
	data[5] = 0xC1 // reserved(2) + version(0) + current_next(1)
	data[6] = 0x00 // section_number
	data[7] = 0x00 // last_section_number

	offset := 8
	for _, p := range programs {
		data[offset] = byte(p.num >> 8)
		data[offset+1] = byte(p.num)
		data[offset+2] = 0xE0 | byte(p.pid>>8)&0x1F // reserved(3) + PID
		data[offset+3] = byte(p.pid)
		offset += 4
	}

	binary.BigEndian.PutUint32(data[offset:], computeCRC32(data[:offset]))
	return data
}

// buildPMT constructs a PMT section with CRC32.
func buildPMT(programNum, pcrPID uint16, programInfo []byte, streams []stream) []byte {
	esLen := 0
	for _, s := range streams {
		esLen += 5 + len(s.esInfo)
	}
	sectionLength := pmtFixedLen + len(programInfo) + esLen + crcLen

	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPMT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(programNum >> 8)
	data[4] = byte(programNum)
	data[5] = 0xC1
	data[6] = 0x00
	data[7] = 0x00
	data[8] = 0xE0 | byte(pcrPID>>8)&0x1F
	data[9] = byte(pcrPID)
	data[10] = 0xF0 | byte(len(programInfo)>>8)&0x0F
	data[11] = byte(len(programInfo))

	offset := 12
	offset += copy(data[offset:], programInfo)
	for _, s := range streams {
		data[offset] = s.streamType
		data[offset+1] = 0xE0 | byte(s.pid>>8)&0x1F
		data[offset+2] = byte(s.pid)
		data[offset+3] = 0xF0 | byte(len(s.esInfo)>>8)&0x0F
		data[offset+4] = byte(len(s.esInfo))
		offset += 5
		offset += copy(data[offset:], s.esInfo)
	}

	binary.BigEndian.PutUint32(data[offset:], computeCRC32(data[:offset]))
	return data
}

// withPointer prefixes a section with a zero pointer_field.
func withPointer(section []byte) []byte {
	return append([]byte{0x00}, section...)
}

func patPacket(cc uint8, programs ...program) []byte {
	return makePacket(PIDPAT, cc, true, withPointer(buildPAT(1, programs)))
}

func pmtPacket(pid uint16, cc uint8, pcrPID uint16, streams ...stream) []byte {
	return makePacket(pid, cc, true, withPointer(buildPMT(1, pcrPID, nil, streams)))
}

// encodePTS encodes a 33-bit PTS/DTS value into 5 bytes with marker bits.
func encodePTS(marker byte, value int64) []byte {
	bs := make([]byte, 5)
	bs[0] = marker<<4 | byte((value>>29)&0x0E) | 0x01
	bs[1] = byte(value >> 22)
	bs[2] = byte((value>>14)&0xFE) | 0x01
	bs[3] = byte(value >> 7)
	bs[4] = byte((value<<1)&0xFE) | 0x01
	return bs
}

// buildPESPacket builds a PES packet; flags is the 2-bit PTS_DTS_flags.
func buildPESPacket(streamID byte, flags byte, pts, dts int64, data []byte) []byte {
	var optHeader []byte
	switch flags {
	case 0x3:
		optHeader = append(optHeader, encodePTS(0x03, pts)...)
		optHeader = append(optHeader, encodePTS(0x01, dts)...)
	case 0x2:
		optHeader = append(optHeader, encodePTS(0x02, pts)...)
	case 0x1:
		optHeader = append(optHeader, encodePTS(0x01, dts)...)
	}

	headerDataLen := len(optHeader)
	packetLength := 3 + headerDataLen + len(data)
	if streamID&0xF0 == 0xE0 {
		packetLength = 0 // video: unbounded
	}

	buf := make([]byte, 0, 9+headerDataLen+len(data))
	buf = append(buf, 0x00, 0x00, 0x01) // start code
	buf = append(buf, streamID)
	buf = append(buf, byte(packetLength>>8), byte(packetLength))
	buf = append(buf, 0x80)                // marker bits
	buf = append(buf, flags<<6)            // PTS_DTS_flags
	buf = append(buf, byte(headerDataLen)) // PES_header_data_length
	buf = append(buf, optHeader...)
	buf = append(buf, data...)
	return buf
}
