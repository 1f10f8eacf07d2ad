package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02

	crcLen = 4
	// Bytes after section_length up to the first entry, CRC excluded.
	patFixedLen = 5
	pmtFixedLen = 9
)

// Elementary stream types classified as video or audio.
const (
	StreamTypeMPEG1Video = 0x01
	StreamTypeMPEG2Video = 0x02
	StreamTypeMPEG1Audio = 0x03
	StreamTypeMPEG2Audio = 0x04
	StreamTypeAAC        = 0x0F
	StreamTypeMPEG4Video = 0x10
	StreamTypeH264       = 0x1B
	StreamTypeH265       = 0x24
	StreamTypeAC3        = 0x81
	StreamTypeDTS        = 0x8A
)

// IsVideoStreamType reports whether a PMT stream_type carries video.
func IsVideoStreamType(t uint8) bool {
	switch t {
	case StreamTypeMPEG1Video, StreamTypeMPEG2Video, StreamTypeMPEG4Video,
		StreamTypeH264, StreamTypeH265:
		return true
	}
	return false
}

// IsAudioStreamType reports whether a PMT stream_type carries audio.
func IsAudioStreamType(t uint8) bool {
	switch t {
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio, StreamTypeAAC,
		StreamTypeAC3, StreamTypeDTS:
		return true
	}
	return false
}

// PATData is the part of a Program Association Table this package keeps.
type PATData struct {
	TransportStreamID uint16
	// NetworkPID is set when a program_number 0 entry precedes the first
	// program.
	NetworkPID    *uint16
	ProgramNumber uint16
	PMTPID        uint16
	// Found is false when the section lists no non-zero program.
	Found bool
	// MultiProgram is set when more programs follow the tracked one.
	MultiProgram bool
}

// ElementaryStream is one PMT stream entry.
type ElementaryStream struct {
	PID        uint16
	StreamType uint8
}

// PMTData contains the parsed Program Map Table.
type PMTData struct {
	ProgramNumber uint16
	PCRPID        uint16
	Streams       []ElementaryStream
}

// FirstVideo returns the PID of the first video stream, or nil.
func (p *PMTData) FirstVideo() *uint16 {
	for _, es := range p.Streams {
		if IsVideoStreamType(es.StreamType) {
			pid := es.PID
			return &pid
		}
	}
	return nil
}

// FirstAudio returns the PID of the first audio stream, or nil.
func (p *PMTData) FirstAudio() *uint16 {
	for _, es := range p.Streams {
		if IsAudioStreamType(es.StreamType) {
			pid := es.PID
			return &pid
		}
	}
	return nil
}

// sectionBounds validates the table_id and section_length of the section at
// the start of data and returns the offset one past its last byte.
func sectionBounds(data []byte, tableID byte, minHeader, fixedLen int, name string) (int, error) {
	if len(data) < minHeader {
		return 0, fmt.Errorf("mpegts: %s header truncated (%d bytes): %w", name, len(data), ErrMalformedSection)
	}
	if data[0] != tableID {
		return 0, fmt.Errorf("mpegts: %s table_id 0x%02X: %w", name, data[0], ErrMalformedSection)
	}
	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	if sectionLength < fixedLen+crcLen {
		return 0, fmt.Errorf("mpegts: %s section_length %d too small: %w", name, sectionLength, ErrMalformedSection)
	}
	sectionEnd := 3 + sectionLength
	if sectionEnd > len(data) {
		return 0, fmt.Errorf("mpegts: %s section_length %d exceeds packet: %w", name, sectionLength, ErrMalformedSection)
	}
	return sectionEnd, nil
}

func parsePAT(data []byte) (*PATData, error) {
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  transport_stream_id
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8..N-4] program entries (4 bytes each)
	// [N-4..N] CRC32
	sectionEnd, err := sectionBounds(data, tableIDPAT, 8, patFixedLen, "PAT")
	if err != nil {
		return nil, err
	}

	pat := &PATData{
		TransportStreamID: uint16(data[3])<<8 | uint16(data[4]),
	}
	entryEnd := sectionEnd - crcLen
	for i := 8; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pid := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])

		if programNumber == 0 {
			if pat.NetworkPID == nil && !pat.Found {
				pat.NetworkPID = &pid
			}
			continue
		}
		if pat.Found {
			pat.MultiProgram = true
			break
		}
		pat.ProgramNumber = programNumber
		pat.PMTPID = pid
		pat.Found = true
	}
	return pat, nil
}

func parsePMT(data []byte) (*PMTData, error) {
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  program_number
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8-9]  reserved(3) + PCR_PID(13)
	// [10-11] reserved(4) + program_info_length(12)
	// [...] program descriptors
	// [...] elementary stream entries
	// [...] CRC32
	sectionEnd, err := sectionBounds(data, tableIDPMT, 12, pmtFixedLen, "PMT")
	if err != nil {
		return nil, err
	}

	pmt := &PMTData{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}

	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	esEnd := sectionEnd - crcLen
	offset := 12 + programInfoLength
	if offset > esEnd {
		return nil, fmt.Errorf("mpegts: PMT program_info_length %d exceeds section: %w", programInfoLength, ErrMalformedSection)
	}

	for offset < esEnd {
		if offset+5 > esEnd {
			return nil, fmt.Errorf("mpegts: PMT truncated stream entry at %d: %w", offset, ErrMalformedSection)
		}
		streamType := data[offset]
		pid := uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2])
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])

		next := offset + 5 + esInfoLength
		if next > esEnd {
			return nil, fmt.Errorf("mpegts: PMT ES_info_length %d exceeds section: %w", esInfoLength, ErrMalformedSection)
		}
		pmt.Streams = append(pmt.Streams, ElementaryStream{PID: pid, StreamType: streamType})
		offset = next
	}
	return pmt, nil
}
