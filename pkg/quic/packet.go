package quic

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/yourusername/qcore/pkg/bufpool"
)

// QUIC packet format. Long-header packets (Initial, 0-RTT, Handshake,
// Retry, Version Negotiation) carry the handshake; short-header packets
// carry 1-RTT application data once the handshake is done.

// PacketType is the segment classification produced by header parsing.
type PacketType int

const (
	PacketVersionNegotiation PacketType = iota
	PacketInitial
	PacketZeroRTT
	PacketHandshake
	PacketRetry
	PacketOneRTT
	PacketError
)

func (t PacketType) String() string {
	switch t {
	case PacketVersionNegotiation:
		return "VersionNegotiation"
	case PacketInitial:
		return "Initial"
	case PacketZeroRTT:
		return "ZeroRTT"
	case PacketHandshake:
		return "Handshake"
	case PacketRetry:
		return "Retry"
	case PacketOneRTT:
		return "OneRTT"
	default:
		return "Error"
	}
}

// Epoch is the QUIC cryptographic level.
type Epoch int

const (
	EpochInitial Epoch = iota
	Epoch0RTT
	EpochHandshake
	Epoch1RTT
	epochCount
)

// PNContext is the packet-number space a segment belongs to.
type PNContext int

const (
	PNContextInitial PNContext = iota
	PNContextHandshake
	PNContextApplication
	pnContextCount
)

const (
	// Version1 is the only QUIC version this core negotiates.
	Version1 uint32 = 0x00000001

	headerFormLong  = 0x80
	fixedBit        = 0x40
	longReservedBits = 0x0C // bits 3-2: R R
	longPnLenBits    = 0x03 // bits 1-0: P P
	shortSpinBit     = 0x20
	shortKeyPhaseBit = 0x04

	// MaxPacketSize is the largest datagram this core will construct.
	MaxPacketSize = 1452
	// MinInitialPacket is RFC 9000's minimum Initial datagram size.
	MinInitialPacket = 1200

	// ConnectionIDMinSize and ConnectionIDMaxSize bound ConnectionID.Len().
	ConnectionIDMinSize = 0
	ConnectionIDMaxSize = 20

	headerProtectionSampleSize = 16
)

var (
	ErrInvalidPacket      = errors.New("quic: invalid packet")
	ErrUnsupportedVersion = errors.New("quic: unsupported version")
	ErrPacketTooSmall     = errors.New("quic: packet too small")
)

// PacketHeader is the transient result of header parsing, per the core's
// data model: every field the state machine or crypto envelope needs to
// act on a segment, without committing to any particular wire encoding
// beyond what was just parsed.
type PacketHeader struct {
	Type         PacketType
	IsLongHeader bool
	Version      uint32
	VersionIndex int // -1 => unknown/unsupported

	DestCnxID ConnectionID
	SrcCnxID  ConnectionID

	Offset        int // header length (bytes before the protected region)
	PayloadLength int
	PnOffset      int

	Pn     uint64 // truncated, 1-4 bytes once header protection is removed
	PnLen  int
	PnMask uint64 // 1-extended by header length; 0 until HP removed
	Pn64   uint64 // reconstructed 64-bit packet number

	Epoch Epoch
	PC    PNContext

	Spin              bool
	HasSpinBit        bool
	KeyPhase          bool
	HasReservedBitSet bool

	TokenBytes  []byte
	TokenLength uint64

	// ODCID is Retry-only: the original destination connection ID the
	// server echoes back so the client can tie the Retry to its own
	// outstanding Initial.
	ODCID ConnectionID
}

// poison marks a header as unusable after a malformed-input failure so it
// flows through the normal drop paths without ever looking valid.
func (h *PacketHeader) poison() {
	h.Pn = 0xFFFFFFFF
	h.Pn64 = 0xFFFFFFFF
	h.PnLen = 0
}

// Segment is a parsed packet plus its still-protected or already-decrypted
// payload slice (on success the crypto envelope replaces the protected
// payload with a separately allocated plaintext slice).
type Segment struct {
	Header  PacketHeader
	Payload []byte
}

// Release returns the segment's pool-backed buffers once the dispatch
// that borrowed them has returned. Frame bodies the state machine keeps
// (CRYPTO frame data, retry tokens promoted to Connection.RetryToken) are
// always independent copies, so it is safe to call Release once
// IncomingSegment returns, even when the outcome retained data derived
// from this segment.
func (s *Segment) Release() {
	if s == nil {
		return
	}
	bufpool.Put(s.Payload)
	s.Payload = nil
	if s.Header.Type != PacketRetry {
		bufpool.ReleaseToken(s.Header.TokenBytes)
	}
	s.Header.TokenBytes = nil
}

// ParseHeader parses a single QUIC packet header from data. localCIDLen is
// the DCID length this endpoint expects on short-header packets: the
// server's assigned length, or for a client the length it asked its peer
// to use. It has no bearing on long headers, which are self-describing.
//
// Returns the parsed segment and the offset of the first byte following
// this segment (which may be less than len(data) when datagrams coalesce
// multiple packets).
func ParseHeader(data []byte, localCIDLen int) (*Segment, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrPacketTooSmall
	}

	if data[0]&headerFormLong != 0 {
		return parseLongHeader(data)
	}
	return parseShortHeader(data, localCIDLen)
}

func parseLongHeader(data []byte) (*Segment, int, error) {
	if len(data) < 5 {
		return nil, 0, ErrPacketTooSmall
	}

	b0 := data[0]
	offset := 1

	version := binary.BigEndian.Uint32(data[offset:])
	offset += 4

	dcid, n, err := parseConnectionID(data[offset:])
	if err != nil {
		return nil, 0, fmt.Errorf("quic: parse dest cnxid: %w", err)
	}
	offset += n

	scid, n, err := parseConnectionID(data[offset:])
	if err != nil {
		return nil, 0, fmt.Errorf("quic: parse src cnxid: %w", err)
	}
	offset += n

	if version == 0 {
		h := PacketHeader{
			Type:         PacketVersionNegotiation,
			IsLongHeader: true,
			Version:      0,
			VersionIndex: -1,
			DestCnxID:    dcid,
			SrcCnxID:     scid,
			PC:           PNContextInitial,
			Offset:       offset,
		}
		payload := bufpool.Get(len(data) - offset)
		copy(payload, data[offset:])
		h.PayloadLength = len(payload)
		return &Segment{Header: h, Payload: payload}, len(data), nil
	}

	versionIndex := -1
	if version == Version1 {
		versionIndex = 0
	}

	h := PacketHeader{
		IsLongHeader: true,
		Version:      version,
		VersionIndex: versionIndex,
		DestCnxID:    dcid,
		SrcCnxID:     scid,
	}

	if versionIndex < 0 {
		h.Type = PacketError
		return &Segment{Header: h}, offset, ErrUnsupportedVersion
	}

	typeSel := (b0 >> 4) & 7
	switch typeSel {
	case 4:
		h.Type = PacketInitial
		h.Epoch = EpochInitial
		h.PC = PNContextInitial

		tokenLen, n, err := parseVarint(data[offset:])
		if err != nil {
			return nil, 0, fmt.Errorf("quic: parse token length: %w", err)
		}
		offset += n
		h.TokenLength = tokenLen

		if tokenLen > 0 {
			if uint64(len(data)) < uint64(offset)+tokenLen {
				return nil, 0, ErrPacketTooSmall
			}
			h.TokenBytes = bufpool.CopyToken(data[offset : uint64(offset)+tokenLen])
			offset += int(tokenLen)
		}

	case 5:
		h.Type = PacketZeroRTT
		h.Epoch = Epoch0RTT
		h.PC = PNContextApplication

	case 6:
		h.Type = PacketHandshake
		h.Epoch = EpochHandshake
		h.PC = PNContextHandshake

	case 7:
		h.Type = PacketRetry
		return parseRetryTail(data, offset, h)

	default:
		h.Type = PacketError
		return &Segment{Header: h}, offset, ErrInvalidPacket
	}

	length, n, err := parseVarint(data[offset:])
	if err != nil {
		return nil, 0, fmt.Errorf("quic: parse length: %w", err)
	}
	offset += n

	if uint64(len(data)) < uint64(offset)+length {
		return nil, 0, ErrPacketTooSmall
	}

	h.Offset = offset
	h.PnOffset = offset
	h.PayloadLength = int(length)

	segEnd := offset + int(length)
	payload := bufpool.Get(int(length))
	copy(payload, data[offset:segEnd])

	return &Segment{Header: h, Payload: payload}, segEnd, nil
}

// parseRetryTail reads a Retry packet's odcil || odcid || token tail. A
// Retry carries no length or packet-number fields; the token runs to the
// end of the datagram.
func parseRetryTail(data []byte, offset int, h PacketHeader) (*Segment, int, error) {
	odcid, n, err := parseConnectionID(data[offset:])
	if err != nil {
		return nil, 0, fmt.Errorf("quic: parse retry odcid: %w", err)
	}
	offset += n
	h.ODCID = odcid

	h.TokenBytes = bufpool.CopyToken(data[offset:])
	h.TokenLength = uint64(len(data) - offset)
	h.Offset = len(data)
	h.PayloadLength = 0
	return &Segment{Header: h}, len(data), nil
}

// parseShortHeader parses a 1-RTT packet. localCIDLen must match the DCID
// length this endpoint assigned; the caller has to supply it since short
// headers carry no explicit CID-length field.
func parseShortHeader(data []byte, localCIDLen int) (*Segment, int, error) {
	if localCIDLen < 0 || localCIDLen > ConnectionIDMaxSize {
		return nil, 0, fmt.Errorf("quic: invalid local cnxid length %d", localCIDLen)
	}
	if len(data) < 1+localCIDLen {
		return nil, 0, ErrPacketTooSmall
	}

	b0 := data[0]
	offset := 1

	h := PacketHeader{
		Type:         PacketOneRTT,
		IsLongHeader: false,
		Epoch:        Epoch1RTT,
		PC:           PNContextApplication,
	}

	if b0&fixedBit != fixedBit {
		h.Type = PacketError
		return &Segment{Header: h}, len(data), ErrInvalidPacket
	}

	dcid := make([]byte, localCIDLen)
	copy(dcid, data[offset:offset+localCIDLen])
	h.DestCnxID = dcid
	offset += localCIDLen

	h.HasSpinBit = true
	h.Spin = b0&shortSpinBit != 0
	h.KeyPhase = b0&shortKeyPhaseBit != 0

	h.Offset = offset
	h.PnOffset = offset
	h.PayloadLength = len(data) - offset

	payload := bufpool.Get(len(data) - offset)
	copy(payload, data[offset:])

	return &Segment{Header: h, Payload: payload}, len(data), nil
}

// GenerateConnectionID returns a random connection ID of the given length.
func GenerateConnectionID(length int) (ConnectionID, error) {
	if length < ConnectionIDMinSize || length > ConnectionIDMaxSize {
		return nil, fmt.Errorf("quic: invalid connection ID length %d", length)
	}
	if length == 0 {
		return ConnectionID{}, nil
	}
	cid := make([]byte, length)
	if _, err := rand.Read(cid); err != nil {
		return nil, err
	}
	return ConnectionID(cid), nil
}

// PacketNumberLen returns the minimum number of bytes needed to encode pn
// relative to the largest packet number the peer is known to have acked.
func PacketNumberLen(pn uint64, largestAcked uint64) int {
	delta := pn - largestAcked
	switch {
	case delta < (1 << 7):
		return 1
	case delta < (1 << 15):
		return 2
	case delta < (1 << 23):
		return 3
	default:
		return 4
	}
}

// ReconstructPacketNumber implements the §4.2 64-bit packet-number
// reconstruction algorithm: candidate = (expected &^ lowMask) | truncated,
// nudged by one window in whichever direction minimizes the distance to
// expected, with ties broken toward the lower candidate and negative wrap
// forbidden.
func ReconstructPacketNumber(highest uint64, nbits int, truncated uint64) uint64 {
	expected := highest + 1
	win := uint64(1) << uint(nbits*8)
	hwin := win / 2
	lowMask := win - 1

	candidate := (expected &^ lowMask) | truncated

	if hwin == 0 {
		return candidate
	}
	// At exactly half a window from expected the tie goes to the lower
	// candidate: increment only when strictly closer, decrement on >=.
	if candidate+hwin < expected && candidate+win > candidate {
		return candidate + win
	}
	if candidate >= expected+hwin && candidate >= win {
		return candidate - win
	}
	return candidate
}

// pnMaskFor returns the 1-extended mask (high bits all 1, low 8*nbits bits
// zero) derived from the packet-number length.
func pnMaskFor(nbits int) uint64 {
	return ^((uint64(1) << uint(nbits*8)) - 1)
}
