package quic

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Control-plane frame types the core dispatches on directly (RFC 9000
// §19). Stream data and flow-control frame bodies are out of scope (spec
// §1) and are handed to the external FrameDecoder collaborator instead of
// being modeled here.
type FrameType uint64

const (
	FrameTypePadding            FrameType = 0x00
	FrameTypePing               FrameType = 0x01
	FrameTypeAck                FrameType = 0x02
	FrameTypeAckECN             FrameType = 0x03
	FrameTypeResetStream        FrameType = 0x04
	FrameTypeStopSending        FrameType = 0x05
	FrameTypeCrypto             FrameType = 0x06
	FrameTypeNewToken           FrameType = 0x07
	FrameTypeStream             FrameType = 0x08 // base of 0x08-0x0F range
	FrameTypeMaxData            FrameType = 0x10
	FrameTypeMaxStreamData      FrameType = 0x11
	FrameTypeMaxStreamsBidi     FrameType = 0x12
	FrameTypeMaxStreamsUni      FrameType = 0x13
	FrameTypeDataBlocked        FrameType = 0x14
	FrameTypeStreamDataBlocked  FrameType = 0x15
	FrameTypeStreamsBlockedBidi FrameType = 0x16
	FrameTypeStreamsBlockedUni  FrameType = 0x17
	FrameTypeNewConnectionID    FrameType = 0x18
	FrameTypeRetireConnectionID FrameType = 0x19
	FrameTypePathChallenge      FrameType = 0x1A
	FrameTypePathResponse       FrameType = 0x1B
	FrameTypeConnectionClose    FrameType = 0x1C
	FrameTypeConnectionCloseApp FrameType = 0x1D
	FrameTypeHandshakeDone      FrameType = 0x1E
	FrameTypeDatagram           FrameType = 0x30
	FrameTypeDatagramLen        FrameType = 0x31
)

var (
	ErrInvalidFrame  = errors.New("quic: invalid frame")
	ErrFrameTooLarge = errors.New("quic: frame too large")
	// ErrNonControlFrame signals ParseFrame hit a frame type that belongs
	// to the external decode_frames collaborator (stream data, flow
	// control, datagrams), not this package.
	ErrNonControlFrame = errors.New("quic: non-control frame")
)

// FrameDecoder is the external stream-layer collaborator: it owns stream
// reassembly and flow-control accounting, which live outside this core.
type FrameDecoder interface {
	DecodeFrames(buf []byte, epoch Epoch, path *Path) error
}

// Frame is any control frame this core parses and acts on.
type Frame interface {
	Type() FrameType
	AppendTo(buf []byte) ([]byte, error)
}

type PaddingFrame struct{ Length int }

func (f *PaddingFrame) Type() FrameType { return FrameTypePadding }
func (f *PaddingFrame) AppendTo(buf []byte) ([]byte, error) {
	for i := 0; i < f.Length; i++ {
		buf = append(buf, 0x00)
	}
	return buf, nil
}

type PingFrame struct{}

func (f *PingFrame) Type() FrameType { return FrameTypePing }
func (f *PingFrame) AppendTo(buf []byte) ([]byte, error) {
	return append(buf, byte(FrameTypePing)), nil
}

type AckRange struct {
	Gap    uint64
	Length uint64
}

type ECNCounts struct {
	ECT0 uint64
	ECT1 uint64
	CE   uint64
}

type AckFrame struct {
	LargestAcked uint64
	AckDelay     uint64
	Ranges       []AckRange
	ECN          *ECNCounts
}

func (f *AckFrame) Type() FrameType {
	if f.ECN != nil {
		return FrameTypeAckECN
	}
	return FrameTypeAck
}

func (f *AckFrame) AppendTo(buf []byte) ([]byte, error) {
	buf = append(buf, byte(f.Type()))
	var err error
	if buf, err = appendVarint(buf, f.LargestAcked); err != nil {
		return buf, err
	}
	if buf, err = appendVarint(buf, f.AckDelay); err != nil {
		return buf, err
	}
	if buf, err = appendVarint(buf, uint64(len(f.Ranges)-1)); err != nil {
		return buf, err
	}
	if len(f.Ranges) > 0 {
		if buf, err = appendVarint(buf, f.Ranges[0].Length); err != nil {
			return buf, err
		}
	}
	for i := 1; i < len(f.Ranges); i++ {
		if buf, err = appendVarint(buf, f.Ranges[i].Gap); err != nil {
			return buf, err
		}
		if buf, err = appendVarint(buf, f.Ranges[i].Length); err != nil {
			return buf, err
		}
	}
	if f.ECN != nil {
		if buf, err = appendVarint(buf, f.ECN.ECT0); err != nil {
			return buf, err
		}
		if buf, err = appendVarint(buf, f.ECN.ECT1); err != nil {
			return buf, err
		}
		if buf, err = appendVarint(buf, f.ECN.CE); err != nil {
			return buf, err
		}
	}
	return buf, nil
}

type CryptoFrame struct {
	Offset uint64
	Data   []byte
}

func (f *CryptoFrame) Type() FrameType { return FrameTypeCrypto }
func (f *CryptoFrame) AppendTo(buf []byte) ([]byte, error) {
	buf = append(buf, byte(FrameTypeCrypto))
	var err error
	if buf, err = appendVarint(buf, f.Offset); err != nil {
		return buf, err
	}
	if buf, err = appendVarint(buf, uint64(len(f.Data))); err != nil {
		return buf, err
	}
	return append(buf, f.Data...), nil
}

type NewTokenFrame struct{ Token []byte }

func (f *NewTokenFrame) Type() FrameType { return FrameTypeNewToken }
func (f *NewTokenFrame) AppendTo(buf []byte) ([]byte, error) {
	buf = append(buf, byte(FrameTypeNewToken))
	var err error
	if buf, err = appendVarint(buf, uint64(len(f.Token))); err != nil {
		return buf, err
	}
	return append(buf, f.Token...), nil
}

type ConnectionCloseFrame struct {
	ErrorCode    uint64
	FrameType    uint64
	ReasonPhrase []byte
	IsAppError   bool
}

func (f *ConnectionCloseFrame) Type() FrameType {
	if f.IsAppError {
		return FrameTypeConnectionCloseApp
	}
	return FrameTypeConnectionClose
}

func (f *ConnectionCloseFrame) AppendTo(buf []byte) ([]byte, error) {
	buf = append(buf, byte(f.Type()))
	var err error
	if buf, err = appendVarint(buf, f.ErrorCode); err != nil {
		return buf, err
	}
	if !f.IsAppError {
		if buf, err = appendVarint(buf, f.FrameType); err != nil {
			return buf, err
		}
	}
	if buf, err = appendVarint(buf, uint64(len(f.ReasonPhrase))); err != nil {
		return buf, err
	}
	return append(buf, f.ReasonPhrase...), nil
}

type HandshakeDoneFrame struct{}

func (f *HandshakeDoneFrame) Type() FrameType { return FrameTypeHandshakeDone }
func (f *HandshakeDoneFrame) AppendTo(buf []byte) ([]byte, error) {
	return append(buf, byte(FrameTypeHandshakeDone)), nil
}

// NewConnectionIDFrame announces a CID the peer may use to address us
// (feeds the receiving side's cnxid_stash).
type NewConnectionIDFrame struct {
	SequenceNumber uint64
	RetirePriorTo  uint64
	ConnectionID   ConnectionID
	ResetToken     [16]byte
}

func (f *NewConnectionIDFrame) Type() FrameType { return FrameTypeNewConnectionID }
func (f *NewConnectionIDFrame) AppendTo(buf []byte) ([]byte, error) {
	buf = append(buf, byte(FrameTypeNewConnectionID))
	var err error
	if buf, err = appendVarint(buf, f.SequenceNumber); err != nil {
		return buf, err
	}
	if buf, err = appendVarint(buf, f.RetirePriorTo); err != nil {
		return buf, err
	}
	buf = appendConnectionID(buf, f.ConnectionID)
	return append(buf, f.ResetToken[:]...), nil
}

type RetireConnectionIDFrame struct{ SequenceNumber uint64 }

func (f *RetireConnectionIDFrame) Type() FrameType { return FrameTypeRetireConnectionID }
func (f *RetireConnectionIDFrame) AppendTo(buf []byte) ([]byte, error) {
	buf = append(buf, byte(FrameTypeRetireConnectionID))
	return appendVarint(buf, f.SequenceNumber)
}

// PathChallengeFrame / PathResponseFrame carry the 8-byte random token
// that validates a path (RFC 9000 §8.2).
type PathChallengeFrame struct{ Data [8]byte }

func (f *PathChallengeFrame) Type() FrameType { return FrameTypePathChallenge }
func (f *PathChallengeFrame) AppendTo(buf []byte) ([]byte, error) {
	return append(append(buf, byte(FrameTypePathChallenge)), f.Data[:]...), nil
}

type PathResponseFrame struct{ Data [8]byte }

func (f *PathResponseFrame) Type() FrameType { return FrameTypePathResponse }
func (f *PathResponseFrame) AppendTo(buf []byte) ([]byte, error) {
	return append(append(buf, byte(FrameTypePathResponse)), f.Data[:]...), nil
}

// ParseFrame parses one control frame from data. Returns ErrNonControlFrame
// (not a hard error) when data begins with a stream-data/flow-control
// frame type, so callers know to hand the rest of the buffer to a
// FrameDecoder instead of treating it as malformed input.
func ParseFrame(data []byte) (Frame, int, error) {
	if len(data) == 0 {
		return nil, 0, io.ErrUnexpectedEOF
	}

	r := bytes.NewReader(data)
	frameType, n, err := readVarint(r)
	if err != nil {
		return nil, 0, err
	}
	offset := n

	var frame Frame

	switch FrameType(frameType) {
	case FrameTypePadding:
		count := 1
		for offset < len(data) && data[offset] == 0x00 {
			count++
			offset++
		}
		frame = &PaddingFrame{Length: count}

	case FrameTypePing:
		frame = &PingFrame{}

	case FrameTypeAck, FrameTypeAckECN:
		ack, n, err := parseAckFrame(data[offset:], frameType == uint64(FrameTypeAckECN))
		if err != nil {
			return nil, 0, err
		}
		offset += n
		frame = ack

	case FrameTypeCrypto:
		crypto, n, err := parseCryptoFrame(data[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
		frame = crypto

	case FrameTypeNewToken:
		tok, n, err := parseNewTokenFrame(data[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
		frame = tok

	case FrameTypeConnectionClose, FrameTypeConnectionCloseApp:
		cc, n, err := parseConnectionCloseFrame(data[offset:], frameType == uint64(FrameTypeConnectionCloseApp))
		if err != nil {
			return nil, 0, err
		}
		offset += n
		frame = cc

	case FrameTypeNewConnectionID:
		nci, n, err := parseNewConnectionIDFrame(data[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
		frame = nci

	case FrameTypeRetireConnectionID:
		seq, n, err := parseVarint(data[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
		frame = &RetireConnectionIDFrame{SequenceNumber: seq}

	case FrameTypePathChallenge:
		if len(data) < offset+8 {
			return nil, 0, io.ErrUnexpectedEOF
		}
		f := &PathChallengeFrame{}
		copy(f.Data[:], data[offset:offset+8])
		offset += 8
		frame = f

	case FrameTypePathResponse:
		if len(data) < offset+8 {
			return nil, 0, io.ErrUnexpectedEOF
		}
		f := &PathResponseFrame{}
		copy(f.Data[:], data[offset:offset+8])
		offset += 8
		frame = f

	case FrameTypeHandshakeDone:
		frame = &HandshakeDoneFrame{}

	case FrameTypeResetStream, FrameTypeStopSending, FrameTypeMaxData,
		FrameTypeMaxStreamData, FrameTypeMaxStreamsBidi, FrameTypeMaxStreamsUni,
		FrameTypeDataBlocked, FrameTypeStreamDataBlocked,
		FrameTypeStreamsBlockedBidi, FrameTypeStreamsBlockedUni,
		FrameTypeDatagram, FrameTypeDatagramLen:
		return nil, 0, ErrNonControlFrame

	default:
		if frameType >= uint64(FrameTypeStream) && frameType <= 0x0F {
			return nil, 0, ErrNonControlFrame
		}
		return nil, 0, fmt.Errorf("quic: unsupported frame type 0x%02x", frameType)
	}

	return frame, offset, nil
}

// DecodeSegmentFrames walks payload frame-by-frame, handling control
// frames itself and handing off to fd the moment a non-control frame type
// is seen (the remainder of payload from that point is fd's problem).
func DecodeSegmentFrames(payload []byte, epoch Epoch, path *Path, fd FrameDecoder) ([]Frame, error) {
	var frames []Frame
	offset := 0
	for offset < len(payload) {
		frame, n, err := ParseFrame(payload[offset:])
		if err == ErrNonControlFrame {
			if fd == nil {
				return frames, nil
			}
			return frames, fd.DecodeFrames(payload[offset:], epoch, path)
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
		offset += n
	}
	return frames, nil
}

func parseAckFrame(data []byte, hasECN bool) (*AckFrame, int, error) {
	r := bytes.NewReader(data)
	offset := 0

	largestAcked, n, err := readVarint(r)
	if err != nil {
		return nil, 0, err
	}
	offset += n

	ackDelay, n, err := readVarint(r)
	if err != nil {
		return nil, 0, err
	}
	offset += n

	rangeCount, n, err := readVarint(r)
	if err != nil {
		return nil, 0, err
	}
	offset += n

	firstRange, n, err := readVarint(r)
	if err != nil {
		return nil, 0, err
	}
	offset += n

	ranges := []AckRange{{Gap: 0, Length: firstRange}}

	for i := uint64(0); i < rangeCount; i++ {
		gap, n, err := readVarint(r)
		if err != nil {
			return nil, 0, err
		}
		offset += n

		length, n, err := readVarint(r)
		if err != nil {
			return nil, 0, err
		}
		offset += n

		ranges = append(ranges, AckRange{Gap: gap, Length: length})
	}

	ack := &AckFrame{LargestAcked: largestAcked, AckDelay: ackDelay, Ranges: ranges}

	if hasECN {
		ect0, n, err := readVarint(r)
		if err != nil {
			return nil, 0, err
		}
		offset += n
		ect1, n, err := readVarint(r)
		if err != nil {
			return nil, 0, err
		}
		offset += n
		ce, n, err := readVarint(r)
		if err != nil {
			return nil, 0, err
		}
		offset += n
		ack.ECN = &ECNCounts{ECT0: ect0, ECT1: ect1, CE: ce}
	}

	return ack, offset, nil
}

func parseCryptoFrame(data []byte) (*CryptoFrame, int, error) {
	cryptoOffset, n, err := parseVarint(data)
	if err != nil {
		return nil, 0, err
	}
	offset := n

	length, n, err := parseVarint(data[offset:])
	if err != nil {
		return nil, 0, err
	}
	offset += n

	if uint64(len(data)) < uint64(offset)+length {
		return nil, 0, io.ErrUnexpectedEOF
	}

	cryptoData := make([]byte, length)
	copy(cryptoData, data[offset:offset+int(length)])
	offset += int(length)

	return &CryptoFrame{Offset: cryptoOffset, Data: cryptoData}, offset, nil
}

func parseNewTokenFrame(data []byte) (*NewTokenFrame, int, error) {
	length, n, err := parseVarint(data)
	if err != nil {
		return nil, 0, err
	}
	offset := n
	if uint64(len(data)) < uint64(offset)+length {
		return nil, 0, io.ErrUnexpectedEOF
	}
	token := make([]byte, length)
	copy(token, data[offset:offset+int(length)])
	offset += int(length)
	return &NewTokenFrame{Token: token}, offset, nil
}

func parseNewConnectionIDFrame(data []byte) (*NewConnectionIDFrame, int, error) {
	seq, n, err := parseVarint(data)
	if err != nil {
		return nil, 0, err
	}
	offset := n

	retirePriorTo, n, err := parseVarint(data[offset:])
	if err != nil {
		return nil, 0, err
	}
	offset += n

	cid, n, err := parseConnectionID(data[offset:])
	if err != nil {
		return nil, 0, err
	}
	offset += n

	if len(data) < offset+16 {
		return nil, 0, io.ErrUnexpectedEOF
	}
	f := &NewConnectionIDFrame{SequenceNumber: seq, RetirePriorTo: retirePriorTo, ConnectionID: cid}
	copy(f.ResetToken[:], data[offset:offset+16])
	offset += 16

	return f, offset, nil
}

func parseConnectionCloseFrame(data []byte, isAppError bool) (*ConnectionCloseFrame, int, error) {
	errorCode, n, err := parseVarint(data)
	if err != nil {
		return nil, 0, err
	}
	offset := n

	frameType := uint64(0)
	if !isAppError {
		frameType, n, err = parseVarint(data[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
	}

	reasonLen, n, err := parseVarint(data[offset:])
	if err != nil {
		return nil, 0, err
	}
	offset += n

	if uint64(len(data)) < uint64(offset)+reasonLen {
		return nil, 0, io.ErrUnexpectedEOF
	}

	reason := make([]byte, reasonLen)
	copy(reason, data[offset:offset+int(reasonLen)])
	offset += int(reasonLen)

	return &ConnectionCloseFrame{
		ErrorCode:    errorCode,
		FrameType:    frameType,
		ReasonPhrase: reason,
		IsAppError:   isAppError,
	}, offset, nil
}
