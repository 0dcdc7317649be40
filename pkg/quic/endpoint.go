package quic

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"net"
	"time"
)

// Endpoint is the process-wide owner of a Registry: it drives the
// coalesce loop over one incoming datagram, processing it atomically end
// to end, dispatches each segment to its Connection, and emits the
// stateless responses a segment with no matching connection can still
// warrant. Socket I/O, the outbound queue, and the wake-time wheel are
// all external collaborators; Endpoint only decides *what* to send,
// never *how*.
type Endpoint struct {
	Registry    *Registry
	LocalCIDLen int
	ClientMode  bool

	ServerBusy        bool
	SupportedVersions []uint32

	TLS    TLSPumper
	Tokens TokenValidator

	// StaticResetKey seeds DeriveResetSecret for every path this endpoint
	// creates, so a stateless reset for a CID can be reconstructed long
	// after the owning Connection is gone.
	StaticResetKey []byte

	// Outbound is where stateless responses (Version Negotiation,
	// stateless reset) are queued for the socket collaborator to actually
	// write.
	Outbound func(buf []byte, peer net.Addr)
}

// NewEndpoint constructs an Endpoint backed by a fresh Registry and a
// freshly minted stateless-reset key.
func NewEndpoint(clientMode bool, localCIDLen int) (*Endpoint, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return &Endpoint{
		Registry:          NewRegistry(),
		LocalCIDLen:       localCIDLen,
		ClientMode:        clientMode,
		SupportedVersions: []uint32{Version1},
		StaticResetKey:    key,
	}, nil
}

// DatagramResult is one parsed-and-dispatched segment's outcome, returned
// per segment so a caller driving the socket loop can log or count each
// one without reaching back into Endpoint state.
type DatagramResult struct {
	Outcome SegmentOutcome
	Conn    *Connection
}

// ProcessDatagram runs the single-datagram pipeline: segments are
// decoded left-to-right; if any segment's DCID differs from the
// first's, parsing of the remainder is aborted with CNXID_SEGMENT (the
// first segment's own result is still returned). Each segment is parsed,
// connection-matched (creating a new server Connection on a qualifying
// Initial), decrypted, and dispatched in turn.
func (e *Endpoint) ProcessDatagram(data []byte, peer, local net.Addr, now time.Time, fd FrameDecoder) []DatagramResult {
	var results []DatagramResult
	var firstDCID ConnectionID
	var failedInitial *Connection
	sawHandshake := false
	offset := 0

	for offset < len(data) {
		segData := data[offset:]
		seg, consumed, err := ParseHeader(segData, e.LocalCIDLen)

		if err == ErrUnsupportedVersion && seg != nil {
			if !e.ClientMode {
				e.emitVersionNegotiation(&seg.Header, peer)
			}
			results = append(results, DatagramResult{Outcome: OutcomeDetected})
			seg.Release()
			break
		}
		if err != nil || seg == nil {
			results = append(results, DatagramResult{Outcome: OutcomeInitialTooShort})
			break
		}

		if offset == 0 {
			firstDCID = seg.Header.DestCnxID
		} else if !seg.Header.DestCnxID.Equal(firstDCID) {
			results = append(results, DatagramResult{Outcome: OutcomeCnxIDSegment})
			seg.Release()
			break
		}

		outcome, conn := e.processSegment(seg, segData[:consumed], peer, local, now, fd)
		results = append(results, DatagramResult{Outcome: outcome, Conn: conn})

		if seg.Header.Type == PacketHandshake {
			sawHandshake = true
		}
		if seg.Header.Type == PacketInitial && outcome == OutcomeAEADCheck && conn != nil && conn.ClientMode {
			if st := conn.State(); st == ClientInitSent || st == ClientInitResent {
				failedInitial = conn
			}
		}

		seg.Release()
		offset += consumed
	}

	// An Initial that failed AEAD alongside a Handshake segment means the
	// server already moved on from keys we still hold (a Retry raced us);
	// collapse the retransmit timer to the elapsed send time so the next
	// wake fires immediately instead of after a full timeout.
	if failedInitial != nil && sawHandshake {
		if p0 := failedInitial.Path0(); p0 != nil {
			if oldest := failedInitial.PNSpace(PNContextInitial).RetransmitOldest(); !oldest.IsZero() {
				p0.RetransmitTimer = now.Sub(oldest)
			}
		}
	}

	return results
}

// processSegment handles exactly one already-parsed segment: connection
// lookup/creation, stateless responses for segments with no matching
// connection, decrypt, and dispatch.
func (e *Endpoint) processSegment(seg *Segment, segData []byte, peer, local net.Addr, now time.Time, fd FrameDecoder) (SegmentOutcome, *Connection) {
	h := &seg.Header

	if h.Type == PacketError {
		return OutcomeUnexpectedPacket, nil
	}

	zeroLengthCIDs := e.LocalCIDLen == 0
	conn := e.Registry.Lookup(h.DestCnxID, peer, local, zeroLengthCIDs, h.Type)

	if conn == nil {
		return e.handleUnmatched(seg, segData, peer, local, now, fd)
	}

	if h.Type != PacketVersionNegotiation && h.Type != PacketRetry {
		outcome := DecryptSegment(conn, conn.Path0(), seg, segData, now)
		if outcome == OutcomeStatelessReset {
			conn.setState(Disconnected)
			conn.emit("stateless_reset", nil)
			return OutcomeStatelessReset, conn
		}
		if outcome != OutcomeSuccess {
			return outcome, conn
		}
	}

	outcome := conn.IncomingSegment(seg, peer, local, now, fd)
	return outcome, conn
}

// handleUnmatched covers segments no live connection claims: an Initial
// with a long-enough DCID speculatively creates a server
// Connection; an unknown-DCID short header long enough to be a
// stateless-reset candidate gets one queued back.
func (e *Endpoint) handleUnmatched(seg *Segment, segData []byte, peer, local net.Addr, now time.Time, fd FrameDecoder) (SegmentOutcome, *Connection) {
	h := &seg.Header

	switch h.Type {
	case PacketInitial:
		if e.ClientMode {
			return OutcomeUnexpectedPacket, nil
		}
		if h.DestCnxID.Len() < EnforcedInitialCIDLength {
			return OutcomeInitialCIDTooShort, nil
		}
		if e.ServerBusy {
			// A proper SERVER_BUSY response is a CONNECTION_CLOSE carried
			// over an outbound Initial, which needs the packet encoder (an
			// external collaborator this core's scope ends before); drop
			// and let the client's own retransmission/timeout handle it.
			return OutcomeUnexpectedPacket, nil
		}
		conn := e.createServerConnection(h.DestCnxID, peer, local)
		outcome := DecryptSegment(conn, conn.Path0(), seg, segData, now)
		if outcome != OutcomeSuccess {
			e.Registry.Remove(conn)
			return outcome, nil
		}
		dispatchOutcome := conn.IncomingSegment(seg, peer, local, now, fd)
		if dispatchOutcome != OutcomeSuccess && dispatchOutcome != OutcomeRetry {
			e.Registry.Remove(conn)
			return dispatchOutcome, nil
		}
		return dispatchOutcome, conn

	case PacketVersionNegotiation, PacketRetry:
		return OutcomeUnexpectedPacket, nil

	default:
		if !h.IsLongHeader && len(segData) >= ResetPacketMinSize {
			e.emitStatelessReset(h.DestCnxID, segData, peer)
			return OutcomeDetected, nil
		}
		return OutcomeCnxIDCheck, nil
	}
}

// createServerConnection builds a fresh server-side Connection for a
// qualifying Initial, registers path[0] under a freshly minted local CID,
// and inserts it into the Registry.
func (e *Endpoint) createServerConnection(initialDCID ConnectionID, peer, local net.Addr) *Connection {
	conn := NewConnection(false, initialDCID, e.LocalCIDLen)
	conn.TLS = e.TLS
	conn.Tokens = e.Tokens

	localCID, err := GenerateConnectionID(EnforcedInitialCIDLength)
	if err != nil {
		localCID = initialDCID
	}
	path, err := NewPath(localCID, MTU, 3*time.Second)
	if err == nil {
		path.PeerAddr = peer
		path.LocalAddr = local
		path.published = true
		path.ResetSecret = DeriveResetSecret(e.StaticResetKey, localCID)
		conn.AddPath(path)
	}

	e.Registry.Insert(conn)
	connectionsTotal.WithLabelValues("server").Inc()
	return conn
}

// NewClientConnection builds a client-side Connection and its initial
// path, for application code driving the client role.
func (e *Endpoint) NewClientConnection(peer, local net.Addr) (*Connection, error) {
	initialDCID, err := GenerateConnectionID(EnforcedInitialCIDLength)
	if err != nil {
		return nil, err
	}
	srcCID, err := GenerateConnectionID(EnforcedInitialCIDLength)
	if err != nil {
		return nil, err
	}

	conn := NewConnection(true, initialDCID, e.LocalCIDLen)
	conn.TLS = e.TLS
	conn.Tokens = e.Tokens

	path, err := NewPath(srcCID, MTU, 3*time.Second)
	if err != nil {
		return nil, err
	}
	path.PeerAddr = peer
	path.LocalAddr = local
	path.published = true
	path.ResetSecret = DeriveResetSecret(e.StaticResetKey, srcCID)
	conn.AddPath(path)

	e.Registry.Insert(conn)
	connectionsTotal.WithLabelValues("client").Inc()
	return conn, nil
}

// emitVersionNegotiation builds and queues a Version Negotiation packet:
// high bit set with randomized low bits, vn=0, SCID/DCID
// echoed with roles inverted, the supported-version list, then a grease
// version guaranteed not to equal what the client offered.
func (e *Endpoint) emitVersionNegotiation(h *PacketHeader, peer net.Addr) {
	if e.Outbound == nil {
		return
	}
	var b0 [1]byte
	rand.Read(b0[:])
	buf := []byte{0x80 | (b0[0] &^ 0x80)}

	var vn [4]byte
	buf = append(buf, vn[:]...)

	buf = append(buf, byte(h.SrcCnxID.Len()))
	buf = append(buf, h.SrcCnxID...)
	buf = append(buf, byte(h.DestCnxID.Len()))
	buf = append(buf, h.DestCnxID...)

	for _, v := range e.SupportedVersions {
		var vbuf [4]byte
		binary.BigEndian.PutUint32(vbuf[:], v)
		buf = append(buf, vbuf[:]...)
	}

	grease := greaseVersion(h.Version)
	var gbuf [4]byte
	binary.BigEndian.PutUint32(gbuf[:], grease)
	buf = append(buf, gbuf[:]...)

	e.Outbound(buf, peer)
}

// greaseVersion returns a reserved-pattern version (low nibble 0xA in every byte,
// RFC 9000 §15) guaranteed not to equal offered, so a compliant client
// can't mistake it for a real offer.
func greaseVersion(offered uint32) uint32 {
	g := uint32(0x1A2A3A4A)
	if g == offered {
		g = 0x2A3A4A5A
	}
	return g
}

// emitStatelessReset builds and queues a stateless reset: byte 0 is 0x30
// with five random low bits, followed by random padding sized uniformly
// between the minimum pad and what fits ahead of the trailing secret,
// then the 16-byte secret this endpoint would have minted for dcid,
// recomputed deterministically since no Connection survives to hold it
// directly.
func (e *Endpoint) emitStatelessReset(dcid ConnectionID, segData []byte, peer net.Addr) {
	if e.Outbound == nil {
		return
	}
	length := len(segData)
	maxPad := length - ResetSecretSize - 1
	if maxPad < ResetPacketPadSize {
		maxPad = ResetPacketPadSize
	}
	padSize := ResetPacketPadSize
	if maxPad > ResetPacketPadSize {
		if r, err := rand.Int(rand.Reader, big.NewInt(int64(maxPad-ResetPacketPadSize+1))); err == nil {
			padSize += int(r.Int64())
		}
	}

	var b0 [1]byte
	rand.Read(b0[:])
	buf := make([]byte, 0, 1+padSize+ResetSecretSize)
	buf = append(buf, 0x30|(b0[0]&0x1F))

	pad := make([]byte, padSize)
	rand.Read(pad)
	buf = append(buf, pad...)

	secret := DeriveResetSecret(e.StaticResetKey, dcid)
	buf = append(buf, secret[:]...)

	e.Outbound(buf, peer)
}
