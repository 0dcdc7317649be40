package quic

import (
	"net"
	"sync"
	"time"

	"github.com/yourusername/qcore/pkg/bufpool"
)

// State is a Connection's position in the handshake/lifecycle state
// machine.
type State int

const (
	ClientInitSent State = iota
	ClientInitResent
	ClientHandshakeStart
	ClientHandshakeProgress
	ClientAlmostReady
	ServerInit
	ServerAlmostReady
	ServerFalseStart
	Ready
	ClosingReceived
	Closing
	Draining
	Disconnected
	HandshakeFailure
)

func (s State) String() string {
	switch s {
	case ClientInitSent:
		return "ClientInitSent"
	case ClientInitResent:
		return "ClientInitResent"
	case ClientHandshakeStart:
		return "ClientHandshakeStart"
	case ClientHandshakeProgress:
		return "ClientHandshakeProgress"
	case ClientAlmostReady:
		return "ClientAlmostReady"
	case ServerInit:
		return "ServerInit"
	case ServerAlmostReady:
		return "ServerAlmostReady"
	case ServerFalseStart:
		return "ServerFalseStart"
	case Ready:
		return "Ready"
	case ClosingReceived:
		return "ClosingReceived"
	case Closing:
		return "Closing"
	case Draining:
		return "Draining"
	case Disconnected:
		return "Disconnected"
	case HandshakeFailure:
		return "HandshakeFailure"
	default:
		return "Unknown"
	}
}

// stashedCID is one entry of the cnxid_stash FIFO: a peer-issued CID plus
// the reset secret that came with it (NEW_CONNECTION_ID frame payload).
type stashedCID struct {
	seq         uint64
	cid         ConnectionID
	resetSecret [ResetSecretSize]byte
}

// cidStash is a bounded FIFO of peer-issued connection IDs not yet in use
// on any path, evicting the oldest entry once full.
type cidStash struct {
	mu      sync.Mutex
	entries []stashedCID
	cap     int
}

func newCIDStash(capacity int) *cidStash {
	return &cidStash{cap: capacity}
}

func (s *cidStash) Push(entry stashedCID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
}

// Pop removes and returns the oldest stashed CID, or ok=false if empty.
func (s *cidStash) Pop() (stashedCID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return stashedCID{}, false
	}
	e := s.entries[0]
	s.entries = s.entries[1:]
	return e, true
}

func (s *cidStash) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// TLSPumper is the external TLS collaborator: it consumes CRYPTO frame
// bytes at a given epoch and may, as a side effect, install crypto
// contexts for later epochs on conn.
type TLSPumper interface {
	PumpTLS(conn *Connection, epoch Epoch, data []byte) error
}

// TokenValidator is the external retry/resumption token collaborator.
type TokenValidator interface {
	ValidateToken(token []byte, peer net.Addr) bool
	MintToken(peer net.Addr) ([]byte, error)
}

// Connection is one QUIC connection's full state.
type Connection struct {
	stateMu sync.RWMutex
	state   State

	ClientMode bool

	InitialCnxID  ConnectionID
	OriginalCnxID ConnectionID

	cryptoMu                sync.Mutex
	cryptoContext           [epochCount]CryptoContext
	cryptoContextOld        CryptoContext
	cryptoContextNew        CryptoContext
	keyPhaseDec             bool
	cryptoRotationSequence  uint64
	cryptoRotationTimeGuard time.Time
	deriveNextPhase         func() (CryptoContext, error)

	pnMu sync.Mutex
	pn   [pnContextCount]*PNSpace

	pathMu  sync.RWMutex
	paths   []*Path

	RetryToken       []byte
	InitialValidated bool

	stash *cidStash

	Is1RTTReceived bool
	SendingECNAck  bool
	ECNCounts      ECNCounts

	TLS    TLSPumper
	Tokens TokenValidator

	CallbackFn  func(event string, data interface{})
	CallbackCtx interface{}

	localCIDLen int
}

// NewConnection constructs either side of a connection. initialCnxID is the
// client's first DCID (server identity anchor). localCIDLen is the DCID
// length this endpoint expects on incoming short headers.
func NewConnection(clientMode bool, initialCnxID ConnectionID, localCIDLen int) *Connection {
	c := &Connection{
		ClientMode:   clientMode,
		InitialCnxID: initialCnxID,
		stash:        newCIDStash(8),
		localCIDLen:  localCIDLen,
	}
	if clientMode {
		c.state = ClientInitSent
	} else {
		c.state = ServerInit
	}
	for i := range c.pn {
		c.pn[i] = NewPNSpace()
	}

	// Initial-epoch keys are the one TLS 1.3 secret this core derives
	// itself rather than waiting on the TLS collaborator (RFC 9001 §5.2:
	// the Initial secret is public, seeded only by the client's chosen
	// DCID), so both directions are ready the moment a Connection exists.
	if clientSend, err := NewInitialKeys(initialCnxID, true); err == nil {
		if serverSend, err := NewInitialKeys(initialCnxID, false); err == nil {
			if clientMode {
				c.cryptoContext[EpochInitial] = CryptoContext{Encrypt: clientSend, Decrypt: serverSend}
			} else {
				c.cryptoContext[EpochInitial] = CryptoContext{Encrypt: serverSend, Decrypt: clientSend}
			}
		}
	}

	return c
}

func (c *Connection) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = s
}

// PNSpace returns the packet-number context for pc.
func (c *Connection) PNSpace(pc PNContext) *PNSpace {
	return c.pn[pc]
}

// InstallCryptoContext is how the TLS collaborator hands over a new
// epoch's key material as the handshake produces it.
func (c *Connection) InstallCryptoContext(epoch Epoch, ctx CryptoContext) {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	c.cryptoContext[epoch] = ctx
}

// SetNextPhaseDeriver registers the collaborator callback that derives the
// next 1-RTT key generation when the peer flips the key-phase bit.
func (c *Connection) SetNextPhaseDeriver(fn func() (CryptoContext, error)) {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	c.deriveNextPhase = fn
}

// EpochReady reports whether both directions of epoch's keys are in place.
func (c *Connection) EpochReady(epoch Epoch) bool {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	return c.cryptoContext[epoch].Ready()
}

// HandshakeComplete is called by the TLS collaborator once its flight
// finishes: the connection advances to the almost-ready state for its
// role. The remaining hop to Ready happens when the handshake is
// confirmed: HANDSHAKE_DONE on the client, the server's own
// HANDSHAKE_DONE send on the other side.
func (c *Connection) HandshakeComplete() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.ClientMode {
		if c.state < ClientAlmostReady {
			c.state = ClientAlmostReady
		}
	} else if c.state < ServerAlmostReady {
		c.state = ServerAlmostReady
	}
}

// ConfirmHandshake moves an almost-ready connection to Ready.
func (c *Connection) ConfirmHandshake() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == ClientAlmostReady || c.state == ServerAlmostReady || c.state == ServerFalseStart {
		c.state = Ready
	}
}

// AddPath registers a new path, becoming path[0] if this is the first one.
func (c *Connection) AddPath(p *Path) {
	c.pathMu.Lock()
	defer c.pathMu.Unlock()
	c.paths = append(c.paths, p)
}

// PromotePath moves p to the front of the path table, making it the
// active default. A path not in the table is left unregistered.
func (c *Connection) PromotePath(p *Path) {
	c.pathMu.Lock()
	defer c.pathMu.Unlock()
	for i, existing := range c.paths {
		if existing == p {
			if i > 0 {
				copy(c.paths[1:i+1], c.paths[:i])
				c.paths[0] = p
			}
			return
		}
	}
}

func (c *Connection) Paths() []*Path {
	c.pathMu.RLock()
	defer c.pathMu.RUnlock()
	out := make([]*Path, len(c.paths))
	copy(out, c.paths)
	return out
}

func (c *Connection) Path0() *Path {
	c.pathMu.RLock()
	defer c.pathMu.RUnlock()
	if len(c.paths) == 0 {
		return nil
	}
	return c.paths[0]
}

// LocalCIDs returns every local connection ID this connection is currently
// reachable under (used by Registry.Insert/Remove).
func (c *Connection) LocalCIDs() []ConnectionID {
	c.pathMu.RLock()
	defer c.pathMu.RUnlock()
	var out []ConnectionID
	for _, p := range c.paths {
		if p.LocalCnxID.Len() > 0 {
			out = append(out, p.LocalCnxID)
		}
	}
	if len(out) == 0 && c.InitialCnxID.Len() > 0 {
		out = append(out, c.InitialCnxID)
	}
	return out
}

// PrimaryAddrKey returns the address-pair key for path[0], for Registry's
// zero-length-CID indexing.
func (c *Connection) PrimaryAddrKey() string {
	p := c.Path0()
	if p == nil {
		return ""
	}
	return pairOf(p.PeerAddr, p.LocalAddr).key()
}

// StashPeerCID records a peer-issued NEW_CONNECTION_ID entry.
func (c *Connection) StashPeerCID(seq uint64, cid ConnectionID, resetSecret [ResetSecretSize]byte) {
	c.stash.Push(stashedCID{seq: seq, cid: cid, resetSecret: resetSecret})
}

// PopStashedCID removes and returns the oldest unused peer-issued CID.
func (c *Connection) PopStashedCID() (ConnectionID, [ResetSecretSize]byte, bool) {
	e, ok := c.stash.Pop()
	if !ok {
		return nil, [ResetSecretSize]byte{}, false
	}
	return e.cid, e.resetSecret, true
}

// Reset releases the connection's exclusively-owned secret buffers (the
// retry token is the one buffer that outlives its originating segment).
// Called once by Registry.Remove as the connection is drained; calling it
// twice is safe since bufpool.ReleaseToken ignores a nil buffer.
func (c *Connection) Reset() {
	bufpool.ReleaseToken(c.RetryToken)
	c.RetryToken = nil
}

// emit delivers an application callback, if one is registered.
func (c *Connection) emit(event string, data interface{}) {
	if c.CallbackFn != nil {
		c.CallbackFn(event, data)
	}
}

// IncomingSegment is the top-level per-segment dispatcher. peer/local are
// the datagram's observed addresses.
func (c *Connection) IncomingSegment(seg *Segment, peer, local net.Addr, now time.Time, fd FrameDecoder) SegmentOutcome {
	switch seg.Header.Type {
	case PacketVersionNegotiation:
		return c.incomingVN(seg)
	case PacketRetry:
		return c.incomingRetry(seg)
	case PacketInitial:
		if c.ClientMode {
			return c.incomingServerInitial(seg, now, fd)
		}
		return c.incomingClientInitial(seg, peer, local, now, fd)
	case PacketHandshake:
		if c.ClientMode {
			return c.incomingServerHandshake(seg, now, fd)
		}
		return c.incomingClientHandshake(seg, now, fd)
	case PacketZeroRTT:
		return c.incoming0RTT(seg, now, fd)
	case PacketOneRTT:
		return c.incomingEncrypted(seg, peer, local, now, fd)
	default:
		return OutcomeUnexpectedPacket
	}
}

// incomingVN: "the VN packet must echo the client's DCID and carry vn=0;
// otherwise silently drop."
func (c *Connection) incomingVN(seg *Segment) SegmentOutcome {
	if !c.ClientMode || c.State() != ClientInitSent {
		return OutcomeUnexpectedPacket
	}
	p0 := c.Path0()
	if p0 == nil || !seg.Header.DestCnxID.Equal(p0.LocalCnxID) {
		return OutcomeDetected
	}
	if seg.Header.Version != 0 {
		return OutcomeDetected
	}
	c.emit("version_negotiation", seg.Payload)
	c.setState(Disconnected)
	return OutcomeSuccess
}

// incomingRetry: client-only, and only before any other server packet
// has been accepted (RFC 9000 §17.2.5).
func (c *Connection) incomingRetry(seg *Segment) SegmentOutcome {
	if !c.ClientMode {
		return OutcomeUnexpectedPacket
	}
	st := c.State()
	if st != ClientInitSent && st != ClientInitResent {
		return OutcomeUnexpectedPacket
	}
	if c.OriginalCnxID.Len() > 0 {
		return OutcomeDetected
	}
	if seg.Header.VersionIndex < 0 {
		return OutcomeDetected
	}
	if seg.Header.Pn64 != 0 {
		return OutcomeDetected
	}
	if !seg.Header.ODCID.Equal(c.InitialCnxID) {
		return OutcomeDetected
	}

	c.OriginalCnxID = c.InitialCnxID
	c.InitialCnxID = seg.Header.SrcCnxID
	if c.RetryToken != nil {
		bufpool.ReleaseToken(c.RetryToken)
	}
	c.RetryToken = seg.Header.TokenBytes
	c.setState(ClientInitSent)

	return OutcomeRetry
}

// incomingClientInitial: server-side handling of an Initial packet.
func (c *Connection) incomingClientInitial(seg *Segment, peer, local net.Addr, now time.Time, fd FrameDecoder) SegmentOutcome {
	st := c.State()

	if st == ServerInit && c.Tokens != nil && !c.InitialValidated {
		if !c.Tokens.ValidateToken(seg.Header.TokenBytes, peer) {
			token, err := c.Tokens.MintToken(peer)
			if err != nil {
				return OutcomeMemory
			}
			c.emit("retry_needed", token)
			return OutcomeRetry
		}
		c.InitialValidated = true
	}

	if seg.Header.DestCnxID.Len() < ConnectionIDMinSize {
		c.setState(HandshakeFailure)
		return OutcomeInitialCIDTooShort
	}

	if st < ServerAlmostReady {
		p0 := c.Path0()
		if p0 != nil {
			if p0.PeerAddr == nil {
				p0.PeerAddr = peer
			}
			if p0.LocalAddr == nil {
				p0.LocalAddr = local
			}
		}
		return c.decodeAndPump(seg, EpochInitial, p0, now, fd)
	}

	if st < Ready {
		// ignore_incoming_handshake: the flight already advanced past
		// Initial, but the peer is owed an ACK for the retransmission.
		c.pn[PNContextInitial].SetAckNeeded(true)
		return OutcomeSuccess
	}

	return OutcomeUnexpectedPacket
}

// incomingServerInitial: client-side handling of an Initial from the
// server.
func (c *Connection) incomingServerInitial(seg *Segment, now time.Time, fd FrameDecoder) SegmentOutcome {
	st := c.State()
	if st != ClientInitSent && st != ClientInitResent {
		return OutcomeUnexpectedPacket
	}

	c.setState(ClientHandshakeStart)

	p0 := c.Path0()
	if p0 != nil && p0.RemoteCnxID.IsEmpty() {
		p0.RemoteCnxID = seg.Header.SrcCnxID
	} else if p0 != nil && !p0.RemoteCnxID.Equal(seg.Header.SrcCnxID) {
		return OutcomeCnxIDCheck
	}

	outcome := c.decodeAndPump(seg, EpochInitial, p0, now, fd)
	if outcome != OutcomeSuccess {
		return outcome
	}

	if c.EpochReady(EpochHandshake) {
		c.setState(ClientHandshakeProgress)
		c.pn[PNContextInitial].SetAckNeeded(true)
	}

	return OutcomeSuccess
}

// incomingClientHandshake / incomingServerHandshake: both directions share
// the same SCID check and decode/pump shape.
func (c *Connection) incomingClientHandshake(seg *Segment, now time.Time, fd FrameDecoder) SegmentOutcome {
	return c.incomingHandshake(seg, now, fd)
}

func (c *Connection) incomingServerHandshake(seg *Segment, now time.Time, fd FrameDecoder) SegmentOutcome {
	return c.incomingHandshake(seg, now, fd)
}

func (c *Connection) incomingHandshake(seg *Segment, now time.Time, fd FrameDecoder) SegmentOutcome {
	p0 := c.Path0()
	if p0 != nil && !p0.RemoteCnxID.IsEmpty() && !p0.RemoteCnxID.Equal(seg.Header.SrcCnxID) {
		return OutcomeCnxIDCheck
	}
	if len(seg.Payload) == 0 {
		c.setState(HandshakeFailure)
		return OutcomeUnexpectedPacket
	}

	if c.State() >= Ready {
		c.pn[PNContextHandshake].SetAckNeeded(true)
		return OutcomeSuccess
	}

	return c.decodeAndPump(seg, EpochHandshake, p0, now, fd)
}

// incoming0RTT: server-side early data, accepted only in the narrow
// window before 1-RTT traffic starts.
func (c *Connection) incoming0RTT(seg *Segment, now time.Time, fd FrameDecoder) SegmentOutcome {
	st := c.State()
	if st != ServerAlmostReady && st != ServerFalseStart && !(st == Ready && !c.Is1RTTReceived) {
		return OutcomeUnexpectedPacket
	}

	p0 := c.Path0()
	dcidOK := seg.Header.DestCnxID.Equal(c.InitialCnxID) || (p0 != nil && seg.Header.DestCnxID.Equal(p0.LocalCnxID))
	if !dcidOK {
		return OutcomeCnxIDCheck
	}
	if p0 != nil && !p0.RemoteCnxID.Equal(seg.Header.SrcCnxID) {
		return OutcomeCnxIDCheck
	}
	if seg.Header.VersionIndex < 0 {
		return OutcomeUnexpectedPacket
	}
	if len(seg.Payload) == 0 {
		return OutcomeUnexpectedPacket
	}

	return c.decodeAndPump(seg, Epoch0RTT, p0, now, fd)
}

// incomingEncrypted: 1-RTT segment handling.
func (c *Connection) incomingEncrypted(seg *Segment, peer, local net.Addr, now time.Time, fd FrameDecoder) SegmentOutcome {
	st := c.State()
	if st < ClientAlmostReady || st == Disconnected {
		return OutcomeUnexpectedPacket
	}

	if st == ClosingReceived || st == Closing || st == Draining {
		_, err := DecodeSegmentFrames(seg.Payload, Epoch1RTT, c.Path0(), fd)
		if err != nil {
			return OutcomeDetected
		}
		if c.ClientMode {
			c.setState(Disconnected)
		} else {
			c.setState(Draining)
		}
		return OutcomeSuccess
	}

	if len(seg.Payload) == 0 || seg.Header.HasReservedBitSet {
		return OutcomeDetected
	}

	paths := c.Paths()
	if len(paths) == 0 {
		return OutcomeCnxIDCheck
	}

	result := FindPath(paths, c.localCIDLen == 0, seg.Header.DestCnxID, peer, local, seg.Header.Pn64, now, c.ClientMode, c.PopStashedCID)
	if result.Err != nil {
		return OutcomeCnxIDCheck
	}
	if result.Path != nil && !c.pathRegistered(result.Path) {
		c.AddPath(result.Path)
	}
	if result.PromoteToDefault {
		c.PromotePath(result.Path)
	}
	if result.RetiredCID.Len() > 0 {
		// The old default's remote CID was adopted by the new default;
		// the outbound side owes the peer a RETIRE_CONNECTION_ID for it.
		c.emit("retire_cnxid", result.RetiredCID)
	}

	c.Is1RTTReceived = true

	return c.decodeAndPump(seg, Epoch1RTT, result.Path, now, fd)
}

func (c *Connection) pathRegistered(p *Path) bool {
	for _, existing := range c.Paths() {
		if existing == p {
			return true
		}
	}
	return false
}

// decodeAndPump records the packet number (bailing on a duplicate before
// anything is delivered), runs DecodeSegmentFrames over the payload, and
// acts on the control frames the state machine owns: CRYPTO bytes go to
// the TLS collaborator, ACK frames drive path's congestion controller.
func (c *Connection) decodeAndPump(seg *Segment, epoch Epoch, path *Path, now time.Time, fd FrameDecoder) SegmentOutcome {
	pc := seg.Header.PC
	if dup := c.pn[pc].ReceivePacketNumber(seg.Header.Pn64); dup {
		return OutcomeDuplicate
	}

	frames, err := DecodeSegmentFrames(seg.Payload, epoch, path, fd)
	if err != nil {
		return OutcomeDetected
	}

	for _, f := range frames {
		switch fr := f.(type) {
		case *CryptoFrame:
			if c.TLS != nil {
				if err := c.TLS.PumpTLS(c, epoch, fr.Data); err != nil {
					c.setState(HandshakeFailure)
					return OutcomeDetected
				}
			}
		case *AckFrame:
			c.processAck(fr, pc, path, now)
		case *HandshakeDoneFrame:
			if c.ClientMode {
				c.setState(Ready)
			}
		case *ConnectionCloseFrame:
			c.setState(ClosingReceived)
			c.emit("connection_close", fr)
		case *NewConnectionIDFrame:
			var secret [ResetSecretSize]byte
			copy(secret[:], fr.ResetToken[:])
			c.StashPeerCID(fr.SequenceNumber, fr.ConnectionID, secret)
		case *PathResponseFrame:
			if path != nil {
				path.VerifyChallenge(fr.Data)
			}
		}
	}

	return OutcomeSuccess
}

// processAck applies one incoming ACK frame to its packet-number space
// and feeds the outcome to the arrival path's congestion controller: an
// RTT sample from the largest-acked packet, an acknowledgement for the
// newly acked bytes, a repeat indication for what the reorder threshold
// declared lost, a spurious-repeat correction when a previously-lost
// packet turns out to have arrived, and an ECN indication when the
// peer's CE count rises.
func (c *Connection) processAck(f *AckFrame, pc PNContext, path *Path, now time.Time) {
	space := c.pn[pc]
	delay := time.Duration(f.AckDelay) * time.Microsecond
	sum := space.ProcessAck(f.LargestAcked, f.Ranges, delay, now)

	if path == nil || path.Congestion == nil {
		return
	}

	if sum.HasRTT {
		space.UpdateRTT(sum.RTT)
		path.SmoothedRTT = space.SmoothedRTT()
		path.Congestion.OnRTTMeasurement(sum.RTT, now)
	}

	largestAcked := space.LargestAcked()
	if path.HighestAcked < largestAcked {
		path.HighestAcked = largestAcked
	}

	if sum.SpuriousAcks > 0 {
		path.Congestion.OnSpuriousRepeat(now)
	}
	if sum.AckedBytes > 0 {
		path.Congestion.OnAcknowledgement(sum.AckedBytes, now, path.SmoothedRTT, largestAcked)
	}
	if sum.LostPackets > 0 {
		path.Congestion.OnLossIndication(NotificationRepeat, now, path.SmoothedRTT, largestAcked, space.SendSequence())
	}

	// Only path[0]'s ECN feedback counts toward the connection-level
	// counters; a CE increase there is a congestion signal in its own
	// right.
	if f.ECN != nil && path == c.Path0() {
		if f.ECN.CE > c.ECNCounts.CE {
			path.Congestion.OnLossIndication(NotificationECNEC, now, path.SmoothedRTT, largestAcked, space.SendSequence())
		}
		c.ECNCounts = *f.ECN
	}
}

// OnRetransmitTimeout is the external scheduler's entry point when a
// packet-number space's retransmit timer fires: the default path's
// controller gets the timeout notification.
func (c *Connection) OnRetransmitTimeout(pc PNContext, now time.Time) {
	space := c.pn[pc]
	p0 := c.Path0()
	if p0 == nil || p0.Congestion == nil {
		return
	}
	p0.Congestion.OnLossIndication(NotificationTimeout, now, p0.SmoothedRTT, space.LargestAcked(), space.SendSequence())
}
