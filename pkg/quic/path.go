package quic

import (
	"crypto/rand"
	"crypto/sha256"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ChallengeRepeatMax is CHALLENGE_REPEAT_MAX: the number of outstanding
// PATH_CHALLENGE values a path keeps in flight at once.
const ChallengeRepeatMax = 3

// ResetSecretSize is RESET_SECRET_SIZE.
const ResetSecretSize = 16

// addrPair is the (peer_addr, local_addr) 4-tuple half of a path identity;
// the other half is the connection-ID pair carried alongside it on Path.
type addrPair struct {
	peer  string
	local string
}

func pairOf(peer, local net.Addr) addrPair {
	p := addrPair{}
	if peer != nil {
		p.peer = peer.String()
	}
	if local != nil {
		p.local = local.String()
	}
	return p
}

// shadowPath is the alternate-address probe state a Path keeps while
// disambiguating a NAT rebinding from a deliberate multi-path probe (spec
// §4.3 "Path finding").
type shadowPath struct {
	peerAddr  net.Addr
	localAddr net.Addr

	challenge         [ChallengeRepeatMax][8]byte
	challengeRequired bool
	challengeVerified bool
	challengeFailed   bool
	challengeTime     time.Time
	repeatCount       int

	installedAt time.Time
}

func (s *shadowPath) timedOut(now time.Time, timeout time.Duration) bool {
	return !s.installedAt.IsZero() && now.Sub(s.installedAt) > timeout
}

// Path is a validated or probing (peer_addr, local_addr, local_cnxid,
// remote_cnxid) 4-tuple.
type Path struct {
	mu sync.RWMutex

	PeerAddr  net.Addr
	LocalAddr net.Addr

	LocalCnxID  ConnectionID
	RemoteCnxID ConnectionID

	SendMTU int
	// RetransmitTimer bounds how long a key rotation committed on this path
	// remains decryptable with the old key set (decrypt.go's
	// cryptoRotationTimeGuard).
	RetransmitTimer time.Duration
	SmoothedRTT     time.Duration

	ResetSecret [ResetSecretSize]byte

	Challenge         [ChallengeRepeatMax][8]byte
	ChallengeRequired bool
	ChallengeVerified bool
	ChallengeFailed   bool
	ChallengeTime     time.Time
	ChallengeRepeatCount int

	alt *shadowPath

	activated bool
	published bool

	HighestAcked uint64

	Congestion *CongestionState
}

// NewPath constructs an unvalidated path with a freshly minted reset
// secret and an initial congestion controller.
func NewPath(localCnxID ConnectionID, sendMTU int, retransmitTimer time.Duration) (*Path, error) {
	p := &Path{
		LocalCnxID:      localCnxID,
		SendMTU:         sendMTU,
		RetransmitTimer: retransmitTimer,
		Congestion:      NewCongestionState(),
	}
	if _, err := rand.Read(p.ResetSecret[:]); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Path) Activated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activated
}

func (p *Path) Published() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published
}

// RequireNewChallenge refills the main and alt challenge sets with fresh
// 64-bit randoms and restarts the validation clock.
func (p *Path) RequireNewChallenge(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requireNewChallengeLocked(now)
}

func (p *Path) requireNewChallengeLocked(now time.Time) error {
	for i := range p.Challenge {
		if _, err := rand.Read(p.Challenge[i][:]); err != nil {
			return err
		}
	}
	p.ChallengeRequired = true
	p.ChallengeTime = now
	p.ChallengeVerified = false
	p.ChallengeRepeatCount = 0

	if p.alt != nil {
		for i := range p.alt.challenge {
			if _, err := rand.Read(p.alt.challenge[i][:]); err != nil {
				return err
			}
		}
		p.alt.challengeRequired = true
		p.alt.challengeTime = now
		p.alt.challengeVerified = false
		p.alt.repeatCount = 0
	}
	return nil
}

// VerifyChallenge reports whether data matches one of this path's
// outstanding PATH_CHALLENGE values, marking the path validated on a match
// and recording the outcome to Prometheus.
func (p *Path) VerifyChallenge(data [8]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.Challenge {
		if ConstantTimeCompare(c[:], data[:]) == 0 {
			p.ChallengeVerified = true
			p.ChallengeRequired = false
			pathValidationOutcomes.WithLabelValues("verified").Inc()
			return true
		}
	}
	pathValidationOutcomes.WithLabelValues("failed").Inc()
	return false
}

// alternateTimeout bounds how long an alt-address shadow is trusted before
// it must be re-probed; chosen as a small multiple of the path's own
// retransmit timer so a NAT rebinding is re-verified on a similar cadence
// to ordinary loss recovery.
func (p *Path) alternateTimeout() time.Duration {
	if p.RetransmitTimer <= 0 {
		return 3 * time.Second
	}
	return 3 * p.RetransmitTimer
}

// FindPathResult is the outcome of path-finding for one incoming 1-RTT
// segment. PromoteToDefault asks the caller to move Path to the front of
// its path table; RetiredCID names the remote CID the old default gave
// up in the process (the outbound side owes a RETIRE_CONNECTION_ID).
type FindPathResult struct {
	Path          *Path
	Err           error
	ChallengeNeeded bool

	PromoteToDefault bool
	RetiredCID       ConnectionID
}

// PopStashedCIDFunc pops the oldest unused peer-issued connection ID (and
// its reset secret) from the owning connection's stash, or ok=false when
// the stash is empty.
type PopStashedCIDFunc func() (ConnectionID, [ResetSecretSize]byte, bool)

// FindPath locates (or creates) the path an incoming 1-RTT segment
// belongs to. paths is the connection's path table (index 0 is path[0],
// the active default); zeroLengthCIDs selects address-only matching.
// dcid/srcAddr/dstAddr/pn64 are drawn from the arriving segment. popCID
// supplies a stashed peer CID when a probing path needs one; it may be
// nil, in which case such a path is left deactivated.
func FindPath(paths []*Path, zeroLengthCIDs bool, dcid ConnectionID, srcAddr, dstAddr net.Addr, pn64 uint64, now time.Time, isClient bool, popCID PopStashedCIDFunc) FindPathResult {
	if !zeroLengthCIDs {
		if dcid.IsEmpty() {
			return FindPathResult{Err: ErrCnxIDCheck}
		}
		var match *Path
		for _, p := range paths {
			if p.LocalCnxID.Equal(dcid) {
				match = p
				break
			}
		}
		if match == nil {
			return FindPathResult{Err: ErrCnxIDCheck}
		}
		return finishFindPath(match, paths, srcAddr, dstAddr, pn64, now, isClient, popCID)
	}

	for _, p := range paths {
		pair := pairOf(p.PeerAddr, p.LocalAddr)
		if pair == pairOf(srcAddr, dstAddr) {
			return finishFindPath(p, paths, srcAddr, dstAddr, pn64, now, isClient, popCID)
		}
	}

	newPath, err := NewPath(nil, EnforcedInitialMTU, 0)
	if err != nil {
		return FindPathResult{Err: err}
	}
	newPath.PeerAddr = srcAddr
	newPath.LocalAddr = dstAddr
	newPath.published = true
	if err := newPath.RequireNewChallenge(now); err != nil {
		return FindPathResult{Err: err}
	}
	return FindPathResult{Path: newPath, ChallengeNeeded: true}
}

func finishFindPath(p *Path, paths []*Path, srcAddr, dstAddr net.Addr, pn64 uint64, now time.Time, isClient bool, popCID PopStashedCIDFunc) FindPathResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.LocalAddr == nil {
		p.LocalAddr = dstAddr
	}

	samePeer := pairOf(p.PeerAddr, p.LocalAddr) == pairOf(srcAddr, dstAddr)
	if p.PeerAddr == nil {
		p.PeerAddr = srcAddr
		samePeer = true
	}

	if samePeer {
		p.activated = true
		return FindPathResult{Path: p}
	}

	path0 := paths[0]

	if path0.RemoteCnxID != nil && !path0.RemoteCnxID.IsEmpty() && p.RemoteCnxID.IsEmpty() {
		if p.alt != nil && pairOf(p.alt.peerAddr, p.alt.localAddr) == pairOf(srcAddr, dstAddr) {
			// An in-flight alt shadow already covers these addresses. A
			// shadow holds no CID of its own, so the path takes path[0]'s
			// remote CID.
			p.RemoteCnxID = path0.RemoteCnxID
			return FindPathResult{Path: p}
		}
		if isClient && p != path0 && pairOf(path0.PeerAddr, path0.LocalAddr) == pairOf(srcAddr, dstAddr) {
			// Only the CID changed from path[0]: take over its remote CID
			// and reset secret, become the default, and retire the old
			// default's CID.
			retired := path0.RemoteCnxID
			p.RemoteCnxID = path0.RemoteCnxID
			p.ResetSecret = path0.ResetSecret
			path0.RemoteCnxID = nil
			return FindPathResult{Path: p, PromoteToDefault: true, RetiredCID: retired}
		}
		if popCID != nil {
			if cid, secret, ok := popCID(); ok {
				p.RemoteCnxID = cid
				p.ResetSecret = secret
				return FindPathResult{Path: p}
			}
		}
		// No stashed CID to arm the path with; it stays deactivated until
		// the peer issues one.
		p.activated = false
		return FindPathResult{Path: p}
	}

	if !p.RemoteCnxID.IsEmpty() {
		needsChallenge := false
		if p.alt != nil && pairOf(p.alt.peerAddr, p.alt.localAddr) == pairOf(srcAddr, dstAddr) {
			if p.alt.timedOut(now, p.alternateTimeout()) {
				needsChallenge = true
			}
		} else if p.alt == nil || p.alt.timedOut(now, p.alternateTimeout()) {
			if pn64 > p.HighestAcked {
				p.alt = &shadowPath{peerAddr: srcAddr, localAddr: dstAddr, installedAt: now}
				needsChallenge = true
			}
		}
		if needsChallenge {
			if err := p.requireNewChallengeLocked(now); err != nil {
				return FindPathResult{Path: p, Err: err}
			}
			return FindPathResult{Path: p, ChallengeNeeded: true}
		}
	}

	return FindPathResult{Path: p}
}

// EnforcedInitialMTU is ENFORCED_INITIAL_MTU, the MTU a freshly created
// path starts with before any PMTU discovery runs.
const EnforcedInitialMTU = MTU

// DeriveResetSecret computes the 16-byte reset secret an endpoint would
// mint for a path reachable under localCID, from a per-endpoint static
// key. A stateless reset must still be recognizable by the peer after
// this core has discarded the Connection entirely (RFC 9000 §10.3), so
// the secret cannot be stored per-connection alone; it must be
// reconstructable from the (static key, local CID) pair at any time.
// Endpoint-owned paths get this value instead of NewPath's random default
// so a later stateless reset for the same CID matches what the peer
// already holds.
func DeriveResetSecret(staticKey []byte, localCID ConnectionID) [ResetSecretSize]byte {
	var out [ResetSecretSize]byte
	r := hkdf.Expand(sha256.New, staticKey, append([]byte("quic stateless reset "), localCID...))
	r.Read(out[:])
	return out
}
