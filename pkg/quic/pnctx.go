package quic

import (
	"sync"
	"time"
)

// sackRange is one contiguous run of received packet numbers, inclusive on
// both ends, used for duplicate detection and constructing outbound ACK
// ranges.
type sackRange struct {
	start uint64
	end   uint64
}

func (r sackRange) contains(pn uint64) bool {
	return pn >= r.start && pn <= r.end
}

// maxSackRanges bounds how many disjoint gaps a PNSpace remembers; older
// (lower) ranges are dropped once this many have accumulated so the set
// cannot grow without bound under pathological reordering.
const maxSackRanges = 32

// packetReorderThreshold is how far below the largest acknowledged packet
// number an outstanding packet may fall before it is declared lost
// (RFC 9002 §6.1.1's kPacketThreshold).
const packetReorderThreshold = 3

// lostHorizon bounds how long a lost packet number is remembered for
// spurious-repeat detection; entries further than this below the largest
// acknowledged number are forgotten.
const lostHorizon = 1 << 10

// sentPacket is one in-flight outbound packet's accounting entry.
type sentPacket struct {
	size     uint64
	sentTime time.Time
}

// PNSpace is one packet-number space's bookkeeping: send sequence,
// highest received number, SACK ranges for duplicate detection, the
// ack-owed flag, in-flight send accounting, and the oldest
// unacknowledged send time. One exists per PNContext
// (Initial/Handshake/Application).
type PNSpace struct {
	mu sync.Mutex

	sendSequence       uint64
	highestAcknowledged uint64
	haveHighest         bool

	// ranges is kept sorted descending by start; ranges[0] is the
	// first_sack_item (the range abutting highestAcknowledged).
	ranges []sackRange

	ackNeeded       bool
	retransmitOldest time.Time

	// sent tracks in-flight outbound packets; lost remembers the ones
	// declared lost, so a late ACK for one reads back as spurious.
	sent map[uint64]sentPacket
	lost map[uint64]struct{}

	largestAcked     uint64
	haveLargestAcked bool

	smoothedRTT time.Duration
	rttVar      time.Duration
	haveRTT     bool
}

// NewPNSpace returns a fresh, empty packet-number context.
func NewPNSpace() *PNSpace {
	return &PNSpace{
		sent: make(map[uint64]sentPacket),
		lost: make(map[uint64]struct{}),
	}
}

// NextSendSequence allocates and returns the next outbound packet number in
// this space.
func (s *PNSpace) NextSendSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pn := s.sendSequence
	s.sendSequence++
	return pn
}

// SendSequence returns the next packet number this space would allocate,
// without allocating it (the send_sequence the congestion controller's
// recovery guard compares against).
func (s *PNSpace) SendSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendSequence
}

// HighestAcknowledged returns the largest packet number successfully
// decrypted in this space so far (the `highest` input to
// ReconstructPacketNumber).
func (s *PNSpace) HighestAcknowledged() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highestAcknowledged
}

// LargestAcked returns the largest of our own packet numbers the peer has
// acknowledged in this space.
func (s *PNSpace) LargestAcked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.largestAcked
}

// RecordSent registers an outbound packet for ack/loss accounting. The
// send path calls this once per packet it commits to the wire.
func (s *PNSpace) RecordSent(pn uint64, size int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[pn] = sentPacket{size: uint64(size), sentTime: now}
	if s.retransmitOldest.IsZero() || now.Before(s.retransmitOldest) {
		s.retransmitOldest = now
	}
}

// AckSummary is what one incoming ACK frame did to this space's in-flight
// set: how much was newly acknowledged, how much the reorder threshold
// declared lost, how many previously-lost packets turned out to have
// arrived after all, and the RTT sample the largest-acked packet yields.
type AckSummary struct {
	AckedBytes   uint64
	AckedPackets int
	LostBytes    uint64
	LostPackets  int
	SpuriousAcks int

	RTT    time.Duration
	HasRTT bool
}

// ProcessAck folds one incoming ACK frame's ranges into the in-flight
// set. ranges follow the wire layout ParseFrame produces: ranges[0].Length
// counts the packets preceding largestAcked, and each later range is
// separated from the previous one's smallest number by Gap+2.
func (s *PNSpace) ProcessAck(largestAcked uint64, ranges []AckRange, ackDelay time.Duration, now time.Time) AckSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum AckSummary

	cur := largestAcked
	for i, r := range ranges {
		if i > 0 {
			if cur < r.Gap+2 {
				break
			}
			cur -= r.Gap + 2
		}
		lo := uint64(0)
		if cur >= r.Length {
			lo = cur - r.Length
		}
		for pn := cur; ; pn-- {
			if sp, ok := s.sent[pn]; ok {
				delete(s.sent, pn)
				sum.AckedBytes += sp.size
				sum.AckedPackets++
				if pn == largestAcked {
					rtt := now.Sub(sp.sentTime) - ackDelay
					if rtt > 0 {
						sum.RTT = rtt
						sum.HasRTT = true
					}
				}
			} else if _, wasLost := s.lost[pn]; wasLost {
				delete(s.lost, pn)
				sum.SpuriousAcks++
			}
			if pn == lo {
				break
			}
		}
		if lo == 0 {
			break
		}
		cur = lo
	}

	if !s.haveLargestAcked || largestAcked > s.largestAcked {
		s.largestAcked = largestAcked
		s.haveLargestAcked = true
	}

	// Anything still outstanding more than the reorder threshold below
	// the largest acked is declared lost.
	for pn, sp := range s.sent {
		if pn+packetReorderThreshold <= s.largestAcked {
			delete(s.sent, pn)
			s.lost[pn] = struct{}{}
			sum.LostBytes += sp.size
			sum.LostPackets++
		}
	}
	for pn := range s.lost {
		if pn+lostHorizon < s.largestAcked {
			delete(s.lost, pn)
		}
	}

	// retransmit_oldest tracks the oldest still-outstanding send.
	s.retransmitOldest = time.Time{}
	for _, sp := range s.sent {
		if s.retransmitOldest.IsZero() || sp.sentTime.Before(s.retransmitOldest) {
			s.retransmitOldest = sp.sentTime
		}
	}

	return sum
}

// FirstSackRangeEnd returns first_sack_item.end_of_sack_range: the upper
// bound of the contiguous run of packet numbers ending at
// highestAcknowledged, or 0 if nothing has been received yet.
func (s *PNSpace) FirstSackRangeEnd() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ranges) == 0 {
		return 0
	}
	return s.ranges[0].end
}

// AckNeeded reports (and does not clear) whether an ACK is owed in this
// space.
func (s *PNSpace) AckNeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackNeeded
}

// SetAckNeeded marks (or clears, after an ACK frame is sent) the
// ack_needed flag.
func (s *PNSpace) SetAckNeeded(needed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackNeeded = needed
}

// RetransmitOldest returns the send time of the oldest
// still-unacknowledged packet in this space.
func (s *PNSpace) RetransmitOldest() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retransmitOldest
}

func (s *PNSpace) SetRetransmitOldest(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retransmitOldest = t
}

// ReceivePacketNumber records a successfully decrypted pn64, updating the
// highest received number and the SACK range set, and reports whether
// pn64 had already been seen.
func (s *PNSpace) ReceivePacketNumber(pn uint64) (duplicate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.ranges {
		if r.contains(pn) {
			// A duplicate usually means the peer never saw our ACK; owe
			// it another one.
			s.ackNeeded = true
			return true
		}
	}

	s.insertRange(pn)
	s.ackNeeded = true

	if !s.haveHighest || pn > s.highestAcknowledged {
		s.highestAcknowledged = pn
		s.haveHighest = true
	}

	return false
}

// insertRange merges pn into the sorted range list, coalescing adjacent
// ranges, and trims to maxSackRanges.
func (s *PNSpace) insertRange(pn uint64) {
	for i := range s.ranges {
		r := &s.ranges[i]
		if pn+1 == r.start {
			r.start = pn
			s.mergeLeft(i)
			return
		}
		if pn == r.end+1 {
			r.end = pn
			s.mergeRight(i)
			return
		}
		if pn > r.end {
			s.ranges = append(s.ranges, sackRange{})
			copy(s.ranges[i+1:], s.ranges[i:])
			s.ranges[i] = sackRange{start: pn, end: pn}
			s.trim()
			return
		}
	}
	s.ranges = append(s.ranges, sackRange{start: pn, end: pn})
	s.trim()
}

func (s *PNSpace) mergeLeft(i int) {
	if i+1 < len(s.ranges) && s.ranges[i].start == s.ranges[i+1].end+1 {
		s.ranges[i].start = s.ranges[i+1].start
		s.ranges = append(s.ranges[:i+1], s.ranges[i+2:]...)
	}
}

func (s *PNSpace) mergeRight(i int) {
	if i > 0 && s.ranges[i].end+1 == s.ranges[i-1].start {
		s.ranges[i-1].start = s.ranges[i].start
		s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
	}
}

func (s *PNSpace) trim() {
	if len(s.ranges) > maxSackRanges {
		s.ranges = s.ranges[:maxSackRanges]
	}
}

// UpdateRTT folds a fresh RTT sample into the smoothed RTT / RTT variance
// estimate (a Jacobson/Karels EWMA).
func (s *PNSpace) UpdateRTT(sample time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveRTT {
		s.smoothedRTT = sample
		s.rttVar = sample / 2
		s.haveRTT = true
		return
	}

	diff := s.smoothedRTT - sample
	if diff < 0 {
		diff = -diff
	}
	s.rttVar = (3*s.rttVar + diff) / 4
	s.smoothedRTT = (7*s.smoothedRTT + sample) / 8
}

func (s *PNSpace) SmoothedRTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.smoothedRTT
}

func (s *PNSpace) RTTVar() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rttVar
}
