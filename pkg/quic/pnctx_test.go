package quic

import (
	"testing"
	"time"
)

func TestPNSpaceNextSendSequence(t *testing.T) {
	s := NewPNSpace()
	for i := uint64(0); i < 5; i++ {
		if got := s.NextSendSequence(); got != i {
			t.Fatalf("NextSendSequence() = %d, want %d", got, i)
		}
	}
}

func TestPNSpaceReceivePacketNumberDuplicate(t *testing.T) {
	s := NewPNSpace()

	if dup := s.ReceivePacketNumber(5); dup {
		t.Fatal("first receipt of 5 should not be a duplicate")
	}
	if dup := s.ReceivePacketNumber(5); !dup {
		t.Fatal("second receipt of 5 should be a duplicate")
	}
	if got := s.HighestAcknowledged(); got != 5 {
		t.Errorf("HighestAcknowledged() = %d, want 5", got)
	}
	if got := s.FirstSackRangeEnd(); got != 5 {
		t.Errorf("FirstSackRangeEnd() = %d, want 5", got)
	}
}

func TestPNSpaceHighestAcknowledgedTracksMax(t *testing.T) {
	s := NewPNSpace()
	s.ReceivePacketNumber(10)
	s.ReceivePacketNumber(3)
	s.ReceivePacketNumber(20)

	if got := s.HighestAcknowledged(); got != 20 {
		t.Errorf("HighestAcknowledged() = %d, want 20", got)
	}
}

func TestPNSpaceRangeMerging(t *testing.T) {
	s := NewPNSpace()
	s.ReceivePacketNumber(1)
	s.ReceivePacketNumber(3)
	s.ReceivePacketNumber(2) // should coalesce 1..3 into a single range

	if got := s.FirstSackRangeEnd(); got != 3 {
		t.Errorf("FirstSackRangeEnd() = %d, want 3 after coalescing", got)
	}
	if len(s.ranges) != 1 {
		t.Errorf("len(ranges) = %d, want 1 contiguous range", len(s.ranges))
	}
	if dup := s.ReceivePacketNumber(2); !dup {
		t.Error("2 should now read back as a duplicate, inside the merged range")
	}
}

func TestPNSpaceAckNeeded(t *testing.T) {
	s := NewPNSpace()
	if s.AckNeeded() {
		t.Error("AckNeeded() should start false")
	}
	s.ReceivePacketNumber(1)
	if !s.AckNeeded() {
		t.Error("AckNeeded() should be set after receiving a packet")
	}
	s.SetAckNeeded(false)
	if s.AckNeeded() {
		t.Error("SetAckNeeded(false) should clear the flag")
	}
}

func TestPNSpaceRetransmitOldest(t *testing.T) {
	s := NewPNSpace()
	if !s.RetransmitOldest().IsZero() {
		t.Error("RetransmitOldest() should start zero")
	}
	now := time.Unix(1700000000, 0)
	s.SetRetransmitOldest(now)
	if got := s.RetransmitOldest(); !got.Equal(now) {
		t.Errorf("RetransmitOldest() = %v, want %v", got, now)
	}
}

func TestPNSpaceProcessAckAcksAndMeasuresRTT(t *testing.T) {
	s := NewPNSpace()
	base := time.Unix(1700000000, 0)

	for pn := uint64(0); pn < 3; pn++ {
		s.RecordSent(pn, 1200, base)
	}

	now := base.Add(50 * time.Millisecond)
	sum := s.ProcessAck(2, []AckRange{{Gap: 0, Length: 2}}, 0, now)

	if sum.AckedPackets != 3 || sum.AckedBytes != 3600 {
		t.Errorf("acked = %d packets / %d bytes, want 3 / 3600", sum.AckedPackets, sum.AckedBytes)
	}
	if !sum.HasRTT || sum.RTT != 50*time.Millisecond {
		t.Errorf("RTT = %v (has=%v), want 50ms from the largest-acked packet", sum.RTT, sum.HasRTT)
	}
	if sum.LostPackets != 0 {
		t.Errorf("LostPackets = %d, want 0", sum.LostPackets)
	}
	if got := s.LargestAcked(); got != 2 {
		t.Errorf("LargestAcked() = %d, want 2", got)
	}
	if !s.RetransmitOldest().IsZero() {
		t.Error("RetransmitOldest should clear once nothing is outstanding")
	}
}

func TestPNSpaceProcessAckDeclaresReorderedLoss(t *testing.T) {
	s := NewPNSpace()
	base := time.Unix(1700000000, 0)

	for pn := uint64(0); pn < 6; pn++ {
		s.RecordSent(pn, 1200, base.Add(time.Duration(pn)*time.Millisecond))
	}

	// Ack only packet 5: 0..2 fall beyond the reorder threshold and are
	// declared lost; 3 and 4 stay outstanding.
	sum := s.ProcessAck(5, []AckRange{{Gap: 0, Length: 0}}, 0, base.Add(time.Second))

	if sum.AckedPackets != 1 {
		t.Errorf("AckedPackets = %d, want 1", sum.AckedPackets)
	}
	if sum.LostPackets != 3 || sum.LostBytes != 3600 {
		t.Errorf("lost = %d packets / %d bytes, want 3 / 3600", sum.LostPackets, sum.LostBytes)
	}
	if s.RetransmitOldest() != base.Add(3*time.Millisecond) {
		t.Errorf("RetransmitOldest = %v, want packet 3's send time", s.RetransmitOldest())
	}

	// A straggling ACK for a packet already declared lost is spurious.
	late := s.ProcessAck(5, []AckRange{{Gap: 0, Length: 5}}, 0, base.Add(2*time.Second))
	if late.SpuriousAcks != 3 {
		t.Errorf("SpuriousAcks = %d, want 3 for the previously-lost packets", late.SpuriousAcks)
	}
}

func TestPNSpaceProcessAckMultipleRanges(t *testing.T) {
	s := NewPNSpace()
	base := time.Unix(1700000000, 0)

	for pn := uint64(0); pn <= 10; pn++ {
		s.RecordSent(pn, 100, base)
	}

	// Ranges: [9..10] and, after a gap of one unacked packet (8), [5..7].
	sum := s.ProcessAck(10, []AckRange{
		{Gap: 0, Length: 1},
		{Gap: 0, Length: 2},
	}, 0, base.Add(time.Millisecond))

	if sum.AckedPackets != 5 {
		t.Errorf("AckedPackets = %d, want 5 (10,9 and 7,6,5)", sum.AckedPackets)
	}
}

func TestPNSpaceUpdateRTT(t *testing.T) {
	s := NewPNSpace()
	s.UpdateRTT(100 * time.Millisecond)
	if got := s.SmoothedRTT(); got != 100*time.Millisecond {
		t.Errorf("SmoothedRTT() = %v, want 100ms on first sample", got)
	}
	if got := s.RTTVar(); got != 50*time.Millisecond {
		t.Errorf("RTTVar() = %v, want 50ms on first sample", got)
	}

	s.UpdateRTT(200 * time.Millisecond)
	if got := s.SmoothedRTT(); got <= 100*time.Millisecond {
		t.Errorf("SmoothedRTT() = %v, want it to move up toward 200ms", got)
	}
}

func TestPNSpaceTrimsExcessRanges(t *testing.T) {
	s := NewPNSpace()
	// Insert far more disjoint single-pn ranges than maxSackRanges allows,
	// spaced apart so none of them coalesce.
	for i := 0; i < maxSackRanges+10; i++ {
		s.ReceivePacketNumber(uint64(i * 10))
	}
	if len(s.ranges) > maxSackRanges {
		t.Errorf("len(ranges) = %d, want capped at %d", len(s.ranges), maxSackRanges)
	}
}
