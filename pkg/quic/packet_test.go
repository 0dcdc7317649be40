package quic

import (
	"bytes"
	"testing"
)

func TestPacketNumberLen(t *testing.T) {
	tests := []struct {
		pn           uint64
		largestAcked uint64
		want         int
	}{
		{100, 99, 1},   // delta = 1 < 128
		{200, 100, 1},  // delta = 100 < 128
		{300, 100, 2},  // delta = 200 >= 128
		{1000, 100, 2}, // delta = 900
		{40000, 100, 3},
		{10000000, 100, 4},
	}

	for _, tt := range tests {
		got := PacketNumberLen(tt.pn, tt.largestAcked)
		if got != tt.want {
			t.Errorf("PacketNumberLen(%d, %d) = %d, want %d",
				tt.pn, tt.largestAcked, got, tt.want)
		}
	}
}

func TestReconstructPacketNumber(t *testing.T) {
	tests := []struct {
		name      string
		largest   uint64
		truncated uint64
		nbits     int
		want      uint64
	}{
		{"simple", 100, 102, 1, 102},
		{"wrap-around", 255, 0, 1, 256},
		{"2-byte", 1000, 1001, 2, 1001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReconstructPacketNumber(tt.largest, tt.nbits, tt.truncated)
			if got != tt.want {
				t.Errorf("ReconstructPacketNumber(%d, %d, %d) = %d, want %d",
					tt.largest, tt.nbits, tt.truncated, got, tt.want)
			}
		})
	}
}

func TestGenerateConnectionID(t *testing.T) {
	tests := []int{0, 1, 8, 16, 20}

	for _, length := range tests {
		cid, err := GenerateConnectionID(length)
		if err != nil {
			t.Fatalf("GenerateConnectionID(%d) error = %v", length, err)
		}
		if len(cid) != length {
			t.Errorf("GenerateConnectionID(%d) length = %d", length, len(cid))
		}
	}

	if _, err := GenerateConnectionID(-1); err == nil {
		t.Error("GenerateConnectionID(-1) should fail")
	}
	if _, err := GenerateConnectionID(21); err == nil {
		t.Error("GenerateConnectionID(21) should fail")
	}
}

// buildLongHeader assembles a minimal long-header packet of the given
// type (4=Initial, 5=0-RTT, 6=Handshake) with a 1-byte truncated packet
// number and the given cleartext payload, matching the wire shape
// parseLongHeader expects (no header protection applied, so the packet
// number is already "in the clear" as far as the parser is concerned).
func buildLongHeader(t *testing.T, typeSel byte, destCID, srcCID ConnectionID, token, payload []byte, pn byte) []byte {
	t.Helper()
	buf := []byte{0x80 | 0x40 | (typeSel << 4)}
	buf = append(buf, 0x00, 0x00, 0x00, 0x01) // Version1
	buf = appendConnectionID(buf, destCID)
	buf = appendConnectionID(buf, srcCID)
	if typeSel == 4 { // Initial carries a token length + token
		var err error
		buf, err = appendVarint(buf, uint64(len(token)))
		if err != nil {
			t.Fatalf("appendVarint(tokenLen): %v", err)
		}
		buf = append(buf, token...)
	}
	var err error
	buf, err = appendVarint(buf, uint64(1+len(payload)))
	if err != nil {
		t.Fatalf("appendVarint(length): %v", err)
	}
	buf = append(buf, pn)
	buf = append(buf, payload...)
	return buf
}

func TestInitialPacketRoundTrip(t *testing.T) {
	destCID, _ := GenerateConnectionID(8)
	srcCID, _ := GenerateConnectionID(8)
	token := []byte("test-token")
	payload := []byte("test payload data")

	buf := buildLongHeader(t, 4, destCID, srcCID, token, payload, 42)

	seg, n, err := ParseHeader(buf, 0)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if n != len(buf) {
		t.Errorf("ParseHeader() consumed %d bytes, want %d", n, len(buf))
	}

	h := seg.Header
	if !h.IsLongHeader {
		t.Error("expected long header")
	}
	if h.Type != PacketInitial {
		t.Errorf("Type = %v, want %v", h.Type, PacketInitial)
	}
	if h.Version != Version1 {
		t.Errorf("Version = %x, want %x", h.Version, Version1)
	}
	if !h.DestCnxID.Equal(destCID) {
		t.Errorf("DestCnxID = %x, want %x", h.DestCnxID, destCID)
	}
	if !h.SrcCnxID.Equal(srcCID) {
		t.Errorf("SrcCnxID = %x, want %x", h.SrcCnxID, srcCID)
	}
	if !bytes.Equal(h.TokenBytes, token) {
		t.Errorf("TokenBytes = %x, want %x", h.TokenBytes, token)
	}
	if !bytes.Equal(seg.Payload, append([]byte{42}, payload...)) {
		t.Errorf("Payload = %x, want pn+payload", seg.Payload)
	}
	seg.Release()
}

func TestHandshakePacketRoundTrip(t *testing.T) {
	destCID, _ := GenerateConnectionID(8)
	srcCID, _ := GenerateConnectionID(8)
	payload := []byte("handshake data")

	buf := buildLongHeader(t, 6, destCID, srcCID, nil, payload, 7)

	seg, n, err := ParseHeader(buf, 0)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if n != len(buf) {
		t.Errorf("ParseHeader() consumed %d bytes, want %d", n, len(buf))
	}
	if seg.Header.Type != PacketHandshake {
		t.Errorf("Type = %v, want %v", seg.Header.Type, PacketHandshake)
	}
	if !bytes.Equal(seg.Payload, append([]byte{7}, payload...)) {
		t.Errorf("Payload = %x, want pn+payload", seg.Payload)
	}
	seg.Release()
}

func TestShortHeaderPacketRoundTrip(t *testing.T) {
	destCID, _ := GenerateConnectionID(8)
	payload := []byte("application data")

	buf := []byte{0x40}
	buf = append(buf, destCID...)
	buf = append(buf, payload...)

	seg, n, err := ParseHeader(buf, 8)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if n != len(buf) {
		t.Errorf("ParseHeader() consumed %d bytes, want %d", n, len(buf))
	}
	if seg.Header.IsLongHeader {
		t.Error("expected short header")
	}
	if seg.Header.Type != PacketOneRTT {
		t.Errorf("Type = %v, want %v", seg.Header.Type, PacketOneRTT)
	}
	if !seg.Header.DestCnxID.Equal(ConnectionID(destCID)) {
		t.Errorf("DestCnxID = %x, want %x", seg.Header.DestCnxID, destCID)
	}
	if !bytes.Equal(seg.Payload, payload) {
		t.Errorf("Payload = %x, want %x", seg.Payload, payload)
	}
	seg.Release()
}

func TestRetryPacket(t *testing.T) {
	destCID, _ := GenerateConnectionID(8)
	srcCID, _ := GenerateConnectionID(8)
	odcid, _ := GenerateConnectionID(8)
	retryToken := []byte("retry-token-data")

	buf := []byte{0x80 | 0x40 | (7 << 4)}
	buf = append(buf, 0x00, 0x00, 0x00, 0x01)
	buf = appendConnectionID(buf, destCID)
	buf = appendConnectionID(buf, srcCID)
	buf = appendConnectionID(buf, odcid)
	buf = append(buf, retryToken...)

	seg, n, err := ParseHeader(buf, 0)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if n != len(buf) {
		t.Errorf("ParseHeader() consumed %d bytes, want %d", n, len(buf))
	}
	if seg.Header.Type != PacketRetry {
		t.Errorf("Type = %v, want %v", seg.Header.Type, PacketRetry)
	}
	if !seg.Header.ODCID.Equal(odcid) {
		t.Errorf("ODCID = %x, want %x", seg.Header.ODCID, odcid)
	}
	if !bytes.Equal(seg.Header.TokenBytes, retryToken) {
		t.Errorf("TokenBytes = %x, want %x", seg.Header.TokenBytes, retryToken)
	}
}

func TestVersionNegotiationPacket(t *testing.T) {
	destCID, _ := GenerateConnectionID(8)
	srcCID, _ := GenerateConnectionID(8)

	buf := make([]byte, 0, 128)
	buf = append(buf, 0x80|0x40)
	buf = append(buf, 0x00, 0x00, 0x00, 0x00) // Version = 0
	buf = appendConnectionID(buf, destCID)
	buf = appendConnectionID(buf, srcCID)
	buf = append(buf, 0x00, 0x00, 0x00, 0x01) // offered Version 1

	seg, n, err := ParseHeader(buf, 0)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if n != len(buf) {
		t.Errorf("ParseHeader() consumed %d bytes, want %d", n, len(buf))
	}
	if seg.Header.Type != PacketVersionNegotiation {
		t.Errorf("Type = %v, want %v", seg.Header.Type, PacketVersionNegotiation)
	}
	if seg.Header.Version != 0 {
		t.Errorf("Version = %x, want 0", seg.Header.Version)
	}
	if !seg.Header.DestCnxID.Equal(destCID) {
		t.Errorf("DestCnxID = %x, want %x", seg.Header.DestCnxID, destCID)
	}
	if !seg.Header.SrcCnxID.Equal(srcCID) {
		t.Errorf("SrcCnxID = %x, want %x", seg.Header.SrcCnxID, srcCID)
	}
	seg.Release()
}

func TestInvalidPackets(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"too small", []byte{0x80}},
		{"missing fixed bit", []byte{0x80, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseHeader(tt.data, 0)
			if err == nil {
				t.Error("ParseHeader() should fail for invalid packet")
			}
		})
	}

	t.Run("unsupported version", func(t *testing.T) {
		destCID, _ := GenerateConnectionID(8)
		srcCID, _ := GenerateConnectionID(8)
		buf := []byte{0x80 | 0x40}
		buf = append(buf, 0x00, 0x00, 0x00, 0x02)
		buf = appendConnectionID(buf, destCID)
		buf = appendConnectionID(buf, srcCID)

		_, _, err := ParseHeader(buf, 0)
		if err != ErrUnsupportedVersion {
			t.Errorf("ParseHeader() error = %v, want ErrUnsupportedVersion", err)
		}
	})
}

func BenchmarkParseInitialHeader(b *testing.B) {
	destCID, _ := GenerateConnectionID(8)
	srcCID, _ := GenerateConnectionID(8)
	payload := make([]byte, 1200)

	buf := []byte{0x80 | 0x40 | (4 << 4)}
	buf = append(buf, 0x00, 0x00, 0x00, 0x01)
	buf = appendConnectionID(buf, destCID)
	buf = appendConnectionID(buf, srcCID)
	buf = append(buf, 0x00) // empty token
	buf, _ = appendVarint(buf, uint64(1+len(payload)))
	buf = append(buf, 0x00)
	buf = append(buf, payload...)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		seg, _, err := ParseHeader(buf, 0)
		if err != nil {
			b.Fatal(err)
		}
		seg.Release()
	}
}
