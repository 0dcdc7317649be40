package quic

import (
	"time"

	"github.com/yourusername/qcore/pkg/bufpool"
)

// CryptoContext is one of the four fixed per-epoch key slots: empty until
// the handshake produces that epoch's material, held by value in an array
// rather than behind a dynamic-dispatch interface.
type CryptoContext struct {
	Decrypt *CryptoKeys
	Encrypt *CryptoKeys
}

// Ready reports whether both directions of this epoch are populated.
func (c *CryptoContext) Ready() bool {
	return c != nil && c.Decrypt != nil && c.Encrypt != nil
}

// removeHeaderProtection unwinds header protection: sample at
// pn_offset+4, XOR the protected low bits of b0, recover pn_length, XOR
// the truncated packet number into the clear, and rebuild pn_mask. raw is
// mutated in place. On failure the header is poisoned and decryption must
// be skipped.
func removeHeaderProtection(h *PacketHeader, raw []byte, hpKey []byte, cipherSuite uint16) error {
	sampleStart := h.PnOffset + 4
	sampleEnd := sampleStart + headerProtectionSampleSize
	if sampleEnd > len(raw) {
		h.poison()
		return ErrHPSampleBounds
	}

	mask, err := headerProtectionMask(hpKey, cipherSuite, raw[sampleStart:sampleEnd])
	if err != nil {
		h.poison()
		return err
	}

	if h.IsLongHeader {
		raw[0] ^= mask[0] & 0x0F
	} else {
		raw[0] ^= mask[0] & 0x1F
	}
	b0 := raw[0]

	pnLen := int(b0&longPnLenBits) + 1
	if h.PnOffset+pnLen > len(raw) {
		h.poison()
		return ErrPacketTooSmall
	}

	var pn uint64
	for i := 0; i < pnLen; i++ {
		raw[h.PnOffset+i] ^= mask[1+i]
		pn = (pn << 8) | uint64(raw[h.PnOffset+i])
	}

	h.Pn = pn
	h.PnLen = pnLen
	h.PnMask = pnMaskFor(pnLen)

	if h.IsLongHeader {
		if b0&longReservedBits != 0 {
			h.HasReservedBitSet = true
		}
	} else {
		h.KeyPhase = b0&shortKeyPhaseBit != 0
	}

	return nil
}

// unprotectFailure is the sentinel "too soon/unavailable or AEAD failure"
// outcome: a length one past the payload, which no real decrypt can
// produce.
func unprotectFailure(payloadLength int) int {
	return payloadLength + 1
}

// unprotectPacket removes AEAD packet protection for a 0/1/2-epoch
// (Initial/0-RTT/Handshake) segment, where there is no key-phase rotation
// to consider. aad is the full cleartext header (everything up to and
// including the packet number). Returns the plaintext length, or the
// unprotectFailure sentinel on failure.
func unprotectPacket(ctx *CryptoContext, h *PacketHeader, aad, ciphertext []byte) (int, []byte) {
	if ctx == nil || ctx.Decrypt == nil {
		return unprotectFailure(h.PayloadLength), nil
	}
	plaintext, err := ctx.Decrypt.Open(h.Pn64, aad, ciphertext)
	if err != nil {
		return unprotectFailure(h.PayloadLength), nil
	}
	if len(plaintext) > len(ciphertext) {
		return unprotectFailure(h.PayloadLength), nil
	}
	return len(plaintext), plaintext
}

// unprotect1RTT selects among the old/current/new 1-RTT key generations
// by key-phase bit and packet number, committing a key-phase rotation
// when a packet proves the peer has moved on. path is the path handed to
// DecryptSegment (Endpoint passes path[0]); its retransmit timer bounds
// how long the old keys stay acceptable.
func unprotect1RTT(conn *Connection, path *Path, h *PacketHeader, aad, ciphertext []byte, now time.Time) (int, []byte) {
	conn.cryptoMu.Lock()
	defer conn.cryptoMu.Unlock()

	switch {
	case h.KeyPhase == conn.keyPhaseDec:
		current := &conn.cryptoContext[Epoch1RTT]
		return unprotectPacket(current, h, aad, ciphertext)

	case h.Pn64 < conn.cryptoRotationSequence:
		if now.After(conn.cryptoRotationTimeGuard) || conn.cryptoContextOld.Decrypt == nil {
			return unprotectFailure(h.PayloadLength), nil
		}
		return unprotectPacket(&conn.cryptoContextOld, h, aad, ciphertext)

	default:
		if conn.cryptoContextNew.Decrypt == nil {
			if conn.deriveNextPhase == nil {
				return unprotectFailure(h.PayloadLength), nil
			}
			next, err := conn.deriveNextPhase()
			if err != nil {
				return unprotectFailure(h.PayloadLength), nil
			}
			conn.cryptoContextNew = next
		}

		n, plaintext := unprotectPacket(&conn.cryptoContextNew, h, aad, ciphertext)
		if n > h.PayloadLength {
			return n, plaintext
		}

		conn.cryptoRotationSequence = h.Pn64
		conn.cryptoRotationTimeGuard = now.Add(path.RetransmitTimer)
		promoted := conn.cryptoContextNew
		if promoted.Encrypt == nil {
			// The new phase only rotates encryption keys once they exist;
			// until then outbound packets keep using the current phase.
			promoted.Encrypt = conn.cryptoContext[Epoch1RTT].Encrypt
		}
		conn.cryptoContextOld = conn.cryptoContext[Epoch1RTT]
		conn.cryptoContext[Epoch1RTT] = promoted
		conn.keyPhaseDec = h.KeyPhase
		conn.cryptoContextNew = CryptoContext{}

		return n, plaintext
	}
}

// DecryptSegment runs the full crypto envelope over one
// already-header-parsed segment: header-protection removal, packet-number
// reconstruction, key selection (including 1-RTT key-phase rotation), and
// AEAD packet protection removal. segData is this segment's own view of
// the datagram (the same slice that was handed to ParseHeader, still
// starting at the protected header's first byte), not seg.Payload, which
// by this point is only a staging copy of the still-protected bytes
// (header protection removal mutates the header in place, something the
// copy alone can't reflect back into the header's first byte).
//
// On success, seg.Payload is replaced with the plaintext and
// seg.Header.PayloadLength is reduced to the plaintext length; the
// staging copy is returned to the datagram pool. On failure, seg.Payload
// is left untouched (the caller's Release still reclaims it) and the
// returned outcome distinguishes a stateless reset from an ordinary AEAD
// failure.
func DecryptSegment(conn *Connection, path *Path, seg *Segment, segData []byte, now time.Time) SegmentOutcome {
	h := &seg.Header

	hpKey, suite, ok := hpKeyFor(conn, h.Epoch)
	if !ok {
		return maybeStatelessReset(path, segData, h.Epoch)
	}

	if err := removeHeaderProtection(h, segData, hpKey, suite); err != nil {
		return OutcomeAEADCheck
	}

	pc := h.PC
	highest := conn.PNSpace(pc).HighestAcknowledged()
	h.Pn64 = ReconstructPacketNumber(highest, h.PnLen, h.Pn)

	ciphertextStart := h.PnOffset + h.PnLen
	ciphertextEnd := h.PnOffset + h.PayloadLength
	if ciphertextEnd > len(segData) || ciphertextStart > ciphertextEnd {
		return OutcomeAEADCheck
	}
	aad := segData[:ciphertextStart]
	ciphertext := segData[ciphertextStart:ciphertextEnd]

	var n int
	var plaintext []byte
	if h.Epoch == Epoch1RTT {
		n, plaintext = unprotect1RTT(conn, path, h, aad, ciphertext, now)
	} else {
		n, plaintext = unprotectPacket(&conn.cryptoContext[h.Epoch], h, aad, ciphertext)
	}

	if n > h.PayloadLength {
		return maybeStatelessReset(path, segData, h.Epoch)
	}

	bufpool.Put(seg.Payload)
	seg.Payload = plaintext
	h.PayloadLength = n

	return OutcomeSuccess
}

// hpKeyFor returns the header-protection key and cipher suite for epoch,
// or ok=false if that epoch's keys aren't available yet (the packet
// arrived too soon). 1-RTT header protection always uses the current
// decrypt context regardless of key phase; only packet protection keys
// rotate on a key-phase flip (RFC 9001 §5.4).
func hpKeyFor(conn *Connection, epoch Epoch) ([]byte, uint16, bool) {
	conn.cryptoMu.Lock()
	defer conn.cryptoMu.Unlock()

	ctx := &conn.cryptoContext[epoch]
	if ctx.Decrypt == nil {
		return nil, 0, false
	}
	return ctx.Decrypt.HP, ctx.Decrypt.CipherSuite, true
}

// maybeStatelessReset checks whether a failed 1-RTT decrypt was actually
// a stateless reset: on a long-enough segment, compare the trailing 16
// bytes against the arrival path's reset secret in constant time.
func maybeStatelessReset(path *Path, segData []byte, epoch Epoch) SegmentOutcome {
	if epoch != Epoch1RTT || path == nil || len(segData) < ResetPacketMinSize {
		return OutcomeAEADCheck
	}
	trailer := segData[len(segData)-ResetSecretSize:]
	if ConstantTimeCompare(trailer, path.ResetSecret[:]) == 0 {
		return OutcomeStatelessReset
	}
	return OutcomeAEADCheck
}
