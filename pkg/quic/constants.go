package quic

// Named protocol constants that aren't already pinned alongside the code
// that uses them (MTU/CWINMinimum/CWINInitial live in congestion.go;
// MaxPacketSize/MinInitialPacket/ConnectionID{Min,Max}Size live in
// packet.go; ResetSecretSize/ChallengeRepeatMax live in path.go).

const (
	// EnforcedInitialCIDLength is the minimum destination connection-ID
	// length a server requires before speculatively creating a Connection
	// from an Initial (RFC 9000 §7.2 requires at least 8 bytes).
	EnforcedInitialCIDLength = 8

	// ResetPacketMinSize is the shortest datagram this endpoint will ever
	// treat as a candidate stateless reset: one header byte, minimal
	// padding, and the 16-byte trailing secret.
	ResetPacketMinSize = 21

	// ResetPacketPadSize is the minimum random padding a stateless reset
	// we emit carries ahead of its trailing secret, matching the smallest
	// short-header packet a real peer could plausibly have sent.
	ResetPacketPadSize = 5

	// TokenDelayShort is how long a minted retry/resumption token remains
	// valid, in seconds, sized to a single client retry round trip.
	TokenDelayShort = 30
)
