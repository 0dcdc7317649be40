package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// QUIC uses TLS 1.3 for its handshake (RFC 9001); this file implements
// the packet-protection and header-protection primitives the crypto
// envelope needs, treating the TLS handshake itself as an external
// collaborator.

// EncryptionLevel names a TLS 1.3 key-derivation level, distinct from but
// in 1:1 correspondence with the wire Epoch used by the packet parser.
type EncryptionLevel uint8

const (
	EncryptionLevelInitial EncryptionLevel = iota
	EncryptionLevelEarlyData
	EncryptionLevelHandshake
	EncryptionLevelApplication
)

func (e EncryptionLevel) String() string {
	switch e {
	case EncryptionLevelInitial:
		return "Initial"
	case EncryptionLevelEarlyData:
		return "EarlyData"
	case EncryptionLevelHandshake:
		return "Handshake"
	case EncryptionLevelApplication:
		return "Application"
	default:
		return fmt.Sprintf("Unknown(%d)", e)
	}
}

// QUIC version 1 initial salt, RFC 9001 §5.2.
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

const (
	TLS_AES_128_GCM_SHA256       uint16 = 0x1301
	TLS_AES_256_GCM_SHA384       uint16 = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 uint16 = 0x1303
)

var (
	ErrDecryptionFailed = errors.New("quic: decryption failed")
	ErrInvalidKeyLength = errors.New("quic: invalid key length")
	ErrHPSampleBounds   = errors.New("quic: header protection sample out of bounds")
)

// CryptoKeys holds one direction's (encrypt or decrypt) key material at a
// given encryption level.
type CryptoKeys struct {
	Level       EncryptionLevel
	CipherSuite uint16

	Key []byte
	IV  []byte
	HP  []byte

	aead cipher.AEAD
}

// NewInitialKeys derives the Initial-epoch keys from the client's
// destination connection ID (RFC 9001 §5.2). Returns the keys used to
// protect traffic in the given direction (isClient selects "client in" vs
// "server in" as the label, per the RFC).
func NewInitialKeys(destCnxID []byte, isClient bool) (*CryptoKeys, error) {
	initialSecret := hkdf.Extract(sha256.New, destCnxID, initialSalt)

	label := "server in"
	if isClient {
		label = "client in"
	}

	secret := hkdfExpandLabel(sha256.New, initialSecret, label, nil, 32)
	return deriveKeys(secret, EncryptionLevelInitial, TLS_AES_128_GCM_SHA256)
}

// deriveKeys derives packet-protection keys from a secret (RFC 9001 §5.1).
// The secret itself always comes from the external TLS collaborator except
// at the Initial level, which this core derives itself since the Initial
// secret is public (seeded only by the connection ID).
func deriveKeys(secret []byte, level EncryptionLevel, cipherSuite uint16) (*CryptoKeys, error) {
	var keyLen, ivLen, hpLen int
	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256:
		keyLen, ivLen, hpLen = 16, 12, 16
	case TLS_AES_256_GCM_SHA384:
		keyLen, ivLen, hpLen = 32, 12, 32
	case TLS_CHACHA20_POLY1305_SHA256:
		keyLen, ivLen, hpLen = 32, 12, 32
	default:
		return nil, fmt.Errorf("quic: unsupported cipher suite 0x%04x", cipherSuite)
	}

	key := hkdfExpandLabel(sha256.New, secret, "quic key", nil, keyLen)
	iv := hkdfExpandLabel(sha256.New, secret, "quic iv", nil, ivLen)
	hp := hkdfExpandLabel(sha256.New, secret, "quic hp", nil, hpLen)

	keys := &CryptoKeys{Level: level, CipherSuite: cipherSuite, Key: key, IV: iv, HP: hp}

	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		keys.aead = aead
	case TLS_CHACHA20_POLY1305_SHA256:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		keys.aead = aead
	}

	return keys, nil
}

// hkdfExpandLabel implements TLS 1.3's HKDF-Expand-Label (RFC 8446 §7.1).
func hkdfExpandLabel(hashFunc func() hash.Hash, secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	hkdfLabel := make([]byte, 2+1+len(fullLabel)+1+len(context))

	hkdfLabel[0] = byte(length >> 8)
	hkdfLabel[1] = byte(length)
	hkdfLabel[2] = byte(len(fullLabel))
	copy(hkdfLabel[3:], fullLabel)

	offset := 3 + len(fullLabel)
	hkdfLabel[offset] = byte(len(context))
	copy(hkdfLabel[offset+1:], context)

	out := make([]byte, length)
	r := hkdf.Expand(hashFunc, secret, hkdfLabel)
	r.Read(out)
	return out
}

// headerProtectionMask computes the 5-byte header-protection mask from
// the ciphertext sample. AES suites use ECB-mode single-block encryption
// of the sample (RFC 9001 §5.4.3); ChaCha20 suites use the sample's first
// 4 bytes as a little-endian counter and next 12 as nonce, keystreaming
// 5 zero bytes (RFC 9001 §5.4.4).
func headerProtectionMask(hpKey []byte, cipherSuite uint16, sample []byte) ([5]byte, error) {
	var mask [5]byte
	if len(sample) < 16 {
		return mask, ErrHPSampleBounds
	}

	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384:
		block, err := aes.NewCipher(hpKey)
		if err != nil {
			return mask, err
		}
		var out [16]byte
		block.Encrypt(out[:], sample[:16])
		copy(mask[:], out[:5])

	case TLS_CHACHA20_POLY1305_SHA256:
		counter := uint32(sample[0]) | uint32(sample[1])<<8 | uint32(sample[2])<<16 | uint32(sample[3])<<24
		nonce := sample[4:16]
		c, err := chacha20.NewUnauthenticatedCipher(hpKey, nonce)
		if err != nil {
			return mask, err
		}
		c.SetCounter(counter)
		var zeros [5]byte
		c.XORKeyStream(mask[:], zeros[:])

	default:
		return mask, fmt.Errorf("quic: unsupported cipher suite 0x%04x", cipherSuite)
	}

	return mask, nil
}

// aeadNonce builds the per-packet nonce: the IV with the packet number
// XORed into its low 8 bytes (RFC 9001 §5.3).
func aeadNonce(iv []byte, pn64 uint64) []byte {
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	for i := 0; i < 8 && i < len(nonce); i++ {
		shift := uint(8 * i)
		nonce[len(nonce)-1-i] ^= byte(pn64 >> shift)
	}
	return nonce
}

// Seal AEAD-protects payload in place, using aad as associated data
// (the full cleartext header, including the packet number).
func (k *CryptoKeys) Seal(pn64 uint64, aad, payload []byte) ([]byte, error) {
	if k.aead == nil {
		return nil, errors.New("quic: AEAD not initialized")
	}
	nonce := aeadNonce(k.IV, pn64)
	return k.aead.Seal(payload[:0:0], nonce, payload, aad), nil
}

// Open AEAD-unprotects ciphertext. Success means the returned plaintext
// length is <= len(ciphertext); callers compare against PayloadLength+1
// as the failure sentinel rather than treating a Go error specially.
func (k *CryptoKeys) Open(pn64 uint64, aad, ciphertext []byte) ([]byte, error) {
	if k.aead == nil {
		return nil, errors.New("quic: AEAD not initialized")
	}
	nonce := aeadNonce(k.IV, pn64)
	plaintext, err := k.aead.Open(ciphertext[:0:0], nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// NewQUICTLSConfig returns the baseline *tls.Config a caller's TLS
// collaborator should start from. The core never drives a handshake
// itself; something still has to pin the protocol version and ALPN
// convention QUIC requires.
func NewQUICTLSConfig(isClient bool) *tls.Config {
	config := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
		NextProtos: []string{"quic"},
	}
	if !isClient {
		config.ClientAuth = tls.NoClientCert
	}
	return config
}

// TransportParameters is the set of values exchanged through the TLS
// collaborator's quic_transport_parameters extension; the core only
// stores and reports them.
type TransportParameters struct {
	MaxIdleTimeout                 uint64
	MaxUDPPayloadSize               uint64
	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	AckDelayExponent          uint64
	MaxAckDelay               uint64
	DisableActiveMigration    bool
	ActiveConnectionIDLimit   uint64
	InitialSourceConnectionID []byte
	MaxEarlyDataSize          uint64
}

// DefaultTransportParameters returns this core's default offer.
func DefaultTransportParameters() *TransportParameters {
	return &TransportParameters{
		MaxIdleTimeout:                 30000,
		MaxUDPPayloadSize:              1200,
		InitialMaxData:                 10 * 1024 * 1024,
		InitialMaxStreamDataBidiLocal:  1 * 1024 * 1024,
		InitialMaxStreamDataBidiRemote: 1 * 1024 * 1024,
		InitialMaxStreamDataUni:        1 * 1024 * 1024,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           100,
		AckDelayExponent:               3,
		MaxAckDelay:                    25,
		ActiveConnectionIDLimit:        2,
	}
}
