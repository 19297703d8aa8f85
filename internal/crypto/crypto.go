// Package crypto provides per-session packet encryption for rakgate.
// Keys are agreed with X25519 during the login handshake and packets are
// sealed with ChaCha20-Poly1305.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// EncryptionOverhead is the total overhead added to each encrypted packet:
	// the nonce prepended and the auth tag appended.
	EncryptionOverhead = NonceSize + TagSize

	// ReplayWindow is how far behind the newest counter a packet may arrive
	// and still be accepted. Unreliable packets can be reordered or lost.
	ReplayWindow = 64

	hkdfInfo = "rakgate-session-v1"
)

// ErrReplay is returned for packets whose counter was already seen or fell
// out of the replay window.
var ErrReplay = errors.New("replayed or stale packet")

// SessionKey holds the symmetric key and counters for one session. It is
// safe for concurrent use.
type SessionKey struct {
	key [KeySize]byte

	sendCounter uint64

	// Highest counter received plus a bitmap of the ReplayWindow counters
	// below it; bit i set means highest-i was seen.
	recvHighest uint64
	recvSeen    uint64
	recvAny     bool

	// isClient selects the nonce direction bit: the client sends with it
	// clear, the server with it set.
	isClient bool

	mu sync.Mutex
}

// GenerateEphemeralKeypair generates a new ephemeral X25519 keypair for a
// single session's key exchange.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per RFC 7748
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// ComputeECDH performs X25519 Diffie-Hellman key exchange and returns the
// shared secret.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	// Low-order points produce an all-zero secret
	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return sharedSecret, nil
}

// DeriveSessionKey derives the packet key from an ECDH shared secret. The
// client id and both public keys are mixed into the salt so every session
// gets its own key.
func DeriveSessionKey(sharedSecret [KeySize]byte, clientID int64,
	clientPub, serverPub [KeySize]byte, isClient bool) *SessionKey {

	salt := make([]byte, 8+KeySize+KeySize)
	binary.BigEndian.PutUint64(salt[0:8], uint64(clientID))
	copy(salt[8:8+KeySize], clientPub[:])
	copy(salt[8+KeySize:], serverPub[:])

	reader := hkdf.New(sha256.New, sharedSecret[:], salt, []byte(hkdfInfo))

	sk := &SessionKey{isClient: isClient}
	if _, err := io.ReadFull(reader, sk.key[:]); err != nil {
		// This should never happen with valid inputs
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}

	return sk
}

// Encrypt seals plaintext with the next send counter. The nonce is
// prepended, so the result is EncryptionOverhead bytes longer.
func (s *SessionKey) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	nonce := buildNonce(!s.isClient, s.sendCounter)
	s.sendCounter++
	s.mu.Unlock()

	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	// Output: nonce || ciphertext || tag
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce[:])

	return aead.Seal(out, nonce[:], plaintext, nil), nil
}

// Decrypt opens a packet produced by the peer's Encrypt. Packets may
// arrive out of order within ReplayWindow; duplicates are rejected.
func (s *SessionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < EncryptionOverhead {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	peerIsServer := s.isClient
	if (nonce[0]&0x80 != 0) != peerIsServer {
		return nil, fmt.Errorf("decrypt: wrong nonce direction")
	}
	counter := binary.BigEndian.Uint64(nonce[4:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptable(counter) {
		return nil, fmt.Errorf("%w: counter %d", ErrReplay, counter)
	}

	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	// Only authenticated packets move the window
	s.markSeen(counter)
	return plaintext, nil
}

func (s *SessionKey) acceptable(counter uint64) bool {
	if !s.recvAny || counter > s.recvHighest {
		return true
	}
	diff := s.recvHighest - counter
	if diff >= ReplayWindow {
		return false
	}
	return s.recvSeen&(1<<diff) == 0
}

func (s *SessionKey) markSeen(counter uint64) {
	if !s.recvAny {
		s.recvAny = true
		s.recvHighest = counter
		s.recvSeen = 1
		return
	}
	if counter > s.recvHighest {
		shift := counter - s.recvHighest
		if shift >= ReplayWindow {
			s.recvSeen = 0
		} else {
			s.recvSeen <<= shift
		}
		s.recvHighest = counter
		s.recvSeen |= 1
		return
	}
	s.recvSeen |= 1 << (s.recvHighest - counter)
}

// buildNonce lays out [direction bit + 3 zero bytes][8-byte counter].
func buildNonce(server bool, counter uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	if server {
		nonce[0] = 0x80
	}
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Key returns a copy of the session key bytes.
// This should only be used for debugging or testing.
func (s *SessionKey) Key() [KeySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Zero securely zeros the session key material.
// Call this when the session using this key is closed.
func (s *SessionKey) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ZeroKey(&s.key)
}

// ZeroKey zeroes out a key array. Use this to clear ephemeral private keys
// after computing the shared secret.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
