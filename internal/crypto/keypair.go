// Package crypto provides the cryptographic primitives the transfer
// engine builds on: X25519 ephemeral keypairs for ECDH, AES-256-GCM
// framing of chunked payloads with random-nonce tracking, and streaming
// SHA-256 file hashing.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 keypair generated fresh for one EncryptionSession.
// Keys are not persisted; a new pair is generated per key-exchange round.
type KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// ErrInvalidPublicKey is returned by Derive when the peer's public key is
// not exactly 32 bytes, or when the ECDH result is degenerate.
var ErrInvalidPublicKey = errors.New("invalid X25519 public key")

// NewKeyPair generates a fresh X25519 keypair for one key-exchange round.
func NewKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive X25519 public key: %w", err)
	}
	copy(kp.PublicKey[:], pub)
	return &kp, nil
}

// Derive computes the shared secret for priv and theirPub. It fails with
// ErrInvalidPublicKey if theirPub is not 32 bytes or the ECDH output is
// all-zero (a degenerate/low-order point).
func Derive(priv [32]byte, theirPub []byte) ([32]byte, error) {
	var secret [32]byte
	if len(theirPub) != 32 {
		return secret, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(theirPub))
	}
	out, err := curve25519.X25519(priv[:], theirPub)
	if err != nil {
		return secret, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	copy(secret[:], out)

	allZero := true
	for _, b := range secret {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return secret, fmt.Errorf("%w: degenerate ECDH result", ErrInvalidPublicKey)
	}
	return secret, nil
}
