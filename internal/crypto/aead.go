package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// AES-256-GCM framing errors surfaced by Seal/Open.
var (
	ErrInvalidKeySize       = errors.New("key must be exactly 32 bytes for AES-256")
	ErrInvalidNonceSize     = errors.New("nonce must be exactly 12 bytes for GCM")
	ErrAuthenticationFailed = errors.New("authentication failed: ciphertext has been tampered with")
)

// newGCM validates the key and builds the AES-256-GCM AEAD both Seal and
// Open wrap around.
func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher init: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts and authenticates plaintext with AES-256-GCM, returning
// ciphertext with a 16-byte tag appended. aad is authenticated but not
// encrypted; callers pass chunk index or session id there to prevent
// record reordering across chunks. The same (key, nonce) pair must never
// be used twice: nonce reuse breaks GCM's confidentiality guarantee
// outright.
func Seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidNonceSize, len(nonce))
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts and verifies ciphertext produced by Seal. aad must match
// what was passed to Seal. On authentication failure it returns
// ErrAuthenticationFailed and never returns partial plaintext.
func Open(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidNonceSize, len(nonce))
	}
	if len(ciphertext) < gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short (must be at least %d bytes for tag)", gcm.Overhead())
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}
