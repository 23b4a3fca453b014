package crypto

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned by DecryptChunk when the input is too short to
// contain a nonce and tag.
var ErrMalformed = errors.New("malformed ciphertext")

// ErrOversized is returned by DecryptChunk when the input exceeds the
// per-record decrypt cap.
var ErrOversized = errors.New("ciphertext exceeds maximum record size")

const (
	nonceSize = 12
	tagSize   = 16
	// maxRecordSize is the parallel-transfer chunk size ceiling (decrypt
	// cap) from the wire-framing contract.
	maxRecordSize = 100 * 1024 * 1024
)

// Session pairs a shared secret with the NonceTracker that must guard
// every encryption performed under it. One Session backs one
// EncryptionSession for as long as it remains live.
type Session struct {
	Secret [32]byte
	nonces *NonceTracker
}

// NewSession wraps a freshly derived shared secret with its own nonce
// tracker, so every session starts with empty nonce bookkeeping; Derive()
// itself keeps no nonce state.
func NewSession(secret [32]byte) *Session {
	return &Session{Secret: secret, nonces: NewNonceTracker()}
}

// EncryptChunk frames plaintext as nonce(12) || ciphertext || tag(16). The
// nonce is drawn fresh from the session's tracker and is never reused.
func (s *Session) EncryptChunk(plaintext, aad []byte) ([]byte, error) {
	nonce, err := s.nonces.Next()
	if err != nil {
		return nil, err
	}
	ciphertext, err := Seal(s.Secret[:], nonce[:], aad, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, nonceSize+len(ciphertext))
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptChunk reverses EncryptChunk: it splits the nonce back off the
// front of the frame, rejecting inputs too small to hold a nonce+tag or
// larger than the per-record cap, and authenticates+decrypts the rest.
func (s *Session) DecryptChunk(framed, aad []byte) ([]byte, error) {
	if len(framed) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(framed))
	}
	if len(framed) > maxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversized, len(framed))
	}
	nonce := framed[:nonceSize]
	ciphertext := framed[nonceSize:]
	return Open(s.Secret[:], nonce, aad, ciphertext)
}

// EncryptStream encrypts each element of chunks in order, returning the
// framed records in the same order. Used by the sequential upload path
// where chunkwise application of EncryptChunk suffices.
func (s *Session) EncryptStream(chunks [][]byte, aad func(index int) []byte) ([][]byte, error) {
	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		var a []byte
		if aad != nil {
			a = aad(i)
		}
		framed, err := s.EncryptChunk(c, a)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		out[i] = framed
	}
	return out, nil
}

// DecryptStream is the receive-side mirror of EncryptStream.
func (s *Session) DecryptStream(frames [][]byte, aad func(index int) []byte) ([][]byte, error) {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		var a []byte
		if aad != nil {
			a = aad(i)
		}
		plain, err := s.DecryptChunk(f, a)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		out[i] = plain
	}
	return out, nil
}
