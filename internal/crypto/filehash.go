package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// streamBufferSize bounds how much of the file is held in memory at once
// while hashing.
const streamBufferSize = 1 << 20 // 1 MiB

// HashFile streams path through SHA-256 without ever loading more than one
// buffer's worth into memory, returning the lowercase hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashFile: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, streamBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashFile: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StreamingHasher wraps sha256 for the upload paths that compute a hash
// incrementally as chunks arrive, rather than re-reading the file.
type StreamingHasher struct {
	h interface {
		io.Writer
		Sum(b []byte) []byte
	}
}

// NewStreamingHasher starts a fresh SHA-256 accumulator.
func NewStreamingHasher() *StreamingHasher {
	return &StreamingHasher{h: sha256.New()}
}

// Write feeds another slice of plaintext into the running hash.
func (s *StreamingHasher) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// SumHex returns the lowercase hex digest of everything written so far.
func (s *StreamingHasher) SumHex() string {
	return hex.EncodeToString(s.h.Sum(nil))
}
