package crypto

import (
	"container/list"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
)

// ErrNonceLimitExhausted is returned once a NonceTracker has issued
// 2^32 nonces for its secret; the caller must perform a fresh key
// exchange rather than continue encrypting under the same secret.
var ErrNonceLimitExhausted = errors.New("nonce limit exhausted for this session, key exchange required")

// maxTrackedNonces bounds the recent-nonce LRU set kept per tracker so
// memory use stays flat regardless of how long a session lives.
const maxTrackedNonces = 1 << 16

// maxNoncesPerSecret is the hard cap on encryptions permitted under one
// secret before ErrNonceLimitExhausted fires.
const maxNoncesPerSecret = 1 << 32

// NonceTracker generates random 12-byte nonces for one EncryptionSession
// and guards against accidental reuse with a bounded, mutually exclusive
// LRU set (per §5: the tracker must serialize concurrent encrypt calls on
// the same session).
type NonceTracker struct {
	mu      sync.Mutex
	seen    map[[12]byte]*list.Element
	order   *list.List
	issued  uint64
}

// NewNonceTracker creates an empty tracker, used once per EncryptionSession.
func NewNonceTracker() *NonceTracker {
	return &NonceTracker{
		seen:  make(map[[12]byte]*list.Element),
		order: list.New(),
	}
}

// Next returns a fresh random nonce guaranteed not to collide with any
// nonce still held in the tracker's LRU window. It returns
// ErrNonceLimitExhausted once 2^32 nonces have been issued for this
// tracker's secret.
func (t *NonceTracker) Next() ([12]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var nonce [12]byte
	if t.issued >= maxNoncesPerSecret {
		return nonce, ErrNonceLimitExhausted
	}

	fresh := false
	for attempt := 0; attempt < 8; attempt++ {
		if _, err := rand.Read(nonce[:]); err != nil {
			return nonce, fmt.Errorf("failed to generate random nonce: %w", err)
		}
		if _, collision := t.seen[nonce]; !collision {
			fresh = true
			break
		}
	}
	if !fresh {
		return nonce, errors.New("failed to generate a unique nonce after 8 attempts")
	}

	elem := t.order.PushBack(nonce)
	t.seen[nonce] = elem
	if t.order.Len() > maxTrackedNonces {
		oldest := t.order.Front()
		if oldest != nil {
			t.order.Remove(oldest)
			delete(t.seen, oldest.Value.([12]byte))
		}
	}
	t.issued++
	return nonce, nil
}
