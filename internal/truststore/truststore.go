// Package truststore persists the senderId -> TrustedDevice map that lets
// a previously-approved device skip the approval prompt on later sends.
package truststore

import (
	"crypto/subtle"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/syndro-project/syndro/internal/model"
)

var bucketTrust = []byte("trust")

// DefaultTTL is how long a trust entry remains valid without being refreshed.
const DefaultTTL = 90 * 24 * time.Hour

// Store is a bolt-backed, TTL-pruned map of senderId -> TrustedDevice.
type Store struct {
	db  *bolt.DB
	ttl time.Duration
}

// Open opens (creating if absent) the trust store at path.
func Open(path string, ttl time.Duration) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketTrust)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

type record struct {
	Device    model.TrustedDevice `json:"device"`
	TrustedAt int64               `json:"trustedAt"`
}

// Trust records senderId as trusted, refreshing its TTL clock.
func (s *Store) Trust(device model.TrustedDevice) error {
	now := timeNow()
	device.TrustedAt = time.Unix(now, 0).UTC()
	rec := record{Device: device, TrustedAt: now}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketTrust)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Put([]byte(device.SenderID), data)
	})
}

// Lookup returns the trusted device entry for senderId, if present and
// not expired. The boolean is false for both "never trusted" and
// "expired" — callers fall back to the approval prompt either way.
func (s *Store) Lookup(senderID string) (model.TrustedDevice, bool) {
	var rec record
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketTrust)
		if bk == nil {
			return nil
		}
		v := bk.Get([]byte(senderID))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found {
		return model.TrustedDevice{}, false
	}
	if timeNow()-rec.TrustedAt > int64(s.ttl.Seconds()) {
		return model.TrustedDevice{}, false
	}
	return rec.Device, true
}

// VerifyToken reports whether token matches the trusted token recorded
// for senderID, using a constant-time comparison to avoid leaking match
// length via timing.
func (s *Store) VerifyToken(senderID, token string) bool {
	device, ok := s.Lookup(senderID)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(device.Token), []byte(token)) == 1
}

// Revoke removes a trust entry outright.
func (s *Store) Revoke(senderID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketTrust)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Delete([]byte(senderID))
	})
}

// Prune deletes every entry whose TTL has elapsed. Intended to run on a
// daily schedule alongside the rest of the daemon's sweeps.
func (s *Store) Prune() (int, error) {
	cutoff := timeNow() - int64(s.ttl.Seconds())
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketTrust)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.TrustedAt < cutoff {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// timeNow is a thin indirection so tests can freeze the clock.
var timeNow = func() int64 { return time.Now().Unix() }
