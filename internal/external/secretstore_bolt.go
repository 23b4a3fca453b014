package external

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/syndro-project/syndro/internal/crypto"
)

var bucketSecrets = []byte("secrets")

// ErrPassphraseRequired is returned by NewBoltSecretStore when passphrase is empty.
var ErrPassphraseRequired = errors.New("external: passphrase required")

// BoltSecretStore is the dev-default SecretStore: values are
// Argon2id-passphrase-sealed before being written to a bolt bucket.
// Production embeddings are expected to supply an OS-keychain-backed
// SecretStore instead.
type BoltSecretStore struct {
	db         *bolt.DB
	passphrase string
}

// NewBoltSecretStore opens (creating if absent) a bolt-backed secret
// store at path, sealing every value with passphrase.
func NewBoltSecretStore(path, passphrase string) (*BoltSecretStore, error) {
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("external: open secret store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketSecrets)
		return e
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("external: init secret store: %w", err)
	}
	return &BoltSecretStore{db: db, passphrase: passphrase}, nil
}

// Close releases the underlying database file.
func (s *BoltSecretStore) Close() error { return s.db.Close() }

// Put seals value and stores it under key.
func (s *BoltSecretStore) Put(ctx context.Context, key string, value []byte) error {
	sealed, err := crypto.SealWithPassphrase(value, s.passphrase)
	if err != nil {
		return fmt.Errorf("external: seal secret: %w", err)
	}
	data, err := crypto.MarshalSealedValue(sealed)
	if err != nil {
		return fmt.Errorf("external: marshal sealed secret: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSecrets)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Put([]byte(key), data)
	})
}

// Get unseals and returns the value stored under key.
func (s *BoltSecretStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSecrets)
		if bk == nil {
			return nil
		}
		v := bk.Get([]byte(key))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	sealed, err := crypto.UnmarshalSealedValue(raw)
	if err != nil {
		return nil, false, fmt.Errorf("external: unmarshal sealed secret: %w", err)
	}
	plaintext, err := crypto.OpenWithPassphrase(sealed, s.passphrase)
	if err != nil {
		return nil, false, fmt.Errorf("external: open sealed secret: %w", err)
	}
	return plaintext, true, nil
}

// Delete removes the value stored under key.
func (s *BoltSecretStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSecrets)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Delete([]byte(key))
	})
}
