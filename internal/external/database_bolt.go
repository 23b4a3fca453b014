package external

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var bucketHistory = []byte("transfer_history")

// BoltDatabase is the dev-default Database: completed and failed transfers
// are appended to a single bolt bucket keyed by a monotonically increasing
// sequence number, so ListTransfers can page back from most recent to
// oldest with a reverse cursor.
type BoltDatabase struct {
	db *bolt.DB
}

// NewBoltDatabase opens (creating if absent) a bolt-backed transfer
// history store at path.
func NewBoltDatabase(path string) (*BoltDatabase, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("external: open history store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketHistory)
		return e
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("external: init history store: %w", err)
	}
	return &BoltDatabase{db: db}, nil
}

// Close releases the underlying database file.
func (d *BoltDatabase) Close() error { return d.db.Close() }

// RecordTransfer appends one completion record. Records are immutable;
// a transfer retried after a failure adds a new record rather than
// overwriting the old one.
func (d *BoltDatabase) RecordTransfer(ctx context.Context, transferID string, success bool, totalBytes uint64) error {
	rec := TransferRecord{TransferID: transferID, Success: success, TotalBytes: totalBytes, Timestamp: time.Now().Unix()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("external: marshal transfer record: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketHistory)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		seq, err := bk.NextSequence()
		if err != nil {
			return err
		}
		return bk.Put(sequenceKey(seq), data)
	})
}

// ListTransfers returns up to limit records, most recently recorded first.
func (d *BoltDatabase) ListTransfers(ctx context.Context, limit int) ([]TransferRecord, error) {
	var out []TransferRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketHistory)
		if bk == nil {
			return nil
		}
		c := bk.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

var _ Database = (*BoltDatabase)(nil)
