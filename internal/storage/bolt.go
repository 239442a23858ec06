package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"liquidity-oracle/internal/audit"
)

var bucketAudit = []byte("audit_entries")

// BoltStore keeps the audit log in an embedded bbolt file when no database
// is configured.
type BoltStore struct {
	db   *bbolt.DB
	lock sync.Mutex
}

// OpenBolt opens or creates the audit file. bbolt holds an exclusive file
// lock, so a second process fails here after the timeout.
func OpenBolt(path string, timeout time.Duration) (*BoltStore, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAudit)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the file.
func (b *BoltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Append stores an entry. An identical entry under the same seq is a no-op.
func (b *BoltStore) Append(ctx context.Context, entry audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketAudit)
		key := seqKey(entry.Seq)
		if existing := bkt.Get(key); existing != nil {
			var prev audit.Entry
			if err := json.Unmarshal(existing, &prev); err != nil {
				return fmt.Errorf("decode audit entry %d: %w", entry.Seq, err)
			}
			if prev.Hash != entry.Hash {
				return fmt.Errorf("%w: seq %d", ErrSeqConflict, entry.Seq)
			}
			return nil
		}
		return bkt.Put(key, payload)
	})
}

// ListEntries lists entries after a sequence number, oldest first.
func (b *BoltStore) ListEntries(ctx context.Context, afterSeq uint64, limit int) ([]audit.Entry, error) {
	entries := make([]audit.Entry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			entry, err := decodeEntry(v)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// ListEntriesBetween lists entries whose timestamp lies in [from, to).
func (b *BoltStore) ListEntriesBetween(ctx context.Context, from, to time.Time) ([]audit.Entry, error) {
	entries := make([]audit.Entry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(_, v []byte) error {
			entry, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if !entry.Timestamp.Before(from) && entry.Timestamp.Before(to) {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	return entries, err
}

// ListRecentEntries lists the most recent entries ordered by descending seq.
func (b *BoltStore) ListRecentEntries(ctx context.Context, limit int) ([]audit.Entry, error) {
	entries := make([]audit.Entry, 0, limit)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			entry, err := decodeEntry(v)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// CountEntries counts stored entries.
func (b *BoltStore) CountEntries(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = int64(tx.Bucket(bucketAudit).Stats().KeyN)
		return nil
	})
	return n, err
}

// TryAdvisoryLock serializes evaluators inside this process; the file lock
// already excludes other processes.
func (b *BoltStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !b.lock.TryLock() {
		return nil, false, nil
	}
	return b.lock.Unlock, true, nil
}

func decodeEntry(v []byte) (audit.Entry, error) {
	var entry audit.Entry
	if err := json.Unmarshal(v, &entry); err != nil {
		return audit.Entry{}, fmt.Errorf("decode audit entry: %w", err)
	}
	return entry, nil
}

var (
	_ AuditStore     = (*BoltStore)(nil)
	_ AdvisoryLocker = (*BoltStore)(nil)
)
