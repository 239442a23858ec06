package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"liquidity-oracle/internal/audit"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrSeqConflict indicates a different entry already holds the sequence number.
	ErrSeqConflict = errors.New("storage: audit sequence already recorded with a different hash")
)

//go:embed schema.sql
var schemaSQL string

const (
	insertEntrySQL = `INSERT INTO audit_entries (
        seq,
        cycle,
        kind,
        ts,
        prev_hash,
        hash,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (seq) DO NOTHING;`

	hashForSeqSQL = `SELECT hash FROM audit_entries WHERE seq = $1;`

	listEntriesAfterSQL = `SELECT payload
    FROM audit_entries
    WHERE seq > $1
    ORDER BY seq
    LIMIT $2;`

	listEntriesBetweenSQL = `SELECT payload
    FROM audit_entries
    WHERE ts >= $1
      AND ts < $2
    ORDER BY seq;`

	listRecentEntriesSQL = `SELECT payload
    FROM audit_entries
    ORDER BY seq DESC
    LIMIT $1;`

	countEntriesSQL = `SELECT COUNT(*) FROM audit_entries;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AuditStore persists the decision log. Entries are never updated or deleted.
type AuditStore interface {
	Append(ctx context.Context, entry audit.Entry) error
	ListEntries(ctx context.Context, afterSeq uint64, limit int) ([]audit.Entry, error)
	ListEntriesBetween(ctx context.Context, from, to time.Time) ([]audit.Entry, error)
	ListRecentEntries(ctx context.Context, limit int) ([]audit.Entry, error)
	CountEntries(ctx context.Context) (int64, error)
	Close() error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL audit store.
type Store struct {
	db   *sql.DB
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: stdlib.OpenDBFromPool(pool), pool: pool}
}

// NewStoreFromDB wraps an existing database handle.
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func (s *Store) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// Migrate creates the audit table and its append-only rules.
func (s *Store) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the lock dies with the session if this fails
		_, _ = conn.ExecContext(ctxUnlock, advisoryUnlockSQL, key)
		conn.Close()
	}
	return unlock, true, nil
}

// Append inserts an entry. Re-inserting an identical entry is a no-op so a
// retried write after a lost acknowledgement succeeds.
func (s *Store) Append(ctx context.Context, entry audit.Entry) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	res, execErr := db.ExecContext(ctx, insertEntrySQL,
		int64(entry.Seq),
		int64(entry.Cycle),
		string(entry.Kind),
		entry.Timestamp,
		entry.PrevHash,
		entry.Hash,
		payload,
	)
	if execErr != nil {
		return fmt.Errorf("insert audit entry: %w", execErr)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var existing string
	if err := db.QueryRowContext(ctx, hashForSeqSQL, int64(entry.Seq)).Scan(&existing); err != nil {
		return fmt.Errorf("check audit entry %d: %w", entry.Seq, err)
	}
	if existing != entry.Hash {
		return fmt.Errorf("%w: seq %d", ErrSeqConflict, entry.Seq)
	}
	return nil
}

// ListEntries lists entries after a sequence number, oldest first. A limit of
// zero or less lists everything.
func (s *Store) ListEntries(ctx context.Context, afterSeq uint64, limit int) ([]audit.Entry, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, queryErr := db.QueryContext(ctx, listEntriesAfterSQL, int64(afterSeq), lim)
	if queryErr != nil {
		return nil, fmt.Errorf("list audit entries: %w", queryErr)
	}
	return scanEntries(rows)
}

// ListEntriesBetween lists entries within a time window.
func (s *Store) ListEntriesBetween(ctx context.Context, from, to time.Time) ([]audit.Entry, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, queryErr := db.QueryContext(ctx, listEntriesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list audit entries between: %w", queryErr)
	}
	return scanEntries(rows)
}

// ListRecentEntries lists the most recent entries ordered by descending seq.
func (s *Store) ListRecentEntries(ctx context.Context, limit int) ([]audit.Entry, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, queryErr := db.QueryContext(ctx, listRecentEntriesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent audit entries: %w", queryErr)
	}
	return scanEntries(rows)
}

// CountEntries counts stored entries.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := db.QueryRowContext(ctx, countEntriesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count audit entries: %w", scanErr)
	}
	return count, nil
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	defer rows.Close()

	entries := make([]audit.Entry, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry audit.Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

var (
	_ AuditStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
	_ audit.Sink     = (*Store)(nil)
)
