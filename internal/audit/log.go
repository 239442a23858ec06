package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Sink persists entries. Append must reject a sequence number that already
// exists.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// Log is the append-only decision log. Writers are serialized; readers load
// an immutable snapshot and never wait on a writer.
type Log struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]Entry]
	sink     Sink
	unsynced int
}

// NewLog builds an empty log. sink may be nil for a memory-only log.
func NewLog(sink Sink) *Log {
	l := &Log{sink: sink}
	empty := make([]Entry, 0, 256)
	l.snapshot.Store(&empty)
	return l
}

// Restore loads previously persisted entries after verifying the chain. It
// must be called before the first Append.
func (l *Log) Restore(entries []Entry) error {
	if err := Verify(entries); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(*l.snapshot.Load()) > 0 {
		return errors.New("audit: restore on a non-empty log")
	}
	restored := append(make([]Entry, 0, len(entries)+256), entries...)
	l.snapshot.Store(&restored)
	return nil
}

// Append seals the entry with its sequence number and hash chain and adds it
// to the log. The entry is kept in memory even if the sink fails; unsynced
// entries are retried in order on the next append and the error is returned
// to the caller.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := *l.snapshot.Load()
	e.Timestamp = normalize(e.Timestamp)
	e.Inputs.EvaluatedAt = normalize(e.Inputs.EvaluatedAt)
	e.Seq = 1
	e.PrevHash = ""
	if n := len(cur); n > 0 {
		last := cur[n-1]
		e.Seq = last.Seq + 1
		e.PrevHash = last.Hash
		if e.Timestamp.Before(last.Timestamp) {
			e.Timestamp = last.Timestamp
		}
		if e.Cycle < last.Cycle {
			return Entry{}, fmt.Errorf("audit: cycle %d appended after cycle %d", e.Cycle, last.Cycle)
		}
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = hash

	next := append(cur, e)
	l.snapshot.Store(&next)
	l.unsynced++
	return e, l.flush(ctx, next)
}

func (l *Log) flush(ctx context.Context, entries []Entry) error {
	if l.sink == nil {
		l.unsynced = 0
		return nil
	}
	for l.unsynced > 0 {
		pending := entries[len(entries)-l.unsynced]
		if err := l.sink.Append(ctx, pending); err != nil {
			return fmt.Errorf("persist audit entry %d (%d unsynced): %w", pending.Seq, l.unsynced, err)
		}
		l.unsynced--
	}
	return nil
}

// Unsynced returns how many entries have not reached the sink yet.
func (l *Log) Unsynced() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unsynced
}

// Entries returns entries with Seq greater than since, oldest first. A limit
// of zero or less returns all of them.
func (l *Log) Entries(since uint64, limit int) []Entry {
	cur := *l.snapshot.Load()
	start := 0
	for start < len(cur) && cur[start].Seq <= since {
		start++
	}
	out := cur[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Entry(nil), out...)
}

// Between returns entries whose timestamp lies in [from, to).
func (l *Log) Between(from, to time.Time) []Entry {
	var out []Entry
	for _, e := range *l.snapshot.Load() {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(*l.snapshot.Load())
}

// Latest returns the most recent entry.
func (l *Log) Latest() (Entry, bool) {
	cur := *l.snapshot.Load()
	if len(cur) == 0 {
		return Entry{}, false
	}
	return cur[len(cur)-1], true
}

// NextCycle returns the cycle number following the last recorded one.
func (l *Log) NextCycle() uint64 {
	last, ok := l.Latest()
	if !ok {
		return 1
	}
	return last.Cycle + 1
}
