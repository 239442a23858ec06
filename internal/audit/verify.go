package audit

import "fmt"

// ChainError pinpoints the first entry that breaks the chain.
type ChainError struct {
	Seq    uint64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Reason)
}

// Verify checks sequence continuity, hash linkage and each entry's own hash.
func Verify(entries []Entry) error {
	for i, e := range entries {
		if i > 0 {
			prev := entries[i-1]
			if e.Seq != prev.Seq+1 {
				return &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("expected seq %d", prev.Seq+1)}
			}
			if e.PrevHash != prev.Hash {
				return &ChainError{Seq: e.Seq, Reason: "prev_hash does not match predecessor"}
			}
			if e.Timestamp.Before(prev.Timestamp) {
				return &ChainError{Seq: e.Seq, Reason: "timestamp moves backwards"}
			}
		}
		want, err := ComputeHash(e)
		if err != nil {
			return err
		}
		if want != e.Hash {
			return &ChainError{Seq: e.Seq, Reason: "content hash mismatch"}
		}
	}
	return nil
}
