package automation

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// MaxGuardians caps the contact list.
const MaxGuardians = 3

// WatcherState is a snapshot of the guardian watcher.
type WatcherState struct {
	Contacts       []string   `json:"contacts"`
	Threshold      float64    `json:"threshold"`
	Above          bool       `json:"above_threshold"`
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty"`
}

// Watcher notifies guardians on rising edges only: the reading that moves
// risk from below the threshold to at or above it. Sustained high risk does
// not re-notify; falling below re-arms the edge.
type Watcher struct {
	mu        sync.Mutex
	contacts  []string
	threshold float64
	above     bool
	lastEdge  *time.Time
}

// UniqueContacts trims the contact list and drops blanks and repeats,
// keeping first-seen order.
func UniqueContacts(contacts []string) []string {
	seen := make(map[string]struct{}, len(contacts))
	out := make([]string, 0, len(contacts))
	for _, c := range contacts {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// NewWatcher validates the contact list and threshold. Contacts form a set;
// repeats count once toward MaxGuardians.
func NewWatcher(contacts []string, threshold float64) (*Watcher, error) {
	contacts = UniqueContacts(contacts)
	if len(contacts) > MaxGuardians {
		return nil, fmt.Errorf("at most %d guardians allowed, got %d", MaxGuardians, len(contacts))
	}
	if threshold < 0 || threshold > 10 {
		return nil, fmt.Errorf("guardian threshold must be within [0,10], got %v", threshold)
	}
	return &Watcher{contacts: contacts, threshold: threshold}, nil
}

// Observe feeds one reading. It returns an event on a rising edge.
func (w *Watcher) Observe(at time.Time, risk float64) (Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	above := risk >= w.threshold
	rising := above && !w.above
	w.above = above
	if !rising {
		return Event{}, false
	}
	w.lastEdge = &at
	return Event{
		Kind:      EventGuardianNotified,
		At:        at,
		Risk:      risk,
		Threshold: w.threshold,
		Contacts:  append([]string(nil), w.contacts...),
		Message:   fmt.Sprintf("risk %.2f crossed guardian threshold %.1f", risk, w.threshold),
	}, true
}

// State returns a snapshot.
func (w *Watcher) State() WatcherState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WatcherState{
		Contacts:       append([]string(nil), w.contacts...),
		Threshold:      w.threshold,
		Above:          w.above,
		LastNotifiedAt: w.lastEdge,
	}
}
