package automation

import (
	"time"

	"liquidity-oracle/internal/oracle"
)

// EventKind names an automation outcome.
type EventKind string

const (
	EventTriggered        EventKind = "deadman_triggered"
	EventGuardianNotified EventKind = "guardian_notified"
	EventNoViableChannel  EventKind = "no_viable_channel"
)

// Event is emitted by the switch or the watcher for the notifier and for the
// audit log.
type Event struct {
	Kind            EventKind              `json:"kind"`
	At              time.Time              `json:"at"`
	Risk            float64                `json:"risk"`
	Threshold       float64                `json:"threshold"`
	SwitchID        string                 `json:"switch_id,omitempty"`
	Channel         *oracle.Recommendation `json:"channel,omitempty"`
	NoViableChannel bool                   `json:"no_viable_channel,omitempty"`
	Contacts        []string               `json:"contacts,omitempty"`
	Message         string                 `json:"message"`
}
