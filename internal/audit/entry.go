package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"liquidity-oracle/internal/automation"
	"liquidity-oracle/internal/network"
	"liquidity-oracle/internal/oracle"
	"liquidity-oracle/internal/payout"
	"liquidity-oracle/internal/risk"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindEvaluation Kind = "evaluation"
	KindAutomation Kind = "automation"
	KindPayout     Kind = "payout_confirmation"
	KindCommand    Kind = "command"
)

// Critical conditions recorded on an evaluation.
const CriticalNoViableChannel = "no_viable_channel"

// Inputs are everything a cycle consumed.
type Inputs struct {
	EvaluatedAt  time.Time     `json:"evaluated_at"`
	Trigger      string        `json:"trigger,omitempty"`
	Signals      []risk.Signal `json:"signals,omitempty"`
	OverrideRisk *float64      `json:"override_risk,omitempty"`
	Location     string        `json:"location,omitempty"`
	ConflictZone bool          `json:"conflict_zone"`
}

// Outputs are everything a cycle or command produced.
type Outputs struct {
	Score    *risk.Score             `json:"score,omitempty"`
	Statuses []network.ChannelStatus `json:"statuses,omitempty"`
	Ranking  *oracle.Ranking         `json:"ranking,omitempty"`
	Critical string                  `json:"critical,omitempty"`
	Switch   *automation.Evaluation  `json:"switch,omitempty"`
	Event    *automation.Event       `json:"event,omitempty"`
	Payout   *payout.Confirmation    `json:"payout,omitempty"`
	Command  *Command                `json:"command,omitempty"`
}

// Command names.
const (
	CommandArm     = "arm"
	CommandCheckIn = "check_in"
	CommandDisarm  = "disarm"
)

// Command records a user action against the automation layer.
type Command struct {
	Name     string        `json:"name"`
	At       time.Time     `json:"at"`
	SwitchID string        `json:"switch_id,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Entry is one immutable audit record. Hash covers every other field,
// PrevHash links it to the previous entry.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Cycle     uint64    `json:"cycle"`
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`
	Inputs    Inputs    `json:"inputs"`
	Outputs   Outputs   `json:"outputs"`
	Rationale []string  `json:"rationale,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// ComputeHash returns the SHA-256 of the entry with its Hash field cleared.
func ComputeHash(e Entry) (string, error) {
	e.Hash = ""
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode audit entry %d: %w", e.Seq, err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// normalize reduces timestamps to what every store can round-trip.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
