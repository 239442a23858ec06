package automation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"liquidity-oracle/internal/oracle"
)

var (
	// ErrNotArmed is returned for check-in or disarm without an active switch.
	ErrNotArmed = errors.New("automation: dead man's switch is not armed")
	// ErrAlreadyArmed is returned when arming over an active switch.
	ErrAlreadyArmed = errors.New("automation: dead man's switch is already armed")
	// ErrInvalidInterval is returned for an interval outside the allowed options.
	ErrInvalidInterval = errors.New("automation: interval not allowed")
)

// WarningWindow is the remaining time under which the switch reports a
// warning to observers.
const WarningWindow = time.Hour

// SwitchStatus is the state of one arming cycle.
type SwitchStatus int

const (
	Armed SwitchStatus = iota
	CheckedIn
	Triggered
	Disarmed
)

func (s SwitchStatus) String() string {
	switch s {
	case Armed:
		return "Armed"
	case CheckedIn:
		return "CheckedIn"
	case Triggered:
		return "Triggered"
	case Disarmed:
		return "Disarmed"
	default:
		return fmt.Sprintf("SwitchStatus(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SwitchStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SwitchStatus) UnmarshalText(text []byte) error {
	for _, st := range []SwitchStatus{Armed, CheckedIn, Triggered, Disarmed} {
		if strings.EqualFold(st.String(), string(text)) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown switch status %q", text)
}

// Terminal reports whether the arming cycle is over.
func (s SwitchStatus) Terminal() bool {
	return s == Triggered || s == Disarmed
}

// SwitchState is a snapshot of one switch instance.
type SwitchState struct {
	ID          string        `json:"id"`
	ArmedAt     time.Time     `json:"armed_at"`
	Interval    time.Duration `json:"interval"`
	Threshold   float64       `json:"threshold"`
	LastCheckIn time.Time     `json:"last_check_in"`
	Status      SwitchStatus  `json:"status"`
	Pending     int           `json:"pending_check_ins"`
	TriggeredAt *time.Time    `json:"triggered_at,omitempty"`
	DisarmedAt  *time.Time    `json:"disarmed_at,omitempty"`
}

// Deadline is the instant at which the interval elapses.
func (s SwitchState) Deadline() time.Time {
	return s.LastCheckIn.Add(s.Interval)
}

// Remaining returns the time left before the deadline, never negative.
func (s SwitchState) Remaining(now time.Time) time.Duration {
	if s.Status.Terminal() {
		return 0
	}
	left := s.Deadline().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Warning reports whether less than WarningWindow remains.
func (s SwitchState) Warning(now time.Time) bool {
	return !s.Status.Terminal() && s.Remaining(now) < WarningWindow
}

// Evaluation is the result of one tick against the switch. Applied and
// Deferred report how pending check-ins were ordered against the evaluation
// instant.
type Evaluation struct {
	SwitchID         string        `json:"switch_id"`
	Before           SwitchStatus  `json:"before"`
	After            SwitchStatus  `json:"after"`
	Elapsed          time.Duration `json:"elapsed"`
	AppliedCheckIns  int           `json:"applied_check_ins"`
	DeferredCheckIns int           `json:"deferred_check_ins"`
	Event            *Event        `json:"event,omitempty"`
}

// Switch is one arming cycle of the dead man's switch. A triggered or
// disarmed switch is never reset; arming again creates a new Switch.
type Switch struct {
	mu      sync.Mutex
	state   SwitchState
	pending []time.Time
}

// NewSwitch arms a fresh instance at the given instant.
func NewSwitch(id string, at time.Time, interval time.Duration, threshold float64) *Switch {
	return &Switch{state: SwitchState{
		ID:          id,
		ArmedAt:     at,
		Interval:    interval,
		Threshold:   threshold,
		LastCheckIn: at,
		Status:      Armed,
	}}
}

// CheckIn records a check-in. It resets the interval clock at the first
// evaluation whose instant is not before at.
func (s *Switch) CheckIn(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status.Terminal() {
		return ErrNotArmed
	}
	s.pending = append(s.pending, at)
	sort.Slice(s.pending, func(i, j int) bool { return s.pending[i].Before(s.pending[j]) })
	s.state.Status = CheckedIn
	return nil
}

// Disarm ends the arming cycle.
func (s *Switch) Disarm(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status.Terminal() {
		return ErrNotArmed
	}
	s.state.Status = Disarmed
	s.state.DisarmedAt = &at
	s.pending = nil
	return nil
}

// Evaluate runs one tick. Check-ins stamped at or before at are applied
// first, later ones wait for the next tick. The switch triggers when the
// interval has elapsed and risk is at or above the threshold; the event
// carries the top channel of the same tick's ranking.
func (s *Switch) Evaluate(at time.Time, risk float64, ranking oracle.Ranking) Evaluation {
	s.mu.Lock()
	defer s.mu.Unlock()

	eval := Evaluation{SwitchID: s.state.ID, Before: s.state.Status}
	if s.state.Status.Terminal() {
		eval.After = s.state.Status
		return eval
	}

	split := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].After(at) })
	for _, ts := range s.pending[:split] {
		if ts.After(s.state.LastCheckIn) {
			s.state.LastCheckIn = ts
		}
	}
	eval.AppliedCheckIns = split
	s.pending = append([]time.Time(nil), s.pending[split:]...)
	eval.DeferredCheckIns = len(s.pending)
	if len(s.pending) == 0 {
		s.state.Status = Armed
	}

	eval.Elapsed = at.Sub(s.state.LastCheckIn)
	if eval.Elapsed >= s.state.Interval && risk >= s.state.Threshold {
		s.state.Status = Triggered
		s.state.TriggeredAt = &at
		s.pending = nil
		eval.Event = s.triggerEvent(at, risk, ranking)
	}

	eval.After = s.state.Status
	return eval
}

func (s *Switch) triggerEvent(at time.Time, risk float64, ranking oracle.Ranking) *Event {
	ev := &Event{
		Kind:      EventTriggered,
		At:        at,
		Risk:      risk,
		Threshold: s.state.Threshold,
		SwitchID:  s.state.ID,
	}
	if top, ok := ranking.Top(); ok {
		ev.Channel = &top
		ev.Message = fmt.Sprintf("no check-in for %s at risk %.2f; payout via %s (match %.2f)",
			s.state.Interval, risk, top.ChannelID, top.MatchScore)
		return ev
	}
	ev.NoViableChannel = true
	ev.Message = fmt.Sprintf("no check-in for %s at risk %.2f; no viable payout channel in this tick's ranking",
		s.state.Interval, risk)
	return ev
}

// State returns a snapshot.
func (s *Switch) State() SwitchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.Pending = len(s.pending)
	return out
}

// DeadManOptions constrain arming.
type DeadManOptions struct {
	Intervals       []time.Duration
	ActionThreshold float64
}

// DeadMan owns the current switch instance and the history of past ones.
type DeadMan struct {
	mu      sync.RWMutex
	opts    DeadManOptions
	current *Switch
	history []SwitchState
	newID   func() string
}

// NewDeadMan builds a controller with no armed switch.
func NewDeadMan(opts DeadManOptions) *DeadMan {
	return &DeadMan{
		opts:  opts,
		newID: func() string { return uuid.NewString() },
	}
}

// Options returns the arming constraints.
func (d *DeadMan) Options() DeadManOptions {
	return DeadManOptions{
		Intervals:       append([]time.Duration(nil), d.opts.Intervals...),
		ActionThreshold: d.opts.ActionThreshold,
	}
}

// Arm creates a fresh switch instance. It fails while another instance is
// still live.
func (d *DeadMan) Arm(at time.Time, interval time.Duration) (SwitchState, error) {
	if !d.allowed(interval) {
		return SwitchState{}, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	return d.arm("", at, interval)
}

// ArmAs re-creates an instance under a known ID without the interval check.
// It rebuilds the switch from recorded commands after a restart.
func (d *DeadMan) ArmAs(id string, at time.Time, interval time.Duration) (SwitchState, error) {
	if id == "" {
		return SwitchState{}, errors.New("automation: switch id required")
	}
	if interval <= 0 {
		return SwitchState{}, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	return d.arm(id, at, interval)
}

func (d *DeadMan) arm(id string, at time.Time, interval time.Duration) (SwitchState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		prev := d.current.State()
		if !prev.Status.Terminal() {
			return SwitchState{}, ErrAlreadyArmed
		}
		d.history = append(d.history, prev)
	}
	if id == "" {
		id = d.newID()
	}
	d.current = NewSwitch(id, at, interval, d.opts.ActionThreshold)
	return d.current.State(), nil
}

func (d *DeadMan) allowed(interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	if len(d.opts.Intervals) == 0 {
		return true
	}
	for _, iv := range d.opts.Intervals {
		if iv == interval {
			return true
		}
	}
	return false
}

// CheckIn forwards to the live switch.
func (d *DeadMan) CheckIn(at time.Time) error {
	sw := d.live()
	if sw == nil {
		return ErrNotArmed
	}
	return sw.CheckIn(at)
}

// Disarm forwards to the live switch.
func (d *DeadMan) Disarm(at time.Time) error {
	sw := d.live()
	if sw == nil {
		return ErrNotArmed
	}
	return sw.Disarm(at)
}

// Evaluate runs one tick against the live switch. ok is false when no
// switch has ever been armed.
func (d *DeadMan) Evaluate(at time.Time, risk float64, ranking oracle.Ranking) (Evaluation, bool) {
	sw := d.live()
	if sw == nil {
		return Evaluation{}, false
	}
	return sw.Evaluate(at, risk, ranking), true
}

// State returns the current instance snapshot.
func (d *DeadMan) State() (SwitchState, bool) {
	sw := d.live()
	if sw == nil {
		return SwitchState{}, false
	}
	return sw.State(), true
}

// History returns snapshots of retired instances, oldest first.
func (d *DeadMan) History() []SwitchState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]SwitchState(nil), d.history...)
}

func (d *DeadMan) live() *Switch {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}
