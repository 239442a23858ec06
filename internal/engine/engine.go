// Package engine runs evaluation cycles: fetch signals, fuse, simulate the
// payment network, rank channels, drive the automations, record everything in
// the audit log and notify.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"liquidity-oracle/internal/alerting"
	"liquidity-oracle/internal/audit"
	"liquidity-oracle/internal/automation"
	"liquidity-oracle/internal/geo"
	"liquidity-oracle/internal/metrics"
	"liquidity-oracle/internal/network"
	"liquidity-oracle/internal/oracle"
	"liquidity-oracle/internal/payout"
	"liquidity-oracle/internal/risk"
	"liquidity-oracle/internal/scheduler"
	"liquidity-oracle/internal/storage"
)

var (
	// ErrNotEvaluated is returned before the first cycle completes.
	ErrNotEvaluated = errors.New("engine: no evaluation yet")
	// ErrChannelNotViable is returned for a payout over a channel missing from
	// the latest ranking.
	ErrChannelNotViable = errors.New("engine: channel not in the latest viable ranking")
)

// Cycle triggers.
const (
	TriggerTick     = "tick"
	TriggerManual   = "manual"
	TriggerScenario = "scenario"
)

// Fetcher supplies one signal per category. It must not fail.
type Fetcher interface {
	FetchAll(ctx context.Context) []risk.Signal
}

// Cycle is the immutable outcome of one evaluation.
type Cycle struct {
	Number   uint64                  `json:"cycle"`
	At       time.Time               `json:"at"`
	Trigger  string                  `json:"trigger"`
	Location geo.Location            `json:"location"`
	Signals  []risk.Signal           `json:"signals"`
	Score    risk.Score              `json:"score"`
	Statuses []network.ChannelStatus `json:"statuses"`
	Ranking  oracle.Ranking          `json:"ranking"`
	Critical string                  `json:"critical,omitempty"`
	Switch   *automation.Evaluation  `json:"switch,omitempty"`
	Events   []automation.Event      `json:"events,omitempty"`
	AuditSeq []uint64                `json:"audit_seq,omitempty"`
}

// EvaluateRequest describes one cycle. A zero At means now.
type EvaluateRequest struct {
	At           time.Time
	Trigger      string
	OverrideRisk *float64
}

// Deps wires the engine. Notifier, Metrics, Locker and Scheduler are optional.
type Deps struct {
	Fetcher   Fetcher
	Pipeline  *Pipeline
	Locator   geo.Locator
	DeadMan   *automation.DeadMan
	Guardian  *automation.Watcher
	Log       *audit.Log
	Notifier  alerting.Notifier
	Metrics   *metrics.Metrics
	Locker    storage.AdvisoryLocker
	LockKey   int64
	Scheduler *scheduler.Scheduler
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Engine owns the evaluation loop. Cycles are serialized; readers see the
// latest completed cycle through an atomic pointer and never block a cycle.
type Engine struct {
	deps   Deps
	logger zerolog.Logger

	mu           sync.Mutex
	lastLocation geo.Location
	noViable     bool

	latest atomic.Pointer[Cycle]
}

// New validates the dependencies.
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("engine: fetcher required")
	case deps.Pipeline == nil:
		return nil, errors.New("engine: pipeline required")
	case deps.Locator == nil:
		return nil, errors.New("engine: locator required")
	case deps.DeadMan == nil:
		return nil, errors.New("engine: dead man's switch required")
	case deps.Guardian == nil:
		return nil, errors.New("engine: guardian watcher required")
	case deps.Log == nil:
		return nil, errors.New("engine: audit log required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "engine").Logger(),
	}, nil
}

// Run begins the scheduled evaluation loop.
func (e *Engine) Run(ctx context.Context) error {
	if e.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return e.deps.Scheduler.Run(ctx, e.ProcessTick)
}

// ProcessTick 执行单个调度周期的评估逻辑。
func (e *Engine) ProcessTick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		e.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	_, err = e.Evaluate(ctx, EvaluateRequest{At: at, Trigger: TriggerTick})
	if errors.Is(err, oracle.ErrNoViableChannel) {
		return nil
	}
	return err
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.deps.LockKey == 0 || e.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.deps.Locker.TryAdvisoryLock(ctx, e.deps.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// Evaluate runs one full cycle. When every channel is offline the cycle is
// still completed, recorded and published, and the returned error wraps
// oracle.ErrNoViableChannel.
func (e *Engine) Evaluate(ctx context.Context, req EvaluateRequest) (*Cycle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := time.Now()
	at := req.At
	if at.IsZero() {
		at = e.deps.Now()
	}
	at = at.UTC().Truncate(time.Microsecond)
	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}

	cycle := &Cycle{Number: e.deps.Log.NextCycle(), At: at, Trigger: trigger}
	cycle.Signals = e.deps.Fetcher.FetchAll(ctx)
	cycle.Location = e.locate(ctx)

	res, rankErr := e.deps.Pipeline.Compute(cycle.Signals, at, req.OverrideRisk, cycle.Location.ConflictZone)
	cycle.Score = res.Score
	cycle.Statuses = res.Statuses
	cycle.Ranking = res.Ranking

	enteredNoViable := false
	if errors.Is(rankErr, oracle.ErrNoViableChannel) {
		cycle.Critical = audit.CriticalNoViableChannel
		enteredNoViable = !e.noViable
		e.noViable = true
		e.deps.Metrics.NoViableChannel()
		e.logger.Error().Uint64("cycle", cycle.Number).Float64("risk", cycle.Score.Value).
			Strs("excluded", cycle.Ranking.Excluded).Msg("no viable payout channel")
	} else {
		e.noViable = false
	}

	if eval, ok := e.deps.DeadMan.Evaluate(at, cycle.Score.Value, cycle.Ranking); ok {
		cycle.Switch = &eval
		if eval.Event != nil {
			cycle.Events = append(cycle.Events, *eval.Event)
			e.logger.Error().Str("switch_id", eval.SwitchID).Float64("risk", cycle.Score.Value).
				Bool("no_viable_channel", eval.Event.NoViableChannel).Msg("dead man's switch triggered")
		}
		if eval.DeferredCheckIns > 0 {
			e.logger.Info().Int("deferred", eval.DeferredCheckIns).Msg("check-ins stamped after the evaluation instant apply next cycle")
		}
	}
	if ev, ok := e.deps.Guardian.Observe(at, cycle.Score.Value); ok {
		cycle.Events = append(cycle.Events, ev)
	}
	if enteredNoViable {
		cycle.Events = append(cycle.Events, automation.Event{
			Kind:            automation.EventNoViableChannel,
			At:              at,
			Risk:            cycle.Score.Value,
			NoViableChannel: true,
			Message:         fmt.Sprintf("every payout channel is offline at risk %.2f", cycle.Score.Value),
		})
	}

	cycle.AuditSeq = e.record(ctx, cycle, req.OverrideRisk)
	e.notify(ctx, cycle)

	e.deps.Metrics.ObserveCycle(trigger, cycle.Score.Value, cycle.Score.Degraded, time.Since(started))
	e.latest.Store(cycle)

	e.logger.Info().Uint64("cycle", cycle.Number).
		Str("trigger", trigger).
		Float64("risk", cycle.Score.Value).
		Str("band", cycle.Score.Band().String()).
		Bool("degraded", cycle.Score.Degraded).
		Str("regime", cycle.Ranking.Regime.String()).
		Int("viable", len(cycle.Ranking.Recommendations)).
		Msg("evaluation recorded")

	if rankErr != nil {
		return cycle, fmt.Errorf("cycle %d: %w", cycle.Number, rankErr)
	}
	return cycle, nil
}

func (e *Engine) locate(ctx context.Context) geo.Location {
	loc, err := e.deps.Locator.Locate(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Str("location", e.lastLocation.String()).Msg("locate failed, reusing last location")
		return e.lastLocation
	}
	e.lastLocation = loc
	return loc
}

func (e *Engine) record(ctx context.Context, cycle *Cycle, override *float64) []uint64 {
	score := cycle.Score
	ranking := cycle.Ranking
	rationale := make([]string, 0, len(ranking.Recommendations))
	for _, rec := range ranking.Recommendations {
		rationale = append(rationale, rec.Rationale)
	}

	entries := []audit.Entry{{
		Cycle:     cycle.Number,
		Timestamp: cycle.At,
		Kind:      audit.KindEvaluation,
		Inputs: audit.Inputs{
			EvaluatedAt:  cycle.At,
			Trigger:      cycle.Trigger,
			Signals:      cycle.Signals,
			OverrideRisk: override,
			Location:     cycle.Location.String(),
			ConflictZone: cycle.Location.ConflictZone,
		},
		Outputs: audit.Outputs{
			Score:    &score,
			Statuses: cycle.Statuses,
			Ranking:  &ranking,
			Critical: cycle.Critical,
			Switch:   cycle.Switch,
		},
		Rationale: rationale,
	}}
	for i := range cycle.Events {
		ev := cycle.Events[i]
		entries = append(entries, audit.Entry{
			Cycle:     cycle.Number,
			Timestamp: cycle.At,
			Kind:      audit.KindAutomation,
			Inputs:    audit.Inputs{EvaluatedAt: cycle.At, Trigger: cycle.Trigger},
			Outputs:   audit.Outputs{Event: &ev},
			Rationale: []string{ev.Message},
		})
	}

	seqs := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		sealed, err := e.deps.Log.Append(ctx, entry)
		if sealed.Seq != 0 {
			seqs = append(seqs, sealed.Seq)
		}
		if err != nil {
			e.logger.Error().Err(err).Uint64("cycle", cycle.Number).Str("kind", string(entry.Kind)).Msg("failed to persist audit entry")
		}
	}
	e.deps.Metrics.AuditUnsynced(e.deps.Log.Unsynced())
	return seqs
}

func (e *Engine) notify(ctx context.Context, cycle *Cycle) {
	for _, ev := range cycle.Events {
		e.deps.Metrics.AutomationEvent(string(ev.Kind))
		if e.deps.Notifier == nil {
			continue
		}
		note := alerting.FromEvent(ev, cycle.Location.String())
		if err := e.deps.Notifier.Notify(ctx, note); err != nil {
			e.deps.Metrics.NotifyFailure(string(ev.Kind))
			e.logger.Error().Err(err).Str("kind", string(ev.Kind)).Uint64("cycle", cycle.Number).Msg("failed to dispatch notification")
		}
	}
}

// Latest returns the most recent completed cycle.
func (e *Engine) Latest() (*Cycle, bool) {
	c := e.latest.Load()
	return c, c != nil
}

// Arm arms a fresh dead man's switch instance.
func (e *Engine) Arm(ctx context.Context, interval time.Duration) (automation.SwitchState, error) {
	now := e.commandTime()
	state, err := e.deps.DeadMan.Arm(now, interval)
	e.recordCommand(ctx, audit.Command{Name: audit.CommandArm, At: now, SwitchID: state.ID, Interval: interval}, err)
	return state, err
}

// CheckIn records a traveler check-in stamped now. It resets the clock at
// the first cycle evaluated at or after that instant.
func (e *Engine) CheckIn(ctx context.Context) (automation.SwitchState, error) {
	now := e.commandTime()
	err := e.deps.DeadMan.CheckIn(now)
	state, _ := e.deps.DeadMan.State()
	e.recordCommand(ctx, audit.Command{Name: audit.CommandCheckIn, At: now, SwitchID: state.ID}, err)
	return state, err
}

// Disarm ends the current arming cycle.
func (e *Engine) Disarm(ctx context.Context) (automation.SwitchState, error) {
	now := e.commandTime()
	err := e.deps.DeadMan.Disarm(now)
	state, _ := e.deps.DeadMan.State()
	e.recordCommand(ctx, audit.Command{Name: audit.CommandDisarm, At: now, SwitchID: state.ID}, err)
	return state, err
}

// commandTime stamps a command at the precision the audit log keeps, so
// replaying the log reproduces the switch exactly.
func (e *Engine) commandTime() time.Time {
	return e.deps.Now().UTC().Truncate(time.Microsecond)
}

func (e *Engine) recordCommand(ctx context.Context, cmd audit.Command, cmdErr error) {
	if cmdErr != nil {
		cmd.Error = cmdErr.Error()
	}
	cycle := e.deps.Log.NextCycle() - 1
	if _, err := e.deps.Log.Append(ctx, audit.Entry{
		Cycle:     cycle,
		Timestamp: cmd.At,
		Kind:      audit.KindCommand,
		Outputs:   audit.Outputs{Command: &cmd},
	}); err != nil {
		e.logger.Error().Err(err).Str("command", cmd.Name).Msg("failed to persist audit entry")
	}
	ev := e.logger.Info()
	if cmdErr != nil {
		ev = e.logger.Warn().Err(cmdErr)
	}
	ev.Str("command", cmd.Name).Str("switch_id", cmd.SwitchID).Msg("dead man's switch command")
}

// DeadManState returns the current switch snapshot.
func (e *Engine) DeadManState() (automation.SwitchState, bool) {
	return e.deps.DeadMan.State()
}

// DeadManOptions returns the arming constraints.
func (e *Engine) DeadManOptions() automation.DeadManOptions {
	return e.deps.DeadMan.Options()
}

// GuardianState returns the watcher snapshot.
func (e *Engine) GuardianState() automation.WatcherState {
	return e.deps.Guardian.State()
}

// RecordPayout logs a payout confirmation from the orchestrator. The channel
// must be among the latest cycle's viable recommendations.
func (e *Engine) RecordPayout(ctx context.Context, conf payout.Confirmation) (audit.Entry, error) {
	latest, ok := e.Latest()
	if !ok {
		return audit.Entry{}, ErrNotEvaluated
	}
	viable := false
	for _, rec := range latest.Ranking.Recommendations {
		if rec.ChannelID == conf.ChannelID {
			viable = true
			break
		}
	}
	if !viable {
		return audit.Entry{}, fmt.Errorf("%w: %s", ErrChannelNotViable, conf.ChannelID)
	}
	entry, err := e.deps.Log.Append(ctx, audit.Entry{
		Cycle:     latest.Number,
		Timestamp: e.deps.Now(),
		Kind:      audit.KindPayout,
		Outputs:   audit.Outputs{Payout: &conf},
		Rationale: []string{fmt.Sprintf("payout %s via %s recorded against cycle %d", conf.TxID, conf.ChannelID, latest.Number)},
	})
	if err != nil && entry.Seq == 0 {
		return audit.Entry{}, err
	}
	if err != nil {
		e.logger.Error().Err(err).Str("tx_id", conf.TxID).Msg("failed to persist audit entry")
	}
	e.logger.Info().Str("tx_id", conf.TxID).Str("channel", conf.ChannelID).Msg("payout confirmation recorded")
	return entry, nil
}

// AuditEntries pages through the in-memory audit log.
func (e *Engine) AuditEntries(since uint64, limit int) []audit.Entry {
	return e.deps.Log.Entries(since, limit)
}
