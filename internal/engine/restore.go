package engine

import (
	"errors"
	"fmt"

	"liquidity-oracle/internal/audit"
	"liquidity-oracle/internal/automation"
)

// Restore rebuilds the dead man's switch, the guardian edge and the
// no-viable-channel latch from a restored audit log. Failed commands are
// skipped. Evaluations are re-applied with their recorded risk and ranking.
// diverged counts evaluations whose replayed switch outcome differs from the
// recorded one, which happens when the action threshold changed in between.
func (e *Engine) Restore(entries []audit.Entry) (diverged int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var commands, evaluations int
	for _, entry := range entries {
		switch entry.Kind {
		case audit.KindCommand:
			cmd := entry.Outputs.Command
			if cmd == nil || cmd.Error != "" {
				continue
			}
			if err := e.replayCommand(*cmd); err != nil {
				// Once the switch has diverged, a later command may no longer apply.
				if diverged > 0 && (errors.Is(err, automation.ErrAlreadyArmed) || errors.Is(err, automation.ErrNotArmed)) {
					diverged++
					e.logger.Warn().Err(err).Uint64("seq", entry.Seq).Str("command", cmd.Name).
						Msg("recorded command no longer applies to the replayed switch")
					continue
				}
				return diverged, fmt.Errorf("replay audit entry %d: %w", entry.Seq, err)
			}
			commands++
		case audit.KindEvaluation:
			score, ranking := entry.Outputs.Score, entry.Outputs.Ranking
			if score == nil || ranking == nil {
				continue
			}
			at := entry.Inputs.EvaluatedAt
			eval, ok := e.deps.DeadMan.Evaluate(at, score.Value, *ranking)
			if rec := entry.Outputs.Switch; rec != nil {
				if !ok || eval.SwitchID != rec.SwitchID || eval.After != rec.After {
					diverged++
					e.logger.Warn().Uint64("seq", entry.Seq).Str("switch_id", rec.SwitchID).
						Str("recorded", rec.After.String()).Str("replayed", eval.After.String()).
						Msg("replayed switch diverges from the audit log")
				}
			}
			e.deps.Guardian.Observe(at, score.Value)
			e.noViable = entry.Outputs.Critical == audit.CriticalNoViableChannel
			evaluations++
		}
	}

	ev := e.logger.Info().Int("commands", commands).Int("evaluations", evaluations).Int("diverged", diverged)
	if state, ok := e.deps.DeadMan.State(); ok {
		ev = ev.Str("switch_id", state.ID).Str("switch_status", state.Status.String())
	}
	ev.Bool("guardian_above", e.deps.Guardian.State().Above).Msg("automation state restored")
	return diverged, nil
}

func (e *Engine) replayCommand(cmd audit.Command) error {
	switch cmd.Name {
	case audit.CommandArm:
		_, err := e.deps.DeadMan.ArmAs(cmd.SwitchID, cmd.At, cmd.Interval)
		return err
	case audit.CommandCheckIn:
		return e.deps.DeadMan.CheckIn(cmd.At)
	case audit.CommandDisarm:
		return e.deps.DeadMan.Disarm(cmd.At)
	default:
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
}
