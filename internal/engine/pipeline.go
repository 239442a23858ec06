package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"liquidity-oracle/internal/audit"
	"liquidity-oracle/internal/network"
	"liquidity-oracle/internal/oracle"
	"liquidity-oracle/internal/risk"
)

// Pipeline is the pure part of a cycle: fuse, simulate, rank. The same
// inputs always give the same outputs.
type Pipeline struct {
	fuser  *risk.Fuser
	sim    *network.Simulator
	oracle *oracle.Oracle
}

// NewPipeline bundles the three stages.
func NewPipeline(fuser *risk.Fuser, sim *network.Simulator, o *oracle.Oracle) *Pipeline {
	return &Pipeline{fuser: fuser, sim: sim, oracle: o}
}

// Result is one pass through the pipeline.
type Result struct {
	Score    risk.Score
	Statuses []network.ChannelStatus
	Ranking  oracle.Ranking
}

// Compute runs fusion, the optional manual override, network simulation and
// ranking. The error is oracle.ErrNoViableChannel or nil; the result is
// complete either way.
func (p *Pipeline) Compute(signals []risk.Signal, at time.Time, override *float64, conflictZone bool) (Result, error) {
	score := p.fuser.Fuse(signals, at)
	if override != nil {
		score = score.WithOverride(*override)
	}
	statuses := p.sim.Simulate(score.Value, conflictZone)
	ranking, err := p.oracle.Rank(score, statuses)
	return Result{Score: score, Statuses: statuses, Ranking: ranking}, err
}

// Mismatch reports an evaluation entry whose recorded outputs differ from a
// fresh computation on its recorded inputs.
type Mismatch struct {
	Seq   uint64 `json:"seq"`
	Cycle uint64 `json:"cycle"`
	Field string `json:"field"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("seq %d (cycle %d): %s differs on replay", m.Seq, m.Cycle, m.Field)
}

// Replay recomputes every evaluation entry and returns the mismatches and
// the number of entries checked.
func (p *Pipeline) Replay(entries []audit.Entry) ([]Mismatch, int, error) {
	var mismatches []Mismatch
	checked := 0
	for _, e := range entries {
		if e.Kind != audit.KindEvaluation {
			continue
		}
		checked++
		res, _ := p.Compute(e.Inputs.Signals, e.Inputs.EvaluatedAt, e.Inputs.OverrideRisk, e.Inputs.ConflictZone)

		fields := []struct {
			name     string
			recorded interface{}
			replayed interface{}
		}{
			{"score", e.Outputs.Score, &res.Score},
			{"statuses", e.Outputs.Statuses, res.Statuses},
			{"ranking", e.Outputs.Ranking, &res.Ranking},
		}
		for _, f := range fields {
			same, err := sameJSON(f.recorded, f.replayed)
			if err != nil {
				return nil, checked, fmt.Errorf("replay seq %d: %w", e.Seq, err)
			}
			if !same {
				mismatches = append(mismatches, Mismatch{Seq: e.Seq, Cycle: e.Cycle, Field: f.name})
			}
		}
	}
	return mismatches, checked, nil
}

func sameJSON(a, b interface{}) (bool, error) {
	ja, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ja, jb), nil
}
