package risk

import (
	"fmt"
	"time"
)

const scorePrecision = 9

// Fuser combines one signal per category into a composite score.
type Fuser struct {
	weights Weights
}

// NewFuser validates the weight set before any evaluation can run.
func NewFuser(w Weights) (*Fuser, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("fusion weights: %w", err)
	}
	return &Fuser{weights: w.Clone()}, nil
}

// Weights returns a copy of the base weights.
func (f *Fuser) Weights() Weights {
	return f.weights.Clone()
}

// Fuse computes the composite score. Categories missing from signals are
// treated as unavailable. Unavailable categories have their weight
// redistributed proportionally over the available ones; stale categories
// keep full weight. Either condition marks the score degraded.
func (f *Fuser) Fuse(signals []Signal, at time.Time) Score {
	latest := latestByCategory(signals)

	available := 0.0
	degraded := false
	redistribute := false
	for _, c := range Categories {
		sig, ok := latest[c]
		if !ok || sig.Unavailable {
			degraded = true
			redistribute = true
			continue
		}
		if sig.Stale {
			degraded = true
		}
		available += f.weights[c]
	}

	breakdown := make([]Contribution, 0, len(Categories))
	total := 0.0
	for _, c := range Categories {
		sig, ok := latest[c]
		item := Contribution{Category: c, BaseWeight: f.weights[c]}
		if !ok || sig.Unavailable {
			item.Unavailable = true
			breakdown = append(breakdown, item)
			continue
		}
		item.Severity = clamp(sig.Severity, MinSeverity, MaxSeverity)
		item.Stale = sig.Stale
		item.EffectiveWeight = f.weights[c]
		if redistribute && available > 0 {
			item.EffectiveWeight = f.weights[c] / available
		}
		item.Contribution = roundTo(item.Severity*item.EffectiveWeight, scorePrecision)
		total += item.Severity * item.EffectiveWeight
		breakdown = append(breakdown, item)
	}
	if available == 0 {
		total = 0
	}

	value := roundTo(clamp(total, MinSeverity, MaxSeverity), scorePrecision)
	return Score{
		Value:      value,
		Fused:      value,
		Breakdown:  breakdown,
		ComputedAt: at,
		Degraded:   degraded,
	}
}

func latestByCategory(signals []Signal) map[Category]Signal {
	latest := make(map[Category]Signal, len(Categories))
	for _, sig := range signals {
		if !sig.Category.Valid() {
			continue
		}
		prev, ok := latest[sig.Category]
		if !ok || sig.ObservedAt.After(prev.ObservedAt) {
			latest[sig.Category] = sig
		}
	}
	return latest
}
