package oracle

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"liquidity-oracle/internal/risk"
)

// Regime selects the weight set used to score channels.
type Regime int

const (
	Normal Regime = iota
	Crisis
)

func (r Regime) String() string {
	switch r {
	case Normal:
		return "normal"
	case Crisis:
		return "crisis"
	default:
		return fmt.Sprintf("Regime(%d)", int(r))
	}
}

// ParseRegime maps a config key onto a Regime.
func ParseRegime(s string) (Regime, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return Normal, nil
	case "crisis":
		return Crisis, nil
	}
	return 0, fmt.Errorf("unknown regime %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Regime) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Regime) UnmarshalText(text []byte) error {
	parsed, err := ParseRegime(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Criteria weights the scored traits. Privacy is carried on recommendations
// but has no weight.
type Criteria struct {
	Speed       float64 `json:"speed" mapstructure:"speed"`
	Reliability float64 `json:"reliability" mapstructure:"reliability"`
	Cost        float64 `json:"cost" mapstructure:"cost"`
}

// Validate checks each weight is within [0,1] and the set sums to 1.
func (c Criteria) Validate() error {
	for name, v := range map[string]float64{"speed": c.Speed, "reliability": c.Reliability, "cost": c.Cost} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%s weight must be within [0,1], got %v", name, v)
		}
	}
	if sum := c.Speed + c.Reliability + c.Cost; math.Abs(sum-1) > risk.WeightTolerance {
		return fmt.Errorf("criteria weights must sum to 1.0, got %.12f", sum)
	}
	return nil
}

// RegimeSpec is the weight table of one regime and the lowest score at which
// it applies.
type RegimeSpec struct {
	MinScore float64  `json:"min_score" mapstructure:"min_score"`
	Weights  Criteria `json:"weights" mapstructure:"weights"`
}

// RegimeTable holds one spec per regime variant.
type RegimeTable map[Regime]RegimeSpec

// DefaultRegimes returns the stock Normal/Crisis step function.
func DefaultRegimes() RegimeTable {
	return RegimeTable{
		Normal: {MinScore: 0, Weights: Criteria{Speed: 0.30, Reliability: 0.30, Cost: 0.40}},
		Crisis: {MinScore: 7, Weights: Criteria{Speed: 0.50, Reliability: 0.40, Cost: 0.10}},
	}
}

// Validate checks the table is a well-formed step function over [0,10].
func (t RegimeTable) Validate() error {
	normal, ok := t[Normal]
	if !ok {
		return fmt.Errorf("normal regime is required")
	}
	if normal.MinScore != 0 {
		return fmt.Errorf("normal regime must start at score 0, got %v", normal.MinScore)
	}
	thresholds := make(map[float64]Regime, len(t))
	for r, spec := range t {
		if r != Normal && r != Crisis {
			return fmt.Errorf("unknown regime %d", int(r))
		}
		if math.IsNaN(spec.MinScore) || spec.MinScore < risk.MinSeverity || spec.MinScore > risk.MaxSeverity {
			return fmt.Errorf("%s regime min_score must be within [0,10], got %v", r, spec.MinScore)
		}
		if other, dup := thresholds[spec.MinScore]; dup {
			return fmt.Errorf("%s and %s regimes share min_score %v", r, other, spec.MinScore)
		}
		thresholds[spec.MinScore] = r
		if err := spec.Weights.Validate(); err != nil {
			return fmt.Errorf("%s regime: %w", r, err)
		}
	}
	return nil
}

// Select returns the regime with the greatest MinScore not above score.
func (t RegimeTable) Select(score float64) Regime {
	regimes := make([]Regime, 0, len(t))
	for r := range t {
		regimes = append(regimes, r)
	}
	sort.Slice(regimes, func(i, j int) bool {
		return t[regimes[i]].MinScore < t[regimes[j]].MinScore
	})
	selected := Normal
	for _, r := range regimes {
		if score >= t[r].MinScore {
			selected = r
		}
	}
	return selected
}
