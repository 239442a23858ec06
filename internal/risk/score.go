package risk

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Band is a coarse bucket of the composite score.
type Band int

const (
	BandLow Band = iota
	BandModerate
	BandHigh
)

// Band boundaries: LOW [0,3], MODERATE (3,6], HIGH (6,10].
const (
	lowCeiling      = 3.0
	moderateCeiling = 6.0
)

// BandFor buckets a composite score.
func BandFor(v float64) Band {
	switch {
	case v <= lowCeiling:
		return BandLow
	case v <= moderateCeiling:
		return BandModerate
	default:
		return BandHigh
	}
}

func (b Band) String() string {
	switch b {
	case BandLow:
		return "LOW"
	case BandModerate:
		return "MODERATE"
	case BandHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("Band(%d)", int(b))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (b Band) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Band) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "LOW":
		*b = BandLow
	case "MODERATE":
		*b = BandModerate
	case "HIGH":
		*b = BandHigh
	default:
		return fmt.Errorf("unknown risk band %q", text)
	}
	return nil
}

// Contribution is one category's share of a composite score.
type Contribution struct {
	Category        Category `json:"category"`
	Severity        float64  `json:"severity"`
	BaseWeight      float64  `json:"base_weight"`
	EffectiveWeight float64  `json:"effective_weight"`
	Contribution    float64  `json:"contribution"`
	Stale           bool     `json:"stale"`
	Unavailable     bool     `json:"unavailable"`
}

// Score is an immutable composite risk evaluation.
type Score struct {
	Value      float64        `json:"value"`
	Fused      float64        `json:"fused"`
	Breakdown  []Contribution `json:"breakdown"`
	ComputedAt time.Time      `json:"computed_at"`
	Degraded   bool           `json:"degraded"`
	Overridden bool           `json:"overridden"`
}

// Band returns the bucket of the effective value.
func (s Score) Band() Band {
	return BandFor(s.Value)
}

// Dominant returns the category with the highest contribution. Ties resolve
// to the earlier category in canonical order. ok is false when no category
// contributed a usable value.
func (s Score) Dominant() (Contribution, bool) {
	var (
		best  Contribution
		found bool
	)
	for _, c := range s.Breakdown {
		if c.Unavailable {
			continue
		}
		if !found || c.Contribution > best.Contribution {
			best = c
			found = true
		}
	}
	return best, found
}

// WithOverride returns a copy whose effective value is forced to v. The
// breakdown still reflects the fused inputs.
func (s Score) WithOverride(v float64) Score {
	out := s
	out.Breakdown = append([]Contribution(nil), s.Breakdown...)
	out.Value = clamp(v, MinSeverity, MaxSeverity)
	out.Overridden = true
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// roundTo trims binary floating noise so band boundaries and ties compare
// exactly.
func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
