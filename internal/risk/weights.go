package risk

import (
	"fmt"
	"math"
)

// WeightTolerance bounds floating error accepted when checking that a weight
// set sums to one.
const WeightTolerance = 1e-9

// Weights maps each category to its base fusion weight.
type Weights map[Category]float64

// DefaultWeights returns the stock category weighting.
func DefaultWeights() Weights {
	return Weights{
		Political:      0.40,
		Natural:        0.30,
		Security:       0.20,
		Infrastructure: 0.10,
	}
}

// Validate checks that every category has a weight in [0,1], no unknown
// categories are present and the set sums to 1.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("weights are empty")
	}
	for c := range w {
		if !c.Valid() {
			return fmt.Errorf("unknown category %q", c)
		}
	}
	sum := 0.0
	for _, c := range Categories {
		v, ok := w[c]
		if !ok {
			return fmt.Errorf("missing weight for %s", c)
		}
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("weight for %s must be within [0,1], got %v", c, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > WeightTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %.12f", sum)
	}
	return nil
}

// Clone returns an independent copy.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
