package risk

import (
	"fmt"
	"strings"
	"time"
)

// Category identifies the family of threat a signal describes.
type Category string

const (
	Political      Category = "political"
	Natural        Category = "natural"
	Security       Category = "security"
	Infrastructure Category = "infrastructure"
)

// Categories lists every category in canonical order. Fusion, breakdowns and
// tie-breaks always walk this order.
var Categories = []Category{Political, Natural, Security, Infrastructure}

const (
	MinSeverity = 0.0
	MaxSeverity = 10.0
)

// ParseCategory maps a config or wire string onto a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown risk category %q", s)
	}
	return c, nil
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Signal is one normalised feed observation. Severity is always within
// [MinSeverity, MaxSeverity].
type Signal struct {
	Category    Category  `json:"category"`
	Severity    float64   `json:"severity"`
	ObservedAt  time.Time `json:"observed_at"`
	Stale       bool      `json:"stale"`
	Unavailable bool      `json:"unavailable"`
	Source      string    `json:"source,omitempty"`
}

// Usable reports whether the signal carries a real (fresh or cached) value.
func (s Signal) Usable() bool {
	return !s.Unavailable
}
