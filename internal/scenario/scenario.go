// Package scenario holds the pre-built crisis scenarios used for drills.
package scenario

import (
	"fmt"
	"strings"

	"liquidity-oracle/internal/geo"
	"liquidity-oracle/internal/risk"
	"liquidity-oracle/internal/signals"
)

// DefaultBaseline is the severity reported by the categories a scenario
// does not drive.
const DefaultBaseline = 1.0

// Scenario is one crisis drill: a location and the category it escalates.
type Scenario struct {
	Slug         string        `json:"slug"`
	Name         string        `json:"name"`
	City         string        `json:"city"`
	Country      string        `json:"country"`
	Category     risk.Category `json:"category"`
	Severity     float64       `json:"severity"`
	ConflictZone bool          `json:"conflict_zone"`
	Headline     string        `json:"headline"`
	Description  string        `json:"description"`
}

var library = []Scenario{
	{
		Slug:        "istanbul-unrest",
		Name:        "Istanbul Political Unrest",
		City:        "Istanbul",
		Country:     "Turkey",
		Category:    risk.Political,
		Severity:    9,
		Headline:    "Mass protests in Istanbul, payment systems disrupted",
		Description: "Major protests and civil unrest. Banks and ATMs closing.",
	},
	{
		Slug:        "beirut-banking",
		Name:        "Beirut Banking Crisis",
		City:        "Beirut",
		Country:     "Lebanon",
		Category:    risk.Infrastructure,
		Severity:    8,
		Headline:    "Lebanese banks impose strict withdrawal limits",
		Description: "Banking sector collapse. Capital controls in effect.",
	},
	{
		Slug:        "tokyo-earthquake",
		Name:        "Tokyo Earthquake",
		City:        "Tokyo",
		Country:     "Japan",
		Category:    risk.Natural,
		Severity:    7,
		Headline:    "7.2 magnitude earthquake hits Tokyo region",
		Description: "Infrastructure damage, transportation disrupted, power outages.",
	},
	{
		Slug:         "kyiv-security",
		Name:         "Kyiv Security Alert",
		City:         "Kyiv",
		Country:      "Ukraine",
		Category:     risk.Security,
		Severity:     10,
		ConflictZone: true,
		Headline:     "State Department issues Level 4, do not travel",
		Description:  "Armed conflict escalating. Immediate evacuation recommended.",
	},
	{
		Slug:        "cairo-shutdown",
		Name:        "Cairo Internet Shutdown",
		City:        "Cairo",
		Country:     "Egypt",
		Category:    risk.Infrastructure,
		Severity:    6,
		Headline:    "Internet shutdown affects digital payments",
		Description: "Government-ordered shutdown. Digital payment systems offline.",
	},
}

// All returns every scenario in library order.
func All() []Scenario {
	return append([]Scenario(nil), library...)
}

// Lookup matches a slug or display name, case-insensitively.
func Lookup(name string) (Scenario, error) {
	key := strings.TrimSpace(name)
	for _, s := range library {
		if strings.EqualFold(s.Slug, key) || strings.EqualFold(s.Name, key) {
			return s, nil
		}
	}
	return Scenario{}, fmt.Errorf("unknown scenario %q", name)
}

// Sources builds one static source per category: the scenario category at
// its severity and the rest at baseline.
func (s Scenario) Sources(baseline float64) (map[risk.Category]signals.Source, error) {
	out := make(map[risk.Category]signals.Source, len(risk.Categories))
	for _, c := range risk.Categories {
		sev := baseline
		if c == s.Category {
			sev = s.Severity
		}
		src, err := signals.NewStaticSource("scenario:"+s.Slug, sev)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", s.Slug, err)
		}
		out[c] = src
	}
	return out, nil
}

// Locator places the traveler at the scenario location.
func (s Scenario) Locator(conflictCountries []string) (*geo.StaticLocator, error) {
	return geo.NewStaticLocator(geo.StaticOptions{
		City:              s.City,
		Country:           s.Country,
		ConflictZone:      s.ConflictZone,
		ConflictCountries: conflictCountries,
	})
}
