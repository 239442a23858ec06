package channel

import (
	"fmt"
	"math"
	"strings"

	"liquidity-oracle/internal/risk"
)

// Status is the operational state of a payout rail. Higher values are worse.
type Status int

const (
	Online Status = iota
	Congested
	Restricted
	Offline
)

func (s Status) String() string {
	switch s {
	case Online:
		return "ONLINE"
	case Congested:
		return "CONGESTED"
	case Restricted:
		return "RESTRICTED"
	case Offline:
		return "OFFLINE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ParseStatus maps a config string onto a Status.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ONLINE":
		return Online, nil
	case "CONGESTED":
		return Congested, nil
	case "RESTRICTED":
		return Restricted, nil
	case "OFFLINE":
		return Offline, nil
	}
	return 0, fmt.Errorf("unknown channel status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// AtLeast returns the worse of s and floor.
func (s Status) AtLeast(floor Status) Status {
	if s < floor {
		return floor
	}
	return s
}

// Traits is the static trait vector of a channel, each within [0,10].
// Cost is scored as affordability: higher means cheaper.
type Traits struct {
	Speed       float64 `json:"speed" mapstructure:"speed"`
	Reliability float64 `json:"reliability" mapstructure:"reliability"`
	Cost        float64 `json:"cost" mapstructure:"cost"`
	Privacy     float64 `json:"privacy" mapstructure:"privacy"`
}

// Profile is a channel's status per risk band.
type Profile struct {
	Low      Status `json:"low" mapstructure:"low"`
	Moderate Status `json:"moderate" mapstructure:"moderate"`
	High     Status `json:"high" mapstructure:"high"`
}

// At returns the profile status for band.
func (p Profile) At(band risk.Band) Status {
	switch band {
	case risk.BandLow:
		return p.Low
	case risk.BandModerate:
		return p.Moderate
	default:
		return p.High
	}
}

// Channel is an immutable catalog entry.
type Channel struct {
	ID          string  `json:"id" mapstructure:"id"`
	Name        string  `json:"name" mapstructure:"name"`
	Traits      Traits  `json:"traits" mapstructure:"traits"`
	Traditional bool    `json:"traditional" mapstructure:"traditional"`
	Profile     Profile `json:"profile" mapstructure:"profile"`
}

// Resilient reports whether the channel stays online at every band and is not
// subject to the conflict-zone override.
func (c Channel) Resilient() bool {
	return !c.Traditional && c.Profile.High == Online
}

// Catalog is the fixed set of payout channels.
type Catalog []Channel

// Default catalog identifiers.
const (
	Crypto      = "crypto"
	MobileMoney = "mobile-money"
	Wire        = "wire"
	CashPickup  = "cash-pickup"
)

// DefaultCatalog returns the stock channel table.
func DefaultCatalog() Catalog {
	return Catalog{
		{
			ID:      Crypto,
			Name:    "Crypto Wallet (USDC)",
			Traits:  Traits{Speed: 9, Reliability: 8, Cost: 7, Privacy: 10},
			Profile: Profile{Low: Online, Moderate: Online, High: Online},
		},
		{
			ID:      MobileMoney,
			Name:    "Mobile Money",
			Traits:  Traits{Speed: 8, Reliability: 9, Cost: 9, Privacy: 7},
			Profile: Profile{Low: Online, Moderate: Online, High: Congested},
		},
		{
			ID:          Wire,
			Name:        "Wire Transfer",
			Traits:      Traits{Speed: 3, Reliability: 9, Cost: 5, Privacy: 6},
			Traditional: true,
			Profile:     Profile{Low: Online, Moderate: Congested, High: Offline},
		},
		{
			ID:          CashPickup,
			Name:        "Cash Pickup",
			Traits:      Traits{Speed: 7, Reliability: 6, Cost: 4, Privacy: 8},
			Traditional: true,
			Profile:     Profile{Low: Online, Moderate: Congested, High: Restricted},
		},
	}
}

// Lookup finds a channel by id.
func (c Catalog) Lookup(id string) (Channel, bool) {
	for _, ch := range c {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// Validate enforces the catalog invariants: non-empty, unique ids, traits in
// range, profiles that never improve as risk rises and at least one resilient
// channel so no band can lock every rail.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("channel catalog is empty")
	}
	seen := make(map[string]struct{}, len(c))
	resilient := false
	for i, ch := range c {
		if strings.TrimSpace(ch.ID) == "" {
			return fmt.Errorf("channel[%d]: id is required", i)
		}
		if _, dup := seen[ch.ID]; dup {
			return fmt.Errorf("channel %s: duplicate id", ch.ID)
		}
		seen[ch.ID] = struct{}{}

		traits := map[string]float64{
			"speed":       ch.Traits.Speed,
			"reliability": ch.Traits.Reliability,
			"cost":        ch.Traits.Cost,
			"privacy":     ch.Traits.Privacy,
		}
		for name, v := range traits {
			if math.IsNaN(v) || v < 0 || v > 10 {
				return fmt.Errorf("channel %s: %s trait must be within [0,10], got %v", ch.ID, name, v)
			}
		}

		p := ch.Profile
		for _, st := range []Status{p.Low, p.Moderate, p.High} {
			if st < Online || st > Offline {
				return fmt.Errorf("channel %s: invalid profile status %d", ch.ID, int(st))
			}
		}
		if p.Moderate < p.Low || p.High < p.Moderate {
			return fmt.Errorf("channel %s: profile must not improve as risk rises (%s/%s/%s)", ch.ID, p.Low, p.Moderate, p.High)
		}
		if ch.Resilient() {
			resilient = true
		}
	}
	if !resilient {
		return fmt.Errorf("catalog needs at least one non-traditional channel that stays ONLINE at every band")
	}
	return nil
}
