package network

import (
	"fmt"

	"liquidity-oracle/internal/channel"
	"liquidity-oracle/internal/risk"
)

// ChannelStatus is the derived operational status of one channel for one
// evaluation.
type ChannelStatus struct {
	ChannelID        string         `json:"channel_id"`
	Status           channel.Status `json:"status"`
	Band             risk.Band      `json:"band"`
	ConflictOverride bool           `json:"conflict_override,omitempty"`
	Reason           string         `json:"reason"`
}

// Simulator maps a risk score and location class onto per-channel status.
// It is a pure function of its inputs.
type Simulator struct {
	catalog channel.Catalog
}

// NewSimulator validates the catalog before use.
func NewSimulator(catalog channel.Catalog) (*Simulator, error) {
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("network simulator: %w", err)
	}
	return &Simulator{catalog: append(channel.Catalog(nil), catalog...)}, nil
}

// Simulate returns a status for every catalog channel, in catalog order.
// In a conflict zone traditional rails are forced to at least RESTRICTED.
func (s *Simulator) Simulate(score float64, conflictZone bool) []ChannelStatus {
	band := risk.BandFor(score)
	out := make([]ChannelStatus, 0, len(s.catalog))
	for _, ch := range s.catalog {
		st := ch.Profile.At(band)
		item := ChannelStatus{
			ChannelID: ch.ID,
			Status:    st,
			Band:      band,
			Reason:    fmt.Sprintf("%s band profile", band),
		}
		if conflictZone && ch.Traditional {
			forced := st.AtLeast(channel.Restricted)
			if forced != st {
				item.Status = forced
				item.ConflictOverride = true
				item.Reason = fmt.Sprintf("conflict zone forces %s (profile %s)", forced, st)
			}
		}
		out = append(out, item)
	}
	return out
}

// Catalog returns the simulated channels.
func (s *Simulator) Catalog() channel.Catalog {
	return append(channel.Catalog(nil), s.catalog...)
}
