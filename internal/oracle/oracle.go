package oracle

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"liquidity-oracle/internal/channel"
	"liquidity-oracle/internal/network"
	"liquidity-oracle/internal/risk"
)

// RestrictedPenalty multiplies the match score of RESTRICTED channels.
const RestrictedPenalty = 0.5

const matchPrecision = 6

// ErrNoViableChannel reports that every channel was excluded as OFFLINE.
var ErrNoViableChannel = errors.New("oracle: no viable payout channel")

// Recommendation is one ranked channel.
type Recommendation struct {
	ChannelID  string         `json:"channel_id"`
	Name       string         `json:"name"`
	MatchScore float64        `json:"match_score"`
	Rank       int            `json:"rank"`
	Rationale  string         `json:"rationale"`
	Status     channel.Status `json:"status"`
	Traits     channel.Traits `json:"traits"`
}

// Ranking is the full recommendation set of one evaluation. The zero value
// means "not yet evaluated"; an evaluated ranking with no recommendations is
// the no-viable-channel condition.
type Ranking struct {
	Evaluated       bool             `json:"evaluated"`
	Regime          Regime           `json:"regime"`
	RiskScore       float64          `json:"risk_score"`
	Recommendations []Recommendation `json:"recommendations"`
	Excluded        []string         `json:"excluded,omitempty"`
}

// Viable reports whether at least one channel survived exclusion.
func (r Ranking) Viable() bool {
	return r.Evaluated && len(r.Recommendations) > 0
}

// Top returns the first-ranked channel.
func (r Ranking) Top() (Recommendation, bool) {
	if !r.Viable() {
		return Recommendation{}, false
	}
	return r.Recommendations[0], true
}

// Oracle ranks payout channels for a risk evaluation.
type Oracle struct {
	catalog channel.Catalog
	regimes RegimeTable
}

// New validates the catalog and the regime table.
func New(catalog channel.Catalog, regimes RegimeTable) (*Oracle, error) {
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("oracle catalog: %w", err)
	}
	if err := regimes.Validate(); err != nil {
		return nil, fmt.Errorf("oracle regimes: %w", err)
	}
	table := make(RegimeTable, len(regimes))
	for k, v := range regimes {
		table[k] = v
	}
	return &Oracle{catalog: append(channel.Catalog(nil), catalog...), regimes: table}, nil
}

// Regimes returns a copy of the configured table.
func (o *Oracle) Regimes() RegimeTable {
	out := make(RegimeTable, len(o.regimes))
	for k, v := range o.regimes {
		out[k] = v
	}
	return out
}

// Rank scores every non-OFFLINE channel. Channels without a status are
// treated as OFFLINE. When nothing survives it returns the evaluated empty
// ranking together with ErrNoViableChannel.
func (o *Oracle) Rank(score risk.Score, statuses []network.ChannelStatus) (Ranking, error) {
	regime := o.regimes.Select(score.Value)
	weights := o.regimes[regime].Weights

	byID := make(map[string]channel.Status, len(statuses))
	for _, st := range statuses {
		byID[st.ChannelID] = st.Status
	}

	ranking := Ranking{
		Evaluated:       true,
		Regime:          regime,
		RiskScore:       score.Value,
		Recommendations: make([]Recommendation, 0, len(o.catalog)),
	}
	lead := decidingFactor(score, regime, o.regimes[regime].MinScore)

	for _, ch := range o.catalog {
		st, ok := byID[ch.ID]
		if !ok {
			st = channel.Offline
		}
		if st == channel.Offline {
			ranking.Excluded = append(ranking.Excluded, ch.ID)
			continue
		}

		raw := 10 * (ch.Traits.Speed*weights.Speed + ch.Traits.Reliability*weights.Reliability + ch.Traits.Cost*weights.Cost)
		match := raw
		if st == channel.Restricted {
			match *= RestrictedPenalty
		}
		match = roundTo(math.Max(0, math.Min(100, match)), matchPrecision)

		ranking.Recommendations = append(ranking.Recommendations, Recommendation{
			ChannelID:  ch.ID,
			Name:       ch.Name,
			MatchScore: match,
			Status:     st,
			Traits:     ch.Traits,
			Rationale:  rationale(lead, ch, st, weights, raw, match),
		})
	}

	sort.SliceStable(ranking.Recommendations, func(i, j int) bool {
		return less(ranking.Recommendations[i], ranking.Recommendations[j])
	})
	for i := range ranking.Recommendations {
		ranking.Recommendations[i].Rank = i + 1
	}

	if len(ranking.Recommendations) == 0 {
		return ranking, ErrNoViableChannel
	}
	return ranking, nil
}

// less orders by match score descending, then reliability descending, then
// cost trait ascending, then channel id.
func less(a, b Recommendation) bool {
	if a.MatchScore != b.MatchScore {
		return a.MatchScore > b.MatchScore
	}
	if a.Traits.Reliability != b.Traits.Reliability {
		return a.Traits.Reliability > b.Traits.Reliability
	}
	if a.Traits.Cost != b.Traits.Cost {
		return a.Traits.Cost < b.Traits.Cost
	}
	return a.ChannelID < b.ChannelID
}

func decidingFactor(score risk.Score, regime Regime, minScore float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s regime (risk %.2f", regime, score.Value)
	if regime != Normal {
		fmt.Fprintf(&b, " >= %.1f", minScore)
	}
	if score.Overridden {
		fmt.Fprintf(&b, ", manual override of fused %.2f", score.Fused)
	}
	b.WriteString(")")
	if dom, ok := score.Dominant(); ok {
		fmt.Fprintf(&b, "; deciding signal %s (severity %.1f, contribution %.2f)", dom.Category, dom.Severity, dom.Contribution)
	} else {
		b.WriteString("; deciding signal none (all feeds unavailable)")
	}
	if score.Degraded {
		b.WriteString("; degraded inputs")
	}
	return b.String()
}

func rationale(lead string, ch channel.Channel, st channel.Status, w Criteria, raw, match float64) string {
	var b strings.Builder
	b.WriteString(lead)
	fmt.Fprintf(&b, "; %s %s; 10 x (speed %.1f*%.2f + reliability %.1f*%.2f + cost %.1f*%.2f) = %.2f",
		ch.ID, st, ch.Traits.Speed, w.Speed, ch.Traits.Reliability, w.Reliability, ch.Traits.Cost, w.Cost, raw)
	if st == channel.Restricted {
		fmt.Fprintf(&b, ", restricted x%.1f", RestrictedPenalty)
	}
	fmt.Fprintf(&b, "; match %.2f", match)
	return b.String()
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
