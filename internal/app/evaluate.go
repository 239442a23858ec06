package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"liquidity-oracle/internal/engine"
	"liquidity-oracle/internal/oracle"
)

// Evaluate runs a single manual cycle against the configured feeds and
// records it in the audit log.
func (a *App) Evaluate(ctx context.Context, opts EvaluateOptions) error {
	rt, err := a.newRuntime(ctx, runtimeOptions{Notify: opts.Notify})
	if err != nil {
		return err
	}
	defer rt.Close()

	cycle, err := rt.engine.Evaluate(ctx, engine.EvaluateRequest{
		Trigger:      engine.TriggerManual,
		OverrideRisk: opts.OverrideRisk,
	})
	if err != nil && !errors.Is(err, oracle.ErrNoViableChannel) {
		return err
	}
	return printCycle(os.Stdout, cycle, opts.JSON)
}

func printCycle(out io.Writer, cycle *engine.Cycle, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cycle)
	}

	score := cycle.Score
	fmt.Fprintf(out, "cycle %d at %s (%s)\n", cycle.Number, cycle.At.Format(time.RFC3339), cycle.Trigger)
	if loc := cycle.Location.String(); loc != "" {
		conflict := ""
		if cycle.Location.ConflictZone {
			conflict = " [conflict zone]"
		}
		fmt.Fprintf(out, "location: %s%s\n", loc, conflict)
	}
	flags := make([]string, 0, 2)
	if score.Degraded {
		flags = append(flags, "degraded")
	}
	if score.Overridden {
		flags = append(flags, fmt.Sprintf("override of fused %.2f", score.Fused))
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " (" + strings.Join(flags, ", ") + ")"
	}
	fmt.Fprintf(out, "risk: %.2f %s%s, regime %s\n\n", score.Value, score.Band(), suffix, cycle.Ranking.Regime)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Category\tSeverity\tWeight\tContribution\tNote")
	for _, c := range score.Breakdown {
		note := ""
		switch {
		case c.Unavailable:
			note = "unavailable"
		case c.Stale:
			note = "stale"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", c.Category, formatFloat(c.Severity), formatFloat(c.EffectiveWeight), formatFloat(c.Contribution), note)
	}
	writer.Flush()
	fmt.Fprintln(out)

	if cycle.Critical != "" {
		fmt.Fprintf(out, "CRITICAL: %s (excluded: %s)\n", cycle.Critical, strings.Join(cycle.Ranking.Excluded, ", "))
	} else {
		writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Rank\tChannel\tStatus\tMatch\tRationale")
		for _, r := range cycle.Ranking.Recommendations {
			fmt.Fprintf(writer, "%d\t%s\t%s\t%.3f\t%s\n", r.Rank, r.ChannelID, r.Status, r.MatchScore, sanitizeInline(r.Rationale))
		}
		writer.Flush()
		if len(cycle.Ranking.Excluded) > 0 {
			fmt.Fprintf(out, "excluded: %s\n", strings.Join(cycle.Ranking.Excluded, ", "))
		}
	}

	for _, ev := range cycle.Events {
		fmt.Fprintf(out, "event: %s %s\n", ev.Kind, ev.Message)
	}
	return nil
}
