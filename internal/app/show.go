package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"liquidity-oracle/internal/audit"
)

// Show prints recent audit entries.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := store.ListRecentEntries(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if opts.Kind != "" {
		kept := entries[:0]
		for _, e := range entries {
			if string(e.Kind) == opts.Kind {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "no audit entries found")
		return nil
	}

	writeEntries(os.Stdout, entries)
	return nil
}

func writeEntries(out io.Writer, entries []audit.Entry) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Seq\tTime (UTC)\tCycle\tKind\tRisk\tBand\tDetail\tHash")

	for _, e := range entries {
		riskCol, bandCol := "-", "-"
		if s := e.Outputs.Score; s != nil {
			riskCol = formatFloat(s.Value)
			bandCol = s.Band().String()
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq,
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Cycle,
			e.Kind,
			riskCol,
			bandCol,
			sanitizeInline(entryDetail(e)),
			shortHash(e.Hash),
		)
	}

	writer.Flush()
}

func entryDetail(e audit.Entry) string {
	out := e.Outputs
	switch {
	case out.Critical != "":
		return "CRITICAL " + out.Critical
	case out.Ranking != nil:
		if top, ok := out.Ranking.Top(); ok {
			return fmt.Sprintf("%s via %s", out.Ranking.Regime, top.ChannelID)
		}
		return out.Ranking.Regime.String()
	case out.Event != nil:
		return string(out.Event.Kind)
	case out.Payout != nil:
		return fmt.Sprintf("%s %s %s (%s)", out.Payout.ChannelID, out.Payout.Amount.StringFixed(2), out.Payout.Currency, out.Payout.TxID)
	case out.Command != nil:
		if out.Command.Error != "" {
			return out.Command.Name + ": " + out.Command.Error
		}
		return out.Command.Name
	}
	return ""
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
