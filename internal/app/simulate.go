package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"liquidity-oracle/internal/engine"
	"liquidity-oracle/internal/oracle"
	"liquidity-oracle/internal/payout"
	"liquidity-oracle/internal/scenario"
)

// Simulate 运行一次预置危机场景演练。演练只写入内存审计日志，不影响正式记录。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.List || opts.Scenario == "" {
		listScenarios()
		return nil
	}

	sc, err := scenario.Lookup(opts.Scenario)
	if err != nil {
		return err
	}
	sources, err := sc.Sources(scenario.DefaultBaseline)
	if err != nil {
		return err
	}
	locator, err := sc.Locator(a.Config.Location.ConflictCountries)
	if err != nil {
		return err
	}
	if opts.Notify && !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	rt, err := a.newRuntime(ctx, runtimeOptions{
		Sources:   sources,
		Locator:   locator,
		Ephemeral: true,
		Notify:    opts.Notify,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	a.Logger.Info().Str("scenario", sc.Slug).Str("category", string(sc.Category)).Float64("severity", sc.Severity).Msg("running scenario drill")
	fmt.Fprintf(os.Stdout, "%s: %s\n\n", sc.Name, sc.Headline)

	cycle, err := rt.engine.Evaluate(ctx, engine.EvaluateRequest{Trigger: engine.TriggerScenario})
	if err != nil && !errors.Is(err, oracle.ErrNoViableChannel) {
		return err
	}
	if err := printCycle(os.Stdout, cycle, opts.JSON); err != nil {
		return err
	}

	if opts.Amount == "" {
		return nil
	}
	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", opts.Amount, err)
	}
	top, ok := cycle.Ranking.Top()
	if !ok {
		return errors.New("no viable channel for payout")
	}
	conf, err := payout.NewSimulated().Initiate(ctx, top.ChannelID, amount, opts.Currency)
	if err != nil {
		return err
	}
	entry, err := rt.engine.RecordPayout(ctx, conf)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\npayout %s via %s: %s %s, fee %s, arrives ~%s (audit seq %d)\n",
		conf.TxID, conf.ChannelID, conf.Amount.StringFixed(2), conf.Currency,
		conf.Fee.StringFixed(2), conf.EstimatedArrival().Format("15:04 MST"), entry.Seq)
	return nil
}

func listScenarios() {
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Scenario\tLocation\tCategory\tSeverity\tHeadline")
	for _, sc := range scenario.All() {
		loc := sc.City + ", " + sc.Country
		if sc.ConflictZone {
			loc += " *"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", sc.Slug, loc, sc.Category, formatFloat(sc.Severity), strings.TrimSpace(sc.Headline))
	}
	writer.Flush()
}
