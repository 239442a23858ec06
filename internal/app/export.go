package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"liquidity-oracle/internal/audit"
	"liquidity-oracle/internal/risk"
)

// riskPoint is one evaluation flattened for export.
type riskPoint struct {
	At         time.Time
	Cycle      uint64
	Trigger    string
	Risk       float64
	Band       string
	Degraded   bool
	Overridden bool
	Severity   map[risk.Category]*float64
	Regime     string
	Top        string
	Critical   string
}

func pointFromEntry(e audit.Entry) (riskPoint, bool) {
	if e.Kind != audit.KindEvaluation || e.Outputs.Score == nil {
		return riskPoint{}, false
	}
	score := e.Outputs.Score
	p := riskPoint{
		At:         e.Inputs.EvaluatedAt,
		Cycle:      e.Cycle,
		Trigger:    e.Inputs.Trigger,
		Risk:       score.Value,
		Band:       score.Band().String(),
		Degraded:   score.Degraded,
		Overridden: score.Overridden,
		Severity:   make(map[risk.Category]*float64, len(score.Breakdown)),
		Critical:   e.Outputs.Critical,
	}
	if p.At.IsZero() {
		p.At = e.Timestamp
	}
	for _, c := range score.Breakdown {
		if c.Unavailable {
			continue
		}
		v := c.Severity
		p.Severity[c.Category] = &v
	}
	if r := e.Outputs.Ranking; r != nil {
		p.Regime = r.Regime.String()
		if top, ok := r.Top(); ok {
			p.Top = top.ChannelID
		}
	}
	return p, true
}

// Export renders the risk history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	entries, err := store.ListEntriesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	points := make([]riskPoint, 0, len(entries))
	for _, e := range entries {
		if p, ok := pointFromEntry(e); ok {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		a.Logger.Info().Msg("no evaluations found for export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting evaluations")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsamplePoints(points []riskPoint, max int) []riskPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]riskPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func writePointsCSV(path string, points []riskPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"evaluated_at", "cycle", "trigger", "risk", "band", "degraded", "overridden"}
	for _, c := range risk.Categories {
		header = append(header, string(c))
	}
	header = append(header, "regime", "top_channel", "critical")
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		record := []string{
			p.At.Format(time.RFC3339),
			strconv.FormatUint(p.Cycle, 10),
			p.Trigger,
			formatFloat(p.Risk),
			p.Band,
			strconv.FormatBool(p.Degraded),
			strconv.FormatBool(p.Overridden),
		}
		for _, c := range risk.Categories {
			if v := p.Severity[c]; v != nil {
				record = append(record, formatFloat(*v))
			} else {
				record = append(record, "")
			}
		}
		record = append(record, p.Regime, p.Top, p.Critical)
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writePointsPNG(path string, points []riskPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	composite := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.At
		composite[i] = p.Risk
	}

	scoreFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Composite",
			XValues: x,
			YValues: composite,
			Style:   chart.Style{StrokeWidth: 3},
		},
	}
	for _, c := range risk.Categories {
		var (
			xs []time.Time
			ys []float64
		)
		for _, p := range points {
			if v := p.Severity[c]; v != nil {
				xs = append(xs, p.At)
				ys = append(ys, *v)
			}
		}
		// go-chart refuses series with fewer than two points.
		if len(xs) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{Name: string(c), XValues: xs, YValues: ys})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Risk (0-10)",
			ValueFormatter: scoreFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 10},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
