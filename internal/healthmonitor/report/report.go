// Package report renders the health monitor's per-stage duration
// histograms as a PNG (via gonum.org/v1/plot, grounded on the teacher's
// internal/lidar/monitor/gridplotter.go) and as a self-contained HTML
// bar chart (via go-echarts/go-echarts/v2, grounded on the teacher's
// internal/lidar/monitor/echarts_handlers.go). Both are optional,
// debugging-oriented views over the same healthmonitor.Snapshot the JSON
// status file already carries; neither gates any pipeline decision.
package report

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/dsa110/contimg/internal/healthmonitor"
)

// sortedStages returns snap's histogram stage names in a stable order so
// repeated renders of the same snapshot produce identical output.
func sortedStages(snap healthmonitor.Snapshot) []string {
	stages := make([]string, 0, len(snap.Histograms))
	for name := range snap.Histograms {
		stages = append(stages, name)
	}
	sort.Strings(stages)
	return stages
}

// SaveDurationPlot renders one PNG bar chart of p50/p95/p99 stage
// durations (in milliseconds) to path, grounded on GridPlotter's
// plot.New/plotter.NewLine/Save pattern, adapted here to a grouped bar
// chart since duration-by-stage is categorical rather than a time series.
func SaveDurationPlot(snap healthmonitor.Snapshot, path string) error {
	stages := sortedStages(snap)
	if len(stages) == 0 {
		return fmt.Errorf("report: snapshot has no stage histograms to plot")
	}

	p := plot.New()
	p.Title.Text = "Per-stage duration percentiles"
	p.X.Label.Text = "Stage"
	p.Y.Label.Text = "Duration (ms)"

	p50 := make(plotter.Values, len(stages))
	p95 := make(plotter.Values, len(stages))
	p99 := make(plotter.Values, len(stages))
	for i, stage := range stages {
		h := snap.Histograms[stage]
		p50[i] = float64(h.P50.Milliseconds())
		p95[i] = float64(h.P95.Milliseconds())
		p99[i] = float64(h.P99.Milliseconds())
	}

	width := vg.Points(14)
	b50, err := plotter.NewBarChart(p50, width)
	if err != nil {
		return err
	}
	b50.Color = plotter.DefaultLineStyle.Color
	b50.Offset = -width

	b95, err := plotter.NewBarChart(p95, width)
	if err != nil {
		return err
	}
	b95.Offset = 0

	b99, err := plotter.NewBarChart(p99, width)
	if err != nil {
		return err
	}
	b99.Offset = width

	p.Add(b50, b95, b99)
	p.Legend.Add("p50", b50)
	p.Legend.Add("p95", b95)
	p.Legend.Add("p99", b99)
	p.Legend.Top = true
	p.NominalX(stages...)

	return p.Save(12*vg.Inch, 6*vg.Inch, path)
}

// RenderDurationHTML renders an interactive go-echarts bar chart of the
// same p50/p95/p99 stage durations as a self-contained HTML document and
// returns its bytes — the watch subcommand's admin HTTP surface writes
// them directly into a debug endpoint's response, the same way the teacher's
// handleBackgroundGridPolar renders a chart straight into the response
// body without an intermediate file.
func RenderDurationHTML(snap healthmonitor.Snapshot) ([]byte, error) {
	stages := sortedStages(snap)

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Stage Durations", Theme: "dark"}),
		charts.WithTitleOpts(opts.Title{Title: "Per-stage duration percentiles", Subtitle: fmt.Sprintf("stages=%d", len(stages))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)

	p50 := make([]opts.BarData, len(stages))
	p95 := make([]opts.BarData, len(stages))
	p99 := make([]opts.BarData, len(stages))
	for i, stage := range stages {
		h := snap.Histograms[stage]
		p50[i] = opts.BarData{Value: h.P50.Milliseconds()}
		p95[i] = opts.BarData{Value: h.P95.Milliseconds()}
		p99[i] = opts.BarData{Value: h.P99.Milliseconds()}
	}

	bar.SetXAxis(stages).
		AddSeries("p50", p50).
		AddSeries("p95", p95).
		AddSeries("p99", p99)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
