package report

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/aggregate"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var ErrNoOverhead = errors.New("no group has a defined overhead")

var (
	barOK       = color.RGBA{54, 162, 235, 255}
	barWarning  = color.RGBA{255, 159, 64, 255}
	barCritical = color.RGBA{255, 99, 132, 255}
)

// WriteOverheadChart saves a bar chart of overhead percentage per group.
// Groups without a defined overhead are left out. The image format follows
// the file extension (png, svg, pdf).
func WriteOverheadChart(stats []aggregate.Stat, warning, critical float64, path string) error {
	var (
		values plotter.Values
		ticks  []plot.Tick
		colors []color.Color
	)
	for _, s := range stats {
		if s.Overhead == nil || !s.Overhead.Defined() {
			continue
		}
		pct := s.Overhead.Percentage
		ticks = append(ticks, plot.Tick{Value: float64(len(values)), Label: s.Key.String()})
		values = append(values, pct)

		switch {
		case pct > critical:
			colors = append(colors, barCritical)
		case pct > warning:
			colors = append(colors, barWarning)
		default:
			colors = append(colors, barOK)
		}
	}
	if len(values) == 0 {
		return ErrNoOverhead
	}

	p := plot.New()
	p.Title.Text = "Security Overhead by Group"
	p.Y.Label.Text = "Overhead (% of secured latency)"

	// one chart per bar so each can carry its own severity color
	width := vg.Points(40)
	for i, v := range values {
		bar, err := plotter.NewBarChart(plotter.Values{v}, width)
		if err != nil {
			return fmt.Errorf("build bar %d: %w", i, err)
		}
		bar.XMin = float64(i)
		bar.Color = colors[i]
		bar.LineStyle.Width = 0
		p.Add(bar)
	}

	for _, level := range []float64{warning, critical} {
		line, err := plotter.NewLine(plotter.XYs{{X: -0.5, Y: level}, {X: float64(len(values)) - 0.5, Y: level}})
		if err != nil {
			return fmt.Errorf("build threshold line: %w", err)
		}
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
	}

	p.X.Min = -0.5
	p.X.Max = float64(len(values)) - 0.5
	p.X.Tick.Marker = plot.ConstantTicks(ticks)
	p.X.Tick.Label.Rotation = 0.6

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create chart directory: %w", err)
	}
	w := vg.Length(max(6, float64(len(values))*0.8)) * vg.Inch
	if err := p.Save(w, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save chart: %w", err)
	}
	return nil
}
