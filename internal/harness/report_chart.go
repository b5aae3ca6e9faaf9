package harness

import (
	"fmt"
	"image/color"
	"math"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// axisOrder fixes a stable legend/color order regardless of map iteration.
var axisOrder = []string{"x", "y", "z", "yaw", "pitch", "roll"}

var axisColors = map[string]color.Color{
	"x":     color.RGBA{R: 220, G: 50, B: 50, A: 255},
	"y":     color.RGBA{R: 50, G: 150, B: 220, A: 255},
	"z":     color.RGBA{R: 50, G: 180, B: 80, A: 255},
	"yaw":   color.RGBA{R: 200, G: 140, B: 20, A: 255},
	"pitch": color.RGBA{R: 140, G: 60, B: 200, A: 255},
	"roll":  color.RGBA{R: 80, G: 80, B: 80, A: 255},
}

// WriteReportChart renders a disturbance-magnitude vs recovered-error plot
// for every axis in report, one line per axis, in the teacher's own
// plot.New/plotter.NewLine/Save idiom (internal/lidar/monitor/gridplotter.go),
// the same gonum.org/v1/plot family the teacher uses for its grid monitor
// charts (spec §4.10).
func WriteReportChart(report *SweepReport, path string) error {
	if report == nil || len(report.Results) == 0 {
		return fmt.Errorf("harness: empty sweep report, nothing to plot")
	}

	byAxis := make(map[string]plotter.XYs)
	for _, r := range report.Results {
		norm := errorNorm(r.RecoveredError)
		byAxis[r.Disturbance.Axis] = append(byAxis[r.Disturbance.Axis], plotter.XY{
			X: r.Disturbance.Value,
			Y: norm,
		})
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Registration sweep: submap %d vs %d", report.ReferenceID, report.ReadingID)
	p.X.Label.Text = "Disturbance magnitude"
	p.Y.Label.Text = "Recovered pose error (norm)"

	for _, axis := range axisOrder {
		pts, ok := byAxis[axis]
		if !ok || len(pts) == 0 {
			continue
		}
		sort.Slice(pts, func(i, j int) bool { return pts[i].X < pts[j].X })

		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("harness: building %s line: %w", axis, err)
		}
		line.Color = axisColors[axis]
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(axis, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false

	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("harness: saving sweep chart: %w", err)
	}
	return nil
}

func errorNorm(e [4]float64) float64 {
	return math.Sqrt(e[0]*e[0] + e[1]*e[1] + e[2]*e[2] + e[3]*e[3])
}
