package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/signalsfoundry/voltcomp/model"
)

const (
	chartWidth  = 8 * vg.Inch
	chartHeight = 5 * vg.Inch
)

// SearchChart plots voltage against injected MVAr for every search in res,
// with the threshold as a dashed line. Searches without steps are skipped.
func SearchChart(res model.StrategyResult, threshold float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Compensation search (%s)", res.Strategy)
	p.X.Label.Text = "Injected Q (MVAr)"
	p.Y.Label.Text = "Voltage (p.u.)"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	maxQ := 0.0
	for i, r := range res.Results {
		if len(r.Steps) == 0 {
			continue
		}
		xys := make(plotter.XYs, 0, len(r.Steps)+1)
		xys = append(xys, plotter.XY{X: 0, Y: r.InitialVoltage})
		for _, s := range r.Steps {
			if s.Outcome == model.StepFailed {
				continue
			}
			xys = append(xys, plotter.XY{X: s.QMvar, Y: s.VoltagePU})
			if s.QMvar > maxQ {
				maxQ = s.QMvar
			}
		}

		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return nil, fmt.Errorf("bus %d trace: %w", r.Bus, err)
		}
		c := plotutil.Color(i)
		line.Color = c
		points.Color = c
		points.Shape = plotutil.Shape(i)
		p.Add(line, points)
		p.Legend.Add(fmt.Sprintf("Bus %d (%s)", r.Bus, r.Status), line, points)
	}

	limit := plotter.NewFunction(func(float64) float64 { return threshold })
	limit.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	limit.Width = vg.Points(1)
	limit.XMin, limit.XMax = 0, maxQ
	if maxQ == 0 {
		limit.XMax = 1
	}
	p.Add(limit)
	p.Legend.Add(fmt.Sprintf("threshold %.2f p.u.", threshold), limit)
	return p, nil
}

// WriteChart renders the search chart as PNG.
func WriteChart(w io.Writer, res model.StrategyResult, threshold float64) error {
	p, err := SearchChart(res, threshold)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(chartWidth, chartHeight, "png")
	if err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// SaveChart writes the search chart to path; the extension picks the format.
func SaveChart(path string, res model.StrategyResult, threshold float64) error {
	p, err := SearchChart(res, threshold)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create chart dir: %w", err)
		}
	}
	if err := p.Save(chartWidth, chartHeight, path); err != nil {
		return fmt.Errorf("save chart: %w", err)
	}
	return nil
}
