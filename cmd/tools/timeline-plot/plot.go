package main

import (
	"errors"
	"fmt"
	"image/color"
	"slices"
	"sort"

	"github.com/banshee-data/sensorfusion/internal/fusiondb"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

var errNoMeasurements = errors.New("run has no measurements")

// plotRun renders run to out and returns the number of plotted measurements.
func plotRun(db *fusiondb.DB, run fusiondb.Run, streams []string, out string, width, height float64) (int, error) {
	meas, err := db.Measurements(run.ID, "")
	if err != nil {
		return 0, err
	}
	if len(streams) > 0 {
		meas = slices.DeleteFunc(meas, func(m fusiondb.Measurement) bool {
			return !slices.Contains(streams, m.Stream)
		})
	}
	points, err := db.SyncPoints(run.ID)
	if err != nil {
		return 0, err
	}

	p, err := buildPlot(run, meas, points)
	if err != nil {
		return 0, err
	}
	if err := p.Save(vg.Length(width)*vg.Inch, vg.Length(height)*vg.Inch, out); err != nil {
		return 0, fmt.Errorf("save plot: %w", err)
	}
	return len(meas), nil
}

// buildPlot puts one row per stream, sorted by name, with a dot per
// measurement and a dashed vertical line per sync point. X is seconds since
// the run started.
func buildPlot(run fusiondb.Run, meas []fusiondb.Measurement, points []fusiondb.SyncPoint) (*plot.Plot, error) {
	if len(meas) == 0 {
		return nil, errNoMeasurements
	}

	rows := make(map[string]plotter.XYs)
	for _, m := range meas {
		x := m.Time.Sub(run.StartedAt).Seconds()
		rows[m.Stream] = append(rows[m.Stream], plotter.XY{X: x})
	}
	names := make([]string, 0, len(rows))
	for name := range rows {
		names = append(names, name)
	}
	sort.Strings(names)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Run %s", run.ID)
	if run.Note != "" {
		p.Title.Text += " - " + run.Note
	}
	p.X.Label.Text = "Time since start (s)"
	p.NominalY(names...)

	for i, name := range names {
		xys := rows[name]
		for j := range xys {
			xys[j].Y = float64(i)
		}
		s, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, err
		}
		s.GlyphStyle.Color = plotutil.Color(i)
		s.GlyphStyle.Shape = plotutil.Shape(i)
		s.GlyphStyle.Radius = vg.Points(2)
		p.Add(s)
		p.Legend.Add(fmt.Sprintf("%s (%d)", name, len(xys)), s)
	}

	top := float64(len(names)) - 0.5
	for i, sp := range points {
		x := sp.Time.Sub(run.StartedAt).Seconds()
		l, err := plotter.NewLine(plotter.XYs{{X: x, Y: -0.5}, {X: x, Y: top}})
		if err != nil {
			return nil, err
		}
		l.Color = color.Gray{Y: 150}
		l.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		if sp.Errors != "" {
			l.Color = color.RGBA{R: 200, A: 255}
		}
		p.Add(l)
		if i == 0 {
			p.Legend.Add(fmt.Sprintf("sync (%d)", len(points)), l)
		}
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}
