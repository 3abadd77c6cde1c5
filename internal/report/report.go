// Package report renders training summaries: a loss-curve PNG through
// gonum/plot, or an HTML page with the loss curve and the corpus class
// histogram through go-echarts.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/corpus"
	"github.com/banshee-data/autopilot/internal/model"
)

// ErrNoHistory is returned when there is no loss curve to draw.
var ErrNoHistory = errors.New("no loss history")

// ClassCount is the number of corpus examples carrying one action label.
type ClassCount struct {
	Label action.Label
	Count int
}

// Summary is everything a report draws.
type Summary struct {
	Title   string
	History []float64
	Counts  []ClassCount
}

// FromResult builds a Summary from a training run and the examples it was fit on.
func FromResult(res *model.TrainResult, examples []corpus.Example) (Summary, error) {
	counts, err := ClassCounts(examples)
	if err != nil {
		return Summary{}, err
	}
	title := "Training"
	if res.Bundle != nil {
		title = fmt.Sprintf("%s (%s, %d examples)", res.Bundle.Key, res.Bundle.Mode, res.Bundle.Examples)
	}
	return Summary{Title: title, History: res.History, Counts: counts}, nil
}

// ClassCounts tallies examples per action class in canonical class order.
// Every class is present, with zero counts included.
func ClassCounts(examples []corpus.Example) ([]ClassCount, error) {
	classes := action.Classes()
	counts := make([]ClassCount, len(classes))
	for i, l := range classes {
		counts[i].Label = l
	}
	for i, ex := range examples {
		idx, err := action.Encode(ex.Label)
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i+1, err)
		}
		counts[idx].Count++
	}
	return counts, nil
}

// Write renders s to path, choosing the format from the extension:
// .png for the loss curve alone, .html for the interactive page.
func Write(path string, s Summary) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".png":
		return LossPNG(path, s)
	case ".html", ".htm":
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create report: %w", err)
		}
		if err := HTML(f, s); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	default:
		return fmt.Errorf("unsupported report format %q (want .png or .html)", ext)
	}
}

// LossPNG saves the loss curve as a PNG image.
func LossPNG(path string, s Summary) error {
	if len(s.History) == 0 {
		return ErrNoHistory
	}

	p := plot.New()
	p.Title.Text = s.Title + " - Loss"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Loss"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(s.History))
	for i, loss := range s.History {
		pts[i] = plotter.XY{X: float64(i + 1), Y: loss}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	line.Width = vg.Points(1.5)
	p.Add(line)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// HTML renders the loss curve and class histogram as a single page.
func HTML(w io.Writer, s Summary) error {
	if len(s.History) == 0 {
		return ErrNoHistory
	}

	iters := make([]int, len(s.History))
	lossData := make([]opts.LineData, len(s.History))
	for i, loss := range s.History {
		iters[i] = i + 1
		lossData[i] = opts.LineData{Value: loss}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: s.Title, Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Training loss", Subtitle: s.Title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Iteration", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Loss"}),
	)
	line.SetXAxis(iters).AddSeries("loss", lossData)

	names := make([]string, len(s.Counts))
	bars := make([]opts.BarData, len(s.Counts))
	for i, c := range s.Counts {
		names[i] = c.Label.String()
		bars[i] = opts.BarData{Value: c.Count}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Examples per class"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).
		AddSeries("examples", bars,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.PageTitle = s.Title
	page.AddCharts(line, bar)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}
