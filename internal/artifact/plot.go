package artifact

import (
	"bytes"
	"cmp"
	"slices"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/churnforest/pkg/errors"
)

// DefaultTopFeatures is how many features the importance chart shows.
const DefaultTopFeatures = 20

// ImportancePlot renders the top importances as a horizontal bar chart and
// returns it as PNG. Features are ranked by importance, largest at the top.
func ImportancePlot(names []string, importances []float64, top int) ([]byte, error) {
	if len(importances) == 0 {
		return nil, errors.NewValueError("ImportancePlot", "no feature importances")
	}
	if len(names) != len(importances) {
		return nil, errors.NewDimensionError("ImportancePlot", len(importances), len(names), 0)
	}

	order := make([]int, len(importances))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(importances[b], importances[a])
	})
	if top > 0 && top < len(order) {
		order = order[:top]
	}
	// Bars are drawn bottom-up, so reverse to put the largest first.
	slices.Reverse(order)

	values := make(plotter.Values, len(order))
	labels := make([]string, len(order))
	for i, idx := range order {
		values[i] = importances[idx]
		labels[i] = names[idx]
	}

	p := plot.New()
	p.Title.Text = "Feature importance"
	p.X.Label.Text = "Mean decrease in impurity"

	bars, err := plotter.NewBarChart(values, vg.Points(12))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build bar chart")
	}
	bars.Horizontal = true
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalY(labels...)

	height := vg.Length(len(order))*vg.Points(18) + 1*vg.Inch
	w, err := p.WriterTo(7*vg.Inch, height, "png")
	if err != nil {
		return nil, errors.Wrap(err, "failed to render importance chart")
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "failed to encode importance chart")
	}
	return buf.Bytes(), nil
}
