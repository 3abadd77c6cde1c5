package features

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the fitted normalizer or from the other rows of a corpus.
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
	// ErrEmptyCorpus is returned when fitting over zero rows.
	ErrEmptyCorpus = errors.New("empty corpus")
)

// minScale is the threshold under which a column is treated as constant.
const minScale = 10 * 2.220446049250313e-16

// Normalizer is a per-feature affine standardization, fitted once from a
// training corpus and reused unchanged at inference time.
type Normalizer struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Fit computes per-column mean and population standard deviation.
// Constant columns get scale 1 so Apply never divides by zero.
func Fit(rows [][]float64) (*Normalizer, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyCorpus
	}
	dim := len(rows[0])
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("%w: row %d has %d features, want %d",
				ErrDimensionMismatch, i, len(row), dim)
		}
	}

	n := &Normalizer{
		Mean:  make([]float64, dim),
		Scale: make([]float64, dim),
	}
	col := make([]float64, len(rows))
	for j := 0; j < dim; j++ {
		for i, row := range rows {
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std < minScale || math.IsNaN(std) {
			std = 1
		}
		n.Mean[j] = mean
		n.Scale[j] = std
	}
	return n, nil
}

// Dim returns the number of features the normalizer was fitted on.
func (n *Normalizer) Dim() int {
	return len(n.Mean)
}

// Apply standardizes a single vector.
func (n *Normalizer) Apply(v []float64) ([]float64, error) {
	if len(v) != len(n.Mean) {
		return nil, fmt.Errorf("%w: got %d features, normalizer expects %d",
			ErrDimensionMismatch, len(v), len(n.Mean))
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = (x - n.Mean[i]) / n.Scale[i]
	}
	return out, nil
}

// ApplyAll standardizes every row and returns them as a rows×dim matrix.
func (n *Normalizer) ApplyAll(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyCorpus
	}
	x := mat.NewDense(len(rows), n.Dim(), nil)
	for i, row := range rows {
		scaled, err := n.Apply(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		x.SetRow(i, scaled)
	}
	return x, nil
}
