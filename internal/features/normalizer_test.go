package features

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestFit_StandardizesColumns(t *testing.T) {
	t.Parallel()

	corpora := map[string][][]float64{
		"ranges": {
			{116, 117, 111, 158},
			{20, 140, 35, 160},
			{90, 30, 60, 12},
			{55, 55, 200, 80},
		},
		"single column": {{1}, {2}, {3}, {10}, {-4}},
		"mixed scales": {
			{0.224, 1500, -3},
			{0.108, 900, 7},
			{1.004, 1200, 0},
		},
	}

	for name, rows := range corpora {
		rows := rows
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			n, err := Fit(rows)
			require.NoError(t, err)

			scaled := make([][]float64, len(rows))
			for i, row := range rows {
				scaled[i], err = n.Apply(row)
				require.NoError(t, err)
			}

			col := make([]float64, len(rows))
			for j := range rows[0] {
				for i := range scaled {
					col[i] = scaled[i][j]
				}
				mean, variance := stat.PopMeanVariance(col, nil)
				assert.InDelta(t, 0, mean, 1e-9, "column %d mean", j)
				assert.InDelta(t, 1, variance, 1e-9, "column %d variance", j)
			}
		})
	}
}

func TestFit_ZeroVarianceColumn(t *testing.T) {
	t.Parallel()

	rows := [][]float64{{5, 1}, {5, 2}, {5, 3}}
	n, err := Fit(rows)
	require.NoError(t, err)

	assert.Equal(t, 1.0, n.Scale[0], "constant column must get scale 1")
	assert.Equal(t, 5.0, n.Mean[0])

	out, err := n.Apply([]float64{5, 2})
	require.NoError(t, err)
	assert.Equal(t, 0.0, out[0])
	assert.False(t, math.IsNaN(out[1]))
}

func TestFit_SingleRow(t *testing.T) {
	t.Parallel()

	n, err := Fit([][]float64{{3, -2, 7}})
	require.NoError(t, err)

	out, err := n.Apply([]float64{3, -2, 7})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, out)
}

func TestFit_Errors(t *testing.T) {
	t.Parallel()

	_, err := Fit(nil)
	assert.True(t, errors.Is(err, ErrEmptyCorpus), "got %v", err)

	_, err = Fit([][]float64{{1, 2}, {1}})
	assert.True(t, errors.Is(err, ErrDimensionMismatch), "got %v", err)
}

func TestApply_DimensionMismatch(t *testing.T) {
	t.Parallel()

	n, err := Fit([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)

	_, err = n.Apply([]float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = n.ApplyAll([][]float64{{1, 2}, {1}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestApplyAll(t *testing.T) {
	t.Parallel()

	rows := [][]float64{{1, 10}, {3, 30}}
	n, err := Fit(rows)
	require.NoError(t, err)

	x, err := n.ApplyAll(rows)
	require.NoError(t, err)
	r, c := x.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
	assert.InDelta(t, -1, x.At(0, 0), 1e-12)
	assert.InDelta(t, 1, x.At(1, 1), 1e-12)

	_, err = n.ApplyAll(nil)
	assert.ErrorIs(t, err, ErrEmptyCorpus)
}
