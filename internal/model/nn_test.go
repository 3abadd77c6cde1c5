package model

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestNewNetwork_Shapes(t *testing.T) {
	n, err := NewNetwork([]int{4, 10, 3}, OutputSoftmax, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, n.InputDim())
	assert.Equal(t, 3, n.OutputDim())
	assert.Equal(t, []int{4, 10, 3}, n.Sizes())

	limit := math.Sqrt(6.0 / 14.0)
	r, c := n.layers[0].w.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 10, c)
	for _, v := range n.layers[0].w.RawMatrix().Data {
		assert.LessOrEqual(t, math.Abs(v), limit)
	}

	for _, sizes := range [][]int{{4}, {4, 0, 3}, nil} {
		_, err := NewNetwork(sizes, OutputSoftmax, 1)
		assert.Error(t, err, "sizes %v", sizes)
	}
	_, err = NewNetwork([]int{2, 2}, Output("tanh"), 1)
	assert.Error(t, err)
}

func TestNewNetwork_SeedIsDeterministic(t *testing.T) {
	a, err := NewNetwork([]int{3, 5, 2}, OutputIdentity, 9)
	require.NoError(t, err)
	b, err := NewNetwork([]int{3, 5, 2}, OutputIdentity, 9)
	require.NoError(t, err)
	c, err := NewNetwork([]int{3, 5, 2}, OutputIdentity, 1)
	require.NoError(t, err)

	assert.Equal(t, a.layers[0].w.RawMatrix().Data, b.layers[0].w.RawMatrix().Data)
	assert.NotEqual(t, a.layers[0].w.RawMatrix().Data, c.layers[0].w.RawMatrix().Data)
}

func TestNetworkPredict_SoftmaxSumsToOne(t *testing.T) {
	n, err := NewNetwork([]int{3, 4, 9}, OutputSoftmax, 1)
	require.NoError(t, err)

	p, err := n.Predict([]float64{0.5, -1, 2})
	require.NoError(t, err)
	require.Len(t, p, 9)
	assert.InDelta(t, 1.0, floats.Sum(p), 1e-12)
	for _, v := range p {
		assert.GreaterOrEqual(t, v, 0.0)
	}

	_, err = n.Predict([]float64{1, 2})
	assert.ErrorIs(t, err, errShape)
}

func TestNetworkFit_XOR(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{-1, -1, -1, 1, 1, -1, 1, 1})
	y := mat.NewDense(4, 1, []float64{0, 1, 1, 0})

	n, err := NewNetwork([]int{2, 16, 1}, OutputIdentity, 3)
	require.NoError(t, err)
	stats, err := n.Fit(x, y, FitOptions{Solver: SolverAdam, LearningRate: 0.02, MaxIter: 3000})
	require.NoError(t, err)
	assert.Equal(t, 3000, stats.Iterations)
	assert.Len(t, stats.History, 3000)
	assert.Less(t, stats.Loss, stats.History[0])

	for i, want := range []float64{0, 1, 1, 0} {
		got, err := n.Predict(x.RawRowView(i))
		require.NoError(t, err)
		assert.InDelta(t, want, got[0], 0.2, "row %d", i)
	}
}

func TestNetworkFit_SGDReducesLoss(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1})
	y := mat.NewDense(3, 1, []float64{1, 2, 3})

	n, err := NewNetwork([]int{2, 1}, OutputIdentity, 9)
	require.NoError(t, err)
	stats, err := n.Fit(x, y, FitOptions{Solver: SolverSGD, LearningRate: 0.3, MaxIter: 2000})
	require.NoError(t, err)
	assert.Less(t, stats.Loss, 1e-3)
}

func TestNetworkFit_TolStopsEarly(t *testing.T) {
	x := mat.NewDense(2, 1, []float64{0, 1})
	y := mat.NewDense(2, 1, []float64{0, 0})

	n, err := NewNetwork([]int{1, 1}, OutputIdentity, 1)
	require.NoError(t, err)
	// With a huge tolerance only the first iteration counts as progress.
	stats, err := n.Fit(x, y, FitOptions{Solver: SolverAdam, LearningRate: 0.01, MaxIter: 1000, Tol: 1e6})
	require.NoError(t, err)
	assert.Equal(t, noChangeLimit+1, stats.Iterations)
}

func TestNetworkFit_Errors(t *testing.T) {
	n, err := NewNetwork([]int{2, 1}, OutputIdentity, 1)
	require.NoError(t, err)
	opts := FitOptions{LearningRate: 0.1, MaxIter: 10}

	_, err = n.Fit(mat.NewDense(2, 3, nil), mat.NewDense(2, 1, nil), opts)
	assert.ErrorIs(t, err, errShape)
	_, err = n.Fit(mat.NewDense(2, 2, nil), mat.NewDense(3, 1, nil), opts)
	assert.ErrorIs(t, err, errShape)
	_, err = n.Fit(mat.NewDense(2, 2, nil), mat.NewDense(2, 2, nil), opts)
	assert.ErrorIs(t, err, errShape)
	_, err = n.Fit(mat.NewDense(2, 2, nil), mat.NewDense(2, 1, nil), FitOptions{LearningRate: 0.1})
	assert.Error(t, err)
	_, err = n.Fit(mat.NewDense(2, 2, nil), mat.NewDense(2, 1, nil), FitOptions{MaxIter: 1})
	assert.Error(t, err)
}

func TestNetworkJSON_RoundTrip(t *testing.T) {
	n, err := NewNetwork([]int{3, 4, 2}, OutputIdentity, 9)
	require.NoError(t, err)

	data, err := json.Marshal(n)
	require.NoError(t, err)

	var back Network
	require.NoError(t, json.Unmarshal(data, &back))
	in := []float64{0.1, -0.2, 0.3}
	want, err := n.Predict(in)
	require.NoError(t, err)
	got, err := back.Predict(in)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, OutputIdentity, back.Output())
}

func TestNetworkJSON_RejectsBadShapes(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"no layers", `{"sizes":[2],"output":"identity"}`},
		{"zero size", `{"sizes":[2,0],"output":"identity","weights":[{"rows":2,"cols":0,"data":[]}],"biases":[[]]}`},
		{"bad output", `{"sizes":[1,1],"output":"tanh","weights":[{"rows":1,"cols":1,"data":[1]}],"biases":[[0]]}`},
		{"missing layer", `{"sizes":[1,1,1],"output":"identity","weights":[{"rows":1,"cols":1,"data":[1]}],"biases":[[0]]}`},
		{"short data", `{"sizes":[2,1],"output":"identity","weights":[{"rows":2,"cols":1,"data":[1]}],"biases":[[0]]}`},
		{"bias width", `{"sizes":[1,2],"output":"identity","weights":[{"rows":1,"cols":2,"data":[1,2]}],"biases":[[0]]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n Network
			assert.Error(t, json.Unmarshal([]byte(tt.json), &n))
		})
	}
}

func TestNetworkFit_LBFGSSolvesLeastSquares(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1})
	y := mat.NewDense(3, 1, []float64{1, 2, 3})

	n, err := NewNetwork([]int{2, 1}, OutputIdentity, 9)
	require.NoError(t, err)
	// The learning rate is not used by lbfgs.
	stats, err := n.Fit(x, y, FitOptions{Solver: SolverLBFGS, MaxIter: 100})
	require.NoError(t, err)
	assert.Less(t, stats.Loss, 1e-6)
	assert.LessOrEqual(t, stats.Iterations, 100)
	assert.Len(t, stats.History, stats.Iterations)

	for i, want := range []float64{1, 2, 3} {
		got, err := n.Predict(x.RawRowView(i))
		require.NoError(t, err)
		assert.InDelta(t, want, got[0], 1e-2, "row %d", i)
	}
}

func TestNetworkFit_LBFGSIterationLimit(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{-1, -1, -1, 1, 1, -1, 1, 1})
	y := mat.NewDense(4, 1, []float64{0, 1, 1, 0})

	n, err := NewNetwork([]int{2, 16, 1}, OutputIdentity, 3)
	require.NoError(t, err)
	stats, err := n.Fit(x, y, FitOptions{Solver: SolverLBFGS, MaxIter: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.Iterations, 3)
	assert.Len(t, stats.History, stats.Iterations)
	assert.Equal(t, stats.History[len(stats.History)-1], stats.Loss)
}

func TestParseSolver(t *testing.T) {
	for _, name := range []string{"lbfgs", "adam", "sgd"} {
		s, err := ParseSolver(name)
		require.NoError(t, err)
		assert.Equal(t, Solver(name), s)
	}
	_, err := ParseSolver("newton")
	assert.Error(t, err)
}
