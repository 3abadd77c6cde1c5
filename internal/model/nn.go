package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/autopilot/internal/monitoring"
)

// Output selects the output activation of a network and the loss it is fitted with.
type Output string

const (
	// OutputSoftmax produces class probabilities, fitted with cross-entropy.
	OutputSoftmax Output = "softmax"
	// OutputIdentity produces raw values, fitted with squared error.
	OutputIdentity Output = "identity"
)

// Solver names the weight update rule.
type Solver string

const (
	// SolverLBFGS is a full-batch quasi-Newton solver. It converges fastest
	// on the small corpora a car collects and ignores the learning rate.
	SolverLBFGS Solver = "lbfgs"
	SolverAdam  Solver = "adam"
	SolverSGD   Solver = "sgd"
)

// ParseSolver validates a solver name.
func ParseSolver(s string) (Solver, error) {
	switch Solver(s) {
	case SolverLBFGS, SolverAdam, SolverSGD:
		return Solver(s), nil
	}
	return "", fmt.Errorf("unknown solver %q (want %q, %q or %q)", s, SolverLBFGS, SolverAdam, SolverSGD)
}

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
	// iterations without a tol-sized improvement before fitting stops
	noChangeLimit = 10
	minProb       = 1e-15
	// loss evaluations allowed per lbfgs fit
	maxFunEvals = 15000
)

var errShape = errors.New("network shape mismatch")

type layer struct {
	w *mat.Dense // in x out
	b []float64  // out
}

// Network is a fully connected feed-forward network with ReLU hidden layers.
type Network struct {
	sizes  []int
	output Output
	layers []layer
}

// FitOptions controls gradient-descent fitting.
type FitOptions struct {
	Solver       Solver
	LearningRate float64
	// Alpha is the L2 penalty on the weights.
	Alpha   float64
	MaxIter int
	// Tol is the minimum loss improvement that counts as progress. Fitting
	// stops after noChangeLimit iterations without progress. Zero or less
	// runs all MaxIter iterations.
	Tol float64
}

// FitStats summarises a completed fit.
type FitStats struct {
	Iterations int
	Loss       float64
	History    []float64
}

// NewNetwork builds a network with the given layer sizes (input first, output
// last) and Glorot-uniform initial weights drawn from a source seeded by seed.
func NewNetwork(sizes []int, output Output, seed uint64) (*Network, error) {
	if len(sizes) < 2 {
		return nil, fmt.Errorf("%w: need at least input and output sizes, got %v", errShape, sizes)
	}
	for _, s := range sizes {
		if s <= 0 {
			return nil, fmt.Errorf("%w: non-positive layer size in %v", errShape, sizes)
		}
	}
	if output != OutputSoftmax && output != OutputIdentity {
		return nil, fmt.Errorf("unknown output %q", output)
	}

	src := rand.NewPCG(seed, seed)
	n := &Network{sizes: append([]int(nil), sizes...), output: output}
	for l := 0; l+1 < len(sizes); l++ {
		in, out := sizes[l], sizes[l+1]
		limit := math.Sqrt(6 / float64(in+out))
		dist := distuv.Uniform{Min: -limit, Max: limit, Src: src}

		w := mat.NewDense(in, out, nil)
		raw := w.RawMatrix().Data
		for i := range raw {
			raw[i] = dist.Rand()
		}
		b := make([]float64, out)
		for i := range b {
			b[i] = dist.Rand()
		}
		n.layers = append(n.layers, layer{w: w, b: b})
	}
	return n, nil
}

// InputDim returns the width of the input layer.
func (n *Network) InputDim() int { return n.sizes[0] }

// OutputDim returns the width of the output layer.
func (n *Network) OutputDim() int { return n.sizes[len(n.sizes)-1] }

// Output returns the output activation.
func (n *Network) Output() Output { return n.output }

// Sizes returns a copy of the layer sizes.
func (n *Network) Sizes() []int { return append([]int(nil), n.sizes...) }

// Predict runs one input vector through the network.
func (n *Network) Predict(x []float64) ([]float64, error) {
	if len(x) != n.InputDim() {
		return nil, fmt.Errorf("%w: input has %d values, network expects %d", errShape, len(x), n.InputDim())
	}
	in := mat.NewDense(1, len(x), append([]float64(nil), x...))
	acts := n.forward(in)
	out := acts[len(acts)-1]
	return append([]float64(nil), out.RawRowView(0)...), nil
}

// forward returns the activations of every layer, input included.
func (n *Network) forward(x *mat.Dense) []*mat.Dense {
	acts := make([]*mat.Dense, 0, len(n.layers)+1)
	acts = append(acts, x)
	for l, ly := range n.layers {
		var z mat.Dense
		z.Mul(acts[l], ly.w)
		rows, _ := z.Dims()
		for i := 0; i < rows; i++ {
			floats.Add(z.RawRowView(i), ly.b)
		}
		if l == len(n.layers)-1 {
			if n.output == OutputSoftmax {
				for i := 0; i < rows; i++ {
					softmax(z.RawRowView(i))
				}
			}
		} else {
			z.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, &z)
		}
		acts = append(acts, &z)
	}
	return acts
}

func softmax(row []float64) {
	m := floats.Max(row)
	for j, v := range row {
		row[j] = math.Exp(v - m)
	}
	floats.Scale(1/floats.Sum(row), row)
}

// loss returns the data loss plus the L2 penalty.
func (n *Network) loss(pred, y *mat.Dense, alpha float64) float64 {
	rows, _ := pred.Dims()
	p, t := pred.RawMatrix().Data, y.RawMatrix().Data
	var data float64
	switch n.output {
	case OutputSoftmax:
		for i := range p {
			if t[i] != 0 {
				data -= t[i] * math.Log(math.Max(p[i], minProb))
			}
		}
		data /= float64(rows)
	default:
		for i := range p {
			d := p[i] - t[i]
			data += d * d
		}
		data /= 2 * float64(rows)
	}

	var sq float64
	for _, ly := range n.layers {
		for _, v := range ly.w.RawMatrix().Data {
			sq += v * v
		}
	}
	return data + alpha*sq/(2*float64(rows))
}

// Fit trains the network on inputs x (rows are examples) against targets y
// with full-batch gradient descent.
func (n *Network) Fit(x, y *mat.Dense, opts FitOptions) (FitStats, error) {
	xr, xc := x.Dims()
	yr, yc := y.Dims()
	switch {
	case xr == 0:
		return FitStats{}, fmt.Errorf("%w: no training rows", errShape)
	case xr != yr:
		return FitStats{}, fmt.Errorf("%w: %d input rows, %d target rows", errShape, xr, yr)
	case xc != n.InputDim():
		return FitStats{}, fmt.Errorf("%w: inputs have %d columns, network expects %d", errShape, xc, n.InputDim())
	case yc != n.OutputDim():
		return FitStats{}, fmt.Errorf("%w: targets have %d columns, network produces %d", errShape, yc, n.OutputDim())
	}
	if opts.MaxIter <= 0 {
		return FitStats{}, fmt.Errorf("max iterations must be positive, got %d", opts.MaxIter)
	}
	if opts.Solver == SolverLBFGS {
		return n.fitLBFGS(x, y, opts)
	}
	if opts.LearningRate <= 0 {
		return FitStats{}, fmt.Errorf("learning rate must be positive, got %v", opts.LearningRate)
	}

	opt := newOptimizer(opts.Solver, opts.LearningRate, n.params())
	scale := 1 / float64(xr)

	var (
		stats    FitStats
		best     = math.Inf(1)
		noChange int
	)
	for iter := 1; iter <= opts.MaxIter; iter++ {
		acts := n.forward(x)
		out := acts[len(acts)-1]
		loss := n.loss(out, y, opts.Alpha)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return stats, fmt.Errorf("loss diverged at iteration %d", iter)
		}
		stats.History = append(stats.History, loss)
		stats.Iterations = iter
		stats.Loss = loss

		opt.step(n.gradients(acts, y, opts.Alpha, scale))

		if opts.Tol > 0 {
			if loss > best-opts.Tol {
				noChange++
			} else {
				noChange = 0
			}
			if loss < best {
				best = loss
			}
			if noChange >= noChangeLimit {
				break
			}
		}
	}
	return stats, nil
}

// fitLBFGS minimises the loss over the flattened parameters with gonum's
// L-BFGS. Each major iteration adds one History entry. A positive Tol also
// ends the fit once the largest gradient component falls below it.
func (n *Network) fitLBFGS(x, y *mat.Dense, opts FitOptions) (FitStats, error) {
	rows, _ := x.Dims()
	scale := 1 / float64(rows)
	params := n.params()

	size := 0
	for _, p := range params {
		size += len(p)
	}
	load := func(flat []float64) {
		off := 0
		for _, p := range params {
			off += copy(p, flat[off:off+len(p)])
		}
	}
	start := make([]float64, 0, size)
	for _, p := range params {
		start = append(start, p...)
	}

	problem := optimize.Problem{
		Func: func(flat []float64) float64 {
			load(flat)
			acts := n.forward(x)
			return n.loss(acts[len(acts)-1], y, opts.Alpha)
		},
		Grad: func(grad, flat []float64) {
			load(flat)
			off := 0
			for _, g := range n.gradients(n.forward(x), y, opts.Alpha, scale) {
				off += copy(grad[off:], g)
			}
		},
	}

	rec := &historyRecorder{}
	settings := &optimize.Settings{
		MajorIterations: opts.MaxIter,
		FuncEvaluations: maxFunEvals,
		Converger:       optimize.NeverTerminate{},
		Recorder:        rec,
	}
	if opts.Tol > 0 {
		settings.GradientThreshold = opts.Tol
		settings.Converger = &optimize.FunctionConverge{Absolute: opts.Tol, Iterations: noChangeLimit}
	}

	initial := append([]float64(nil), start...)
	res, err := optimize.Minimize(problem, start, settings, &optimize.LBFGS{})
	if res == nil {
		return FitStats{}, fmt.Errorf("lbfgs: %w", err)
	}
	if res.MajorIterations == 0 {
		// No line search completed; keep the initial weights.
		res.X = initial
		res.F = problem.Func(initial)
	}
	if math.IsNaN(res.F) || math.IsInf(res.F, 0) {
		return FitStats{}, fmt.Errorf("loss diverged after %d iterations", res.MajorIterations)
	}
	if err != nil {
		// A line search that cannot improve further still leaves the best
		// location found so far.
		monitoring.Debugf("lbfgs stopped early (%v): %v", res.Status, err)
	}
	load(res.X)

	stats := FitStats{Iterations: res.MajorIterations, Loss: res.F, History: rec.history}
	if stats.Iterations == 0 {
		stats.Iterations = 1
	}
	// The terminating iteration is not passed to the recorder.
	if len(stats.History) < stats.Iterations {
		stats.History = append(stats.History, res.F)
	}
	return stats, nil
}

// historyRecorder keeps the loss at each major iteration that did not end the run.
type historyRecorder struct {
	history []float64
}

func (r *historyRecorder) Init() error { return nil }

func (r *historyRecorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op&optimize.MajorIteration != 0 {
		r.history = append(r.history, loc.F)
	}
	return nil
}

// params returns the trainable parameter slices in layer order: weights then biases.
func (n *Network) params() [][]float64 {
	ps := make([][]float64, 0, 2*len(n.layers))
	for _, ly := range n.layers {
		ps = append(ps, ly.w.RawMatrix().Data, ly.b)
	}
	return ps
}

// gradients backpropagates the loss. The output delta is (pred - y)/rows for
// both softmax/cross-entropy and identity/squared error.
func (n *Network) gradients(acts []*mat.Dense, y *mat.Dense, alpha, scale float64) [][]float64 {
	var delta mat.Dense
	delta.Sub(acts[len(acts)-1], y)
	delta.Scale(scale, &delta)

	grads := make([][]float64, 2*len(n.layers))
	for l := len(n.layers) - 1; l >= 0; l-- {
		ly := n.layers[l]

		var gw mat.Dense
		gw.Mul(acts[l].T(), &delta)
		var reg mat.Dense
		reg.Scale(alpha*scale, ly.w)
		gw.Add(&gw, &reg)

		_, out := ly.w.Dims()
		gb := make([]float64, out)
		rows, _ := delta.Dims()
		for i := 0; i < rows; i++ {
			floats.Add(gb, delta.RawRowView(i))
		}
		grads[2*l] = gw.RawMatrix().Data
		grads[2*l+1] = gb

		if l > 0 {
			a := acts[l]
			var prev mat.Dense
			prev.Mul(&delta, ly.w.T())
			prev.Apply(func(i, j int, v float64) float64 {
				if a.At(i, j) <= 0 {
					return 0
				}
				return v
			}, &prev)
			delta = prev
		}
	}
	return grads
}

type optimizer struct {
	solver Solver
	lr     float64
	params [][]float64
	m, v   [][]float64
	t      int
}

func newOptimizer(solver Solver, lr float64, params [][]float64) *optimizer {
	o := &optimizer{solver: solver, lr: lr, params: params}
	if solver != SolverSGD {
		o.solver = SolverAdam
		for _, p := range params {
			o.m = append(o.m, make([]float64, len(p)))
			o.v = append(o.v, make([]float64, len(p)))
		}
	}
	return o
}

func (o *optimizer) step(grads [][]float64) {
	if o.solver == SolverSGD {
		for k, p := range o.params {
			floats.AddScaled(p, -o.lr, grads[k])
		}
		return
	}

	o.t++
	lr := o.lr * math.Sqrt(1-math.Pow(adamBeta2, float64(o.t))) / (1 - math.Pow(adamBeta1, float64(o.t)))
	for k, p := range o.params {
		g, m, v := grads[k], o.m[k], o.v[k]
		for i := range p {
			m[i] = adamBeta1*m[i] + (1-adamBeta1)*g[i]
			v[i] = adamBeta2*v[i] + (1-adamBeta2)*g[i]*g[i]
			p[i] -= lr * m[i] / (math.Sqrt(v[i]) + adamEpsilon)
		}
	}
}

// Matrix is the serialised form of a weight matrix, row-major.
type Matrix struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

type networkJSON struct {
	Sizes   []int       `json:"sizes"`
	Output  Output      `json:"output"`
	Weights []Matrix    `json:"weights"`
	Biases  [][]float64 `json:"biases"`
}

// MarshalJSON implements json.Marshaler.
func (n *Network) MarshalJSON() ([]byte, error) {
	out := networkJSON{Sizes: n.sizes, Output: n.output}
	for _, ly := range n.layers {
		r, c := ly.w.Dims()
		out.Weights = append(out.Weights, Matrix{Rows: r, Cols: c, Data: ly.w.RawMatrix().Data})
		out.Biases = append(out.Biases, ly.b)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler and checks every layer shape.
func (n *Network) UnmarshalJSON(data []byte) error {
	var in networkJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if len(in.Sizes) < 2 {
		return fmt.Errorf("%w: sizes %v", errShape, in.Sizes)
	}
	for _, s := range in.Sizes {
		if s <= 0 {
			return fmt.Errorf("%w: non-positive layer size in %v", errShape, in.Sizes)
		}
	}
	if in.Output != OutputSoftmax && in.Output != OutputIdentity {
		return fmt.Errorf("unknown output %q", in.Output)
	}
	layers := len(in.Sizes) - 1
	if len(in.Weights) != layers || len(in.Biases) != layers {
		return fmt.Errorf("%w: %d weight and %d bias layers for sizes %v",
			errShape, len(in.Weights), len(in.Biases), in.Sizes)
	}

	n.sizes = in.Sizes
	n.output = in.Output
	n.layers = make([]layer, layers)
	for l, m := range in.Weights {
		if m.Rows != in.Sizes[l] || m.Cols != in.Sizes[l+1] || len(m.Data) != m.Rows*m.Cols {
			return fmt.Errorf("%w: layer %d weights %dx%d (%d values), want %dx%d",
				errShape, l, m.Rows, m.Cols, len(m.Data), in.Sizes[l], in.Sizes[l+1])
		}
		if len(in.Biases[l]) != in.Sizes[l+1] {
			return fmt.Errorf("%w: layer %d has %d biases, want %d", errShape, l, len(in.Biases[l]), in.Sizes[l+1])
		}
		n.layers[l] = layer{w: mat.NewDense(m.Rows, m.Cols, m.Data), b: in.Biases[l]}
	}
	return nil
}
