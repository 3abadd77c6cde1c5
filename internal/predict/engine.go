// Package predict maps a raw sensor feature vector to a driving action using
// the active model bundle.
package predict

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/corpus"
	"github.com/banshee-data/autopilot/internal/features"
	"github.com/banshee-data/autopilot/internal/model"
	"github.com/banshee-data/autopilot/internal/monitoring"
)

// ErrNoModel is returned by Predict before any bundle has been installed.
var ErrNoModel = errors.New("no model bundle loaded")

// Prediction is the outcome of one inference.
type Prediction struct {
	Label action.Label `json:"label"`
	// Probability is the classifier's confidence in Label. It is zero for
	// the regressor and for the neutral fallback.
	Probability float64 `json:"probability"`
	// Raw holds the regressor output before quantization, or the chosen
	// label for the classifier.
	Raw [2]float64 `json:"raw"`
}

// Collector receives every (prediction, features) pair when data collection
// during autonomous driving is enabled. *corpus.Writer satisfies it.
type Collector interface {
	Append(ex corpus.Example) error
}

// Engine runs inference against an atomically swappable bundle.
type Engine struct {
	bundle atomic.Pointer[model.Bundle]

	mu        sync.Mutex
	collector Collector
}

// NewEngine returns an engine using b.
func NewEngine(b *model.Bundle) *Engine {
	e := &Engine{}
	e.bundle.Store(b)
	return e
}

// SetCollector enables appending each prediction to a corpus. nil disables it.
func (e *Engine) SetCollector(c Collector) {
	e.mu.Lock()
	e.collector = c
	e.mu.Unlock()
}

// Swap installs b for every later Predict call and returns the previous bundle.
func (e *Engine) Swap(b *model.Bundle) *model.Bundle {
	return e.bundle.Swap(b)
}

// Bundle returns the active bundle.
func (e *Engine) Bundle() *model.Bundle {
	return e.bundle.Load()
}

// Predict infers an action for raw. A vector whose width does not match the
// bundle fails with features.ErrDimensionMismatch. Any other inference
// failure yields the neutral action with zero probability.
func (e *Engine) Predict(raw []float64) (Prediction, error) {
	b := e.bundle.Load()
	if b == nil {
		return Prediction{}, ErrNoModel
	}
	out, err := b.Infer(raw)
	if errors.Is(err, features.ErrDimensionMismatch) {
		return Prediction{}, err
	}

	var p Prediction
	if err == nil {
		switch b.Mode {
		case model.ModeRegressor:
			p, err = regress(out)
		default:
			p, err = classify(out)
		}
	}
	if err != nil {
		monitoring.Logf("prediction failed, holding neutral: %v", err)
		p = Prediction{Label: action.Neutral}
	}
	monitoring.Debugf("predicted %v (probability %.4f, raw %v)", p.Label, p.Probability, p.Raw)

	e.collect(p.Label, raw)
	return p, nil
}

func classify(probs []float64) (Prediction, error) {
	for i, v := range probs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Prediction{}, fmt.Errorf("class %d probability is %v", i, v)
		}
	}
	idx := floats.MaxIdx(probs)
	label, err := action.Decode(idx)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{
		Label:       label,
		Probability: probs[idx],
		Raw:         [2]float64{float64(label.Steer), float64(label.Power)},
	}, nil
}

func regress(out []float64) (Prediction, error) {
	if len(out) != 2 {
		return Prediction{}, fmt.Errorf("regressor produced %d values, want 2", len(out))
	}
	return Prediction{
		Label: action.Label{Steer: action.Quantize(out[0]), Power: action.Quantize(out[1])},
		Raw:   [2]float64{out[0], out[1]},
	}, nil
}

func (e *Engine) collect(label action.Label, raw []float64) {
	e.mu.Lock()
	c := e.collector
	e.mu.Unlock()
	if c == nil {
		return
	}
	ex := corpus.Example{Label: label, Features: append([]float64(nil), raw...)}
	if err := c.Append(ex); err != nil {
		monitoring.Logf("failed to save training example: %v", err)
	}
}
