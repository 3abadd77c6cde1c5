package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/corpus"
	"github.com/banshee-data/autopilot/internal/features"
	"github.com/banshee-data/autopilot/internal/fsutil"
	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/timeutil"
)

// Options configures training.
type Options struct {
	Mode          Mode
	Hidden        []int
	Solver        Solver
	LearningRate  float64
	Alpha         float64
	MaxIter       int
	Tol           float64
	AlwaysRetrain bool
}

// DefaultOptions mirrors the stock MLP settings the car has always trained with.
func DefaultOptions() Options {
	return Options{
		Mode:         ModeClassifier,
		Hidden:       []int{10},
		Solver:       SolverLBFGS,
		LearningRate: 0.001,
		Alpha:        1e-5,
		MaxIter:      200,
		Tol:          1e-4,
	}
}

// TrainResult describes one completed training run.
type TrainResult struct {
	Bundle   *Bundle
	Corpus   string
	History  []float64
	Duration time.Duration
	// Reason is why training ran: "forced", "missing" or "load failed: ...".
	Reason string
}

// RunRecorder is implemented by stores that keep a training history.
type RunRecorder interface {
	RecordRun(res *TrainResult) error
}

// Trainer fits bundles from corpora and caches them in a Store.
type Trainer struct {
	fs    fsutil.FileSystem
	store Store
	opts  Options
	clock timeutil.Clock

	// OnTrained, when set, is called after every successful training run.
	OnTrained func(res *TrainResult)
}

// NewTrainer returns a Trainer reading corpora from fsys and caching bundles in store.
func NewTrainer(fsys fsutil.FileSystem, store Store, opts Options) *Trainer {
	if opts.Mode == "" {
		opts.Mode = ModeClassifier
	}
	return &Trainer{fs: fsys, store: store, opts: opts, clock: timeutil.RealClock{}}
}

// SetClock replaces the clock used for timestamps and durations.
func (t *Trainer) SetClock(c timeutil.Clock) { t.clock = c }

// Mode returns the mode LoadOrTrain trains and loads.
func (t *Trainer) Mode() Mode { return t.opts.Mode }

// Train fits a new bundle on examples.
func (t *Trainer) Train(examples []corpus.Example, mode Mode) (*Bundle, error) {
	res, err := t.Fit(examples, mode)
	if err != nil {
		return nil, err
	}
	return res.Bundle, nil
}

// Fit is Train with the loss history and timing kept.
func (t *Trainer) Fit(examples []corpus.Example, mode Mode) (*TrainResult, error) {
	if len(examples) == 0 {
		return nil, features.ErrEmptyCorpus
	}
	start := t.clock.Now()
	labels, rows := corpus.Split(examples)

	norm, err := features.Fit(rows)
	if err != nil {
		return nil, err
	}
	x, err := norm.ApplyAll(rows)
	if err != nil {
		return nil, err
	}
	y, err := targets(labels, mode)
	if err != nil {
		return nil, err
	}

	sizes := append([]int{norm.Dim()}, t.opts.Hidden...)
	sizes = append(sizes, mode.outputs())
	output := OutputSoftmax
	if mode == ModeRegressor {
		output = OutputIdentity
	}
	net, err := NewNetwork(sizes, output, mode.seed())
	if err != nil {
		return nil, err
	}

	stats, err := net.Fit(x, y, FitOptions{
		Solver:       t.opts.Solver,
		LearningRate: t.opts.LearningRate,
		Alpha:        t.opts.Alpha,
		MaxIter:      t.opts.MaxIter,
		Tol:          t.opts.Tol,
	})
	if err != nil {
		return nil, fmt.Errorf("fit %s network: %w", mode, err)
	}

	b := &Bundle{
		Version:    BundleVersion,
		ID:         uuid.NewString(),
		Mode:       mode,
		Features:   norm.Dim(),
		Normalizer: norm,
		Network:    net,
		TrainedAt:  t.clock.Now().UTC(),
		Examples:   len(examples),
		Iterations: stats.Iterations,
		Loss:       stats.Loss,
	}
	if mode == ModeClassifier {
		b.Classes = action.Classes()
	}
	return &TrainResult{Bundle: b, History: stats.History, Duration: t.clock.Since(start)}, nil
}

// targets builds the target matrix: one-hot class rows for the classifier,
// raw (steer, power) rows for the regressor.
func targets(labels []action.Label, mode Mode) (*mat.Dense, error) {
	switch mode {
	case ModeClassifier:
		y := mat.NewDense(len(labels), action.NumClasses, nil)
		for i, l := range labels {
			idx, err := action.Encode(l)
			if err != nil {
				return nil, fmt.Errorf("example %d: %w", i+1, err)
			}
			y.Set(i, idx, 1)
		}
		return y, nil
	case ModeRegressor:
		y := mat.NewDense(len(labels), 2, nil)
		for i, l := range labels {
			y.Set(i, 0, float64(l.Steer))
			y.Set(i, 1, float64(l.Power))
		}
		return y, nil
	}
	return nil, fmt.Errorf("unknown model mode %q", mode)
}

// LoadOrTrain returns the cached bundle for the corpus at path, training and
// saving a new one when retraining is forced, no bundle exists or the cached
// one cannot be used.
func (t *Trainer) LoadOrTrain(path string) (*Bundle, error) {
	res, err := t.loadOrTrain(path, t.opts.AlwaysRetrain)
	if err != nil {
		return nil, err
	}
	return res.Bundle, nil
}

// Retrain trains on the corpus at path regardless of any cached bundle.
func (t *Trainer) Retrain(path string) (*TrainResult, error) {
	return t.loadOrTrain(path, true)
}

func (t *Trainer) loadOrTrain(path string, force bool) (*TrainResult, error) {
	examples, err := corpus.ReadAll(t.fs, path)
	if err != nil {
		return nil, err
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("%s: %w", path, features.ErrEmptyCorpus)
	}
	key := Key(path, t.opts.Mode)
	width := len(examples[0].Features)

	reason := "forced"
	if !force {
		b, err := t.store.Load(key)
		if err == nil && b.Features != width {
			err = fmt.Errorf("%w: bundle has %d features, corpus has %d", ErrModelLoad, b.Features, width)
		}
		if err == nil && b.Mode != t.opts.Mode {
			err = fmt.Errorf("%w: bundle mode %s, want %s", ErrModelLoad, b.Mode, t.opts.Mode)
		}
		switch {
		case err == nil:
			monitoring.Logf("Opening NN training model %s (trained %s on %d examples)",
				key, b.TrainedAt.Format(time.RFC3339), b.Examples)
			return &TrainResult{Bundle: b, Corpus: path}, nil
		case errors.Is(err, ErrNotFound):
			reason = "missing"
		default:
			reason = "load failed: " + err.Error()
		}
	}

	monitoring.Logf("Retraining NN model %s (%s) on %d examples", key, reason, len(examples))
	res, err := t.Fit(examples, t.opts.Mode)
	if err != nil {
		return nil, err
	}
	res.Bundle.Key = key
	res.Corpus = path
	res.Reason = reason

	if err := t.store.Save(res.Bundle); err != nil {
		return nil, fmt.Errorf("save bundle %s: %w", key, err)
	}
	if rec, ok := t.store.(RunRecorder); ok {
		if err := rec.RecordRun(res); err != nil {
			monitoring.Logf("record training run for %s: %v", key, err)
		}
	}
	monitoring.Logf("Trained %s in %s: %d iterations, loss %.5f",
		key, res.Duration.Round(time.Millisecond), res.Bundle.Iterations, res.Bundle.Loss)
	if t.OnTrained != nil {
		t.OnTrained(res)
	}
	return res, nil
}
