// Package model trains and persists the learned driving policy: a normalizer
// plus a feed-forward network, keyed by corpus root and mode.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/corpus"
	"github.com/banshee-data/autopilot/internal/features"
)

// BundleVersion is bumped whenever the serialised bundle layout changes.
// Bundles written with any other version are rejected on load.
const BundleVersion = 1

var (
	// ErrModelLoad covers any persisted bundle that cannot be used: corrupt
	// payload, version mismatch or a shape that does not fit the corpus.
	ErrModelLoad = errors.New("model load failed")
	// ErrNotFound is returned by a Store when no bundle exists for a key.
	ErrNotFound = errors.New("model bundle not found")
)

// Mode selects classifier or regressor training and inference.
type Mode string

const (
	ModeClassifier Mode = "classifier"
	ModeRegressor  Mode = "regressor"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeClassifier, ModeRegressor:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown model mode %q", s)
}

// Suffix returns the key suffix for the mode.
func (m Mode) Suffix() string {
	if m == ModeRegressor {
		return ".nnModelR"
	}
	return ".nnModelC"
}

func (m Mode) seed() uint64 {
	if m == ModeRegressor {
		return 9
	}
	return 1
}

func (m Mode) outputs() int {
	if m == ModeRegressor {
		return 2
	}
	return action.NumClasses
}

// Key returns the bundle key for a corpus file and mode.
func Key(corpusPath string, mode Mode) string {
	return corpus.Root(corpusPath) + mode.Suffix()
}

// Bundle is everything needed to turn a raw feature vector into an action.
// It is replaced whole, never mutated after training.
type Bundle struct {
	Version    int                  `json:"version"`
	ID         string               `json:"id"`
	Key        string               `json:"key"`
	Mode       Mode                 `json:"mode"`
	Features   int                  `json:"features"`
	Classes    []action.Label       `json:"classes,omitempty"`
	Normalizer *features.Normalizer `json:"normalizer"`
	Network    *Network             `json:"network"`
	TrainedAt  time.Time            `json:"trained_at"`
	Examples   int                  `json:"examples"`
	Iterations int                  `json:"iterations"`
	Loss       float64              `json:"loss"`
}

// Validate checks that the bundle is internally consistent.
func (b *Bundle) Validate() error {
	if b.Version != BundleVersion {
		return fmt.Errorf("%w: bundle version %d, want %d", ErrModelLoad, b.Version, BundleVersion)
	}
	if _, err := ParseMode(string(b.Mode)); err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	if b.Normalizer == nil || b.Network == nil {
		return fmt.Errorf("%w: bundle missing normalizer or network", ErrModelLoad)
	}
	if b.Normalizer.Dim() != b.Features || b.Network.InputDim() != b.Features {
		return fmt.Errorf("%w: feature width %d, normalizer %d, network input %d",
			ErrModelLoad, b.Features, b.Normalizer.Dim(), b.Network.InputDim())
	}
	if got, want := b.Network.OutputDim(), b.Mode.outputs(); got != want {
		return fmt.Errorf("%w: %s network has %d outputs, want %d", ErrModelLoad, b.Mode, got, want)
	}
	if b.Mode == ModeClassifier {
		if len(b.Classes) != action.NumClasses {
			return fmt.Errorf("%w: class table has %d entries, want %d", ErrModelLoad, len(b.Classes), action.NumClasses)
		}
		want := action.Classes()
		for i, c := range b.Classes {
			if c != want[i] {
				return fmt.Errorf("%w: class %d is %v, want %v", ErrModelLoad, i, c, want[i])
			}
		}
	}
	return nil
}

// MarshalBundle serialises a bundle.
func MarshalBundle(b *Bundle) ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// UnmarshalBundle decodes and validates a serialised bundle. Every failure
// wraps ErrModelLoad.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: decode bundle: %v", ErrModelLoad, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Infer normalizes a raw feature vector and runs it through the network,
// returning class probabilities (classifier) or (steer, power) values
// (regressor).
func (b *Bundle) Infer(raw []float64) ([]float64, error) {
	x, err := b.Normalizer.Apply(raw)
	if err != nil {
		return nil, err
	}
	return b.Network.Predict(x)
}
