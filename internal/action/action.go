// Package action defines the discrete (steer, power) drive command and the
// fixed class-index codec that trained classifier bundles depend on.
package action

import (
	"errors"
	"fmt"
)

// ErrInvalidLabel is returned for pairs outside {-1,0,1}² and class indices
// outside [0, NumClasses).
var ErrInvalidLabel = errors.New("invalid action label")

// Label is a drive command. Steer: -1 left, 0 straight, +1 right.
// Power: -1 reverse, 0 stop, +1 forward.
type Label struct {
	Steer int `json:"steer"`
	Power int `json:"power"`
}

// Neutral is straight ahead with no power.
var Neutral = Label{Steer: 0, Power: 0}

// NumClasses is the size of the classifier output space.
const NumClasses = 9

// classes is the canonical enumeration. Bundles store class probabilities
// positionally, so this order must never change.
var classes = [NumClasses]Label{
	{-1, -1}, {-1, 0}, {-1, 1},
	{0, -1}, {0, 0}, {0, 1},
	{1, -1}, {1, 0}, {1, 1},
}

// Classes returns the canonical label enumeration in class-index order.
func Classes() []Label {
	out := make([]Label, NumClasses)
	copy(out, classes[:])
	return out
}

// Encode maps a label to its class index.
func Encode(l Label) (int, error) {
	if !validAxis(l.Steer) || !validAxis(l.Power) {
		return 0, fmt.Errorf("%w: (%d,%d)", ErrInvalidLabel, l.Steer, l.Power)
	}
	// row-major over steer then power, matching the table above
	return (l.Steer+1)*3 + (l.Power + 1), nil
}

// Decode maps a class index back to its label.
func Decode(index int) (Label, error) {
	if index < 0 || index >= NumClasses {
		return Neutral, fmt.Errorf("%w: class index %d", ErrInvalidLabel, index)
	}
	return classes[index], nil
}

// Valid reports whether l is one of the canonical labels.
func (l Label) Valid() bool {
	return validAxis(l.Steer) && validAxis(l.Power)
}

func (l Label) String() string {
	return fmt.Sprintf("(S=%d, P=%d)", l.Steer, l.Power)
}

func validAxis(v int) bool {
	return v >= -1 && v <= 1
}

// Quantize buckets a continuous regressor output into {-1,0,1}: values at or
// beyond ±1 saturate, everything strictly inside (-1,1) becomes 0.
func Quantize(v float64) int {
	switch {
	case v >= 1:
		return 1
	case v <= -1:
		return -1
	default:
		return 0
	}
}

// Axis names an actuator channel. The numeric values are the motor channel
// numbers used by the drive board.
type Axis int

const (
	Steer Axis = 0
	Power Axis = 1
)

func (a Axis) String() string {
	switch a {
	case Steer:
		return "steer"
	case Power:
		return "power"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}
