// Package features turns raw sensor readings into model feature vectors and
// holds the per-column standardization fitted at training time.
package features

import (
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/autopilot/internal/action"
)

// BaseDim is the number of non-camera features: four ranges, three
// acceleration axes and the battery voltage.
const BaseDim = 8

// RecordLen is the minimum length of a raw sensor record: the current steer
// and power followed by the base features.
const RecordLen = 2 + BaseDim

// Reading is one raw record from the drive board.
type Reading struct {
	// Current is the actuator state at acquisition time.
	Current action.Label

	Left, Right, Center, Back float64
	AccelX, AccelY, AccelZ    float64
	Voltage                   float64

	// Camera holds the optional camera-feature suffix.
	Camera []float64
}

// NewReading builds a Reading from the board record layout
// S,P,L,R,C,B,X,Y,Z,V[,camera...]. The camera suffix is kept only when
// useCamera is set.
func NewReading(values []float64, useCamera bool) (Reading, error) {
	if len(values) < RecordLen {
		return Reading{}, fmt.Errorf("%w: sensor record has %d values, need at least %d",
			ErrDimensionMismatch, len(values), RecordLen)
	}
	r := Reading{
		Current: action.Label{Steer: int(math.Round(values[0])), Power: int(math.Round(values[1]))},
		Left:    values[2],
		Right:   values[3],
		Center:  values[4],
		Back:    values[5],
		AccelX:  values[6],
		AccelY:  values[7],
		AccelZ:  values[8],
		Voltage: values[9],
	}
	if useCamera && len(values) > RecordLen {
		r.Camera = append([]float64(nil), values[RecordLen:]...)
	}
	return r, nil
}

// Vector returns the feature vector fed to the model. Ranges are rounded to
// whole units, acceleration to 3 decimals and voltage to 2; camera features
// are appended unchanged.
func (r Reading) Vector() []float64 {
	v := make([]float64, 0, BaseDim+len(r.Camera))
	v = append(v,
		roundTo(r.Left, 0), roundTo(r.Right, 0), roundTo(r.Center, 0), roundTo(r.Back, 0),
		roundTo(r.AccelX, 3), roundTo(r.AccelY, 3), roundTo(r.AccelZ, 3),
		roundTo(r.Voltage, 2),
	)
	return append(v, r.Camera...)
}

// Dim returns the feature dimensionality for the camera setting and number
// of camera features.
func Dim(useCamera bool, cameraFeatures int) int {
	if !useCamera {
		return BaseDim
	}
	return BaseDim + cameraFeatures
}

func (r Reading) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "S=%d, P=%d, L=%.0f, R=%.0f, C=%.0f, B=%.0f, X=%.3f, Y=%.3f, Z=%.3f, V=%.2f",
		r.Current.Steer, r.Current.Power, r.Left, r.Right, r.Center, r.Back,
		r.AccelX, r.AccelY, r.AccelZ, r.Voltage)
	if len(r.Camera) > 0 {
		fmt.Fprintf(&b, ", Cam=%d", len(r.Camera))
	}
	return b.String()
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
