// Package hardware defines the sensor and actuator collaborators of the
// control loop and ships two boards: the serial-attached drive board and a
// no-hardware debug board.
package hardware

import (
	"context"
	"errors"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/features"
)

var (
	// ErrSensorFault reports a failed or timed-out sensor acquisition.
	ErrSensorFault = errors.New("sensor fault")
	// ErrActuationFault reports a motor command that could not be applied.
	ErrActuationFault = errors.New("actuation fault")
)

// Sensors acquires one raw record from the vehicle.
type Sensors interface {
	ReadAll(ctx context.Context, useCamera bool) (features.Reading, error)
}

// Actuator drives the steer and power motors.
type Actuator interface {
	// Drive sets one axis to -1, 0 or 1.
	Drive(axis action.Axis, value int) error
	// Release frees the hardware handles. Drive fails afterwards.
	Release() error
}

// Board is a device providing both sensors and actuation.
type Board interface {
	Sensors
	Actuator
}

// Apply drives steer then power to the label's values.
func Apply(a Actuator, l action.Label) error {
	if err := a.Drive(action.Steer, l.Steer); err != nil {
		return err
	}
	return a.Drive(action.Power, l.Power)
}

func validValue(v int) bool {
	return v >= -1 && v <= 1
}
