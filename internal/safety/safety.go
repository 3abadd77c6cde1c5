// Package safety holds the universal recovery primitive: bring both axes to
// neutral, publish the neutral status, and on a terminal stop release the
// hardware.
package safety

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/hardware"
	"github.com/banshee-data/autopilot/internal/monitoring"
)

// StatusWriter publishes per-axis status for the manual-control front end.
type StatusWriter interface {
	WriteSteer(v int) error
	WritePower(v int) error
}

// Controller performs full stops. It is safe for concurrent use.
type Controller struct {
	act    hardware.Actuator
	status StatusWriter

	mu       sync.Mutex
	released bool
	stops    int
}

func NewController(act hardware.Actuator, status StatusWriter) *Controller {
	return &Controller{act: act, status: status}
}

// Stop drives steer and power to neutral and writes ZERO and STOP to the
// status surface. A terminal stop then releases the actuator; the release
// happens at most once and later stops only rewrite the status. Every step
// runs even when an earlier one fails.
func (c *Controller) Stop(terminal bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stops++
	var errs []error
	if !c.released {
		if err := c.act.Drive(action.Steer, 0); err != nil {
			errs = append(errs, fmt.Errorf("steer neutral: %w", err))
		}
	}
	if err := c.status.WriteSteer(0); err != nil {
		errs = append(errs, fmt.Errorf("steer status: %w", err))
	}
	if !c.released {
		if err := c.act.Drive(action.Power, 0); err != nil {
			errs = append(errs, fmt.Errorf("power neutral: %w", err))
		}
	}
	if err := c.status.WritePower(0); err != nil {
		errs = append(errs, fmt.Errorf("power status: %w", err))
	}

	if terminal {
		if !c.released {
			c.released = true
			if err := c.act.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release hardware: %w", err))
			}
		}
		monitoring.Logf("FULL STOP - Ending")
	} else {
		monitoring.Logf("FULL STOP - Starting...")
	}
	return errors.Join(errs...)
}

// Released reports whether a terminal stop has released the hardware.
func (c *Controller) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Stops returns the number of Stop calls.
func (c *Controller) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}
