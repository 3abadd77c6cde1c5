package autopilot

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/autopilot/internal/corpus"
	"github.com/banshee-data/autopilot/internal/hardware"
	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/predict"
	"github.com/banshee-data/autopilot/internal/timeutil"
)

// Collect records training data while the car is driven by hand: each
// reading is appended with the actuator state it was taken under. It runs
// until ctx is cancelled and returns the number of examples written.
func Collect(ctx context.Context, sensors hardware.Sensors, out predict.Collector, useCamera bool, delay time.Duration, clock timeutil.Clock) (int, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	n := 0
	for {
		if ctx.Err() != nil {
			return n, nil
		}
		r, err := sensors.ReadAll(ctx, useCamera)
		if err != nil {
			if ctx.Err() != nil {
				return n, nil
			}
			return n, faultf(hardware.ErrSensorFault, err)
		}
		ex := corpus.Example{Label: r.Current, Features: r.Vector()}
		if err := out.Append(ex); err != nil {
			return n, fmt.Errorf("append example %d: %w", n+1, err)
		}
		n++
		monitoring.Debugf("collected %v %v", ex.Label, ex.Features)
		clock.Sleep(delay)
	}
}
