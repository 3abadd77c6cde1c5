package hardware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/features"
	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/serialmux"
)

// DefaultSensorTimeout bounds the wait for a data line after READ.
const DefaultSensorTimeout = time.Second

// MockPort is the serial_port value selecting the simulated board.
const MockPort = "mock"

// SerialBoard talks to the drive board over a line protocol: READ or
// READ CAM is answered by one D-prefixed data line, M<channel> <value>
// drives a motor, STOP and RELEASE neutralize and free the motors.
type SerialBoard struct {
	mux     serialmux.SerialMuxInterface
	timeout time.Duration

	// mu serializes request/response exchanges.
	mu       sync.Mutex
	released bool
}

var _ Board = (*SerialBoard)(nil)

// NewSerialBoard wraps a running mux. A non-positive timeout selects
// DefaultSensorTimeout.
func NewSerialBoard(mux serialmux.SerialMuxInterface, timeout time.Duration) *SerialBoard {
	if timeout <= 0 {
		timeout = DefaultSensorTimeout
	}
	return &SerialBoard{mux: mux, timeout: timeout}
}

// OpenSerialBoard opens the port at path, starts its monitor under ctx and
// puts the board into a known state. The path MockPort selects a simulated
// board answering every READ with the debug reading.
func OpenSerialBoard(ctx context.Context, path string, opts serialmux.PortOptions, timeout time.Duration) (*SerialBoard, error) {
	var mux serialmux.SerialMuxInterface
	if path == MockPort {
		mux = serialmux.NewMockSerialMux(DebugLine())
	} else {
		m, err := serialmux.NewRealSerialMux(path, opts)
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", path, err)
		}
		mux = m
	}

	go func() {
		if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("serial monitor for %s stopped: %v", path, err)
		}
	}()

	if err := mux.Initialize(); err != nil {
		mux.Close()
		return nil, fmt.Errorf("initialize board on %s: %w", path, err)
	}
	monitoring.Logf("Drive board ready on %s", path)
	return NewSerialBoard(mux, timeout), nil
}

// Mux returns the underlying serial mux, for admin routes.
func (b *SerialBoard) Mux() serialmux.SerialMuxInterface { return b.mux }

// ReadAll requests one record and waits for the next data line.
func (b *SerialBoard) ReadAll(ctx context.Context, useCamera bool) (features.Reading, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return features.Reading{}, fmt.Errorf("%w: board released", ErrSensorFault)
	}

	// Subscribe before sending so the reply cannot be missed.
	id, lines := b.mux.Subscribe()
	defer b.mux.Unsubscribe(id)

	command := serialmux.CommandRead
	if useCamera {
		command = serialmux.CommandReadCamera
	}
	if err := b.mux.SendCommand(command); err != nil {
		return features.Reading{}, fmt.Errorf("%w: send %s: %v", ErrSensorFault, command, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return features.Reading{}, ctx.Err()
		case <-timer.C:
			return features.Reading{}, fmt.Errorf("%w: no data line within %s", ErrSensorFault, b.timeout)
		case line, ok := <-lines:
			if !ok {
				return features.Reading{}, fmt.Errorf("%w: serial port closed", ErrSensorFault)
			}
			switch serialmux.ClassifyPayload(line) {
			case serialmux.EventTypeData:
				values, err := serialmux.ParseDataLine(line)
				if err != nil {
					return features.Reading{}, fmt.Errorf("%w: %v", ErrSensorFault, err)
				}
				r, err := features.NewReading(values, useCamera)
				if err != nil {
					return features.Reading{}, fmt.Errorf("%w: %v", ErrSensorFault, err)
				}
				return r, nil
			case serialmux.EventTypeError:
				return features.Reading{}, fmt.Errorf("%w: board replied %q", ErrSensorFault, line)
			}
			// acks and chatter from other commands
		}
	}
}

// Drive sends the motor command for axis.
func (b *SerialBoard) Drive(axis action.Axis, value int) error {
	if !validValue(value) {
		return fmt.Errorf("%w: %s value %d out of range", ErrActuationFault, axis, value)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return fmt.Errorf("%w: board released", ErrActuationFault)
	}
	if err := b.mux.SendCommand(serialmux.MotorCommand(int(axis), value)); err != nil {
		return fmt.Errorf("%w: drive %s to %d: %v", ErrActuationFault, axis, value, err)
	}
	return nil
}

// Release stops and frees the motors, then closes the port. Later calls are
// no-ops.
func (b *SerialBoard) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return nil
	}
	b.released = true

	var errs []error
	for _, command := range []string{serialmux.CommandStop, serialmux.CommandRelease} {
		if err := b.mux.SendCommand(command); err != nil {
			errs = append(errs, fmt.Errorf("send %s: %w", command, err))
		}
	}
	if err := b.mux.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close port: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrActuationFault, err)
	}
	return nil
}
