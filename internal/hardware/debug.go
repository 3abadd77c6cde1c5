package hardware

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/features"
	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/serialmux"
)

// debugRecord is the fixed S,P,L,R,C,B,X,Y,Z,V record served in debug mode.
var debugRecord = []float64{-1, -1, 116, 117, 111, 158, 0.224, 0.108, 1.004, 1.5}

// DebugRecord returns a copy of the fixed debug record.
func DebugRecord() []float64 {
	return append([]float64(nil), debugRecord...)
}

// DebugLine renders the debug record as a board data line.
func DebugLine() string {
	fields := make([]string, len(debugRecord))
	for i, v := range debugRecord {
		fields[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return serialmux.DataPrefix + strings.Join(fields, ",")
}

// DriveCommand is one actuation recorded by DebugBoard.
type DriveCommand struct {
	Axis  action.Axis
	Value int
}

// CommandSink receives the board commands a DebugBoard would have sent.
// serialmux.DisabledSerialMux implements it.
type CommandSink interface {
	SendCommand(command string) error
}

// DebugBoard serves the fixed debug record and records actuation in memory.
type DebugBoard struct {
	mu       sync.Mutex
	drives   []DriveCommand
	state    action.Label
	reads    int
	releases int
	sink     CommandSink
}

var _ Board = (*DebugBoard)(nil)

func NewDebugBoard() *DebugBoard {
	return &DebugBoard{}
}

// SetCommandSink mirrors every read, drive and release to sink as the
// serial command a real board would receive. nil stops mirroring.
func (d *DebugBoard) SetCommandSink(sink CommandSink) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

// echo must be called with d.mu held.
func (d *DebugBoard) echo(commands ...string) {
	if d.sink == nil {
		return
	}
	for _, c := range commands {
		if err := d.sink.SendCommand(c); err != nil {
			monitoring.Debugf("debug board: mirror %q: %v", c, err)
		}
	}
}

func (d *DebugBoard) ReadAll(ctx context.Context, useCamera bool) (features.Reading, error) {
	if err := ctx.Err(); err != nil {
		return features.Reading{}, err
	}
	command := serialmux.CommandRead
	if useCamera {
		command = serialmux.CommandReadCamera
	}
	d.mu.Lock()
	d.reads++
	d.echo(command)
	d.mu.Unlock()
	return features.NewReading(debugRecord, useCamera)
}

func (d *DebugBoard) Drive(axis action.Axis, value int) error {
	if !validValue(value) {
		return fmt.Errorf("%w: %s value %d out of range", ErrActuationFault, axis, value)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch axis {
	case action.Steer:
		d.state.Steer = value
	case action.Power:
		d.state.Power = value
	default:
		return fmt.Errorf("%w: unknown %s", ErrActuationFault, axis)
	}
	d.drives = append(d.drives, DriveCommand{Axis: axis, Value: value})
	d.echo(serialmux.MotorCommand(int(axis), value))
	monitoring.Debugf("debug board: %s -> %d", axis, value)
	return nil
}

func (d *DebugBoard) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releases++
	d.echo(serialmux.CommandStop, serialmux.CommandRelease)
	monitoring.Debugf("debug board: released")
	return nil
}

// Drives returns every recorded actuation in order.
func (d *DebugBoard) Drives() []DriveCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DriveCommand(nil), d.drives...)
}

// State returns the last value driven on each axis.
func (d *DebugBoard) State() action.Label {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reads returns the number of ReadAll calls served.
func (d *DebugBoard) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// Releases returns the number of Release calls.
func (d *DebugBoard) Releases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releases
}
