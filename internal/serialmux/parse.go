package serialmux

import (
	"fmt"
	"strconv"
	"strings"
)

// Commands understood by the car's motor and sensor board.
const (
	CommandRead       = "READ"
	CommandReadCamera = "READ CAM"
	CommandStop       = "STOP"
	CommandRelease    = "RELEASE"
)

// Line types emitted by the board.
const (
	EventTypeData    = "data"
	EventTypeAck     = "ack"
	EventTypeError   = "error"
	EventTypeUnknown = "unknown"
)

// DataPrefix starts every sensor data line: D,S,P,L,R,C,B,X,Y,Z,V[,cam...].
const DataPrefix = "D,"

// MotorCommand returns the command driving motor channel to value (-1, 0, 1).
func MotorCommand(channel, value int) string {
	return fmt.Sprintf("M%d %d", channel, value)
}

// ClassifyPayload inspects a line from the board and returns its event type.
func ClassifyPayload(payload string) string {
	payload = strings.TrimSpace(payload)
	switch {
	case strings.HasPrefix(payload, DataPrefix):
		return EventTypeData
	case payload == "OK" || strings.HasPrefix(payload, "OK "):
		return EventTypeAck
	case strings.HasPrefix(payload, "ERR"):
		return EventTypeError
	}
	return EventTypeUnknown
}

// ParseDataLine returns the numeric fields of a D-prefixed data line.
func ParseDataLine(line string) ([]float64, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, DataPrefix) {
		return nil, fmt.Errorf("not a data line: %q", line)
	}
	fields := strings.Split(strings.TrimPrefix(line, DataPrefix), ",")
	values := make([]float64, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("data field %d: %w", i, err)
		}
		values = append(values, v)
	}
	return values, nil
}
