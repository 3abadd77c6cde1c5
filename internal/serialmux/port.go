package serialmux

import (
	"fmt"
	"io"
)

// SerialPorter is the byte stream to the drive board. go.bug.st/serial
// ports and the test ports in this package both satisfy it.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortFactory opens the board's port with a given line setting.
type SerialPortFactory interface {
	Open(path string, mode *SerialPortMode) (SerialPorter, error)
}

// SerialPortMode is the line setting of the board link.
type SerialPortMode struct {
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits StopBits
}

// String renders the mode in the usual "115200 8N1" notation.
func (m SerialPortMode) String() string {
	return fmt.Sprintf("%d %d%s%s", m.BaudRate, m.DataBits, m.Parity, m.StopBits)
}

// Parity is the parity bit setting.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

func (p Parity) String() string {
	switch p {
	case OddParity:
		return "O"
	case EvenParity:
		return "E"
	}
	return "N"
}

// StopBits is the number of stop bits per frame.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

func (s StopBits) String() string {
	if s == TwoStopBits {
		return "2"
	}
	return "1"
}

// DefaultSerialPortMode is the board firmware's 115200 8N1.
func DefaultSerialPortMode() *SerialPortMode {
	return &SerialPortMode{BaudRate: DefaultBaudRate, DataBits: 8}
}
