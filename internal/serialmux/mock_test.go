package serialmux

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const debugLine = "D,-1,-1,116,117,111,158,0.224,0.108,1.004,1.5"

func TestMockSerialMux_AnswersCommands(t *testing.T) {
	mux := NewMockSerialMux(debugLine + "\n")
	_, lines := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	require.NoError(t, mux.SendCommand(CommandRead))
	assert.Equal(t, debugLine, receive(t, lines))

	require.NoError(t, mux.SendCommand(MotorCommand(1, -1)))
	assert.Equal(t, "OK", receive(t, lines))

	assert.Equal(t, []string{"READ", "M1 -1"}, mux.port.Commands())

	require.NoError(t, mux.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}
}

func TestMockSerialPort_WriteAfterClose(t *testing.T) {
	port := NewMockSerialPort(debugLine)
	require.NoError(t, port.Close())
	require.NoError(t, port.Close())

	_, err := port.Write([]byte("READ\n"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Empty(t, port.Commands())
}

func TestMockSerialPort_SplitsBatchedCommands(t *testing.T) {
	port := NewMockSerialPort(debugLine)
	t.Cleanup(func() { port.Close() })

	n, err := port.Write([]byte("STOP\n\nRELEASE\n"))
	require.NoError(t, err)
	assert.Equal(t, len("STOP\n\nRELEASE\n"), n)
	assert.Equal(t, []string{"STOP", "RELEASE"}, port.Commands())
}

func TestTestableSerialPort(t *testing.T) {
	port := NewTestableSerialPort()

	port.AddReadData([]byte("OK\n"))
	buf := make([]byte, 16)
	n, err := port.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", string(buf[:n]))

	port.ReadError = errors.New("read failed")
	_, err = port.Read(buf)
	assert.EqualError(t, err, "read failed")
	_, err = port.Read(buf)
	assert.ErrorIs(t, err, io.EOF, "error is returned once")

	_, err = port.Write([]byte("READ\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, port.ReadCalls)
	assert.Equal(t, 1, port.WriteCalls)

	require.NoError(t, port.Close())
	_, err = port.Write([]byte("x"))
	assert.Error(t, err)

	port.Reset()
	assert.False(t, port.Closed)
	assert.Empty(t, port.GetWrittenData())
	assert.Zero(t, port.ReadCalls)
}

func TestMockSerialPortFactory(t *testing.T) {
	port := NewTestableSerialPort()
	factory := NewMockSerialPortFactory(port)
	assert.Nil(t, factory.LastCall())

	got, err := factory.Open("/dev/ttyACM0", DefaultSerialPortMode())
	require.NoError(t, err)
	assert.Same(t, port, got)

	call := factory.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, "/dev/ttyACM0", call.Path)
	assert.Equal(t, DefaultBaudRate, call.Mode.BaudRate)

	factory.Error = errors.New("no such port")
	_, err = factory.Open("/dev/ttyACM1", nil)
	assert.EqualError(t, err, "no such port")
	assert.Len(t, factory.OpenCalls, 2)

	factory.Reset()
	assert.Nil(t, factory.LastCall())
	assert.NoError(t, factory.Error)
}
