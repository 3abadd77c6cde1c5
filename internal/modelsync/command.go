package modelsync

import (
	"context"
	"os/exec"
	"sync"
)

// Command is a prepared process invocation.
type Command interface {
	// Run executes the command and returns the combined output (stdout+stderr).
	Run() ([]byte, error)
}

// CommandBuilder prepares local, ssh and scp invocations so the executor can
// be tested without spawning processes.
type CommandBuilder interface {
	// Command prepares name with args.
	Command(ctx context.Context, name string, args ...string) Command

	// Shell prepares command for sh -c.
	Shell(ctx context.Context, command string) Command
}

type execCommand struct {
	cmd *exec.Cmd
}

func (e *execCommand) Run() ([]byte, error) {
	return e.cmd.CombinedOutput()
}

// ExecBuilder builds commands with os/exec. Cancelling ctx kills the process.
type ExecBuilder struct{}

func (ExecBuilder) Command(ctx context.Context, name string, args ...string) Command {
	return &execCommand{cmd: exec.CommandContext(ctx, name, args...)}
}

func (ExecBuilder) Shell(ctx context.Context, command string) Command {
	return &execCommand{cmd: exec.CommandContext(ctx, "sh", "-c", command)}
}

// BuiltCommand records one command prepared by a MockBuilder.
type BuiltCommand struct {
	Name  string
	Args  []string
	Shell bool
}

type mockCommand struct {
	output []byte
	err    error
}

func (m *mockCommand) Run() ([]byte, error) { return m.output, m.err }

// MockBuilder records prepared commands instead of running them.
type MockBuilder struct {
	mu       sync.Mutex
	commands []BuiltCommand

	// Result, when set, decides the output and error of each command.
	Result func(c BuiltCommand) ([]byte, error)
}

func NewMockBuilder() *MockBuilder {
	return &MockBuilder{}
}

func (b *MockBuilder) Command(_ context.Context, name string, args ...string) Command {
	return b.record(BuiltCommand{Name: name, Args: args})
}

func (b *MockBuilder) Shell(_ context.Context, command string) Command {
	return b.record(BuiltCommand{Name: "sh", Args: []string{"-c", command}, Shell: true})
}

func (b *MockBuilder) record(c BuiltCommand) Command {
	b.mu.Lock()
	b.commands = append(b.commands, c)
	result := b.Result
	b.mu.Unlock()

	if result == nil {
		return &mockCommand{}
	}
	out, err := result(c)
	return &mockCommand{output: out, err: err}
}

// Commands returns every command built so far.
func (b *MockBuilder) Commands() []BuiltCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BuiltCommand(nil), b.commands...)
}
