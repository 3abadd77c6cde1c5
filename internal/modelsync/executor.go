package modelsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/banshee-data/autopilot/internal/monitoring"
)

// Executor runs commands and copies files on the local host or, when Target
// names another host, over ssh and scp. Host aliases, users and keys from
// ~/.ssh/config apply because the system ssh client resolves them.
type Executor struct {
	Target  string
	SSHUser string
	SSHKey  string

	builder CommandBuilder
}

func NewExecutor(target, sshUser, sshKey string) *Executor {
	return &Executor{
		Target:  target,
		SSHUser: sshUser,
		SSHKey:  sshKey,
		builder: ExecBuilder{},
	}
}

// SetBuilder replaces the command builder.
func (e *Executor) SetBuilder(b CommandBuilder) {
	if b != nil {
		e.builder = b
	}
}

// IsLocal returns true if target is localhost.
func (e *Executor) IsLocal() bool {
	return e.Target == "localhost" || e.Target == "127.0.0.1" || e.Target == ""
}

// Run executes command through sh -c, remotely when the target is not local.
func (e *Executor) Run(ctx context.Context, command string) (string, error) {
	monitoring.Debugf("modelsync: executing %q (target=%s, local=%v)", command, e.Target, e.IsLocal())

	var cmd Command
	if e.IsLocal() {
		cmd = e.builder.Shell(ctx, command)
	} else {
		args := append(e.sshOptions(), e.host(), command)
		cmd = e.builder.Command(ctx, "ssh", args...)
	}
	out, err := cmd.Run()
	if err != nil {
		return string(out), fmt.Errorf("run %q: %w", command, err)
	}
	return string(out), nil
}

// CopyFile copies src to dst, which is a path on the target.
func (e *Executor) CopyFile(ctx context.Context, src, dst string) error {
	monitoring.Debugf("modelsync: copying %s -> %s (target=%s)", src, dst, e.Target)

	var cmd Command
	if e.IsLocal() {
		cmd = e.builder.Command(ctx, "cp", src, dst)
	} else {
		args := append(e.sshOptions(), src, fmt.Sprintf("%s:%s", e.host(), dst))
		cmd = e.builder.Command(ctx, "scp", args...)
	}
	if out, err := cmd.Run(); err != nil {
		return fmt.Errorf("copy %s to %s: %w: %s", src, dst, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (e *Executor) host() string {
	if e.SSHUser != "" && !strings.Contains(e.Target, "@") {
		return e.SSHUser + "@" + e.Target
	}
	return e.Target
}

// sshOptions are shared by ssh and scp. BatchMode makes a missing key fail
// instead of prompting.
func (e *Executor) sshOptions() []string {
	var args []string
	if e.SSHKey != "" {
		args = append(args, "-i", e.SSHKey)
	}
	return append(args, "-o", "BatchMode=yes", "-o", "ConnectTimeout=10")
}
