package infra

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// DefaultCommandTimeout bounds every external command the agent shells out to.
const DefaultCommandTimeout = 2 * time.Second

// CommandRunner abstracts command execution for testing
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes real system commands, each bounded by Timeout.
type RealCommandRunner struct {
	Timeout time.Duration
}

// NewCommandRunner returns a runner with the default timeout.
func NewCommandRunner() *RealCommandRunner {
	return &RealCommandRunner{Timeout: DefaultCommandTimeout}
}

func (r *RealCommandRunner) command(ctx context.Context, name string, args ...string) (*exec.Cmd, context.CancelFunc) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return exec.CommandContext(ctx, name, args...), cancel
}

// Run executes a command and waits for it to complete
func (r *RealCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd, cancel := r.command(ctx, name, args...)
	defer cancel()
	return cmd.Run()
}

// Output executes a command and returns its stdout
func (r *RealCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd, cancel := r.command(ctx, name, args...)
	defer cancel()
	return cmd.Output()
}

// CombinedOutput executes a command and returns stdout and stderr together
func (r *RealCommandRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd, cancel := r.command(ctx, name, args...)
	defer cancel()
	return cmd.CombinedOutput()
}

// exitCode extracts the exit status of a failed command, or -1.
func exitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}

var _ CommandRunner = (*RealCommandRunner)(nil)
