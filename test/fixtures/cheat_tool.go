// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// CheatTool is a harmless long-running process started under a forbidden
// name. It is a copy of the system sleep binary.
type CheatTool struct {
	Name string
	Path string
	cmd  *exec.Cmd
	done chan error
}

// StartCheatTool copies sleep into dir as name and starts it.
func StartCheatTool(dir, name string) (*CheatTool, error) {
	src, err := exec.LookPath("sleep")
	if err != nil {
		return nil, fmt.Errorf("sleep binary not found: %w", err)
	}
	dst := filepath.Join(dir, name)
	if err := copyExecutable(src, dst); err != nil {
		return nil, err
	}

	cmd := exec.Command(dst, "300")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	t := &CheatTool{Name: name, Path: dst, cmd: cmd, done: make(chan error, 1)}
	go func() { t.done <- cmd.Wait() }()
	return t, nil
}

// PID returns the process ID.
func (t *CheatTool) PID() int {
	return t.cmd.Process.Pid
}

// Exited is closed (receives the wait error) once the process is reaped.
func (t *CheatTool) Exited() <-chan error {
	return t.done
}

// Kill stops the process if it is still running.
func (t *CheatTool) Kill() {
	_ = t.cmd.Process.Kill()
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
