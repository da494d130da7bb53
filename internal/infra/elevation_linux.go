//go:build linux

package infra

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// pkexec exit codes for a dismissed dialog and a failed authorization.
const (
	pkexecDismissed     = 126
	pkexecNotAuthorized = 127
)

// elevate runs target through pkexec in a new session so it outlives us.
func elevate(ctx context.Context, cmdRunner CommandRunner, target string, args []string) error {
	shell := "setsid " + shellCommand(target, args) + " > /dev/null 2>&1 &"

	out, err := cmdRunner.CombinedOutput(ctx, "pkexec", "/bin/sh", "-c", shell)
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return &domain.ElevationError{Kind: domain.ElevationUnsupportedPlatform, Err: fmt.Errorf("pkexec: %w", errNotElevatable)}
	}
	switch exitCode(err) {
	case pkexecDismissed, pkexecNotAuthorized:
		return &domain.ElevationError{Kind: domain.ElevationUserDeclined, Err: err}
	}
	return &domain.ElevationError{
		Kind: domain.ElevationUnsupportedPlatform,
		Err:  fmt.Errorf("pkexec: %w: %s", err, out),
	}
}
