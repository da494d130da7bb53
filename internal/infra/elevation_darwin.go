//go:build darwin

package infra

import (
	"context"
	"fmt"
	"strings"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// elevate asks for an administrator password through osascript and starts
// target detached as root.
func elevate(ctx context.Context, cmdRunner CommandRunner, target string, args []string) error {
	shell := shellCommand(target, args) + " > /dev/null 2>&1 &"
	script := fmt.Sprintf("do shell script %q with administrator privileges", shell)

	out, err := cmdRunner.CombinedOutput(ctx, "osascript", "-e", script)
	if err == nil {
		return nil
	}
	// -128 is "User canceled."
	if strings.Contains(string(out), "-128") {
		return &domain.ElevationError{Kind: domain.ElevationUserDeclined, Err: err}
	}
	return &domain.ElevationError{
		Kind: domain.ElevationUnsupportedPlatform,
		Err:  fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out))),
	}
}
