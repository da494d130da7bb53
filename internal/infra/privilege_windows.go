//go:build windows

package infra

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sys/windows"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// isElevated checks the elevation flag of the process token.
func isElevated() (bool, error) {
	return windows.GetCurrentProcessToken().IsElevated(), nil
}

// elevate starts target through ShellExecute with the "runas" verb, which
// raises the UAC prompt.
func elevate(_ context.Context, _ CommandRunner, target string, args []string) error {
	verb, _ := windows.UTF16PtrFromString("runas")
	file, err := windows.UTF16PtrFromString(target)
	if err != nil {
		return &domain.ElevationError{Kind: domain.ElevationPathResolution, Err: err}
	}
	params, _ := windows.UTF16PtrFromString(windowsArgs(args))

	err = windows.ShellExecute(0, verb, file, params, nil, windows.SW_SHOWNORMAL)
	if err == nil {
		return nil
	}
	if errors.Is(err, windows.ERROR_CANCELLED) {
		return &domain.ElevationError{Kind: domain.ElevationUserDeclined, Err: err}
	}
	return &domain.ElevationError{Kind: domain.ElevationUnsupportedPlatform, Err: err}
}

func windowsArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = windows.EscapeArg(a)
	}
	return strings.Join(quoted, " ")
}
