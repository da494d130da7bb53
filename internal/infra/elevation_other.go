//go:build !windows && !darwin && !linux

package infra

import (
	"context"
	"fmt"
	"runtime"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

func elevate(_ context.Context, _ CommandRunner, _ string, _ []string) error {
	return &domain.ElevationError{
		Kind: domain.ElevationUnsupportedPlatform,
		Err:  fmt.Errorf("%s: %w", runtime.GOOS, errNotElevatable),
	}
}
