//go:build linux

package infra

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

const pkexecKey = "pkexec /bin/sh -c setsid '/opt/examguard' 'run' > /dev/null 2>&1 &"

func TestElevate_Linux(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind domain.ElevationErrorKind
	}{
		{name: "success"},
		{name: "dialog dismissed", err: &exitError{code: 126}, wantKind: domain.ElevationUserDeclined},
		{name: "not authorized", err: &exitError{code: 127}, wantKind: domain.ElevationUserDeclined},
		{name: "pkexec missing", err: exec.ErrNotFound, wantKind: domain.ElevationUnsupportedPlatform},
		{name: "other failure", err: errors.New("broken"), wantKind: domain.ElevationUnsupportedPlatform},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeCommandRunner()
			runner.set(pkexecKey, "", tt.err)

			err := elevate(context.Background(), runner, "/opt/examguard", []string{"run"})
			if tt.wantKind == "" {
				require.NoError(t, err)
				return
			}
			assert.True(t, domain.IsElevationKind(err, tt.wantKind), "got %v", err)
		})
	}
}

func TestRequestElevation_Linux_ExitsOnSuccess(t *testing.T) {
	runner := newFakeCommandRunner()
	runner.set(pkexecKey, "", nil)
	exitCode := -1
	pm := NewPrivilegeManagerWithDeps(nil, runner, "/opt/examguard", []string{"run"},
		func() (string, error) { return "", errors.New("unused") },
		func() (bool, error) { return false, nil },
		func(code int) { exitCode = code })

	require.NoError(t, pm.RequestElevation(context.Background()))
	assert.Equal(t, 0, exitCode)
}

func TestRequestElevation_Linux_RunsExitHooksBeforeExit(t *testing.T) {
	runner := newFakeCommandRunner()
	runner.set(pkexecKey, "", nil)
	var order []string
	pm := NewPrivilegeManagerWithDeps(nil, runner, "/opt/examguard", []string{"run"},
		func() (string, error) { return "", errors.New("unused") },
		func() (bool, error) { return false, nil },
		func(code int) { order = append(order, "exit") })
	pm.OnExit(func() { order = append(order, "stop session") })

	require.NoError(t, pm.RequestElevation(context.Background()))
	assert.Equal(t, []string{"stop session", "exit"}, order)
}

func TestRequestElevation_Linux_DeclinedSkipsExitHooks(t *testing.T) {
	runner := newFakeCommandRunner()
	runner.set(pkexecKey, "", &exitError{code: 126})
	called := false
	pm := NewPrivilegeManagerWithDeps(nil, runner, "/opt/examguard", []string{"run"},
		func() (string, error) { return "", errors.New("unused") },
		func() (bool, error) { return false, nil },
		func(code int) { called = true })
	pm.OnExit(func() { called = true })

	err := pm.RequestElevation(context.Background())
	assert.True(t, domain.IsElevationKind(err, domain.ElevationUserDeclined))
	assert.False(t, called)
}
