package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// ExecMode represents the privilege the agent runs with.
type ExecMode string

const (
	// ExecModeUser runs without elevation; some processes cannot be killed.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root / elevated administrator.
	ExecModeSystem ExecMode = "system"
)

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (elevated)"
	case ExecModeUser:
		return "user (not elevated)"
	default:
		return "unknown"
	}
}

// DefaultDataDir returns where the session registry and key live for the
// given mode.
func DefaultDataDir(mode ExecMode) string {
	if mode == ExecModeSystem {
		if dir := os.Getenv("ProgramData"); dir != "" {
			return filepath.Join(dir, "examguard")
		}
		return "/var/lib/examguard"
	}
	return filepath.Join(GetRealUserHome(), ".examguard")
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns root's home, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}

// PrivilegeManagerImpl implements domain.PrivilegeManager.
type PrivilegeManagerImpl struct {
	logger       *zap.Logger
	cmdRunner    CommandRunner
	relaunchPath string
	args         []string
	executable   func() (string, error)
	elevated     func() (bool, error)
	exit         func(code int)

	mu         sync.Mutex
	beforeExit []func()
}

// NewPrivilegeManager creates a manager that relaunches the current
// executable (or relaunchPath, when set) with the current arguments.
func NewPrivilegeManager(logger *zap.Logger, relaunchPath string) *PrivilegeManagerImpl {
	return NewPrivilegeManagerWithDeps(logger, NewCommandRunner(), relaunchPath, os.Args[1:], os.Executable, isElevated, os.Exit)
}

// NewPrivilegeManagerWithDeps creates a manager with injectable dependencies (for testing)
func NewPrivilegeManagerWithDeps(
	logger *zap.Logger,
	cmdRunner CommandRunner,
	relaunchPath string,
	args []string,
	executable func() (string, error),
	elevated func() (bool, error),
	exit func(code int),
) *PrivilegeManagerImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrivilegeManagerImpl{
		logger:       logger,
		cmdRunner:    cmdRunner,
		relaunchPath: relaunchPath,
		args:         args,
		executable:   executable,
		elevated:     elevated,
		exit:         exit,
	}
}

// DetectPrivilegeLevel never fails: a query error is logged and reported
// as not elevated.
func (m *PrivilegeManagerImpl) DetectPrivilegeLevel(ctx context.Context) domain.PrivilegeLevel {
	ok, err := m.elevated()
	if err != nil {
		m.logger.Warn("privilege query failed, assuming not elevated", zap.Error(err))
		return domain.PrivilegeLevel{IsElevated: false}
	}
	return domain.PrivilegeLevel{IsElevated: ok}
}

// ExecMode maps the detected privilege to an ExecMode.
func (m *PrivilegeManagerImpl) ExecMode(ctx context.Context) ExecMode {
	if m.DetectPrivilegeLevel(ctx).IsElevated {
		return ExecModeSystem
	}
	return ExecModeUser
}

// RequestElevation relaunches the agent elevated, then exits this process.
// It only returns on failure.
func (m *PrivilegeManagerImpl) RequestElevation(ctx context.Context) error {
	target, err := m.RelaunchTarget()
	if err != nil {
		return err
	}

	m.logger.Info("requesting elevation",
		zap.String("target", target),
		zap.Strings("args", m.args))

	if err := elevate(ctx, m.cmdRunner, target, m.args); err != nil {
		m.logger.Warn("elevation failed", zap.Error(err))
		return err
	}

	m.logger.Info("elevated instance launched, exiting")
	m.mu.Lock()
	hooks := append([]func(){}, m.beforeExit...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	m.exit(0)
	return nil
}

// OnExit registers fn to run after a successful relaunch, right before this
// process exits.
func (m *PrivilegeManagerImpl) OnExit(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeExit = append(m.beforeExit, fn)
}

// RelaunchTarget resolves the executable to relaunch. An explicit override
// wins. Without one, a binary built by `go run`/`go test` into the
// go-build cache is refused: it is a throwaway, not the installed agent.
func (m *PrivilegeManagerImpl) RelaunchTarget() (string, error) {
	if m.relaunchPath != "" {
		return m.relaunchPath, nil
	}
	exe, err := m.executable()
	if err != nil {
		return "", &domain.ElevationError{Kind: domain.ElevationPathResolution, Err: err}
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	if isDevBuildPath(exe) {
		return "", &domain.ElevationError{
			Kind: domain.ElevationPathResolution,
			Err:  fmt.Errorf("%s is a temporary build; set elevation.relaunch_path", exe),
		}
	}
	return exe, nil
}

func isDevBuildPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.HasPrefix(part, "go-build") {
			return true
		}
	}
	return false
}

// errNotElevatable is wrapped by platform code when no elevation helper exists.
var errNotElevatable = errors.New("no elevation helper available")

var _ domain.PrivilegeManager = (*PrivilegeManagerImpl)(nil)

// shellQuote single-quotes s for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellCommand(target string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(target))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}
