package domain

import (
	"errors"
	"fmt"
)

// Session lifecycle errors. These block startSession and are surfaced to the
// supervising layer as hard failures.
var (
	ErrSweepRequired     = errors.New("pre-exam sweep must run before the session starts")
	ErrElevationRequired = errors.New("elevated privileges are required by configuration")
	ErrSessionState      = errors.New("operation not allowed in current session phase")
	ErrSessionActive     = errors.New("another enforcement session is still active")
	ErrDispatcherClosed  = errors.New("event dispatcher is closed")
)

// ErrCheckUnsupported marks a check the current platform cannot answer at all.
// The monitor reports such a check as unavailable rather than degraded.
var ErrCheckUnsupported = errors.New("check not supported on this platform")

// ElevationErrorKind classifies elevation failures.
type ElevationErrorKind string

const (
	ElevationUnsupportedPlatform ElevationErrorKind = "UnsupportedPlatform"
	ElevationUserDeclined        ElevationErrorKind = "UserDeclined"
	ElevationPathResolution      ElevationErrorKind = "PathResolution"
)

// ElevationError is returned when a privileged relaunch could not be started.
// It is fatal to the attempt only; the running process continues.
type ElevationError struct {
	Kind ElevationErrorKind
	Err  error
}

func (e *ElevationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("elevation failed: %s", e.Kind)
	}
	return fmt.Sprintf("elevation failed: %s: %v", e.Kind, e.Err)
}

func (e *ElevationError) Unwrap() error { return e.Err }

// IsElevationKind reports whether err is an ElevationError of the given kind.
func IsElevationKind(err error, kind ElevationErrorKind) bool {
	var ee *ElevationError
	return errors.As(err, &ee) && ee.Kind == kind
}

// PolicyErrorKind classifies policy load failures.
type PolicyErrorKind string

const (
	PolicyInvalidPattern PolicyErrorKind = "InvalidPattern"
)

// PolicyError reports a malformed policy rule. Fatal at load time.
type PolicyError struct {
	Kind  PolicyErrorKind
	Index int    // Position of the rule in its list
	List  string // "rules" or "exemptions"
	Rule  PolicySignature
	Err   error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s %s[%d] (%s %q): %v", e.Kind, e.List, e.Index, e.Rule.MatchKind, e.Rule.Pattern, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// InventoryError reports a process enumeration failure. Recoverable: it
// degrades the current cycle only.
type InventoryError struct {
	Partial bool // Some records were gathered
	Err     error
}

func (e *InventoryError) Error() string {
	if e.Partial {
		return fmt.Sprintf("process inventory incomplete: %v", e.Err)
	}
	return fmt.Sprintf("process inventory failed: %v", e.Err)
}

func (e *InventoryError) Unwrap() error { return e.Err }

// TerminationError reports a single failed kill. Recorded in KillReport.Failed,
// never aborts a batch.
type TerminationError struct {
	PID    int
	Reason KillFailureReason
	Err    error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminate pid %d: %s: %v", e.PID, e.Reason, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }
