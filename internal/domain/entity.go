// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"iter"
	"time"
)

// ProcessRecord is one running process as seen by a single inventory snapshot.
// Records are rebuilt on every scan; PIDs may be reused by the OS.
type ProcessRecord struct {
	PID            int       `json:"pid"`
	Name           string    `json:"name"`
	ExecutablePath string    `json:"executable_path,omitempty"`
	ParentPID      int       `json:"parent_pid"`
	WindowTitles   []string  `json:"window_titles,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"` // Zero when the OS did not report it
}

// Snapshot is a finite, ordered (by PID) view of the process table.
type Snapshot struct {
	Records []ProcessRecord
	TakenAt time.Time
	Partial bool // Enumeration was cut short; Records holds what was gathered
}

// All returns a restartable iterator over the snapshot records.
func (s Snapshot) All() iter.Seq[ProcessRecord] {
	return func(yield func(ProcessRecord) bool) {
		for _, r := range s.Records {
			if !yield(r) {
				return
			}
		}
	}
}

// Len returns the number of records in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Records)
}

// MatchKind selects which process attribute a signature is matched against.
type MatchKind string

const (
	MatchName             MatchKind = "name"
	MatchPathPrefix       MatchKind = "pathPrefix"
	MatchWindowTitleRegex MatchKind = "windowTitleRegex"
)

// Severity orders violations. Higher is worse.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns a comparable weight for the severity (0 for unknown).
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// PolicySignature is one forbidden (or exempted) process signature.
type PolicySignature struct {
	MatchKind MatchKind `json:"match_kind" yaml:"match_kind" mapstructure:"match_kind"`
	Pattern   string    `json:"pattern" yaml:"pattern" mapstructure:"pattern"`
	Severity  Severity  `json:"severity" yaml:"severity" mapstructure:"severity"`
	Label     string    `json:"label,omitempty" yaml:"label" mapstructure:"label"` // Human-readable source (e.g. "TeamViewer")
}

// KillFailureReason classifies why a termination attempt failed.
type KillFailureReason string

const (
	ReasonTimeout          KillFailureReason = "Timeout"
	ReasonPermissionDenied KillFailureReason = "PermissionDenied"
	ReasonStillRunning     KillFailureReason = "StillRunning"
	ReasonError            KillFailureReason = "Error"
)

// KillFailure records a process that could not be terminated.
type KillFailure struct {
	Record ProcessRecord     `json:"record"`
	Reason KillFailureReason `json:"reason"`
	Detail string            `json:"detail,omitempty"`
}

// KillReport captures what happened during a single pre-exam sweep.
// Slices follow snapshot order.
type KillReport struct {
	Attempted []ProcessRecord `json:"attempted"`
	Killed    []ProcessRecord `json:"killed"`
	Failed    []KillFailure   `json:"failed"`
	Host      HostDescriptor  `json:"host"`
	Partial   bool            `json:"partial"` // Snapshot was incomplete
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// ViolationKind identifies what was violated.
type ViolationKind string

const (
	ViolationForbiddenProcess    ViolationKind = "forbiddenProcess"
	ViolationSecondaryDisplay    ViolationKind = "secondaryDisplay"
	ViolationCaptureToolDetected ViolationKind = "captureToolDetected"
	ViolationVMDetected          ViolationKind = "vmDetected"
)

// ViolationEvent is one entry of the append-only violation stream.
type ViolationEvent struct {
	ID        uint64        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Kind      ViolationKind `json:"kind"`
	Severity  Severity      `json:"severity"`
	Subject   string        `json:"subject"` // Debounce key together with Kind
	Detail    string        `json:"detail"`
}

// RiskLevel is the coarse bucket of a network risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskSignal is one observed network environment signal.
type RiskSignal struct {
	Name   string  `json:"name"`
	Active bool    `json:"active"`
	Weight float64 `json:"weight"`
	Detail string  `json:"detail,omitempty"`
}

// RiskSample is one network risk assessment.
type RiskSample struct {
	Timestamp time.Time    `json:"timestamp"`
	Score     float64      `json:"score"`
	Level     RiskLevel    `json:"level"`
	Signals   []RiskSignal `json:"signals"`
}

// EnvelopeType tags what an Envelope carries.
type EnvelopeType string

const (
	EnvelopeViolation EnvelopeType = "violation"
	EnvelopeRisk      EnvelopeType = "network-risk-update"
)

// Envelope is one item of the supervising event stream.
type Envelope struct {
	ID        uint64          `json:"id"`
	Type      EnvelopeType    `json:"type"`
	Violation *ViolationEvent `json:"violation,omitempty"`
	Risk      *RiskSample     `json:"risk,omitempty"`
}

// CaptureSource is one enumerable screen/window capture source.
type CaptureSource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HostDescriptor is descriptive host context for reports only.
type HostDescriptor struct {
	CPULabel string `json:"cpu"`
	RAMBytes uint64 `json:"ram_bytes"`
	RAMLabel string `json:"ram"`
	OSLabel  string `json:"os"`
}

// PrivilegeLevel is the effective privilege of the current process.
type PrivilegeLevel struct {
	IsElevated bool `json:"is_elevated"`
}
