package domain

import "time"

// SessionPhase is the lifecycle position of an enforcement session.
type SessionPhase string

const (
	PhaseCreated SessionPhase = "created"
	PhaseSwept   SessionPhase = "swept"
	PhaseActive  SessionPhase = "active"
	PhaseStopped SessionPhase = "stopped"
)

// MonitorState is the continuous monitor state machine position.
type MonitorState string

const (
	MonitorIdle     MonitorState = "idle"
	MonitorScanning MonitorState = "scanning"
	MonitorStopped  MonitorState = "stopped"
)

// CycleStatus summarizes the most recent monitor cycle.
type CycleStatus struct {
	Number      uint64    `json:"number"`
	At          time.Time `json:"at"`
	Degraded    []string  `json:"degraded,omitempty"`    // Checks that failed this cycle
	Unavailable []string  `json:"unavailable,omitempty"` // Checks this platform cannot run
	Published   int       `json:"published"`
}

// SessionState is the pull-style view of a session for the supervising layer.
type SessionState struct {
	ID           string         `json:"id"`
	Phase        SessionPhase   `json:"phase"`
	Elevated     bool           `json:"elevated"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	StoppedAt    time.Time      `json:"stopped_at,omitempty"`
	Host         HostDescriptor `json:"host"`
	Monitor      MonitorState   `json:"monitor"`
	LastCycle    CycleStatus    `json:"last_cycle"`
	OpenCount    int            `json:"open_violations"`
	LastSweep    *KillReport    `json:"last_sweep,omitempty"`
	LatestRisk   *RiskSample    `json:"latest_risk,omitempty"`
	LastEventID  uint64         `json:"last_event_id"`
	SignatureCnt int            `json:"signatures"`
}

// ActiveSession is the registry entry describing the session currently
// enforced on this host. Only the live session is stored; it is cleared on stop.
type ActiveSession struct {
	SessionID     string       `json:"session_id"`
	AgentPID      int          `json:"agent_pid"`
	Phase         SessionPhase `json:"phase"`
	Elevated      bool         `json:"elevated"`
	StartedAt     int64        `json:"started_at"`
	LastHeartbeat int64        `json:"last_heartbeat"`
	APIAddr       string       `json:"api_addr,omitempty"`
}
