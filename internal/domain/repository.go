package domain

import "context"

// ProcessInventory enumerates running processes.
// Implementation: uses gopsutil for cross-platform support.
type ProcessInventory interface {
	// Snapshot returns every process visible at the current privilege level,
	// ordered by PID. On partial failure it returns the gathered records
	// together with an *InventoryError.
	Snapshot(ctx context.Context) (Snapshot, error)
}

// ProcessKiller terminates processes.
type ProcessKiller interface {
	// Kill terminates the process described by rec. A process that is already
	// gone (or whose PID now belongs to another process) is not an error.
	Kill(ctx context.Context, rec ProcessRecord) error

	// IsRunning reports whether rec still identifies a live process.
	IsRunning(ctx context.Context, rec ProcessRecord) (bool, error)

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// WindowTitleSource maps PIDs to their top-level window titles.
type WindowTitleSource interface {
	WindowTitles(ctx context.Context) (map[int][]string, error)
}

// TopologyProvider is the display/capture topology collaborator.
// Failures mean "unknown" and never stop monitoring.
type TopologyProvider interface {
	ListCaptureSources(ctx context.Context) ([]CaptureSource, error)
	CountActiveDisplays(ctx context.Context) (int, error)
}

// HostDescriber supplies descriptive host strings for reports.
type HostDescriber interface {
	DescribeHost(ctx context.Context) HostDescriptor
}

// VMFinding is the outcome of one virtualization probe.
type VMFinding struct {
	Detected bool
	Detail   string
}

// VMProbe inspects CPU/firmware hints for virtualization.
type VMProbe interface {
	DetectVirtualization(ctx context.Context) (VMFinding, error)
}

// PrivilegeManager detects and requests elevated privileges.
type PrivilegeManager interface {
	// DetectPrivilegeLevel never fails; query errors yield IsElevated=false.
	DetectPrivilegeLevel(ctx context.Context) PrivilegeLevel

	// RequestElevation relaunches the agent elevated and ends the current
	// process. It only returns on failure, with an *ElevationError.
	RequestElevation(ctx context.Context) error
}

// NetworkObservation is the raw material of one network risk sample.
type NetworkObservation struct {
	VPNProcesses     []string // Names of running VPN/tunnel processes
	ProxyDetail      string   // Non-empty when a proxy is configured
	DNSServers       []string // Configured nameservers (may be empty if unknown)
	DNSKnown         bool     // DNSServers was read successfully
	UpInterfaces     []string // Names of interfaces that are up
	InterfacesKnown  bool
	TunnelInterfaces []string // Subset of UpInterfaces that look like tunnels
}

// NetworkSignalCollector gathers coarse network environment signals.
// Individual signal failures are reported in the observation, not as errors;
// the error return is for total failure.
type NetworkSignalCollector interface {
	Collect(ctx context.Context) (NetworkObservation, error)
}

// EventPublisher is the publishing side of the event dispatcher.
type EventPublisher interface {
	// Publish emits a violation unless it is debounced. The bool reports
	// whether the event was delivered.
	Publish(ev ViolationEvent) (Envelope, bool, error)

	// PublishRisk emits a risk level change.
	PublishRisk(sample RiskSample) (Envelope, error)
}

// SessionRegistry records the session currently enforced on this host so
// other invocations (status, a second agent) can discover it.
// Implementation: SQLCipher database, JSON file fallback.
type SessionRegistry interface {
	// Register saves the active session, replacing any previous entry.
	Register(s ActiveSession) error

	// Get returns the active session or nil if none is registered.
	Get() (*ActiveSession, error)

	// UpdateHeartbeat refreshes the liveness timestamp and phase.
	UpdateHeartbeat(phase SessionPhase) error

	// Clear removes the entry (session stopped).
	Clear() error

	// Close releases resources.
	Close() error
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
