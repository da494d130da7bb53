// Package daemon implements the session loops: the continuous monitor and
// the network risk monitor.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
	"github.com/eliteGoblin/focusd/exam_guard/internal/metrics"
	"github.com/eliteGoblin/focusd/exam_guard/internal/policy"
	"github.com/eliteGoblin/focusd/exam_guard/internal/usecase"
)

// Check names, as reported in CycleStatus.Degraded, CycleStatus.Unavailable
// and logs.
const (
	CheckInventory      = "inventory"
	CheckDisplays       = "displays"
	CheckCaptureSources = "captureSources"
	CheckVM             = "vm"
)

const displaySubject = "displays"

// MonitorConfig holds continuous monitor configuration.
type MonitorConfig struct {
	Interval                time.Duration   // Time between cycles (default 3s)
	DisplayEscalationCycles int             // Consecutive multi-display cycles before critical (default 3)
	KillOnDetect            bool            // Terminate forbidden processes that reappear
	VMProbe                 bool            // Run the virtualization probe each cycle
	VMSeverity              domain.Severity // Severity of vmDetected
	HeartbeatInterval       time.Duration   // How often to refresh the session registry
}

// DefaultMonitorConfig returns default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:                3 * time.Second,
		DisplayEscalationCycles: 3,
		KillOnDetect:            true,
		VMProbe:                 true,
		VMSeverity:              domain.SeverityCritical,
		HeartbeatInterval:       30 * time.Second,
	}
}

// MonitorDeps are the collaborators of a Monitor. Nil optional fields
// disable the matching check.
type MonitorDeps struct {
	Inventory  domain.ProcessInventory
	Matcher    usecase.Matcher
	Terminator *usecase.Terminator     // Optional
	Topology   domain.TopologyProvider // Optional
	Capture    *policy.CaptureMatcher  // Optional
	VM         domain.VMProbe          // Optional
	Publisher  domain.EventPublisher
	Heartbeat  Heartbeater      // Optional
	Metrics    *metrics.Metrics // Optional
}

// Heartbeater refreshes the liveness of the session's registry entry.
type Heartbeater interface {
	UpdateHeartbeat(phase domain.SessionPhase) error
}

// Monitor runs the continuous monitoring loop of an active session.
// State machine: idle -> scanning -> (idle | stopped).
type Monitor struct {
	config MonitorConfig
	deps   MonitorDeps
	logger *zap.Logger

	mu        sync.Mutex
	state     domain.MonitorState
	last      domain.CycleStatus
	openCount int

	// Owned by the cycle goroutine.
	openProcesses mapset.Set[string]
	openCapture   mapset.Set[string]
	displayStreak int
	escalated     bool
	vmReported    bool
	unavailable   mapset.Set[string]
}

// NewMonitor creates a new continuous monitor.
func NewMonitor(config MonitorConfig, deps MonitorDeps, logger *zap.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultMonitorConfig().Interval
	}
	if config.DisplayEscalationCycles <= 0 {
		config.DisplayEscalationCycles = DefaultMonitorConfig().DisplayEscalationCycles
	}
	if !config.VMSeverity.Valid() {
		config.VMSeverity = domain.SeverityCritical
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultMonitorConfig().HeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		config:        config,
		deps:          deps,
		logger:        logger,
		state:         domain.MonitorIdle,
		openProcesses: mapset.NewThreadUnsafeSet[string](),
		openCapture:   mapset.NewThreadUnsafeSet[string](),
		unavailable:   mapset.NewThreadUnsafeSet[string](),
	}
}

// Run starts the monitor loop.
// This blocks until context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("continuous monitor started", zap.Duration("interval", m.config.Interval))

	ticker := time.NewTicker(m.config.Interval)
	heartbeatTicker := time.NewTicker(m.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		heartbeatTicker.Stop()
		m.setState(domain.MonitorStopped)
	}()

	m.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("continuous monitor stopping")
			return ctx.Err()

		case <-ticker.C:
			m.RunCycle(ctx)

		case <-heartbeatTicker.C:
			if m.deps.Heartbeat == nil {
				continue
			}
			if err := m.deps.Heartbeat.UpdateHeartbeat(domain.PhaseActive); err != nil {
				m.logger.Warn("failed to update heartbeat", zap.Error(err))
			}
		}
	}
}

// RunCycle performs one monitoring cycle. Every check is isolated: a failing
// or panicking check is recorded as degraded and the others still run. A check
// the platform cannot answer is recorded as unavailable and is not retried.
func (m *Monitor) RunCycle(ctx context.Context) domain.CycleStatus {
	m.setState(domain.MonitorScanning)

	m.mu.Lock()
	status := domain.CycleStatus{Number: m.last.Number + 1, At: time.Now()}
	m.mu.Unlock()

	m.check(&status, CheckInventory, func() error { return m.checkProcesses(ctx, &status) })
	if m.deps.Topology != nil {
		m.check(&status, CheckDisplays, func() error { return m.checkDisplays(ctx, &status) })
		if m.deps.Capture != nil {
			m.check(&status, CheckCaptureSources, func() error { return m.checkCaptureSources(ctx, &status) })
		}
	}
	if m.config.VMProbe && m.deps.VM != nil {
		m.check(&status, CheckVM, func() error { return m.checkVM(ctx, &status) })
	}

	m.deps.Metrics.MonitorCycle()

	m.mu.Lock()
	m.last = status
	m.openCount = m.openProcesses.Cardinality() + m.openCapture.Cardinality()
	if m.vmReported {
		m.openCount++
	}
	if m.state == domain.MonitorScanning {
		m.state = domain.MonitorIdle
	}
	m.mu.Unlock()
	return status
}

func (m *Monitor) check(status *domain.CycleStatus, name string, fn func() error) {
	if m.unavailable.Contains(name) {
		status.Unavailable = append(status.Unavailable, name)
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrCheckUnsupported) {
		m.unavailable.Add(name)
		status.Unavailable = append(status.Unavailable, name)
		m.logger.Info("monitor check unavailable on this platform",
			zap.String("check", name),
			zap.Error(err))
		return
	}
	status.Degraded = append(status.Degraded, name)
	m.deps.Metrics.CheckDegraded(name)
	m.logger.Warn("monitor check degraded",
		zap.String("check", name),
		zap.Uint64("cycle", status.Number),
		zap.Error(err))
}

// checkProcesses emits forbiddenProcess once per subject until the subject
// is absent from a successful scan. An inventory error emits nothing.
func (m *Monitor) checkProcesses(ctx context.Context, status *domain.CycleStatus) error {
	snap, err := m.deps.Inventory.Snapshot(ctx)
	if err != nil {
		return err
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	for rec := range snap.All() {
		sig, ok := m.deps.Matcher.Matches(rec)
		if !ok {
			continue
		}
		subject := strings.ToLower(rec.Name)
		seen.Add(subject)

		detail := fmt.Sprintf("pid %d (%s) matches %s %q", rec.PID, rec.Name, sig.MatchKind, sig.Pattern)
		if m.config.KillOnDetect && m.deps.Terminator != nil {
			if err := m.deps.Terminator.Terminate(ctx, rec); err != nil {
				detail += "; termination failed: " + err.Error()
			} else {
				detail += "; terminated"
			}
		}

		if m.openProcesses.Contains(subject) {
			continue
		}
		m.openProcesses.Add(subject)
		m.publish(ctx, status, domain.ViolationEvent{
			Kind:     domain.ViolationForbiddenProcess,
			Severity: sig.Severity,
			Subject:  subject,
			Detail:   detail,
		})
	}

	for _, subject := range m.openProcesses.ToSlice() {
		if !seen.Contains(subject) {
			m.openProcesses.Remove(subject)
		}
	}
	return nil
}

// checkDisplays warns on the first multi-display cycle and escalates once
// to critical on the N-th consecutive one. An unknown count changes nothing.
func (m *Monitor) checkDisplays(ctx context.Context, status *domain.CycleStatus) error {
	count, err := m.deps.Topology.CountActiveDisplays(ctx)
	if err != nil {
		return err
	}
	if count <= 1 {
		m.displayStreak = 0
		m.escalated = false
		return nil
	}

	m.displayStreak++
	detail := fmt.Sprintf("%d active displays", count)
	threshold := m.config.DisplayEscalationCycles

	switch {
	case m.displayStreak >= threshold && !m.escalated:
		m.escalated = true
		m.publish(ctx, status, domain.ViolationEvent{
			Kind:     domain.ViolationSecondaryDisplay,
			Severity: domain.SeverityCritical,
			Subject:  displaySubject,
			Detail:   fmt.Sprintf("%s for %d consecutive cycles", detail, m.displayStreak),
		})
	case m.displayStreak == 1:
		m.publish(ctx, status, domain.ViolationEvent{
			Kind:     domain.ViolationSecondaryDisplay,
			Severity: domain.SeverityWarning,
			Subject:  displaySubject,
			Detail:   detail,
		})
	}
	return nil
}

func (m *Monitor) checkCaptureSources(ctx context.Context, status *domain.CycleStatus) error {
	sources, err := m.deps.Topology.ListCaptureSources(ctx)
	if err != nil {
		return err
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	for _, src := range sources {
		pattern, ok := m.deps.Capture.Match(src.Name)
		if !ok {
			continue
		}
		seen.Add(src.Name)
		if m.openCapture.Contains(src.Name) {
			continue
		}
		m.openCapture.Add(src.Name)
		m.publish(ctx, status, domain.ViolationEvent{
			Kind:     domain.ViolationCaptureToolDetected,
			Severity: domain.SeverityCritical,
			Subject:  src.Name,
			Detail:   fmt.Sprintf("capture source %s %q matches %s", src.ID, src.Name, pattern),
		})
	}

	for _, name := range m.openCapture.ToSlice() {
		if !seen.Contains(name) {
			m.openCapture.Remove(name)
		}
	}
	return nil
}

func (m *Monitor) checkVM(ctx context.Context, status *domain.CycleStatus) error {
	finding, err := m.deps.VM.DetectVirtualization(ctx)
	if err != nil {
		return err
	}
	if !finding.Detected {
		m.vmReported = false
		return nil
	}
	if m.vmReported {
		return nil
	}
	m.vmReported = true
	m.publish(ctx, status, domain.ViolationEvent{
		Kind:     domain.ViolationVMDetected,
		Severity: m.config.VMSeverity,
		Subject:  "host",
		Detail:   finding.Detail,
	})
	return nil
}

// publish drops events once the session is stopping.
func (m *Monitor) publish(ctx context.Context, status *domain.CycleStatus, ev domain.ViolationEvent) {
	if ctx.Err() != nil {
		return
	}
	env, ok, err := m.deps.Publisher.Publish(ev)
	if err != nil {
		m.logger.Debug("violation not published", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	status.Published++
	m.logger.Info("violation",
		zap.Uint64("id", env.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("severity", string(ev.Severity)),
		zap.String("subject", ev.Subject))
}

func (m *Monitor) setState(s domain.MonitorState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.MonitorStopped {
		return
	}
	m.state = s
}

// State returns the current state machine position.
func (m *Monitor) State() domain.MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastCycle returns the status of the most recent cycle.
func (m *Monitor) LastCycle() domain.CycleStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.last
	out.Degraded = slices.Clone(m.last.Degraded)
	out.Unavailable = slices.Clone(m.last.Unavailable)
	return out
}

// OpenViolations returns how many violation subjects are currently open.
func (m *Monitor) OpenViolations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCount
}
