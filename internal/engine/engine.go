// Package engine owns enforcement sessions. An Engine hands out at most one
// live Session at a time; a Session walks created -> swept -> active ->
// stopped and wires the sweep, both monitors and the event dispatcher.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/config"
	"github.com/eliteGoblin/focusd/exam_guard/internal/daemon"
	"github.com/eliteGoblin/focusd/exam_guard/internal/dispatch"
	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
	"github.com/eliteGoblin/focusd/exam_guard/internal/metrics"
	"github.com/eliteGoblin/focusd/exam_guard/internal/policy"
	"github.com/eliteGoblin/focusd/exam_guard/internal/usecase"
)

// staleHeartbeats is how many missed heartbeats make a registry entry of
// another agent stale.
const staleHeartbeats = 3

// Deps are the OS-facing collaborators shared by every session.
// Optional fields may be nil.
type Deps struct {
	Inventory domain.ProcessInventory
	Killer    domain.ProcessKiller
	Privilege domain.PrivilegeManager
	Topology  domain.TopologyProvider       // Optional
	Host      domain.HostDescriber          // Optional
	VM        domain.VMProbe                // Optional
	Network   domain.NetworkSignalCollector // Optional; nil disables the risk loop
	Registry  domain.SessionRegistry        // Optional
	Metrics   *metrics.Metrics              // Optional
	Logger    *zap.Logger

	NewID func() string    // Defaults to uuid.NewString
	Now   func() time.Time // Defaults to time.Now
}

// Engine creates enforcement sessions.
type Engine struct {
	deps Deps

	mu      sync.Mutex
	current *Session
	hooks   []func(*Session)
}

// OnSession registers fn to run for every new session before Create returns,
// so it observes the session before anything can be published. fn must not
// call back into the Engine.
func (e *Engine) OnSession(fn func(*Session)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// New creates an engine.
func New(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{deps: deps}
}

// Create validates cfg, applies the privilege gate, compiles the policy and
// returns a new session in phase created. Only one live session may exist.
func (e *Engine) Create(ctx context.Context, cfg config.Config) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil && e.current.Phase() != domain.PhaseStopped {
		return nil, domain.ErrSessionActive
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := e.checkRegistry(cfg); err != nil {
		return nil, err
	}

	level := e.deps.Privilege.DetectPrivilegeLevel(ctx)
	if cfg.Elevation.Required && !level.IsElevated {
		return nil, domain.ErrElevationRequired
	}

	pol, err := policy.Load(cfg.PolicyConfigFor(os.Getpid(), os.Getppid()))
	if err != nil {
		return nil, err
	}
	capture, err := policy.NewCaptureMatcher(cfg.Policy.CaptureSignatures)
	if err != nil {
		return nil, err
	}

	var host domain.HostDescriptor
	if e.deps.Host != nil {
		host = e.deps.Host.DescribeHost(ctx)
	}

	s := newSession(e.deps, cfg, pol, capture, level.IsElevated, host)
	if e.deps.Registry != nil {
		if err := e.deps.Registry.Register(s.registryEntry(domain.PhaseCreated)); err != nil {
			e.deps.Logger.Warn("failed to register session", zap.Error(err))
		}
	}

	e.current = s
	for _, fn := range e.hooks {
		fn(s)
	}
	e.deps.Logger.Info("enforcement session created",
		zap.String("session", s.id),
		zap.Bool("elevated", level.IsElevated),
		zap.Int("signatures", pol.Len()))
	return s, nil
}

// checkRegistry refuses to start while another live agent holds the host.
func (e *Engine) checkRegistry(cfg config.Config) error {
	if e.deps.Registry == nil {
		return nil
	}
	entry, err := e.deps.Registry.Get()
	if err != nil {
		e.deps.Logger.Warn("failed to read session registry", zap.Error(err))
		return nil
	}
	if entry == nil || entry.AgentPID == os.Getpid() || entry.Phase == domain.PhaseStopped {
		return nil
	}
	if !e.agentAlive(entry.AgentPID) {
		e.deps.Logger.Info("replacing session registry entry of exited agent",
			zap.String("session", entry.SessionID),
			zap.Int("pid", entry.AgentPID))
		return nil
	}
	staleAfter := staleHeartbeats * cfg.Monitor.HeartbeatInterval
	last := time.Unix(entry.LastHeartbeat, 0)
	if e.deps.Now().Sub(last) < staleAfter {
		return fmt.Errorf("%w: session %s held by pid %d", domain.ErrSessionActive, entry.SessionID, entry.AgentPID)
	}
	e.deps.Logger.Info("replacing stale session registry entry",
		zap.String("session", entry.SessionID),
		zap.Int("pid", entry.AgentPID))
	return nil
}

// agentAlive reports whether pid is a running process. Unknown counts as alive.
func (e *Engine) agentAlive(pid int) bool {
	running, err := e.deps.Killer.IsRunning(context.Background(), domain.ProcessRecord{PID: pid})
	if err != nil {
		return true
	}
	return running
}

// RequestElevation relaunches the agent elevated. The live session's registry
// entry is released first so the relaunched agent can claim the host; if the
// relaunch fails the entry is restored and the session keeps running.
func (e *Engine) RequestElevation(ctx context.Context) error {
	sess := e.Current()
	if sess != nil && sess.Phase() == domain.PhaseStopped {
		sess = nil
	}
	if sess != nil {
		sess.releaseRegistry()
	}
	err := e.deps.Privilege.RequestElevation(ctx)
	if err != nil && sess != nil {
		sess.reclaimRegistry()
	}
	return err
}

// Current returns the most recently created session, or nil.
func (e *Engine) Current() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Privilege returns the engine's privilege manager.
func (e *Engine) Privilege() domain.PrivilegeManager {
	return e.deps.Privilege
}

// Host describes the host. It is the zero value without a describer.
func (e *Engine) Host(ctx context.Context) domain.HostDescriptor {
	if e.deps.Host == nil {
		return domain.HostDescriptor{}
	}
	return e.deps.Host.DescribeHost(ctx)
}

// Topology returns the topology provider, which may be nil.
func (e *Engine) Topology() domain.TopologyProvider {
	return e.deps.Topology
}

// Session is one enforcement session.
type Session struct {
	id         string
	cfg        config.Config
	deps       Deps
	policy     *policy.Policy
	capture    *policy.CaptureMatcher
	dispatcher *dispatch.Dispatcher
	sweeper    *usecase.Sweeper
	terminator *usecase.Terminator
	logger     *zap.Logger

	// op serializes lifecycle transitions.
	op sync.Mutex

	mu        sync.Mutex
	phase     domain.SessionPhase
	elevated  bool
	host      domain.HostDescriptor
	createdAt time.Time
	startedAt time.Time
	stoppedAt time.Time
	lastSweep *domain.KillReport
	monitor   *daemon.Monitor
	netrisk   *daemon.NetRiskMonitor
	released  bool // Registry entry handed to an elevated relaunch

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

func newSession(
	deps Deps,
	cfg config.Config,
	pol *policy.Policy,
	capture *policy.CaptureMatcher,
	elevated bool,
	host domain.HostDescriptor,
) *Session {
	id := deps.NewID()
	logger := deps.Logger.With(zap.String("session", id))
	terminator := usecase.NewTerminator(deps.Killer, cfg.Sweep.PerProcessTimeout)
	return &Session{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		policy:     pol,
		capture:    capture,
		dispatcher: dispatch.New(cfg.Dispatcher, deps.Metrics, logger),
		sweeper:    usecase.NewSweeper(deps.Inventory, deps.Killer, terminator, deps.Host, deps.Metrics, logger),
		terminator: terminator,
		logger:     logger,
		phase:      domain.PhaseCreated,
		elevated:   elevated,
		host:       host,
		createdAt:  deps.Now(),
		done:       make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Policy returns the compiled session policy.
func (s *Session) Policy() *policy.Policy { return s.policy }

// Phase returns the lifecycle phase.
func (s *Session) Phase() domain.SessionPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Sweep runs the pre-exam sweep. It may be repeated until the session starts.
func (s *Session) Sweep(ctx context.Context) (domain.KillReport, error) {
	s.op.Lock()
	defer s.op.Unlock()

	phase := s.Phase()
	if phase != domain.PhaseCreated && phase != domain.PhaseSwept {
		return domain.KillReport{}, fmt.Errorf("%w: sweep in phase %s", domain.ErrSessionState, phase)
	}

	report, err := s.sweeper.Run(ctx, s.policy)
	if err != nil {
		return report, err
	}

	s.mu.Lock()
	s.phase = domain.PhaseSwept
	s.lastSweep = &report
	s.mu.Unlock()
	s.heartbeat(domain.PhaseSwept)
	return report, nil
}

// Start launches the continuous monitor and, when a collector is configured,
// the network risk monitor. The loops outlive ctx; only Stop ends them.
func (s *Session) Start(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	switch phase := s.Phase(); phase {
	case domain.PhaseSwept:
	case domain.PhaseCreated:
		return domain.ErrSweepRequired
	default:
		return fmt.Errorf("%w: start in phase %s", domain.ErrSessionState, phase)
	}

	monitor := daemon.NewMonitor(s.cfg.MonitorConfig(), daemon.MonitorDeps{
		Inventory:  s.deps.Inventory,
		Matcher:    s.policy,
		Terminator: s.terminator,
		Topology:   s.deps.Topology,
		Capture:    s.capture,
		VM:         s.deps.VM,
		Publisher:  s.dispatcher,
		Heartbeat:  sessionHeartbeat{s},
		Metrics:    s.deps.Metrics,
	}, s.logger)

	var netrisk *daemon.NetRiskMonitor
	if s.cfg.Network.Enabled && s.deps.Network != nil {
		netrisk = daemon.NewNetRiskMonitor(s.cfg.NetRiskConfig(), s.deps.Network, s.dispatcher, s.deps.Metrics, s.logger)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.phase = domain.PhaseActive
	s.startedAt = s.deps.Now()
	s.monitor = monitor
	s.netrisk = netrisk
	s.cancel = cancel
	s.mu.Unlock()

	s.heartbeat(domain.PhaseActive)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = monitor.Run(runCtx)
	}()
	if netrisk != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = netrisk.Run(runCtx)
		}()
	}

	s.logger.Info("enforcement session started",
		zap.Bool("network_monitor", netrisk != nil),
		zap.Duration("interval", s.cfg.Monitor.Interval))
	return nil
}

// Stop cancels both loops, waits for them, then closes the event stream.
// No event is emitted after Stop returns. Stopping twice is a no-op.
func (s *Session) Stop() error {
	s.op.Lock()
	defer s.op.Unlock()

	if s.Phase() == domain.PhaseStopped {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.dispatcher.Close()

	s.mu.Lock()
	s.phase = domain.PhaseStopped
	s.stoppedAt = s.deps.Now()
	s.mu.Unlock()

	s.clearRegistry()
	close(s.done)
	s.logger.Info("enforcement session stopped", zap.Uint64("last_event_id", s.dispatcher.LastID()))
	return nil
}

// Subscribe opens a live stream of the session's envelopes.
func (s *Session) Subscribe() *dispatch.Subscription {
	return s.dispatcher.Subscribe()
}

// LatestRiskSample returns the most recent network risk sample.
func (s *Session) LatestRiskSample() (domain.RiskSample, bool) {
	s.mu.Lock()
	netrisk := s.netrisk
	s.mu.Unlock()
	if netrisk == nil {
		return domain.RiskSample{}, false
	}
	return netrisk.LatestSample()
}

// RiskHistory returns the trailing risk samples, oldest first.
func (s *Session) RiskHistory() []domain.RiskSample {
	s.mu.Lock()
	netrisk := s.netrisk
	s.mu.Unlock()
	if netrisk == nil {
		return nil
	}
	return netrisk.History()
}

// LastSweep returns the most recent sweep report.
func (s *Session) LastSweep() (domain.KillReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSweep == nil {
		return domain.KillReport{}, false
	}
	return *s.lastSweep, true
}

// State returns a pull-style snapshot of the session.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	state := domain.SessionState{
		ID:           s.id,
		Phase:        s.phase,
		Elevated:     s.elevated,
		CreatedAt:    s.createdAt,
		StartedAt:    s.startedAt,
		StoppedAt:    s.stoppedAt,
		Host:         s.host,
		Monitor:      domain.MonitorIdle,
		LastSweep:    s.lastSweep,
		SignatureCnt: s.policy.Len(),
	}
	monitor := s.monitor
	s.mu.Unlock()

	if monitor != nil {
		state.Monitor = monitor.State()
		state.LastCycle = monitor.LastCycle()
		state.OpenCount = monitor.OpenViolations()
	}
	if state.Phase == domain.PhaseStopped {
		state.Monitor = domain.MonitorStopped
	}
	if sample, ok := s.LatestRiskSample(); ok {
		state.LatestRisk = &sample
	}
	state.LastEventID = s.dispatcher.LastID()
	return state
}

func (s *Session) heartbeat(phase domain.SessionPhase) {
	if err := s.updateHeartbeat(phase); err != nil {
		s.logger.Warn("failed to update heartbeat", zap.Error(err))
	}
}

// updateHeartbeat refreshes the registry entry unless the session has handed
// the host to another agent.
func (s *Session) updateHeartbeat(phase domain.SessionPhase) error {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if s.deps.Registry == nil || released {
		return nil
	}
	return s.deps.Registry.UpdateHeartbeat(phase)
}

// sessionHeartbeat lets the monitor heartbeat through the session.
type sessionHeartbeat struct{ s *Session }

func (h sessionHeartbeat) UpdateHeartbeat(phase domain.SessionPhase) error {
	return h.s.updateHeartbeat(phase)
}

// clearRegistry removes the registry entry if it still belongs to this session.
func (s *Session) clearRegistry() {
	if s.deps.Registry == nil {
		return
	}
	entry, err := s.deps.Registry.Get()
	if err != nil {
		s.logger.Warn("failed to read session registry", zap.Error(err))
		return
	}
	if entry == nil || entry.SessionID != s.id || entry.AgentPID != os.Getpid() {
		return
	}
	if err := s.deps.Registry.Clear(); err != nil {
		s.logger.Warn("failed to clear session registry", zap.Error(err))
	}
}

func (s *Session) registryEntry(phase domain.SessionPhase) domain.ActiveSession {
	return domain.ActiveSession{
		SessionID:     s.id,
		AgentPID:      os.Getpid(),
		Phase:         phase,
		Elevated:      s.elevated,
		StartedAt:     s.createdAt.Unix(),
		LastHeartbeat: s.deps.Now().Unix(),
		APIAddr:       s.apiAddr(),
	}
}

// releaseRegistry hands the host over: the entry is cleared and heartbeats
// stop until reclaimRegistry.
func (s *Session) releaseRegistry() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	s.clearRegistry()
}

func (s *Session) reclaimRegistry() {
	s.mu.Lock()
	s.released = false
	s.mu.Unlock()
	if s.deps.Registry == nil || s.Phase() == domain.PhaseStopped {
		return
	}
	if err := s.deps.Registry.Register(s.registryEntry(s.Phase())); err != nil {
		s.logger.Warn("failed to reclaim session registry", zap.Error(err))
	}
}

func (s *Session) apiAddr() string {
	if !s.cfg.API.Enabled {
		return ""
	}
	return s.cfg.API.Listen
}
