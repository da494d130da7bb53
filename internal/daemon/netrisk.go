package daemon

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
	"github.com/eliteGoblin/focusd/exam_guard/internal/metrics"
)

// Network risk signal names.
const (
	SignalVPNProcess            = "vpnProcess"
	SignalProxyConfigured       = "proxyConfigured"
	SignalUnexpectedDNS         = "unexpectedDNS"
	SignalInterfaceCountChanged = "interfaceCountChanged"
	SignalTunnelInterface       = "tunnelInterface"
)

// DefaultRiskWeights returns the default weight of every signal.
func DefaultRiskWeights() map[string]float64 {
	return map[string]float64{
		SignalVPNProcess:            0.35,
		SignalProxyConfigured:       0.20,
		SignalUnexpectedDNS:         0.15,
		SignalInterfaceCountChanged: 0.10,
		SignalTunnelInterface:       0.20,
	}
}

// NetRiskConfig holds network risk monitor configuration.
type NetRiskConfig struct {
	Interval        time.Duration      // Time between samples (default 5s)
	Weights         map[string]float64 // Per-signal weights; unknown names are ignored
	MediumThreshold float64            // Score at which level becomes medium (default 0.34)
	HighThreshold   float64            // Score at which level becomes high (default 0.67)
	HistorySize     int                // Trailing samples kept (default 20)
	ExpectedDNS     []string           // Allowed nameservers; empty disables unexpectedDNS
}

// DefaultNetRiskConfig returns default network risk configuration.
func DefaultNetRiskConfig() NetRiskConfig {
	return NetRiskConfig{
		Interval:        5 * time.Second,
		Weights:         DefaultRiskWeights(),
		MediumThreshold: 0.34,
		HighThreshold:   0.67,
		HistorySize:     20,
	}
}

// NetRiskMonitor samples coarse network signals and publishes a RiskSample
// whenever the risk level changes.
type NetRiskMonitor struct {
	config    NetRiskConfig
	collector domain.NetworkSignalCollector
	publisher domain.EventPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger

	expectedDNS mapset.Set[string]

	mu             sync.Mutex
	level          domain.RiskLevel
	latest         *domain.RiskSample
	history        []domain.RiskSample
	baselineIfaces int
	baselineKnown  bool
}

// NewNetRiskMonitor creates a network risk monitor. m may be nil.
func NewNetRiskMonitor(
	config NetRiskConfig,
	collector domain.NetworkSignalCollector,
	publisher domain.EventPublisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *NetRiskMonitor {
	defaults := DefaultNetRiskConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Weights == nil {
		config.Weights = defaults.Weights
	}
	if config.MediumThreshold <= 0 {
		config.MediumThreshold = defaults.MediumThreshold
	}
	if config.HighThreshold <= 0 {
		config.HighThreshold = defaults.HighThreshold
	}
	if config.HistorySize <= 0 {
		config.HistorySize = defaults.HistorySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	expected := mapset.NewThreadUnsafeSet[string]()
	for _, s := range config.ExpectedDNS {
		expected.Add(strings.TrimSpace(s))
	}
	return &NetRiskMonitor{
		config:      config,
		collector:   collector,
		publisher:   publisher,
		metrics:     m,
		logger:      logger,
		expectedDNS: expected,
		level:       domain.RiskLow,
	}
}

// Run starts the sampling loop.
// This blocks until context is canceled.
func (n *NetRiskMonitor) Run(ctx context.Context) error {
	n.logger.Info("network risk monitor started", zap.Duration("interval", n.config.Interval))

	ticker := time.NewTicker(n.config.Interval)
	defer ticker.Stop()

	n.sampleAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("network risk monitor stopping")
			return ctx.Err()

		case <-ticker.C:
			n.sampleAndLog(ctx)
		}
	}
}

func (n *NetRiskMonitor) sampleAndLog(ctx context.Context) {
	if _, _, err := n.Sample(ctx); err != nil {
		n.metrics.CheckDegraded("network")
		n.logger.Warn("network risk sample failed", zap.Error(err))
	}
}

// Sample collects one observation, scores it and publishes on a level change.
func (n *NetRiskMonitor) Sample(ctx context.Context) (domain.RiskSample, bool, error) {
	obs, err := n.collector.Collect(ctx)
	if err != nil {
		return domain.RiskSample{}, false, fmt.Errorf("collect network signals: %w", err)
	}

	signals := n.signals(obs)
	sample := domain.RiskSample{
		Timestamp: time.Now(),
		Score:     Score(signals),
		Signals:   signals,
	}
	sample, published := n.record(ctx, sample)
	return sample, published, nil
}

// signals builds the signal vector. Signals that could not be evaluated are
// left out so they do not dilute the score.
func (n *NetRiskMonitor) signals(obs domain.NetworkObservation) []domain.RiskSignal {
	var out []domain.RiskSignal
	add := func(name string, active bool, detail string) {
		w, ok := n.config.Weights[name]
		if !ok || w <= 0 {
			return
		}
		if !active {
			detail = ""
		}
		out = append(out, domain.RiskSignal{Name: name, Active: active, Weight: w, Detail: detail})
	}

	add(SignalVPNProcess, len(obs.VPNProcesses) > 0, strings.Join(obs.VPNProcesses, ", "))
	add(SignalProxyConfigured, obs.ProxyDetail != "", obs.ProxyDetail)

	if n.expectedDNS.Cardinality() > 0 && obs.DNSKnown {
		var unexpected []string
		for _, s := range obs.DNSServers {
			if !n.expectedDNS.Contains(s) {
				unexpected = append(unexpected, s)
			}
		}
		add(SignalUnexpectedDNS, len(unexpected) > 0, strings.Join(unexpected, ", "))
	}

	if obs.InterfacesKnown {
		n.mu.Lock()
		if !n.baselineKnown {
			n.baselineIfaces = len(obs.UpInterfaces)
			n.baselineKnown = true
		}
		baseline := n.baselineIfaces
		n.mu.Unlock()

		count := len(obs.UpInterfaces)
		add(SignalInterfaceCountChanged, count != baseline,
			fmt.Sprintf("%d up interfaces, baseline %d", count, baseline))
		add(SignalTunnelInterface, len(obs.TunnelInterfaces) > 0, strings.Join(obs.TunnelInterfaces, ", "))
	}
	return out
}

// record stores the sample and publishes it when its level differs from the
// last published level. The published level only moves on a successful publish.
func (n *NetRiskMonitor) record(ctx context.Context, sample domain.RiskSample) (domain.RiskSample, bool) {
	sample.Level = LevelFor(sample.Score, n.config.MediumThreshold, n.config.HighThreshold)
	n.metrics.SetRiskScore(sample.Score)

	n.mu.Lock()
	n.latest = &sample
	n.history = append(n.history, sample)
	if len(n.history) > n.config.HistorySize {
		n.history = slices.Clone(n.history[len(n.history)-n.config.HistorySize:])
	}
	changed := sample.Level != n.level
	previous := n.level
	n.mu.Unlock()

	if !changed || ctx.Err() != nil {
		return sample, false
	}

	env, err := n.publisher.PublishRisk(sample)
	if err != nil {
		n.logger.Debug("risk update not published", zap.Error(err))
		return sample, false
	}
	n.mu.Lock()
	n.level = sample.Level
	n.mu.Unlock()
	n.logger.Info("network risk level changed",
		zap.Uint64("id", env.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(sample.Level)),
		zap.Float64("score", sample.Score))
	return sample, true
}

// LatestSample returns the most recent sample and whether one exists.
func (n *NetRiskMonitor) LatestSample() (domain.RiskSample, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.latest == nil {
		return domain.RiskSample{}, false
	}
	return *n.latest, true
}

// History returns the trailing samples, oldest first.
func (n *NetRiskMonitor) History() []domain.RiskSample {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.history)
}

// Level returns the current risk level.
func (n *NetRiskMonitor) Level() domain.RiskLevel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.level
}

// Score computes Σ(wᵢ·sᵢ)/Σwᵢ over the signals. It is 0 when no weight applies.
func Score(signals []domain.RiskSignal) float64 {
	var total, active float64
	for _, s := range signals {
		if s.Weight <= 0 {
			continue
		}
		total += s.Weight
		if s.Active {
			active += s.Weight
		}
	}
	if total == 0 {
		return 0
	}
	return active / total
}

// LevelFor maps a score to its level.
func LevelFor(score, medium, high float64) domain.RiskLevel {
	switch {
	case score >= high:
		return domain.RiskHigh
	case score >= medium:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}
