package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// scriptedCollector returns one observation per call, repeating the last.
type scriptedCollector struct {
	steps []domain.NetworkObservation
	calls int
	err   error
}

func (c *scriptedCollector) Collect(ctx context.Context) (domain.NetworkObservation, error) {
	if c.err != nil {
		return domain.NetworkObservation{}, c.err
	}
	obs := c.steps[min(c.calls, len(c.steps)-1)]
	c.calls++
	return obs, nil
}

func quietNetwork() domain.NetworkObservation {
	return domain.NetworkObservation{
		DNSKnown:        true,
		DNSServers:      []string{"10.0.0.1"},
		InterfacesKnown: true,
		UpInterfaces:    []string{"lo", "eth0"},
	}
}

// TestNetRisk_LevelTransitionsOnly feeds scores 0.10, 0.20, 0.40, 0.50 and
// expects a single publish, at 0.40.
func TestNetRisk_LevelTransitionsOnly(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNetRiskMonitor(DefaultNetRiskConfig(), &scriptedCollector{}, pub, nil, zap.NewNop())

	ctx := context.Background()
	var published []bool
	for _, score := range []float64{0.10, 0.20, 0.40, 0.50} {
		_, ok := n.record(ctx, domain.RiskSample{Timestamp: time.Now(), Score: score})
		published = append(published, ok)
	}

	assert.Equal(t, []bool{false, false, true, false}, published)
	risks := pub.risks()
	require.Len(t, risks, 1)
	assert.Equal(t, 0.40, risks[0].Score)
	assert.Equal(t, domain.RiskMedium, risks[0].Level)
	assert.Equal(t, domain.RiskMedium, n.Level())

	latest, ok := n.LatestSample()
	require.True(t, ok)
	assert.Equal(t, 0.50, latest.Score)
	assert.Len(t, n.History(), 4)
}

// TestNetRisk_UnpublishedChangeIsRetried verifies a level change that could
// not be delivered is published by the next sample at that level.
func TestNetRisk_UnpublishedChangeIsRetried(t *testing.T) {
	tests := []struct {
		name   string
		pubErr error
		cancel bool
	}{
		{name: "publish fails", pubErr: errors.New("dispatcher busy")},
		{name: "context canceled", cancel: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{err: tt.pubErr}
			n := NewNetRiskMonitor(DefaultNetRiskConfig(), &scriptedCollector{}, pub, nil, zap.NewNop())

			ctx, cancel := context.WithCancel(context.Background())
			if tt.cancel {
				cancel()
			}
			_, ok := n.record(ctx, domain.RiskSample{Timestamp: time.Now(), Score: 0.9})
			assert.False(t, ok)
			assert.Equal(t, domain.RiskLow, n.Level())

			pub.err = nil
			_, ok = n.record(context.Background(), domain.RiskSample{Timestamp: time.Now(), Score: 0.9})
			assert.True(t, ok)
			assert.Equal(t, domain.RiskHigh, n.Level())

			risks := pub.risks()
			require.Len(t, risks, 1)
			assert.Equal(t, domain.RiskHigh, risks[0].Level)
			cancel()
		})
	}
}

// TestNetRisk_HistoryIsBounded verifies old samples are dropped.
func TestNetRisk_HistoryIsBounded(t *testing.T) {
	config := DefaultNetRiskConfig()
	config.HistorySize = 3
	n := NewNetRiskMonitor(config, &scriptedCollector{}, &recordingPublisher{}, nil, zap.NewNop())

	for i := range 5 {
		n.record(context.Background(), domain.RiskSample{Score: float64(i) / 10})
	}

	history := n.History()
	require.Len(t, history, 3)
	assert.Equal(t, 0.2, history[0].Score)
	assert.Equal(t, 0.4, history[2].Score)
}

// TestNetRisk_Sample scores a real observation sequence.
func TestNetRisk_Sample(t *testing.T) {
	vpn := quietNetwork()
	vpn.VPNProcesses = []string{"openvpn"}
	vpn.UpInterfaces = []string{"lo", "eth0", "tun0"}
	vpn.TunnelInterfaces = []string{"tun0"}

	pub := &recordingPublisher{}
	collector := &scriptedCollector{steps: []domain.NetworkObservation{quietNetwork(), vpn, quietNetwork()}}
	n := NewNetRiskMonitor(DefaultNetRiskConfig(), collector, pub, nil, zap.NewNop())

	ctx := context.Background()
	first, published, err := n.Sample(ctx)
	require.NoError(t, err)
	assert.False(t, published)
	assert.Equal(t, 0.0, first.Score)
	assert.Equal(t, domain.RiskLow, first.Level)

	second, published, err := n.Sample(ctx)
	require.NoError(t, err)
	assert.True(t, published)
	// vpnProcess 0.35 + interfaceCountChanged 0.10 + tunnelInterface 0.20 over 0.85.
	assert.InDelta(t, 0.65/0.85, second.Score, 1e-9)
	assert.Equal(t, domain.RiskHigh, second.Level)

	third, published, err := n.Sample(ctx)
	require.NoError(t, err)
	assert.True(t, published)
	assert.Equal(t, domain.RiskLow, third.Level)
	assert.Len(t, pub.risks(), 2)
}

// TestNetRisk_UnexpectedDNS verifies DNS is only scored with an expected list.
func TestNetRisk_UnexpectedDNS(t *testing.T) {
	obs := quietNetwork()
	obs.DNSServers = []string{"10.0.0.1", "1.1.1.1"}

	without := NewNetRiskMonitor(DefaultNetRiskConfig(), &scriptedCollector{}, &recordingPublisher{}, nil, zap.NewNop())
	for _, s := range without.signals(obs) {
		assert.NotEqual(t, SignalUnexpectedDNS, s.Name)
	}

	config := DefaultNetRiskConfig()
	config.ExpectedDNS = []string{"10.0.0.1"}
	with := NewNetRiskMonitor(config, &scriptedCollector{}, &recordingPublisher{}, nil, zap.NewNop())

	var dns *domain.RiskSignal
	for _, s := range with.signals(obs) {
		if s.Name == SignalUnexpectedDNS {
			dns = &s
		}
	}
	require.NotNil(t, dns)
	assert.True(t, dns.Active)
	assert.Equal(t, "1.1.1.1", dns.Detail)
}

// TestNetRisk_CollectorFailure verifies a failed collection yields no sample.
func TestNetRisk_CollectorFailure(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNetRiskMonitor(DefaultNetRiskConfig(), &scriptedCollector{err: errBoom}, pub, nil, zap.NewNop())

	_, published, err := n.Sample(context.Background())

	assert.ErrorIs(t, err, errBoom)
	assert.False(t, published)
	_, ok := n.LatestSample()
	assert.False(t, ok)
	assert.Empty(t, pub.risks())
}

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		signals []domain.RiskSignal
		want    float64
	}{
		{"empty", nil, 0},
		{"none active", []domain.RiskSignal{{Weight: 1}, {Weight: 1}}, 0},
		{"half", []domain.RiskSignal{{Weight: 1, Active: true}, {Weight: 1}}, 0.5},
		{"weighted", []domain.RiskSignal{{Weight: 3, Active: true}, {Weight: 1}}, 0.75},
		{"zero weight ignored", []domain.RiskSignal{{Weight: 0, Active: true}, {Weight: 1}}, 0},
		{"all active", []domain.RiskSignal{{Weight: 0.2, Active: true}, {Weight: 0.8, Active: true}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.signals), 1e-9)
		})
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		score float64
		want  domain.RiskLevel
	}{
		{0, domain.RiskLow},
		{0.3399, domain.RiskLow},
		{0.34, domain.RiskMedium},
		{0.6699, domain.RiskMedium},
		{0.67, domain.RiskHigh},
		{1, domain.RiskHigh},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.score, 0.34, 0.67), "score %v", tt.score)
	}
}
