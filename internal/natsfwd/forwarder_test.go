package natsfwd

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/dispatch"
	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (p *fakePublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *fakePublisher) sent() []*nats.Msg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*nats.Msg(nil), p.msgs...)
}

// Ensure *nats.Conn satisfies MsgPublisher.
var _ MsgPublisher = (*nats.Conn)(nil)

func TestForward_Violation(t *testing.T) {
	pub := &fakePublisher{}
	f := New(pub, "proctor.exam42", "session-1", nil, zap.NewNop())
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := f.Forward(domain.Envelope{
		ID:   7,
		Type: domain.EnvelopeViolation,
		Violation: &domain.ViolationEvent{
			ID: 7, Timestamp: ts, Kind: domain.ViolationForbiddenProcess,
			Severity: domain.SeverityCritical, Subject: "anydesk",
		},
	})
	require.NoError(t, err)

	msgs := pub.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "proctor.exam42.violation", msgs[0].Subject)
	assert.Equal(t, "7", msgs[0].Header.Get(HeaderEventID))
	assert.Equal(t, "session-1", msgs[0].Header.Get(HeaderSessionID))
	assert.Equal(t, "critical", msgs[0].Header.Get(HeaderSeverity))
	assert.Equal(t, "2026-03-01T09:00:00Z", msgs[0].Header.Get(HeaderTimestamp))

	var ev domain.ViolationEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &ev))
	assert.Equal(t, "anydesk", ev.Subject)
}

func TestForward_Risk(t *testing.T) {
	pub := &fakePublisher{}
	f := New(pub, "examguard", "session-1", nil, zap.NewNop())

	err := f.Forward(domain.Envelope{
		ID:   3,
		Type: domain.EnvelopeRisk,
		Risk: &domain.RiskSample{Score: 0.4, Level: domain.RiskMedium},
	})
	require.NoError(t, err)

	msgs := pub.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "examguard.network-risk-update", msgs[0].Subject)
	assert.Equal(t, "medium", msgs[0].Header.Get(HeaderSeverity))
	assert.Equal(t, string(domain.EnvelopeRisk), msgs[0].Header.Get(HeaderEventType))
}

func TestForward_EmptyEnvelope(t *testing.T) {
	f := New(&fakePublisher{}, "examguard", "s", nil, zap.NewNop())
	assert.Error(t, f.Forward(domain.Envelope{ID: 1}))
}

// TestRun_ForwardsUntilStreamCloses verifies ordering and that publish
// failures do not stop the forwarder.
func TestRun_ForwardsUntilStreamCloses(t *testing.T) {
	d := dispatch.New(dispatch.Config{DebounceWindow: time.Second}, nil, zap.NewNop())
	pub := &fakePublisher{}
	f := New(pub, "examguard", "s", nil, zap.NewNop())

	sub := d.Subscribe()
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background(), sub) }()

	_, _, err := d.Publish(domain.ViolationEvent{Kind: domain.ViolationVMDetected, Severity: domain.SeverityCritical, Subject: "host"})
	require.NoError(t, err)
	_, err = d.PublishRisk(domain.RiskSample{Score: 0.9, Level: domain.RiskHigh})
	require.NoError(t, err)
	d.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop")
	}

	msgs := pub.sent()
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].Header.Get(HeaderEventID))
	assert.Equal(t, "examguard.violation", msgs[0].Subject)
	assert.Equal(t, "2", msgs[1].Header.Get(HeaderEventID))
	assert.Equal(t, "examguard.network-risk-update", msgs[1].Subject)
}

func TestRun_PublishFailureIsNotFatal(t *testing.T) {
	d := dispatch.New(dispatch.Config{}, nil, zap.NewNop())
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	f := New(pub, "examguard", "s", nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, d.Subscribe()) }()

	_, _, err := d.Publish(domain.ViolationEvent{Kind: domain.ViolationVMDetected, Severity: domain.SeverityCritical, Subject: "host"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop")
	}
	assert.Empty(t, pub.sent())
}
