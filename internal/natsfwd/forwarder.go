// Package natsfwd forwards the session event stream to a remote proctor over
// NATS, one message per envelope on <prefix>.violation and
// <prefix>.network-risk-update.
package natsfwd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/dispatch"
	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
	"github.com/eliteGoblin/focusd/exam_guard/internal/metrics"
)

// Header keys set on every forwarded message.
const (
	HeaderEventID   = "x-event-id"
	HeaderSessionID = "x-session-id"
	HeaderEventType = "x-event-type"
	HeaderSeverity  = "x-severity"
	HeaderTimestamp = "x-timestamp"
)

// MsgPublisher is the part of *nats.Conn the forwarder needs.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Connect dials the NATS server and keeps reconnecting for the agent's lifetime.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("examguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// Forwarder publishes envelopes of one session.
type Forwarder struct {
	pub       MsgPublisher
	prefix    string
	sessionID string
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a forwarder. m may be nil.
func New(pub MsgPublisher, prefix, sessionID string, m *metrics.Metrics, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		pub:       pub,
		prefix:    prefix,
		sessionID: sessionID,
		metrics:   m,
		logger:    logger,
	}
}

// Subject returns the NATS subject for an envelope type.
func (f *Forwarder) Subject(t domain.EnvelopeType) string {
	return f.prefix + "." + string(t)
}

// Forward publishes one envelope.
func (f *Forwarder) Forward(env domain.Envelope) error {
	var (
		payload any
		ts      time.Time
	)
	headers := nats.Header{}
	switch {
	case env.Violation != nil:
		payload = env.Violation
		ts = env.Violation.Timestamp
		headers.Set(HeaderSeverity, string(env.Violation.Severity))
	case env.Risk != nil:
		payload = env.Risk
		ts = env.Risk.Timestamp
		headers.Set(HeaderSeverity, string(env.Risk.Level))
	default:
		return fmt.Errorf("envelope %d has no payload", env.ID)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event %d: %w", env.ID, err)
	}

	headers.Set(HeaderEventID, strconv.FormatUint(env.ID, 10))
	headers.Set(HeaderSessionID, f.sessionID)
	headers.Set(HeaderEventType, string(env.Type))
	headers.Set(HeaderTimestamp, ts.UTC().Format(time.RFC3339Nano))

	msg := &nats.Msg{
		Subject: f.Subject(env.Type),
		Data:    data,
		Header:  headers,
	}
	if err := f.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event %d: %w", env.ID, err)
	}
	return nil
}

// Run forwards everything from sub until the stream closes or ctx is canceled.
// Individual publish failures are logged and counted, never fatal.
func (f *Forwarder) Run(ctx context.Context, sub *dispatch.Subscription) error {
	defer sub.Close()
	f.logger.Info("NATS forwarder started", zap.String("prefix", f.prefix))

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("NATS forwarder stopping")
			return ctx.Err()

		case env, open := <-sub.C():
			if !open {
				f.logger.Info("NATS forwarder stopping", zap.NamedError("stream_error", sub.Err()))
				return sub.Err()
			}
			if err := f.Forward(env); err != nil {
				f.metrics.ForwardError()
				f.logger.Warn("failed to forward event", zap.Uint64("id", env.ID), zap.Error(err))
			}
		}
	}
}
