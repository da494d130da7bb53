// Package dispatch implements the session event stream: a single ordered,
// debounced sequence of violation and network risk envelopes fanned out to
// any number of subscribers.
package dispatch

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
	"github.com/eliteGoblin/focusd/exam_guard/internal/metrics"
)

const (
	DefaultDebounceWindow   = 5 * time.Second
	DefaultSubscriberBuffer = 256
	DefaultDebounceCapacity = 1024
)

// ErrSlowSubscriber is reported by a subscription that was disconnected
// because it fell too far behind.
var ErrSlowSubscriber = errors.New("subscriber fell behind and was disconnected")

// Config controls debounce and fan-out behaviour.
type Config struct {
	DebounceWindow   time.Duration `mapstructure:"debounce_window"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	DebounceCapacity int           `mapstructure:"debounce_capacity"`
}

type debounceKey struct {
	kind    domain.ViolationKind
	subject string
}

type debounceEntry struct {
	at       time.Time
	severity domain.Severity
}

// Dispatcher implements domain.EventPublisher. A single mutex serializes ID
// assignment and fan-out, so every subscriber sees the same order.
type Dispatcher struct {
	mu     sync.Mutex
	nextID uint64
	closed bool
	recent *lru.Cache[debounceKey, debounceEntry]
	subs   map[*Subscription]struct{}

	window time.Duration
	buffer int
	now    func() time.Time

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a dispatcher. m may be nil.
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return NewWithClock(cfg, m, logger, time.Now)
}

// NewWithClock creates a dispatcher with an injectable clock (for testing).
func NewWithClock(cfg Config, m *metrics.Metrics, logger *zap.Logger, now func() time.Time) *Dispatcher {
	if cfg.DebounceWindow < 0 {
		cfg.DebounceWindow = 0
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.DebounceCapacity <= 0 {
		cfg.DebounceCapacity = DefaultDebounceCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only errors on a non-positive size.
	recent, _ := lru.New[debounceKey, debounceEntry](cfg.DebounceCapacity)

	return &Dispatcher{
		recent:  recent,
		subs:    make(map[*Subscription]struct{}),
		window:  cfg.DebounceWindow,
		buffer:  cfg.SubscriberBuffer,
		now:     now,
		metrics: m,
		logger:  logger,
	}
}

// Publish emits ev unless the same (kind, subject) was published within the
// debounce window at the same or a higher severity. The returned bool
// reports whether ev was delivered; suppressed events consume no ID.
func (d *Dispatcher) Publish(ev domain.ViolationEvent) (domain.Envelope, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return domain.Envelope{}, false, domain.ErrDispatcherClosed
	}

	now := d.now()
	key := debounceKey{kind: ev.Kind, subject: ev.Subject}
	if last, ok := d.recent.Get(key); ok && now.Sub(last.at) < d.window &&
		ev.Severity.Rank() <= last.severity.Rank() {
		d.metrics.ViolationSuppressed(string(ev.Kind))
		d.logger.Debug("violation debounced",
			zap.String("kind", string(ev.Kind)),
			zap.String("subject", ev.Subject))
		return domain.Envelope{}, false, nil
	}
	d.recent.Add(key, debounceEntry{at: now, severity: ev.Severity})

	d.nextID++
	ev.ID = d.nextID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	env := domain.Envelope{ID: ev.ID, Type: domain.EnvelopeViolation, Violation: &ev}
	d.fanOut(env)
	d.metrics.ViolationPublished(string(ev.Kind))
	return env, true, nil
}

// PublishRisk emits a risk level change. Risk updates are never debounced.
func (d *Dispatcher) PublishRisk(sample domain.RiskSample) (domain.Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return domain.Envelope{}, domain.ErrDispatcherClosed
	}

	d.nextID++
	if sample.Timestamp.IsZero() {
		sample.Timestamp = d.now()
	}
	env := domain.Envelope{ID: d.nextID, Type: domain.EnvelopeRisk, Risk: &sample}
	d.fanOut(env)
	d.metrics.RiskPublished()
	return env, nil
}

// fanOut never blocks: a subscriber whose buffer is full is disconnected.
// Caller holds d.mu.
func (d *Dispatcher) fanOut(env domain.Envelope) {
	for s := range d.subs {
		select {
		case s.ch <- env:
		default:
			d.logger.Warn("disconnecting slow subscriber", zap.Uint64("event_id", env.ID))
			d.dropLocked(s, ErrSlowSubscriber)
		}
	}
}

// Subscribe returns a live stream of everything published from now on.
// After Close, the returned subscription is already closed.
func (d *Dispatcher) Subscribe() *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &Subscription{ch: make(chan domain.Envelope, d.buffer), d: d}
	if d.closed {
		s.err = domain.ErrDispatcherClosed
		s.done = true
		close(s.ch)
		return s
	}
	d.subs[s] = struct{}{}
	d.metrics.SubscriberAdded()
	return s
}

// Close ends the stream. Subscribers drain what was already published and
// then see their channel close. Publishing afterwards fails with
// domain.ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for s := range d.subs {
		d.dropLocked(s, nil)
	}
}

// LastID returns the ID of the most recently published envelope (0 if none).
func (d *Dispatcher) LastID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextID
}

// Closed reports whether Close was called.
func (d *Dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) dropLocked(s *Subscription, err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	delete(d.subs, s)
	close(s.ch)
	d.metrics.SubscriberRemoved()
}

// Subscription is one consumer's view of the stream.
type Subscription struct {
	ch   chan domain.Envelope
	d    *Dispatcher
	done bool  // Guarded by d.mu
	err  error // Guarded by d.mu
}

// C returns the envelope channel. It is closed when the dispatcher closes,
// the subscriber is disconnected, or Close is called.
func (s *Subscription) C() <-chan domain.Envelope {
	return s.ch
}

// Err returns why the stream ended: nil for a normal close,
// ErrSlowSubscriber after a disconnect.
func (s *Subscription) Err() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return s.err
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.dropLocked(s, nil)
}

var _ domain.EventPublisher = (*Dispatcher)(nil)
