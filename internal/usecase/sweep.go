// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
	"github.com/eliteGoblin/focusd/exam_guard/internal/metrics"
)

// DefaultPerProcessTimeout bounds one termination attempt, verification included.
const DefaultPerProcessTimeout = time.Second

var errStillRunning = errors.New("process still running after kill")

// Matcher decides whether a process is forbidden. *policy.Policy implements it.
type Matcher interface {
	Matches(rec domain.ProcessRecord) (domain.PolicySignature, bool)
}

// Terminator kills one process and confirms it is gone.
type Terminator struct {
	killer  domain.ProcessKiller
	timeout time.Duration
}

// NewTerminator creates a terminator with the given per-process bound.
func NewTerminator(killer domain.ProcessKiller, timeout time.Duration) *Terminator {
	if timeout <= 0 {
		timeout = DefaultPerProcessTimeout
	}
	return &Terminator{killer: killer, timeout: timeout}
}

// Terminate kills rec and polls until it is gone. Failures are returned as
// *domain.TerminationError. A process that is already gone counts as killed.
// A process still alive at the per-process deadline fails with Timeout; one
// still alive when the caller cancels fails with StillRunning.
func (t *Terminator) Terminate(ctx context.Context, rec domain.ProcessRecord) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.killer.Kill(ctx, rec); err != nil {
		return &domain.TerminationError{PID: rec.PID, Reason: classifyKillError(ctx, err), Err: err}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0 // Bounded by ctx

	verify := func() error {
		running, err := t.killer.IsRunning(ctx, rec)
		if err != nil {
			return backoff.Permanent(err)
		}
		if running {
			return errStillRunning
		}
		return nil
	}

	if err := backoff.Retry(verify, backoff.WithContext(b, ctx)); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return &domain.TerminationError{PID: rec.PID, Reason: domain.ReasonTimeout,
				Err: fmt.Errorf("%w within %s", errStillRunning, t.timeout)}
		case errors.Is(err, errStillRunning) || errors.Is(err, context.Canceled):
			// Verification was cut short by the caller with the process alive.
			return &domain.TerminationError{PID: rec.PID, Reason: domain.ReasonStillRunning, Err: errStillRunning}
		default:
			return &domain.TerminationError{PID: rec.PID, Reason: domain.ReasonError, Err: err}
		}
	}
	return nil
}

func classifyKillError(ctx context.Context, err error) domain.KillFailureReason {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		return domain.ReasonTimeout
	case errors.Is(err, os.ErrPermission):
		return domain.ReasonPermissionDenied
	default:
		return domain.ReasonError
	}
}

// Sweeper runs the one-shot pre-exam sweep.
type Sweeper struct {
	inventory  domain.ProcessInventory
	killer     domain.ProcessKiller
	terminator *Terminator
	host       domain.HostDescriber
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewSweeper creates a sweeper. host and m may be nil.
func NewSweeper(
	inventory domain.ProcessInventory,
	killer domain.ProcessKiller,
	terminator *Terminator,
	host domain.HostDescriber,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		inventory:  inventory,
		killer:     killer,
		terminator: terminator,
		host:       host,
		metrics:    m,
		logger:     logger,
	}
}

// Run takes one snapshot and attempts to terminate every match exactly once,
// sequentially, in snapshot order. One failure never stops the batch. It
// errors only when the snapshot failed outright.
func (s *Sweeper) Run(ctx context.Context, matcher Matcher) (domain.KillReport, error) {
	start := time.Now()
	report := domain.KillReport{
		Attempted: make([]domain.ProcessRecord, 0),
		Killed:    make([]domain.ProcessRecord, 0),
		Failed:    make([]domain.KillFailure, 0),
		StartedAt: start,
	}
	if s.host != nil {
		report.Host = s.host.DescribeHost(ctx)
	}

	snap, err := s.inventory.Snapshot(ctx)
	if err != nil {
		if snap.Len() == 0 {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("pre-exam sweep: %w", err)
		}
		s.logger.Warn("sweeping an incomplete process list", zap.Int("records", snap.Len()), zap.Error(err))
		report.Partial = true
	}
	report.Partial = report.Partial || snap.Partial

	self := s.killer.GetCurrentPID()
	for rec := range snap.All() {
		if rec.PID == self {
			continue
		}
		sig, ok := matcher.Matches(rec)
		if !ok {
			continue
		}

		report.Attempted = append(report.Attempted, rec)
		if err := s.terminator.Terminate(ctx, rec); err != nil {
			failure := domain.KillFailure{Record: rec, Reason: domain.ReasonError, Detail: err.Error()}
			var te *domain.TerminationError
			if errors.As(err, &te) {
				failure.Reason = te.Reason
			}
			report.Failed = append(report.Failed, failure)
			s.metrics.SweepFailed(string(failure.Reason))
			s.logger.Warn("failed to terminate process",
				zap.Int("pid", rec.PID),
				zap.String("name", rec.Name),
				zap.String("reason", string(failure.Reason)),
				zap.Error(err))
			continue
		}

		report.Killed = append(report.Killed, rec)
		s.logger.Info("terminated process",
			zap.Int("pid", rec.PID),
			zap.String("name", rec.Name),
			zap.String("signature", sig.Pattern),
			zap.String("severity", string(sig.Severity)))
	}
	s.metrics.SweepKilled(len(report.Killed))

	report.Duration = time.Since(start)
	s.logger.Info("pre-exam sweep complete",
		zap.Int("attempted", len(report.Attempted)),
		zap.Int("killed", len(report.Killed)),
		zap.Int("failed", len(report.Failed)),
		zap.Bool("partial", report.Partial),
		zap.Duration("duration", report.Duration))
	return report, nil
}
