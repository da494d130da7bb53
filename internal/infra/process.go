// Package infra implements infrastructure concerns (process, privilege, host, network, registry).
package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// DefaultInventoryTimeout bounds one full process enumeration.
const DefaultInventoryTimeout = 2 * time.Second

// ProcessInventoryImpl implements domain.ProcessInventory using gopsutil.
type ProcessInventoryImpl struct {
	titles  domain.WindowTitleSource
	timeout time.Duration
	logger  *zap.Logger
}

// NewProcessInventory creates an inventory. titles may be nil.
func NewProcessInventory(titles domain.WindowTitleSource, timeout time.Duration, logger *zap.Logger) *ProcessInventoryImpl {
	if timeout <= 0 {
		timeout = DefaultInventoryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessInventoryImpl{titles: titles, timeout: timeout, logger: logger}
}

// Snapshot enumerates all visible processes ordered by PID. Fields the
// current privilege level cannot read are left empty.
func (inv *ProcessInventoryImpl) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	snap := domain.Snapshot{TakenAt: time.Now()}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return snap, &domain.InventoryError{Err: err}
	}

	var titles map[int][]string
	if inv.titles != nil {
		titles, err = inv.titles.WindowTitles(ctx)
		if err != nil {
			inv.logger.Debug("window titles unavailable", zap.Error(err))
		}
	}

	snap.Records = make([]domain.ProcessRecord, 0, len(procs))
	var invErr error
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			snap.Partial = true
			invErr = &domain.InventoryError{Partial: len(snap.Records) > 0, Err: err}
			break
		}

		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // Process may have exited
		}
		rec := domain.ProcessRecord{PID: int(p.Pid), Name: name}
		if exe, err := p.ExeWithContext(ctx); err == nil {
			rec.ExecutablePath = exe
		}
		if ppid, err := p.PpidWithContext(ctx); err == nil {
			rec.ParentPID = int(ppid)
		}
		if ct, err := p.CreateTimeWithContext(ctx); err == nil && ct > 0 {
			rec.StartedAt = time.UnixMilli(ct)
		}
		rec.WindowTitles = titles[rec.PID]
		snap.Records = append(snap.Records, rec)
	}

	slices.SortFunc(snap.Records, func(a, b domain.ProcessRecord) int { return a.PID - b.PID })
	return snap, invErr
}

// ProcessKillerImpl implements domain.ProcessKiller using gopsutil.
type ProcessKillerImpl struct{}

// NewProcessKiller creates a new process killer.
func NewProcessKiller() *ProcessKillerImpl {
	return &ProcessKillerImpl{}
}

// Kill sends SIGKILL (TerminateProcess on Windows) to rec. It refuses to
// touch a PID that the OS has handed to a different process since rec was
// observed.
func (k *ProcessKillerImpl) Kill(ctx context.Context, rec domain.ProcessRecord) error {
	p, same, err := k.lookup(ctx, rec)
	if err != nil {
		return err
	}
	if p == nil || !same {
		return nil
	}
	if err := p.KillWithContext(ctx); err != nil {
		if running, _ := k.IsRunning(ctx, rec); !running {
			return nil
		}
		return fmt.Errorf("kill pid %d: %w", rec.PID, err)
	}
	return nil
}

// IsRunning reports whether rec still identifies a live, non-zombie process.
func (k *ProcessKillerImpl) IsRunning(ctx context.Context, rec domain.ProcessRecord) (bool, error) {
	p, same, err := k.lookup(ctx, rec)
	if err != nil {
		return false, err
	}
	if p == nil || !same {
		return false, nil
	}
	if status, err := p.StatusWithContext(ctx); err == nil && slices.Contains(status, process.Zombie) {
		return false, nil
	}
	return p.IsRunningWithContext(ctx)
}

// lookup returns the process for rec.PID (nil if gone) and whether it is the
// same process rec was built from.
func (k *ProcessKillerImpl) lookup(ctx context.Context, rec domain.ProcessRecord) (*process.Process, bool, error) {
	p, err := process.NewProcessWithContext(ctx, int32(rec.PID))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if rec.StartedAt.IsZero() {
		return p, true, nil
	}
	ct, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		// Unreadable create time: trust the PID.
		return p, true, nil
	}
	return p, ct == rec.StartedAt.UnixMilli(), nil
}

// GetCurrentPID returns the current process PID.
func (k *ProcessKillerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure implementations satisfy the domain interfaces.
var (
	_ domain.ProcessInventory = (*ProcessInventoryImpl)(nil)
	_ domain.ProcessKiller    = (*ProcessKillerImpl)(nil)
)
