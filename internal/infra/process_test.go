package infra

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

func TestProcessInventory_SnapshotContainsSelf(t *testing.T) {
	inv := NewProcessInventory(nil, 5*time.Second, nil)

	snap, err := inv.Snapshot(context.Background())
	require.NoError(t, err)
	require.Greater(t, snap.Len(), 0)
	assert.False(t, snap.Partial)

	pids := make([]int, 0, snap.Len())
	var self *domain.ProcessRecord
	for rec := range snap.All() {
		pids = append(pids, rec.PID)
		if rec.PID == os.Getpid() {
			r := rec
			self = &r
		}
	}
	assert.True(t, sort.IntsAreSorted(pids), "records are ordered by PID")
	require.NotNil(t, self)
	assert.NotEmpty(t, self.Name)
	assert.Equal(t, os.Getppid(), self.ParentPID)
	assert.False(t, self.StartedAt.IsZero())
}

func TestProcessInventory_CancelledContext(t *testing.T) {
	inv := NewProcessInventory(nil, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inv.Snapshot(ctx)

	var invErr *domain.InventoryError
	assert.ErrorAs(t, err, &invErr)
}

type staticTitles map[int][]string

func (s staticTitles) WindowTitles(context.Context) (map[int][]string, error) { return s, nil }

func TestProcessInventory_AttachesWindowTitles(t *testing.T) {
	inv := NewProcessInventory(staticTitles{os.Getpid(): {"Exam - Question 3"}}, 5*time.Second, nil)

	snap, err := inv.Snapshot(context.Background())
	require.NoError(t, err)

	for rec := range snap.All() {
		if rec.PID == os.Getpid() {
			assert.Equal(t, []string{"Exam - Question 3"}, rec.WindowTitles)
			return
		}
	}
	t.Fatal("own process not in snapshot")
}

func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	return cmd
}

func TestProcessKiller_Kill(t *testing.T) {
	cmd := startSleeper(t)
	k := NewProcessKiller()
	rec := domain.ProcessRecord{PID: cmd.Process.Pid, Name: "sleep"}
	ctx := context.Background()

	running, err := k.IsRunning(ctx, rec)
	require.NoError(t, err)
	require.True(t, running)

	require.NoError(t, k.Kill(ctx, rec))

	assert.Eventually(t, func() bool {
		running, _ := k.IsRunning(ctx, rec)
		return !running
	}, 3*time.Second, 20*time.Millisecond)
}

func TestProcessKiller_RefusesReusedPID(t *testing.T) {
	cmd := startSleeper(t)
	k := NewProcessKiller()
	ctx := context.Background()
	rec := domain.ProcessRecord{
		PID:       cmd.Process.Pid,
		Name:      "sleep",
		StartedAt: time.Now().Add(-24 * time.Hour),
	}

	require.NoError(t, k.Kill(ctx, rec))

	running, err := k.IsRunning(ctx, rec)
	require.NoError(t, err)
	assert.False(t, running, "a different process holds the PID")

	still, err := k.IsRunning(ctx, domain.ProcessRecord{PID: cmd.Process.Pid})
	require.NoError(t, err)
	assert.True(t, still, "the sleeper was not touched")
}

func TestProcessKiller_GoneProcessIsNotAnError(t *testing.T) {
	k := NewProcessKiller()
	rec := domain.ProcessRecord{PID: 1 << 22, Name: "ghost"}

	assert.NoError(t, k.Kill(context.Background(), rec))
	running, err := k.IsRunning(context.Background(), rec)
	assert.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, os.Getpid(), k.GetCurrentPID())
}
