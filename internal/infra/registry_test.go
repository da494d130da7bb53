package infra

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

func TestFileSessionRegistry_RegisterAndGet(t *testing.T) {
	registry := NewFileSessionRegistryWithPath(filepath.Join(t.TempDir(), "session.json"))

	got, err := registry.Get()
	require.NoError(t, err)
	assert.Nil(t, got, "missing file means no session")

	require.NoError(t, registry.Register(testSession("s-1")))

	got, err = registry.Get()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, "127.0.0.1:7787", got.APIAddr)
}

func TestFileSessionRegistry_UpdateHeartbeat(t *testing.T) {
	registry := NewFileSessionRegistryWithPath(filepath.Join(t.TempDir(), "session.json"))

	assert.Error(t, registry.UpdateHeartbeat(domain.PhaseActive))

	require.NoError(t, registry.Register(testSession("s-1")))
	require.NoError(t, registry.UpdateHeartbeat(domain.PhaseActive))

	got, err := registry.Get()
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseActive, got.Phase)
}

func TestFileSessionRegistry_Clear(t *testing.T) {
	registry := NewFileSessionRegistryWithPath(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, registry.Register(testSession("s-1")))

	require.NoError(t, registry.Clear())
	require.NoError(t, registry.Clear(), "clearing twice is fine")

	got, err := registry.Get()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileSessionRegistry_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	registry, err := NewFileSessionRegistry(dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = registry.Register(testSession("s-1"))
			_ = registry.UpdateHeartbeat(domain.PhaseActive)
		}()
	}
	wg.Wait()

	got, err := registry.Get()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, filepath.Join(dir, sessionFileName), registry.GetRegistryPath())
}
