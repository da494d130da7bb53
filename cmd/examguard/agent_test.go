package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLogger_WritesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "examguard.log")

	logger := createLogger(logFile, false)
	logger.Info("sweep finished")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"sweep finished"`)
	assert.Contains(t, string(data), `"time":`)
}

func TestNewAgent_WiresCollaborators(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "examguard.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
data_dir: `+filepath.Join(dir, "data")+`
log_file: `+filepath.Join(dir, "agent.log")+`
network:
  enabled: false
`), 0600))

	a, err := newAgent(cfgPath)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.engine)
	assert.NotNil(t, a.registry)
	assert.Nil(t, a.network)
	assert.DirExists(t, filepath.Join(dir, "data"))

	entry, err := a.registry.Get()
	require.NoError(t, err)
	assert.Nil(t, entry)
}
