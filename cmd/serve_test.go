package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeProcess_Paths(t *testing.T) {
	dir := testEnv(t)

	proc := serveProcess()
	assert.Equal(t, filepath.Join(dir, "orch-serve.pid"), proc.PIDPath)
	assert.Equal(t, filepath.Join(dir, "orch-serve.log"), proc.LogPath)
	assert.Equal(t, proc.LogPath, serveLogPath())
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so status should show "not running" without error.
	err := serveStatusRun()
	assert.NoError(t, err)
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	testEnv(t)

	// Claim the PID file for the current process (which is alive).
	proc := serveProcess()
	require.NoError(t, proc.Claim())
	t.Cleanup(func() { _ = os.Remove(proc.PIDPath) })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}
