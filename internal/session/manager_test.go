//go:build unix

package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zephyros/executor/internal/common/config"
	"github.com/zephyros/executor/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// writeTool creates an executable that echoes its first argument and exits
// with the given code.
func writeTool(t *testing.T, exitCode string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	script := "#!/bin/sh\necho \"received: $1\"\nexit " + exitCode + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func writeSleepTool(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sleeper.sh")
	script := "#!/bin/sh\nsleep 60\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func headlessManager(t *testing.T, toolPath string) *Manager {
	t.Helper()
	return NewManager(toolPath, config.WindowModeHeadless, testLogger(t))
}

func TestSpawnHeadlessCapturesOutputAndExitCode(t *testing.T) {
	tool := writeTool(t, "0")
	m := headlessManager(t, tool)
	ws := t.TempDir()

	sess, err := m.Spawn(context.Background(), "task-1", ws, "do the thing")
	require.NoError(t, err)
	assert.Greater(t, sess.PID, 0)
	assert.Equal(t, "task-1", sess.TaskID)
	assert.True(t, strings.HasPrefix(sess.ID, "session-task-1-"))

	require.True(t, m.Wait(sess.ID, 10*time.Second))
	assert.False(t, m.IsRunning(sess.ID))

	assert.Contains(t, m.Output(sess.ID), "received: do the thing")

	code := m.ExitCode(sess.ID)
	require.NotNil(t, code)
	assert.Equal(t, 0, *code)

	m.Close(sess.ID)
}

func TestSpawnHeadlessNonZeroExit(t *testing.T) {
	tool := writeTool(t, "3")
	m := headlessManager(t, tool)

	sess, err := m.Spawn(context.Background(), "task-1", t.TempDir(), "x")
	require.NoError(t, err)
	require.True(t, m.Wait(sess.ID, 10*time.Second))

	code := m.ExitCode(sess.ID)
	require.NotNil(t, code)
	assert.Equal(t, 3, *code)
}

func TestSpawnMissingToolFails(t *testing.T) {
	m := headlessManager(t, "/nonexistent/tool")
	_, err := m.Spawn(context.Background(), "task-1", t.TempDir(), "x")
	require.Error(t, err)
	assert.Empty(t, m.List())
}

func TestTerminateStopsRunningSession(t *testing.T) {
	m := headlessManager(t, writeSleepTool(t))

	sess, err := m.Spawn(context.Background(), "task-1", t.TempDir(), "x")
	require.NoError(t, err)
	require.True(t, m.IsRunning(sess.ID))

	m.Terminate(sess.ID, false)
	assert.False(t, m.IsRunning(sess.ID))

	// Terminating an already-finished session is a no-op.
	m.Terminate(sess.ID, false)
	m.Terminate(sess.ID, true)
}

func TestCloseIsIdempotentAndTerminates(t *testing.T) {
	m := headlessManager(t, writeSleepTool(t))

	sess, err := m.Spawn(context.Background(), "task-1", t.TempDir(), "x")
	require.NoError(t, err)

	m.Close(sess.ID)
	assert.False(t, m.IsRunning(sess.ID))
	assert.Empty(t, m.List())

	m.Close(sess.ID)
	m.Close("never-existed")
}

func TestExitCodeFromFileFallback(t *testing.T) {
	m := headlessManager(t, writeTool(t, "0"))
	ws := t.TempDir()

	sess, err := m.Spawn(context.Background(), "task-1", ws, "x")
	require.NoError(t, err)
	require.True(t, m.Wait(sess.ID, 10*time.Second))

	// A session with no process handle reads the exit-code file the run
	// script leaves behind.
	windowed := &Session{
		ID:        "session-task-2-abc",
		TaskID:    "task-2",
		Workspace: ws,
	}
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "logs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "logs", "exit_code"), []byte("7\n"), 0644))
	m.mu.Lock()
	m.sessions[windowed.ID] = windowed
	m.mu.Unlock()

	code := m.ExitCode(windowed.ID)
	require.NotNil(t, code)
	assert.Equal(t, 7, *code)
}

func TestIsRunningUnknownSession(t *testing.T) {
	m := headlessManager(t, "/bin/true")
	assert.False(t, m.IsRunning("nope"))
	assert.Nil(t, m.ExitCode("nope"))
	assert.Empty(t, m.Output("nope"))
}

func TestListReportsRunningSessions(t *testing.T) {
	m := headlessManager(t, writeSleepTool(t))

	sess, err := m.Spawn(context.Background(), "task-1", t.TempDir(), "x")
	require.NoError(t, err)
	defer m.Close(sess.ID)

	infos := m.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "task-1", infos[0].TaskID)
	assert.True(t, infos[0].Running)
	assert.Equal(t, sess.PID, infos[0].PID)
}

func TestWindowModeDegradesToHeadlessOnUnknownHost(t *testing.T) {
	// window_native on a host without the matching adapter must still yield a
	// usable manager.
	m := NewManager("/bin/true", config.WindowMode("window_native"), testLogger(t))
	require.NotNil(t, m)
}
