//go:build unix

package proc

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
	"github.com/zephyros/executor/internal/monitor"
	"github.com/zephyros/executor/internal/session"
	"github.com/zephyros/executor/internal/workspace"
	v1 "github.com/zephyros/executor/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// writeTool creates an executable tool script for the back-end to launch.
func writeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func newBackend(t *testing.T, toolPath string, timeout time.Duration, cleanup bool) (*Backend, *workspace.Manager) {
	t.Helper()
	log := testLogger(t)
	ws, err := workspace.NewManager(t.TempDir(), workspace.Settings{Model: "claude-sonnet-4"}, log)
	require.NoError(t, err)
	sessions := session.NewManager(toolPath, config.WindowModeHeadless, log)
	mon := monitor.New(log)
	return New(ws, sessions, mon, toolPath, timeout, cleanup, log), ws
}

func TestExecuteSuccessCollectsArtifacts(t *testing.T) {
	tool := writeTool(t, `echo "working on: $1"
echo "analysis complete" > output/result.md
exit 0
`)
	b, ws := newBackend(t, tool, 30*time.Second, false)

	task := &v1.Task{
		ID:          "task-1",
		Description: "analyze the data",
		Files:       map[string]string{"data.csv": "a,b\n1,2\n"},
	}
	result := b.Execute(context.Background(), task, nil)

	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
	assert.Contains(t, result.Response, "working on:")
	assert.Contains(t, result.Response, "analyze the data")

	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, "result.md", result.Artifacts[0].Name)
	assert.Equal(t, "analysis complete\n", result.Artifacts[0].InlineContent)

	// Input files were staged for the tool.
	infos := ws.List()
	require.Len(t, infos, 1)
	data, err := os.ReadFile(filepath.Join(infos[0].Path, "input", "data.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
}

func TestExecuteNonZeroExitFails(t *testing.T) {
	tool := writeTool(t, `echo "something broke" >&2
exit 2
`)
	b, _ := newBackend(t, tool, 30*time.Second, true)

	result := b.Execute(context.Background(), &v1.Task{ID: "task-1", Description: "x"}, nil)

	assert.False(t, result.Success)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 2, *result.ExitCode)
	assert.Contains(t, result.Error, "exited with code 2")
	assert.Contains(t, result.Error, "something broke")
}

func TestExecuteTimeout(t *testing.T) {
	tool := writeTool(t, "sleep 60\n")
	b, _ := newBackend(t, tool, time.Second, true)

	start := time.Now()
	result := b.Execute(context.Background(), &v1.Task{ID: "task-1", Description: "x"}, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "exceeded maximum execution time")
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestExecuteCancellationIsNotReportedAsTimeout(t *testing.T) {
	tool := writeTool(t, "sleep 60\n")
	b, _ := newBackend(t, tool, 30*time.Second, true)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(time.Second, cancel)

	result := b.Execute(ctx, &v1.Task{ID: "task-1", Description: "x"}, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "cancelled")
	assert.NotContains(t, result.Error, "exceeded maximum execution time")
}

func TestExecuteAutoCleanupDestroysWorkspace(t *testing.T) {
	tool := writeTool(t, "exit 0\n")
	b, ws := newBackend(t, tool, 30*time.Second, true)

	result := b.Execute(context.Background(), &v1.Task{ID: "task-1", Description: "x"}, nil)
	assert.True(t, result.Success)
	assert.Empty(t, ws.List())
}

func TestExecuteReportsProgress(t *testing.T) {
	tool := writeTool(t, `echo "step one"
sleep 3
echo "step two"
`)
	b, _ := newBackend(t, tool, 60*time.Second, false)

	var reports []int
	progress := func(taskID string, percent int) {
		assert.Equal(t, "task-1", taskID)
		reports = append(reports, percent)
	}
	result := b.Execute(context.Background(), &v1.Task{ID: "task-1", Description: "x"}, progress)
	require.True(t, result.Success)

	for _, p := range reports {
		assert.GreaterOrEqual(t, p, 0)
		assert.LessOrEqual(t, p, maxReportedProgress)
	}
}

func TestProbe(t *testing.T) {
	tool := writeTool(t, "exit 0\n")
	b, _ := newBackend(t, tool, time.Second, true)
	assert.NoError(t, b.Probe(context.Background()))

	missing, _ := newBackend(t, "/nonexistent/tool", time.Second, true)
	assert.Error(t, missing.Probe(context.Background()))

	dir, _ := newBackend(t, t.TempDir(), time.Second, true)
	assert.Error(t, dir.Probe(context.Background()))
}

func TestBuildPromptMentionsWorkspaceLayout(t *testing.T) {
	prompt := BuildPrompt("refactor the parser", map[string]interface{}{"repo": "zephyr"})

	assert.Contains(t, prompt, "TASK:\nrefactor the parser")
	assert.Contains(t, prompt, "repo: zephyr")
	assert.Contains(t, prompt, "./input/")
	assert.Contains(t, prompt, "./output/")
	assert.True(t, strings.Contains(prompt, "Write every file you produce under ./output/"))
}
