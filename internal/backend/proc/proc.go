// Package proc implements the process-exec back-end: a task runs as a
// supervised external CLI tool inside an isolated workspace, and the result
// is assembled from the tool's captured output, exit code, and the files it
// left under output/.
package proc

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zephyros/executor/internal/backend"
	"github.com/zephyros/executor/internal/common/logger"
	"github.com/zephyros/executor/internal/monitor"
	"github.com/zephyros/executor/internal/session"
	"github.com/zephyros/executor/internal/workspace"
	v1 "github.com/zephyros/executor/pkg/api/v1"
)

// pollInterval is how often Execute re-checks the tool's liveness.
const pollInterval = 2 * time.Second

// maxReportedProgress caps time-based progress so 100 stays reserved for the
// terminal report.
const maxReportedProgress = 95

// Backend executes tasks by delegating to an external CLI tool.
type Backend struct {
	workspaces *workspace.Manager
	sessions   *session.Manager
	monitor    *monitor.Monitor
	toolPath   string
	timeout    time.Duration
	cleanup    bool
	logger     *logger.Logger
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Prober  = (*Backend)(nil)
)

// New creates a process-exec back-end.
func New(ws *workspace.Manager, sessions *session.Manager, mon *monitor.Monitor,
	toolPath string, timeout time.Duration, cleanup bool, log *logger.Logger) *Backend {
	return &Backend{
		workspaces: ws,
		sessions:   sessions,
		monitor:    mon,
		toolPath:   toolPath,
		timeout:    timeout,
		cleanup:    cleanup,
		logger:     log.WithFields(zap.String("component", "proc-backend")),
	}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return string(v1.ExecutionModeProcess) }

// Probe verifies the external tool exists and is executable.
func (b *Backend) Probe(ctx context.Context) error {
	fi, err := os.Stat(b.toolPath)
	if err != nil {
		return fmt.Errorf("external tool path %s: %w", b.toolPath, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("external tool path %s is a directory", b.toolPath)
	}
	return nil
}

// Execute implements backend.Backend: workspace, spawn, supervise until exit
// or timeout, then assemble the result from on-disk evidence.
func (b *Backend) Execute(ctx context.Context, task *v1.Task, progress backend.ProgressFunc) *v1.ExecutionResult {
	start := time.Now()
	log := b.logger.WithTaskID(task.ID)

	wsPath, err := b.workspaces.Create(task.ID)
	if err != nil {
		return failure(start, fmt.Sprintf("create workspace: %v", err))
	}
	if b.cleanup {
		defer b.workspaces.Destroy(wsPath)
	}
	if err := b.workspaces.Populate(wsPath, task.Files, task.Context); err != nil {
		return failure(start, fmt.Sprintf("populate workspace: %v", err))
	}

	prompt := BuildPrompt(task.Description, task.Context)
	sess, err := b.sessions.Spawn(ctx, task.ID, wsPath, prompt)
	if err != nil {
		return failure(start, fmt.Sprintf("spawn external tool: %v", err))
	}
	defer b.sessions.Close(sess.ID)

	if sess.PID > 0 {
		b.monitor.Attach(sess.PID, sess.OutputLog, sess.ErrorLog)
		defer b.monitor.Detach(sess.PID)
	}

	log.Info("supervising external tool", zap.Int("pid", sess.PID),
		zap.String("workspace", wsPath))

	outcome := b.supervise(ctx, task.ID, sess, progress)

	output := b.sessions.Output(sess.ID)
	errOutput := strings.TrimSpace(b.sessions.ErrorOutput(sess.ID))
	exitCode := b.sessions.ExitCode(sess.ID)
	artifacts := b.workspaces.CollectArtifacts(wsPath)

	result := &v1.ExecutionResult{
		Response:             output,
		Artifacts:            artifacts,
		ExitCode:             exitCode,
		ExecutionTimeSeconds: time.Since(start).Seconds(),
	}

	switch {
	case outcome == runTimedOut:
		result.Success = false
		result.Error = fmt.Sprintf("exceeded maximum execution time of %s", b.timeout)
	case outcome == runCancelled:
		result.Success = false
		result.Error = "task cancelled before completion"
	case exitCode != nil && *exitCode != 0:
		result.Success = false
		result.Error = fmt.Sprintf("external tool exited with code %d", *exitCode)
		if errOutput != "" {
			result.Error += ": " + errOutput
		}
	default:
		// An unreadable exit code with a finished process counts as success;
		// the captured output is still the deliverable.
		result.Success = true
	}

	log.Info("external tool finished",
		zap.Bool("success", result.Success),
		zap.Int("artifacts", len(artifacts)),
		zap.Float64("seconds", result.ExecutionTimeSeconds))
	return result
}

// runOutcome describes how supervision of the external tool ended.
type runOutcome int

const (
	runFinished runOutcome = iota
	runTimedOut
	runCancelled
)

// supervise polls the session until it exits, the timeout elapses, or the
// context is cancelled. Timeout and cancellation both terminate the tool
// but are reported as distinct outcomes.
func (b *Backend) supervise(ctx context.Context, taskID string, sess *session.Session, progress backend.ProgressFunc) runOutcome {
	deadline := time.Now().Add(b.timeout)
	lastLen := 0

	for {
		if !b.sessions.IsRunning(sess.ID) {
			return runFinished
		}
		if ctx.Err() != nil {
			b.logger.WithTaskID(taskID).Warn("terminating external tool, task cancelled")
			if sess.PID > 0 {
				b.monitor.SignalKill(sess.PID)
			}
			b.sessions.Terminate(sess.ID, false)
			return runCancelled
		}
		if time.Now().After(deadline) {
			b.logger.WithTaskID(taskID).Warn("terminating external tool",
				zap.Duration("timeout", b.timeout))
			if sess.PID > 0 {
				b.monitor.SignalTimeout(sess.PID)
			}
			b.sessions.Terminate(sess.ID, false)
			return runTimedOut
		}

		if progress != nil {
			if n := len(b.sessions.Output(sess.ID)); n > lastLen {
				lastLen = n
				elapsed := b.timeout - time.Until(deadline)
				pct := int(elapsed * 100 / b.timeout)
				if pct > maxReportedProgress {
					pct = maxReportedProgress
				}
				progress(taskID, pct)
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(pollInterval):
		}
	}
}

func failure(start time.Time, msg string) *v1.ExecutionResult {
	return &v1.ExecutionResult{
		Success:              false,
		Error:                msg,
		ExecutionTimeSeconds: time.Since(start).Seconds(),
	}
}

// BuildPrompt assembles the instruction text handed to the external tool: the
// task description, an optional CONTEXT block, and the workspace conventions
// the tool is expected to follow.
func BuildPrompt(description string, context map[string]interface{}) string {
	parts := []string{
		"Complete the following task.",
		"",
		"TASK:",
		description,
	}

	if len(context) > 0 {
		parts = append(parts, "", "CONTEXT:")
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, context[k]))
		}
	}

	parts = append(parts,
		"",
		"You are working inside a dedicated workspace directory:",
		"  ./input/   input files provided with the task",
		"  ./output/  write all deliverables here",
		"  ./logs/    execution logs (managed for you)",
		"",
		"Write every file you produce under ./output/. Files elsewhere are not collected.",
	)

	return strings.Join(parts, "\n")
}
