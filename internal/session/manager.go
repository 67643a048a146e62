// Package session launches the external tool for a task, captures its output
// to files, and exposes liveness, exit code, and lifecycle control. The
// session's output log is the single authoritative source of the tool's
// stdout.
package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zephyros/executor/internal/common/config"
	"github.com/zephyros/executor/internal/common/logger"
)

// gracePeriod is how long Terminate waits for a process to exit after a
// graceful shutdown request before reporting.
const gracePeriod = 5 * time.Second

// pidDiscoveryDelay gives a windowed terminal time to start the script before
// the PID is looked up by name.
const pidDiscoveryDelay = time.Second

// Session represents one launched external-tool process and its capture
// files. The session exclusively owns its process handle and log files.
type Session struct {
	ID        string
	TaskID    string
	Workspace string
	OutputLog string
	ErrorLog  string
	StartTime time.Time
	PID       int // 0 when the PID could not be discovered

	cmd      *exec.Cmd // headless mode only
	stdin    *os.File  // files owned by the headless process handle
	stdout   *os.File
	stderr   *os.File
	done     chan struct{} // closed when the headless process exits
	exitCode *int

	mu sync.Mutex
}

// Info is a read-only snapshot of a session for listings.
type Info struct {
	SessionID string        `json:"session_id"`
	TaskID    string        `json:"task_id"`
	PID       int           `json:"pid"`
	Running   bool          `json:"running"`
	Runtime   time.Duration `json:"runtime"`
}

// Manager owns the session table and the launch adapters.
type Manager struct {
	toolPath string
	launcher Launcher // nil means headless

	mu       sync.Mutex
	sessions map[string]*Session
	logger   *logger.Logger
}

// NewManager creates a session manager for the given tool and window mode.
// Window modes without a host adapter degrade to headless.
func NewManager(toolPath string, mode config.WindowMode, log *logger.Logger) *Manager {
	l := log.WithFields(zap.String("component", "session-manager"))
	launcher := newLauncher(mode)
	if mode != config.WindowModeHeadless && launcher == nil {
		l.Warn("no terminal adapter for this host, using headless mode",
			zap.String("window_mode", string(mode)))
	}
	if launcher != nil {
		l.Info("using terminal adapter", zap.String("adapter", launcher.Name()))
	}
	return &Manager{
		toolPath: toolPath,
		launcher: launcher,
		sessions: make(map[string]*Session),
		logger:   l,
	}
}

// VerifyTool checks that the external tool is invocable.
func (m *Manager) VerifyTool(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, m.toolPath, "--version").Run(); err != nil {
		return fmt.Errorf("external tool not available at %s: %w", m.toolPath, err)
	}
	return nil
}

// Spawn launches the external tool for a task inside its workspace and
// registers the resulting session.
func (m *Manager) Spawn(ctx context.Context, taskID, workspacePath, prompt string) (*Session, error) {
	s := &Session{
		ID:        fmt.Sprintf("session-%s-%s", taskID, uuid.New().String()[:8]),
		TaskID:    taskID,
		Workspace: workspacePath,
		OutputLog: filepath.Join(workspacePath, "logs", taskID+"_output.log"),
		ErrorLog:  filepath.Join(workspacePath, "logs", taskID+"_error.log"),
		StartTime: time.Now(),
	}

	var err error
	if m.launcher != nil {
		err = m.spawnWindowed(ctx, s, prompt)
	} else {
		err = m.spawnHeadless(ctx, s, prompt)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.WithTaskID(taskID).Info("spawned session",
		zap.String("session_id", s.ID), zap.Int("pid", s.PID))
	return s, nil
}

// spawnWindowed writes the run script, opens it in a terminal window, and
// discovers the tool's PID by matching the script path.
func (m *Manager) spawnWindowed(ctx context.Context, s *Session, prompt string) error {
	scriptPath, err := writeRunScript(s, m.toolPath, prompt)
	if err != nil {
		return err
	}

	title := "ZephyrOS Task: " + s.TaskID
	if err := m.launcher.Open(ctx, scriptPath, title); err != nil {
		return fmt.Errorf("open terminal window: %w", err)
	}

	time.Sleep(pidDiscoveryDelay)
	s.PID = findProcessByScript(ctx, scriptPath)
	if s.PID == 0 {
		m.logger.WithTaskID(s.TaskID).Warn("could not discover windowed process PID")
	}
	return nil
}

// spawnHeadless starts the tool directly as a child process with stdout and
// stderr redirected to the session's log files.
func (m *Manager) spawnHeadless(ctx context.Context, s *Session, prompt string) error {
	if err := os.MkdirAll(filepath.Dir(s.OutputLog), 0755); err != nil {
		return fmt.Errorf("create session log dir: %w", err)
	}
	stdout, err := os.Create(s.OutputLog)
	if err != nil {
		return fmt.Errorf("create output log: %w", err)
	}
	stderr, err := os.Create(s.ErrorLog)
	if err != nil {
		stdout.Close()
		return fmt.Errorf("create error log: %w", err)
	}

	cmd := exec.Command(m.toolPath, prompt)
	cmd.Dir = s.Workspace
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return err
	}
	cmd.Stdin = stdinR

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("start external tool: %w", err)
	}
	stdinR.Close()

	s.cmd = cmd
	s.stdin = stdinW
	s.stdout = stdout
	s.stderr = stderr
	s.PID = cmd.Process.Pid
	s.done = make(chan struct{})

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
		}
		s.mu.Lock()
		s.exitCode = &code
		s.mu.Unlock()
		stdout.Close()
		stderr.Close()
		stdinW.Close()
		close(s.done)
	}()

	return nil
}

// findProcessByScript locates a process whose command line references the
// script path. Returns 0 when no match exists.
func findProcessByScript(ctx context.Context, scriptPath string) int {
	out, err := exec.CommandContext(ctx, "pgrep", "-f", scriptPath).Output()
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return pid
}

func (m *Manager) get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// IsRunning reports whether the session's process is still alive. A windowed
// session whose PID was never discovered is treated as already finished.
func (m *Manager) IsRunning(sessionID string) bool {
	s := m.get(sessionID)
	if s == nil {
		return false
	}
	if s.done != nil {
		select {
		case <-s.done:
			return false
		default:
			return true
		}
	}
	if s.PID > 0 {
		return pidAlive(s.PID)
	}
	return false
}

// Output returns the full content of the session's output log.
func (m *Manager) Output(sessionID string) string {
	return m.readLog(sessionID, func(s *Session) string { return s.OutputLog })
}

// ErrorOutput returns the full content of the session's error log.
func (m *Manager) ErrorOutput(sessionID string) string {
	return m.readLog(sessionID, func(s *Session) string { return s.ErrorLog })
}

func (m *Manager) readLog(sessionID string, pick func(*Session) string) string {
	s := m.get(sessionID)
	if s == nil {
		return ""
	}
	data, err := os.ReadFile(pick(s))
	if err != nil {
		return ""
	}
	return string(data)
}

// ExitCode returns the tool's exit code, preferring the process handle and
// falling back to the exit-code file written by the run script. Returns nil
// when the code is unknown.
func (m *Manager) ExitCode(sessionID string) *int {
	s := m.get(sessionID)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	code := s.exitCode
	s.mu.Unlock()
	if code != nil {
		return code
	}

	data, err := os.ReadFile(filepath.Join(s.Workspace, exitCodeFile))
	if err != nil {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil
	}
	return &n
}

// Wait blocks until the session finishes or the timeout elapses. Returns true
// when the session finished in time.
func (m *Manager) Wait(sessionID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !m.IsRunning(sessionID) {
			return true
		}
		time.Sleep(time.Second)
	}
	return false
}

// Terminate requests shutdown of the session's process. force escalates to
// the immediate-kill signal. Terminating an already-finished session is a
// no-op.
func (m *Manager) Terminate(sessionID string, force bool) {
	s := m.get(sessionID)
	if s == nil {
		return
	}

	if s.cmd != nil && s.cmd.Process != nil {
		select {
		case <-s.done:
			return
		default:
		}
		if force {
			_ = s.cmd.Process.Kill()
		} else {
			_ = signalTerm(s.cmd.Process.Pid)
		}
		select {
		case <-s.done:
		case <-time.After(gracePeriod):
			if !force {
				_ = s.cmd.Process.Kill()
			}
		}
		return
	}

	if s.PID > 0 && pidAlive(s.PID) {
		if force {
			_ = signalKill(s.PID)
		} else {
			_ = signalTerm(s.PID)
			deadline := time.Now().Add(gracePeriod)
			for time.Now().Before(deadline) && pidAlive(s.PID) {
				time.Sleep(200 * time.Millisecond)
			}
		}
	}
}

// Close terminates the session if still running and removes it from the
// table. Close is idempotent.
func (m *Manager) Close(sessionID string) {
	if m.IsRunning(sessionID) {
		m.Terminate(sessionID, false)
	}

	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; ok {
		delete(m.sessions, sessionID)
		m.logger.Debug("closed session", zap.String("session_id", sessionID))
	}
	m.mu.Unlock()
}

// List returns a snapshot of all registered sessions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		ids = append(ids, id)
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for i, s := range sessions {
		out = append(out, Info{
			SessionID: ids[i],
			TaskID:    s.TaskID,
			PID:       s.PID,
			Running:   m.IsRunning(ids[i]),
			Runtime:   time.Since(s.StartTime),
		})
	}
	return out
}
