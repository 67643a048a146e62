//go:build unix

package monitor

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zephyros/executor/internal/common/logger"
)

func testMonitor(t *testing.T) *Monitor {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return New(log)
}

// startProcess launches a short shell command and returns its PID.
func startProcess(t *testing.T, script string) int {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", script)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid
}

// collector accumulates events thread-safely.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) record(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestMonitorObservesCompletion(t *testing.T) {
	m := testMonitor(t)
	pid := startProcess(t, "sleep 0.2")

	var c collector
	m.Attach(pid, "", "")
	require.True(t, m.Subscribe(pid, c.record))

	waitFor(t, 10*time.Second, func() bool {
		metrics, ok := m.MetricsFor(pid)
		return ok && metrics.State == StateCompleted
	})

	metrics, ok := m.MetricsFor(pid)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, metrics.State)
	require.NotNil(t, metrics.EndTime)
	assert.True(t, metrics.EndTime.After(metrics.StartTime) || metrics.EndTime.Equal(metrics.StartTime))

	events := c.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, StateCompleted, events[len(events)-1].State)
}

func TestMonitorTailsOutputIncrementally(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.log")
	require.NoError(t, os.WriteFile(outPath, nil, 0644))

	m := testMonitor(t)
	pid := startProcess(t, "sleep 5")
	m.Attach(pid, outPath, "")

	var c collector
	require.True(t, m.Subscribe(pid, c.record))

	require.NoError(t, os.WriteFile(outPath, []byte("line one\nline two\n"), 0644))
	waitFor(t, 10*time.Second, func() bool {
		metrics, ok := m.MetricsFor(pid)
		return ok && metrics.OutputLines == 2
	})

	// Appending produces a chunk containing only the new bytes.
	f, err := os.OpenFile(outPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("line three\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	waitFor(t, 10*time.Second, func() bool {
		metrics, ok := m.MetricsFor(pid)
		return ok && metrics.OutputLines == 3
	})

	var sawIncrement bool
	for _, ev := range c.snapshot() {
		if ev.Chunk == "line three\n" {
			sawIncrement = true
		}
	}
	assert.True(t, sawIncrement, "expected a chunk with only the appended line")

	m.Detach(pid)
}

func TestSignalTimeoutIsAbsorbing(t *testing.T) {
	m := testMonitor(t)
	pid := startProcess(t, "sleep 5")
	m.Attach(pid, "", "")

	m.SignalTimeout(pid)
	metrics, ok := m.MetricsFor(pid)
	require.True(t, ok)
	assert.Equal(t, StateTimedOut, metrics.State)
	require.NotNil(t, metrics.EndTime)

	// A later kill signal cannot overwrite the terminal state.
	m.SignalKill(pid)
	metrics, _ = m.MetricsFor(pid)
	assert.Equal(t, StateTimedOut, metrics.State)
}

func TestSignalKill(t *testing.T) {
	m := testMonitor(t)
	pid := startProcess(t, "sleep 5")
	m.Attach(pid, "", "")

	m.SignalKill(pid)
	metrics, ok := m.MetricsFor(pid)
	require.True(t, ok)
	assert.Equal(t, StateKilled, metrics.State)
}

func TestDetachStopsTracking(t *testing.T) {
	m := testMonitor(t)
	pid := startProcess(t, "sleep 5")
	m.Attach(pid, "", "")

	_, ok := m.MetricsFor(pid)
	require.True(t, ok)

	m.Detach(pid)
	_, ok = m.MetricsFor(pid)
	assert.False(t, ok)

	// Detaching twice and signalling a detached PID are no-ops.
	m.Detach(pid)
	m.SignalTimeout(pid)
}

func TestAttachSamePIDTwice(t *testing.T) {
	m := testMonitor(t)
	pid := startProcess(t, "sleep 5")
	m.Attach(pid, "", "")
	m.Attach(pid, "", "")

	metrics, ok := m.MetricsFor(pid)
	require.True(t, ok)
	assert.Equal(t, pid, metrics.PID)
	m.Detach(pid)
}

func TestSubscribeUnknownPID(t *testing.T) {
	m := testMonitor(t)
	assert.False(t, m.Subscribe(999999, func(Event) {}))
}

func TestPanickingCallbackDoesNotStopSampling(t *testing.T) {
	m := testMonitor(t)
	pid := startProcess(t, "sleep 0.2")
	m.Attach(pid, "", "")

	require.True(t, m.Subscribe(pid, func(Event) { panic("bad subscriber") }))

	waitFor(t, 10*time.Second, func() bool {
		metrics, ok := m.MetricsFor(pid)
		return ok && metrics.State == StateCompleted
	})
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateStarting.terminal())
	assert.False(t, StateRunning.terminal())
	assert.True(t, StateCompleted.terminal())
	assert.True(t, StateFailed.terminal())
	assert.True(t, StateTimedOut.terminal())
	assert.True(t, StateKilled.terminal())
}
