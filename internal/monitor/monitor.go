// Package monitor observes already-running processes by PID: liveness,
// resource usage sampled from ps, and incremental output captured from the
// process's log files. It never owns or signals the processes it watches.
package monitor

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zephyros/executor/internal/common/logger"
)

// sampleInterval is the polling cadence for every watched process.
const sampleInterval = time.Second

// ProcessState describes where a watched process is in its lifecycle. States
// only move forward; terminal states are absorbing.
type ProcessState string

const (
	StateStarting  ProcessState = "starting"
	StateRunning   ProcessState = "running"
	StateCompleted ProcessState = "completed"
	StateFailed    ProcessState = "failed"
	StateTimedOut  ProcessState = "timed_out"
	StateKilled    ProcessState = "killed"
)

// terminal reports whether a state is absorbing.
func (s ProcessState) terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateKilled:
		return true
	}
	return false
}

// Metrics is a snapshot of a watched process.
type Metrics struct {
	PID         int          `json:"pid"`
	State       ProcessState `json:"state"`
	StartTime   time.Time    `json:"start_time"`
	EndTime     *time.Time   `json:"end_time,omitempty"`
	CPUPct      float64      `json:"cpu_pct"`
	MemoryMB    float64      `json:"memory_mb"`
	OutputLines int          `json:"output_lines"`
	ErrorLines  int          `json:"error_lines"`
}

// Event is delivered to subscribers on every observable change.
type Event struct {
	PID     int
	State   ProcessState
	Chunk   string // new output since the last sample, empty when none
	Metrics Metrics
}

// Callback receives process events. Callbacks must not block; they are
// invoked from the sampling goroutine.
type Callback func(Event)

type watched struct {
	pid        int
	stdoutPath string
	stderrPath string

	mu          sync.Mutex
	state       ProcessState
	startTime   time.Time
	endTime     *time.Time
	cpuPct      float64
	memoryMB    float64
	outputLines int
	errorLines  int
	outOffset   int64
	errOffset   int64
	callbacks   []Callback
	stop        chan struct{}
}

// Monitor tracks a set of processes by PID, one sampling goroutine each.
type Monitor struct {
	mu      sync.Mutex
	watches map[int]*watched
	logger  *logger.Logger
}

// New creates an empty monitor.
func New(log *logger.Logger) *Monitor {
	return &Monitor{
		watches: make(map[int]*watched),
		logger:  log.WithFields(zap.String("component", "process-monitor")),
	}
}

// Attach starts watching a PID whose stdout and stderr are appended to the
// given files. Attaching an already-watched PID is a no-op.
func (m *Monitor) Attach(pid int, stdoutPath, stderrPath string) {
	m.mu.Lock()
	if _, ok := m.watches[pid]; ok {
		m.mu.Unlock()
		return
	}
	w := &watched{
		pid:        pid,
		stdoutPath: stdoutPath,
		stderrPath: stderrPath,
		state:      StateStarting,
		startTime:  time.Now(),
		stop:       make(chan struct{}),
	}
	m.watches[pid] = w
	m.mu.Unlock()

	m.logger.Debug("attached to process", zap.Int("pid", pid))
	go m.sampleLoop(w)
}

// Subscribe registers a callback for a watched PID. Returns false when the
// PID is not being watched.
func (m *Monitor) Subscribe(pid int, cb Callback) bool {
	m.mu.Lock()
	w, ok := m.watches[pid]
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
	return true
}

// MetricsFor returns the current snapshot for a watched PID.
func (m *Monitor) MetricsFor(pid int) (Metrics, bool) {
	m.mu.Lock()
	w, ok := m.watches[pid]
	m.mu.Unlock()
	if !ok {
		return Metrics{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot(), true
}

// SignalTimeout records that the process was stopped for exceeding its time
// budget. The monitor does not send any signal itself.
func (m *Monitor) SignalTimeout(pid int) { m.finish(pid, StateTimedOut) }

// SignalKill records that the process was killed externally.
func (m *Monitor) SignalKill(pid int) { m.finish(pid, StateKilled) }

func (m *Monitor) finish(pid int, state ProcessState) {
	m.mu.Lock()
	w, ok := m.watches[pid]
	m.mu.Unlock()
	if !ok {
		return
	}

	w.mu.Lock()
	if w.state.terminal() {
		w.mu.Unlock()
		return
	}
	w.state = state
	now := time.Now()
	w.endTime = &now
	ev := Event{PID: pid, State: state, Metrics: w.snapshot()}
	cbs := append([]Callback(nil), w.callbacks...)
	w.mu.Unlock()

	m.deliver(cbs, ev)
}

// Detach stops watching a PID and discards its state.
func (m *Monitor) Detach(pid int) {
	m.mu.Lock()
	w, ok := m.watches[pid]
	if ok {
		delete(m.watches, pid)
	}
	m.mu.Unlock()
	if ok {
		close(w.stop)
		m.logger.Debug("detached from process", zap.Int("pid", pid))
	}
}

// sampleLoop polls one process once per interval until it reaches a terminal
// state or the watch is detached.
func (m *Monitor) sampleLoop(w *watched) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		alive := pidAlive(w.pid)

		w.mu.Lock()
		if w.state.terminal() {
			w.mu.Unlock()
			return
		}

		if alive && w.state == StateStarting {
			w.state = StateRunning
		}

		var chunk string
		if alive {
			w.cpuPct, w.memoryMB = sampleUsage(w.pid)
		}
		chunk, w.outOffset, w.outputLines = tail(w.stdoutPath, w.outOffset, w.outputLines)
		_, w.errOffset, w.errorLines = tail(w.stderrPath, w.errOffset, w.errorLines)

		if !alive {
			w.state = StateCompleted
			now := time.Now()
			w.endTime = &now
		}

		ev := Event{PID: w.pid, State: w.state, Chunk: chunk, Metrics: w.snapshot()}
		cbs := append([]Callback(nil), w.callbacks...)
		done := w.state.terminal()
		w.mu.Unlock()

		if chunk != "" || done {
			m.deliver(cbs, ev)
		}
		if done {
			return
		}
	}
}

// deliver invokes callbacks, containing panics so one bad subscriber cannot
// stop sampling.
func (m *Monitor) deliver(cbs []Callback, ev Event) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("monitor callback panicked",
						zap.Int("pid", ev.PID), zap.Any("panic", r))
				}
			}()
			cb(ev)
		}()
	}
}

// snapshot must be called with w.mu held.
func (w *watched) snapshot() Metrics {
	return Metrics{
		PID:         w.pid,
		State:       w.state,
		StartTime:   w.startTime,
		EndTime:     w.endTime,
		CPUPct:      w.cpuPct,
		MemoryMB:    w.memoryMB,
		OutputLines: w.outputLines,
		ErrorLines:  w.errorLines,
	}
}

// tail reads the file's bytes in [offset, size), returning the new chunk, the
// new offset, and the updated line count. A missing file leaves everything
// unchanged.
func tail(path string, offset int64, lines int) (string, int64, int) {
	if path == "" {
		return "", offset, lines
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "", offset, lines
	}
	size := fi.Size()
	if size <= offset {
		return "", offset, lines
	}

	f, err := os.Open(path)
	if err != nil {
		return "", offset, lines
	}
	defer f.Close()

	buf := make([]byte, size-offset)
	n, err := f.ReadAt(buf, offset)
	if n == 0 && err != nil {
		return "", offset, lines
	}
	chunk := string(buf[:n])
	return chunk, offset + int64(n), lines + strings.Count(chunk, "\n")
}

// sampleUsage reads %cpu and rss for a PID from ps. Best effort: sampling
// failures return zeros.
func sampleUsage(pid int) (cpuPct, memoryMB float64) {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "%cpu=,rss=").Output()
	if err != nil {
		return 0, 0
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 {
		return 0, 0
	}
	cpuPct, _ = strconv.ParseFloat(fields[0], 64)
	rssKB, _ := strconv.ParseFloat(fields[1], 64)
	return cpuPct, rssKB / 1024
}
