// Package executor runs the lease-execute-report loop: one poller leases
// tasks from the orchestrator, a fixed pool of workers executes them through
// the configured back-ends, and every leased task produces exactly one
// terminal report.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zephyros/executor/internal/backend"
	"github.com/zephyros/executor/internal/common/config"
	"github.com/zephyros/executor/internal/common/logger"
	"github.com/zephyros/executor/internal/orchestrator"
	v1 "github.com/zephyros/executor/pkg/api/v1"
)

// pollErrorBackoff is the extra pause after a failed polling cycle.
const pollErrorBackoff = 5 * time.Second

// queueWait bounds how long an idle worker blocks on the queue before
// re-checking for shutdown.
const queueWait = time.Second

// Status describes the executor's current shape for banners and health
// output.
type Status struct {
	Running       bool     `json:"running"`
	AgentName     string   `json:"agent_name"`
	ExecutionMode string   `json:"execution_mode"`
	ActiveTasks   []string `json:"active_tasks"`
	QueuedTasks   int      `json:"queued_tasks"`
	MaxConcurrent int      `json:"max_concurrent"`
	Stats         Snapshot `json:"stats"`
}

// Executor owns the poller and the worker pool.
type Executor struct {
	cfg      *config.Config
	client   *orchestrator.Client
	backends map[string]backend.Backend
	fallback backend.Backend
	logger   *logger.Logger

	queue  chan *v1.Task
	stats  Stats
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	running bool
	active  map[string]struct{}
	// occupied counts leased tasks from accept until their terminal report,
	// covering the window where a task is dequeued but not yet in active.
	occupied int
}

// New creates an executor. The back-end matching the configured execution
// mode becomes the fallback for tasks that don't name a mode.
func New(cfg *config.Config, client *orchestrator.Client, backends []backend.Backend, log *logger.Logger) (*Executor, error) {
	byName := make(map[string]backend.Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	fallback, ok := byName[cfg.Agent.ExecutionMode]
	if !ok {
		return nil, fmt.Errorf("no back-end registered for execution mode %q", cfg.Agent.ExecutionMode)
	}
	return &Executor{
		cfg:      cfg,
		client:   client,
		backends: byName,
		fallback: fallback,
		logger:   log.WithFields(zap.String("component", "executor")),
		queue:    make(chan *v1.Task, cfg.Agent.MaxConcurrentTasks),
		active:   make(map[string]struct{}),
	}, nil
}

// Start verifies connectivity, probes every back-end, and launches the
// poller and workers. It refuses to start when any probe fails.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("executor already running")
	}
	e.running = true
	e.mu.Unlock()

	if !e.client.Health(ctx) {
		e.setRunning(false)
		return fmt.Errorf("orchestrator at %s is not healthy", e.cfg.Orchestrator.URL)
	}
	for name, b := range e.backends {
		p, ok := b.(backend.Prober)
		if !ok {
			continue
		}
		if err := p.Probe(ctx); err != nil {
			e.setRunning(false)
			return fmt.Errorf("back-end %s probe failed: %w", name, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	e.group = g

	g.Go(func() error {
		e.pollLoop(gctx)
		return nil
	})
	for i := 0; i < e.cfg.Agent.MaxConcurrentTasks; i++ {
		worker := i
		g.Go(func() error {
			e.workLoop(gctx, worker)
			return nil
		})
	}

	e.logger.Info("executor started",
		zap.String("agent", e.cfg.Agent.Name),
		zap.String("mode", e.cfg.Agent.ExecutionMode),
		zap.Int("workers", e.cfg.Agent.MaxConcurrentTasks),
		zap.Duration("poll_interval", e.cfg.Agent.PollInterval()))
	return nil
}

// Stop shuts the executor down: polling stops immediately, in-flight tasks
// run to completion and report their real terminal state, and tasks leased
// but never started are failed so the orchestrator can re-offer them.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.logger.Info("stopping executor")
	e.cancel()
	_ = e.group.Wait()

	// Leased tasks still sitting in the queue never reached a worker. Report
	// them failed so they are not lost.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case task := <-e.queue:
			e.failUnstarted(ctx, task)
		default:
			e.logger.Info("executor stopped")
			return
		}
	}
}

// failUnstarted reports a terminal failure for a leased task no worker ever
// picked up.
func (e *Executor) failUnstarted(ctx context.Context, task *v1.Task) {
	e.logger.WithTaskID(task.ID).Warn("failing queued task on shutdown")
	e.client.FailTask(ctx, task.ID, "executor shut down before task started")
	e.stats.recordFailed()
	e.mu.Lock()
	if e.occupied > 0 {
		e.occupied--
	}
	e.mu.Unlock()
}

// Status returns a snapshot of the executor.
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	active := make([]string, 0, len(e.active))
	for id := range e.active {
		active = append(active, id)
	}
	return Status{
		Running:       e.running,
		AgentName:     e.cfg.Agent.Name,
		ExecutionMode: e.cfg.Agent.ExecutionMode,
		ActiveTasks:   active,
		QueuedTasks:   len(e.queue),
		MaxConcurrent: e.cfg.Agent.MaxConcurrentTasks,
		Stats:         e.stats.Snapshot(),
	}
}

// StatsSnapshot returns the lifetime counters.
func (e *Executor) StatsSnapshot() Snapshot { return e.stats.Snapshot() }

func (e *Executor) setRunning(v bool) {
	e.mu.Lock()
	e.running = v
	e.mu.Unlock()
}

// pollLoop leases tasks up to capacity each polling cycle.
func (e *Executor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Agent.PollInterval())
	defer ticker.Stop()

	e.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.poll(ctx)
		}
	}
}

// poll runs one polling cycle: fetch pending tasks, accept as many as the
// remaining capacity allows, enqueue the wins.
func (e *Executor) poll(ctx context.Context) {
	tasks := e.client.PendingTasks(ctx, e.cfg.Agent.Name)
	if tasks == nil {
		select {
		case <-ctx.Done():
		case <-time.After(pollErrorBackoff):
		}
		return
	}
	if len(tasks) == 0 {
		return
	}
	e.logger.Debug("pending tasks offered", zap.Int("count", len(tasks)))

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		capacity := e.cfg.Agent.MaxConcurrentTasks - e.occupied
		e.mu.Unlock()
		if capacity <= 0 {
			e.logger.Debug("at capacity, deferring remaining offers")
			return
		}
		// Losing the accept race is normal with multiple agents polling.
		if !e.client.AcceptTask(ctx, task.ID, e.cfg.Agent.Name) {
			continue
		}
		e.mu.Lock()
		e.occupied++
		e.mu.Unlock()
		select {
		case e.queue <- task:
		case <-ctx.Done():
			return
		}
	}
}

// workLoop pulls leased tasks off the queue and executes them one at a time.
func (e *Executor) workLoop(ctx context.Context, worker int) {
	log := e.logger.WithFields(zap.Int("worker", worker))
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.queue:
			if ctx.Err() != nil {
				// Shutdown raced the dequeue; hand the task back so the
				// drain pass reports it, or report it here if the queue
				// already refilled.
				select {
				case e.queue <- task:
				default:
					reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					e.failUnstarted(reportCtx, task)
					cancel()
				}
				return
			}
			// The task context is detached from the run context so shutdown
			// never interrupts a task already handed to a worker; the
			// back-end's own task timeout still bounds it.
			e.process(context.WithoutCancel(ctx), task, log)
		case <-time.After(queueWait):
		}
	}
}

// process executes one task end to end and reports exactly one terminal
// status. Panics in a back-end are converted into a failure report.
func (e *Executor) process(ctx context.Context, task *v1.Task, log *logger.Logger) {
	e.mu.Lock()
	e.active[task.ID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, task.ID)
		if e.occupied > 0 {
			e.occupied--
		}
		e.mu.Unlock()
	}()

	log = log.WithTaskID(task.ID)
	log.Info("starting task", zap.String("mode", string(task.ExecutionMode)))
	e.client.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusInProgress, 0)

	result := e.execute(ctx, task, log)

	// Terminal reports get their own deadline independent of the task.
	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if result.Success {
		e.client.CompleteTask(reportCtx, task.ID, result)
		var tokens int64
		if result.Usage != nil {
			tokens = int64(result.Usage.TotalTokens)
		}
		e.stats.recordCompleted(tokens)
		log.Info("task succeeded", zap.Float64("seconds", result.ExecutionTimeSeconds))
		return
	}

	e.client.FailTask(reportCtx, task.ID, result.Error)
	e.stats.recordFailed()
	log.Warn("task failed", zap.String("reason", result.Error))
}

// execute dispatches to the back-end named by the task, falling back to the
// configured default.
func (e *Executor) execute(ctx context.Context, task *v1.Task, log *logger.Logger) (result *v1.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("back-end panicked", zap.Any("panic", r))
			result = &v1.ExecutionResult{
				Success: false,
				Error:   fmt.Sprintf("internal error: %v", r),
			}
		}
	}()

	b := e.fallback
	if task.ExecutionMode != "" {
		if named, ok := e.backends[string(task.ExecutionMode)]; ok {
			b = named
		} else {
			log.Warn("unknown execution mode, using default",
				zap.String("mode", string(task.ExecutionMode)))
		}
	}

	progress := func(taskID string, percent int) {
		e.client.UpdateTaskStatus(ctx, taskID, v1.TaskStatusInProgress, percent)
	}
	return b.Execute(ctx, task, progress)
}
