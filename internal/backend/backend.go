// Package backend defines the execution contract shared by the model API
// back-end and the process-exec back-end. Selection is per task, defaulting
// to the agent's configured mode.
package backend

import (
	"context"

	v1 "github.com/zephyros/executor/pkg/api/v1"
)

// ProgressFunc reports task progress as a percentage in [0,100].
type ProgressFunc func(taskID string, percent int)

// Backend executes one task and returns its result. Execution failures are
// folded into ExecutionResult.Success/Error rather than returned as errors;
// the worker reports them to the orchestrator as a fail.
type Backend interface {
	// Name identifies the back-end ("api" or "process").
	Name() string

	// Execute runs the task to completion or timeout. progress may be nil.
	Execute(ctx context.Context, task *v1.Task, progress ProgressFunc) *v1.ExecutionResult
}

// Prober is implemented by back-ends that can verify their upstream
// dependency at startup.
type Prober interface {
	Probe(ctx context.Context) error
}
