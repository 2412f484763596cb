// Package taskserver runs dispatched work. Adapters only move Dispatch
// payloads and invoke the runner; Metadata remains the single authority
// on run state, so a lost or duplicated task is recoverable from the
// database alone.
package taskserver

import (
	"context"
	"errors"

	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

// TaskHandle identifies one enqueued execution to its adapter. Handles
// are mirrored into background_jobs for the dashboard and cancellation.
type TaskHandle string

// Runner executes one dispatched unit; wired to the workflow bus's
// ExecuteDispatch. A non-nil error means the outcome could not be
// recorded, not that the workflow failed.
type Runner func(ctx context.Context, d workflow.Dispatch) error

// Server is the execution backend contract.
type Server interface {
	// Enqueue hands a dispatch to the backend and returns its handle.
	Enqueue(ctx context.Context, d workflow.Dispatch) (TaskHandle, error)
	// EnqueueRecurring registers a named cron-driven callback (metrics
	// sweeps, queue depth sampling). Duplicate ids are an error.
	EnqueueRecurring(id, cronExpr string, fn func(context.Context)) error
	// Cancel requests that a previously enqueued task not run; tasks
	// already executing are interrupted on a best-effort basis.
	Cancel(ctx context.Context, handle TaskHandle) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

var (
	// ErrQueueFull is returned by Enqueue when the backend cannot accept
	// more work; the dispatcher records EnqueueFailed for the attempt.
	ErrQueueFull = errors.New("taskserver: queue full")

	// ErrNotRunning is returned when the server was not started or was
	// already stopped.
	ErrNotRunning = errors.New("taskserver: not running")
)

// Background job mirror states.
const (
	jobStateEnqueued  = "enqueued"
	jobStateCompleted = "completed"
)
