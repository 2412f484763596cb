package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/clock"
	"github.com/itskum47/FlowForge/orchestrator/store"
)

// Dispatch is the unit handed to the task server: everything a worker
// needs to execute one claimed queue entry. It is JSON-encoded on broker
// transports, so the fields carry wire tags.
type Dispatch struct {
	MetadataID   int64  `json:"metadata_id"`
	WorkflowName string `json:"workflow_name"`
	InputJSON    string `json:"input_json,omitempty"`
	InputType    string `json:"input_type,omitempty"`
	ManifestID   *int64 `json:"manifest_id,omitempty"`
	WorkQueueID  *int64 `json:"work_queue_id,omitempty"`
}

// Bus executes workflows and owns their metadata lifecycle. Every attempt
// ends in exactly one terminal CAS; the winner of that CAS emits the
// RunEnd event, so retries, semaphore releases, and the event feed all
// see one event per attempt.
type Bus struct {
	registry *Registry
	store    store.Store
	clock    clock.Clock
	notifier *Notifier
	executor string
	log      *zap.Logger
}

func NewBus(reg *Registry, st store.Store, clk clock.Clock, notifier *Notifier, executor string, log *zap.Logger) *Bus {
	return &Bus{
		registry: reg,
		store:    st,
		clock:    clk,
		notifier: notifier,
		executor: executor,
		log:      log,
	}
}

// Notifier exposes the terminal-event stream so other components
// (canceller, reaper) can emit through the same fanout.
func (b *Bus) Notifier() *Notifier { return b.notifier }

// ExecuteDispatch runs one claimed queue entry to a terminal state. A
// workflow failure is recorded on the metadata and is not an error here;
// a non-nil return means the outcome could not be recorded and the task
// server should surface it.
func (b *Bus) ExecuteDispatch(ctx context.Context, d Dispatch) error {
	log := b.log.With(
		zap.Int64("metadata_id", d.MetadataID),
		zap.String("workflow", d.WorkflowName),
	)

	def, ok := b.registry.Get(d.WorkflowName)
	if !ok {
		log.Error("workflow not registered")
		return b.failRun(ctx, d, ReasonUnknownWorkflow,
			fmt.Sprintf("no workflow registered under %q", d.WorkflowName), "", nil)
	}

	input, err := Decode(def, d.InputJSON, d.InputType)
	if err != nil {
		log.Error("input payload rejected", zap.Error(err))
		return b.failRun(ctx, d, ReasonSerialization, err.Error(), "", nil)
	}

	started, err := b.markRunning(ctx, d.MetadataID)
	if err != nil {
		return fmt.Errorf("workflow: start %s: %w", d.WorkflowName, err)
	}
	if !started {
		log.Info("skipping run, attempt no longer pending")
		return nil
	}

	run := &Run{
		MetadataID: d.MetadataID,
		ManifestID: d.ManifestID,
		Workflow:   def.Name,
		Input:      input,
		Log:        log,
		bus:        b,
	}
	failedStep, runErr := b.runSteps(ctx, def, run)
	if runErr != nil {
		log.Warn("workflow failed",
			zap.String("step", failedStep),
			zap.Error(runErr))
		return b.failStep(ctx, d, failedStep, runErr)
	}
	return b.completeRun(ctx, d, run)
}

// RunByName executes a workflow inline, outside the work queue: a fresh
// metadata row is appended (parentID links sub-workflows to their
// caller) and driven through the same lifecycle as dispatched runs. The
// workflow's own error is returned so the caller can react to it.
func (b *Bus) RunByName(ctx context.Context, name string, input any, parentID *int64) (any, error) {
	def, ok := b.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("workflow: no workflow registered under %q", name)
	}
	inputJSON, err := Encode(def.InputType, input)
	if err != nil {
		return nil, err
	}

	md := &store.Metadata{
		ExternalID:    store.NewExternalID(),
		ParentID:      parentID,
		Name:          def.Name,
		Executor:      b.executor,
		WorkflowState: store.StatePending,
		StartTime:     b.clock.Now(),
		InputJSON:     &inputJSON,
	}
	if err := b.store.AppendMetadata(ctx, md); err != nil {
		return nil, fmt.Errorf("workflow: append metadata for %s: %w", name, err)
	}

	d := Dispatch{
		MetadataID:   md.ID,
		WorkflowName: def.Name,
		InputJSON:    inputJSON,
		InputType:    def.InputType,
	}
	started, err := b.markRunning(ctx, md.ID)
	if err != nil {
		return nil, err
	}
	if !started {
		return nil, fmt.Errorf("workflow: %s attempt %d no longer pending", name, md.ID)
	}

	run := &Run{
		MetadataID: md.ID,
		Workflow:   def.Name,
		Input:      input,
		Log:        b.log.With(zap.Int64("metadata_id", md.ID), zap.String("workflow", def.Name)),
		bus:        b,
	}
	failedStep, runErr := b.runSteps(ctx, def, run)
	if runErr != nil {
		if recErr := b.failStep(ctx, d, failedStep, runErr); recErr != nil {
			return nil, recErr
		}
		return nil, runErr
	}
	if err := b.completeRun(ctx, d, run); err != nil {
		return nil, err
	}
	return run.Output, nil
}

func (b *Bus) runSteps(ctx context.Context, def *Definition, run *Run) (string, error) {
	for _, st := range def.Steps {
		if err := ctx.Err(); err != nil {
			return st.Name, err
		}
		if err := b.runStep(ctx, st, run); err != nil {
			return st.Name, err
		}
	}
	return "", nil
}

func (b *Bus) runStep(ctx context.Context, st Step, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return st.Run(ctx, run)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// markRunning claims the attempt. The dispatcher optimistically flips
// Pending to InProgress right after enqueueing, so losing that race to an
// InProgress actual still means the attempt is ours to run. Any other
// actual (cancelled, already terminal) means skip.
func (b *Bus) markRunning(ctx context.Context, metadataID int64) (bool, error) {
	err := b.store.TransitionMetadata(ctx, metadataID, store.StatePending, store.StateInProgress, store.MetadataPatch{})
	if err == nil {
		return true, nil
	}
	var conflict *store.StateConflictError
	if errors.As(err, &conflict) {
		if conflict.Actual == store.StateInProgress.String() {
			return true, nil
		}
		return false, nil
	}
	return false, err
}

func (b *Bus) completeRun(ctx context.Context, d Dispatch, run *Run) error {
	now := b.clock.Now()
	patch := store.MetadataPatch{EndTime: &now}
	if run.Output != nil {
		raw, err := json.Marshal(run.Output)
		if err != nil {
			return b.failStep(ctx, d, "", fmt.Errorf("marshal output: %w", err))
		}
		out := string(raw)
		patch.OutputJSON = &out
	}

	err := b.store.TransitionMetadata(ctx, d.MetadataID, store.StateInProgress, store.StateCompleted, patch)
	if err == nil {
		b.emitRunEnd(ctx, d)
		return nil
	}
	var conflict *store.StateConflictError
	if errors.As(err, &conflict) {
		// A canceller or the timeout reaper won the terminal CAS while
		// the steps were running. Their transition owns the event.
		b.log.Info("completed run lost terminal race",
			zap.Int64("metadata_id", d.MetadataID),
			zap.String("actual", conflict.Actual))
		return nil
	}
	return fmt.Errorf("workflow: record completion of %d: %w", d.MetadataID, err)
}

// failStep records a step failure: which step broke, the error's Go type,
// and its message. Panics additionally capture the stack.
func (b *Bus) failStep(ctx context.Context, d Dispatch, step string, runErr error) error {
	var stack *string
	exception := fmt.Sprintf("%T", runErr)
	var pe *panicError
	if errors.As(runErr, &pe) {
		s := string(pe.stack)
		stack = &s
		exception = "panic"
	}
	return b.failRun(ctx, d, runErr.Error(), exception, step, stack)
}

// failRun drives the attempt to Failed from whichever live state it is
// in. Losing the CAS to a terminal actual means someone else already
// settled the attempt, which is not an error.
func (b *Bus) failRun(ctx context.Context, d Dispatch, reason, exception, step string, stack *string) error {
	now := b.clock.Now()
	patch := store.MetadataPatch{
		EndTime:       &now,
		FailureReason: &reason,
		StackTrace:    stack,
	}
	if exception != "" {
		patch.FailureException = &exception
	}
	if step != "" {
		patch.FailureStep = &step
	}

	var lastErr error
	for _, from := range []store.WorkflowState{store.StateInProgress, store.StatePending} {
		err := b.store.TransitionMetadata(ctx, d.MetadataID, from, store.StateFailed, patch)
		if err == nil {
			b.emitRunEnd(ctx, d)
			return nil
		}
		var conflict *store.StateConflictError
		if !errors.As(err, &conflict) {
			return fmt.Errorf("workflow: record failure of %d: %w", d.MetadataID, err)
		}
		if actual, perr := store.ParseWorkflowState(conflict.Actual); perr == nil && actual.Terminal() {
			b.log.Info("failed run lost terminal race",
				zap.Int64("metadata_id", d.MetadataID),
				zap.String("actual", conflict.Actual))
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("workflow: record failure of %d: %w", d.MetadataID, lastErr)
}

// emitRunEnd loads the settled attempt and fans it out. Emission follows
// a won terminal CAS, so each attempt produces exactly one event.
func (b *Bus) emitRunEnd(ctx context.Context, d Dispatch) {
	md, err := b.store.GetMetadata(ctx, d.MetadataID)
	if err != nil {
		b.log.Error("load settled attempt for event", zap.Int64("metadata_id", d.MetadataID), zap.Error(err))
		return
	}
	var mf *store.Manifest
	if md.ManifestID != nil {
		if m, err := b.store.GetManifest(ctx, *md.ManifestID); err == nil {
			mf = m
		} else {
			b.log.Warn("load manifest for event", zap.Int64("manifest_id", *md.ManifestID), zap.Error(err))
		}
	}
	b.notifier.RunEnd(ctx, RunEvent{Metadata: md, Manifest: mf, WorkQueueID: d.WorkQueueID})
}
