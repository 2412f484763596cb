package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itskum47/FlowForge/orchestrator/clock"
	"github.com/itskum47/FlowForge/orchestrator/store"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []RunEvent
}

func (r *eventRecorder) OnRunEnd(_ context.Context, ev RunEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []RunEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunEvent, len(r.events))
	copy(out, r.events)
	return out
}

type busFixture struct {
	store    *store.MemoryStore
	clock    *clock.Fake
	registry *Registry
	bus      *Bus
	events   *eventRecorder
}

func newBusFixture(t *testing.T) *busFixture {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := NewRegistry()
	rec := &eventRecorder{}
	notifier := NewNotifier(zaptest.NewLogger(t))
	notifier.Subscribe(rec)
	bus := NewBus(reg, st, clk, notifier, "worker-a", zaptest.NewLogger(t))
	return &busFixture{store: st, clock: clk, registry: reg, bus: bus, events: rec}
}

// seedAttempt mimics the dispatcher: a Pending metadata row plus the
// dispatch describing it.
func (f *busFixture) seedAttempt(t *testing.T, workflowName, inputJSON, inputType string) (*store.Metadata, Dispatch) {
	t.Helper()
	md := &store.Metadata{
		ExternalID:    store.NewExternalID(),
		Name:          workflowName,
		Executor:      "worker-a",
		WorkflowState: store.StatePending,
		StartTime:     f.clock.Now(),
	}
	if inputJSON != "" {
		md.InputJSON = &inputJSON
	}
	require.NoError(t, f.store.AppendMetadata(context.Background(), md))
	queueID := int64(777)
	return md, Dispatch{
		MetadataID:   md.ID,
		WorkflowName: workflowName,
		InputJSON:    inputJSON,
		InputType:    inputType,
		WorkQueueID:  &queueID,
	}
}

func TestExecuteDispatchSuccess(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	var ran []string
	f.registry.MustRegister(&Definition{
		Name:      "reporting.build",
		InputType: "ReportInput",
		NewInput:  func() any { return &reportInput{} },
		Steps: []Step{
			{Name: "collect", Run: func(ctx context.Context, r *Run) error {
				ran = append(ran, "collect")
				require.Equal(t, "eu", r.Input.(*reportInput).Region)
				return nil
			}},
			{Name: "render", Run: func(ctx context.Context, r *Run) error {
				ran = append(ran, "render")
				r.Output = map[string]int{"pages": 4}
				return nil
			}},
		},
	})

	input, err := Encode("ReportInput", reportInput{Region: "eu", Depth: 1})
	require.NoError(t, err)
	md, d := f.seedAttempt(t, "reporting.build", input, "ReportInput")

	require.NoError(t, f.bus.ExecuteDispatch(ctx, d))
	assert.Equal(t, []string{"collect", "render"}, ran)

	got, err := f.store.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, got.WorkflowState)
	require.NotNil(t, got.EndTime)
	require.NotNil(t, got.OutputJSON)
	assert.JSONEq(t, `{"pages":4}`, *got.OutputJSON)
	assert.Nil(t, got.FailureReason)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, md.ID, events[0].Metadata.ID)
	assert.Equal(t, store.StateCompleted, events[0].Metadata.WorkflowState)
	require.NotNil(t, events[0].WorkQueueID)
	assert.Equal(t, int64(777), *events[0].WorkQueueID)
}

func TestExecuteDispatchStepFailure(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	f.registry.MustRegister(&Definition{
		Name:      "reporting.build",
		InputType: "ReportInput",
		NewInput:  func() any { return &reportInput{} },
		Steps: []Step{
			{Name: "collect", Run: func(ctx context.Context, r *Run) error { return nil }},
			{Name: "render", Run: func(ctx context.Context, r *Run) error {
				return errors.New("template missing")
			}},
		},
	})

	md, d := f.seedAttempt(t, "reporting.build", `{"region":"eu"}`, "ReportInput")
	require.NoError(t, f.bus.ExecuteDispatch(ctx, d))

	got, err := f.store.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, got.WorkflowState)
	require.NotNil(t, got.FailureStep)
	assert.Equal(t, "render", *got.FailureStep)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "template missing", *got.FailureReason)
	require.NotNil(t, got.FailureException)
	assert.Equal(t, "*errors.errorString", *got.FailureException)
	assert.Nil(t, got.StackTrace)
	require.NotNil(t, got.EndTime)

	require.Len(t, f.events.all(), 1)
}

func TestExecuteDispatchPanicCapturesStack(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	f.registry.MustRegister(&Definition{
		Name:      "reporting.build",
		InputType: "ReportInput",
		NewInput:  func() any { return &reportInput{} },
		Steps: []Step{
			{Name: "collect", Run: func(ctx context.Context, r *Run) error {
				panic("index out of range")
			}},
		},
	})

	md, d := f.seedAttempt(t, "reporting.build", `{"region":"eu"}`, "ReportInput")
	require.NoError(t, f.bus.ExecuteDispatch(ctx, d))

	got, err := f.store.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, got.WorkflowState)
	require.NotNil(t, got.FailureException)
	assert.Equal(t, "panic", *got.FailureException)
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "index out of range")
	require.NotNil(t, got.StackTrace)
	assert.Contains(t, *got.StackTrace, "goroutine")
	require.NotNil(t, got.FailureStep)
	assert.Equal(t, "collect", *got.FailureStep)
}

func TestExecuteDispatchUnknownWorkflow(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	md, d := f.seedAttempt(t, "reporting.retired", `{"region":"eu"}`, "ReportInput")
	require.NoError(t, f.bus.ExecuteDispatch(ctx, d))

	got, err := f.store.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, got.WorkflowState)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, ReasonUnknownWorkflow, *got.FailureReason)
	require.NotNil(t, got.FailureException)
	assert.Contains(t, *got.FailureException, "reporting.retired")

	// The failure still produces a terminal event so retry accounting sees it.
	require.Len(t, f.events.all(), 1)
}

func TestExecuteDispatchSerializationFailure(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	f.registry.MustRegister(&Definition{
		Name:      "reporting.build",
		InputType: "ReportInput",
		NewInput:  func() any { return &reportInput{} },
		Steps:     []Step{{Name: "collect", Run: func(ctx context.Context, r *Run) error { return nil }}},
	})

	md, d := f.seedAttempt(t, "reporting.build", `{"$type":"WrongInput","region":"eu"}`, "WrongInput")
	require.NoError(t, f.bus.ExecuteDispatch(ctx, d))

	got, err := f.store.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, got.WorkflowState)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, ReasonSerialization, *got.FailureReason)
}

func TestExecuteDispatchToleratesOptimisticStart(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	f.registry.MustRegister(&Definition{
		Name:      "reporting.build",
		InputType: "ReportInput",
		NewInput:  func() any { return &reportInput{} },
		Steps:     []Step{{Name: "collect", Run: func(ctx context.Context, r *Run) error { return nil }}},
	})

	md, d := f.seedAttempt(t, "reporting.build", `{"region":"eu"}`, "ReportInput")
	// The dispatcher flips Pending to InProgress right after a successful
	// enqueue; the worker must still run the attempt.
	require.NoError(t, f.store.TransitionMetadata(ctx, md.ID, store.StatePending, store.StateInProgress, store.MetadataPatch{}))

	require.NoError(t, f.bus.ExecuteDispatch(ctx, d))

	got, err := f.store.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, got.WorkflowState)
}

func TestExecuteDispatchSkipsCancelledAttempt(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	stepRan := false
	f.registry.MustRegister(&Definition{
		Name:      "reporting.build",
		InputType: "ReportInput",
		NewInput:  func() any { return &reportInput{} },
		Steps: []Step{{Name: "collect", Run: func(ctx context.Context, r *Run) error {
			stepRan = true
			return nil
		}}},
	})

	md, d := f.seedAttempt(t, "reporting.build", `{"region":"eu"}`, "ReportInput")
	now := f.clock.Now()
	require.NoError(t, f.store.TransitionMetadata(ctx, md.ID, store.StatePending, store.StateCancelled, store.MetadataPatch{EndTime: &now}))

	require.NoError(t, f.bus.ExecuteDispatch(ctx, d))
	assert.False(t, stepRan)

	got, err := f.store.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCancelled, got.WorkflowState)

	// The canceller owned the terminal transition, so the bus stays silent.
	assert.Empty(t, f.events.all())
}

func TestCancellationMidRunWinsTerminalRace(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	var attemptID int64
	f.registry.MustRegister(&Definition{
		Name:      "reporting.build",
		InputType: "ReportInput",
		NewInput:  func() any { return &reportInput{} },
		Steps: []Step{{Name: "collect", Run: func(ctx context.Context, r *Run) error {
			// A cancel lands while the step is still executing.
			now := f.clock.Now()
			return f.store.TransitionMetadata(ctx, attemptID, store.StateInProgress, store.StateCancelled, store.MetadataPatch{EndTime: &now})
		}}},
	})

	md, d := f.seedAttempt(t, "reporting.build", `{"region":"eu"}`, "ReportInput")
	attemptID = md.ID

	require.NoError(t, f.bus.ExecuteDispatch(ctx, d))

	got, err := f.store.GetMetadata(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCancelled, got.WorkflowState)
	assert.Empty(t, f.events.all())
}

func TestRunByNameSpawnsChildren(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	f.registry.MustRegister(&Definition{
		Name:      "reporting.render",
		InputType: "ReportInput",
		NewInput:  func() any { return &reportInput{} },
		Steps: []Step{{Name: "render", Run: func(ctx context.Context, r *Run) error {
			r.Output = fmt.Sprintf("rendered %s", r.Input.(*reportInput).Region)
			return nil
		}}},
	})
	f.registry.MustRegister(&Definition{
		Name:      "reporting.fanout",
		InputType: "ReportInput",
		NewInput:  func() any { return &reportInput{} },
		Steps: []Step{{Name: "fanout", Run: func(ctx context.Context, r *Run) error {
			out, err := r.Spawn(ctx, "reporting.render", reportInput{Region: "eu"})
			if err != nil {
				return err
			}
			r.Output = out
			return nil
		}}},
	})

	out, err := f.bus.RunByName(ctx, "reporting.fanout", &reportInput{Region: "all"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "rendered eu", out)

	// Two attempts: parent and child, child linked through parentId.
	page, err := f.store.ListMetadata(ctx, store.MetadataFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 2)

	var parent, child *store.Metadata
	for _, m := range page {
		if m.Name == "reporting.fanout" {
			parent = m
		} else {
			child = m
		}
	}
	require.NotNil(t, parent)
	require.NotNil(t, child)
	assert.Equal(t, store.StateCompleted, parent.WorkflowState)
	assert.Equal(t, store.StateCompleted, child.WorkflowState)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parent.ID, *child.ParentID)
	assert.Nil(t, parent.ParentID)

	// Child settles first, then the parent.
	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, child.ID, events[0].Metadata.ID)
	assert.Equal(t, parent.ID, events[1].Metadata.ID)
}

func TestRunByNameSurfacesWorkflowError(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	f.registry.MustRegister(&Definition{
		Name:      "reporting.render",
		InputType: "ReportInput",
		NewInput:  func() any { return &reportInput{} },
		Steps: []Step{{Name: "render", Run: func(ctx context.Context, r *Run) error {
			return errors.New("render engine offline")
		}}},
	})

	_, err := f.bus.RunByName(ctx, "reporting.render", &reportInput{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render engine offline")

	page, err := f.store.ListMetadata(ctx, store.MetadataFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, store.StateFailed, page[0].WorkflowState)
}

func TestNotifierContainsObserverPanics(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	f.bus.Notifier().Subscribe(ObserverFunc(func(ctx context.Context, ev RunEvent) {
		panic("observer bug")
	}))
	late := &eventRecorder{}
	f.bus.Notifier().Subscribe(late)

	f.registry.MustRegister(&Definition{
		Name:      "reporting.build",
		InputType: "ReportInput",
		NewInput:  func() any { return &reportInput{} },
		Steps:     []Step{{Name: "collect", Run: func(ctx context.Context, r *Run) error { return nil }}},
	})

	_, d := f.seedAttempt(t, "reporting.build", `{"region":"eu"}`, "ReportInput")
	require.NoError(t, f.bus.ExecuteDispatch(ctx, d))

	// Both the recorder before and the recorder after the panicking
	// observer got the event.
	assert.Len(t, f.events.all(), 1)
	assert.Len(t, late.all(), 1)
}
