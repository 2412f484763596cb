package dispatcher

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
	"github.com/itskum47/FlowForge/orchestrator/taskserver"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

type reportInput struct {
	Subject string `json:"subject"`
}

type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }

type fakeServer struct {
	mu         sync.Mutex
	enqueued   []workflow.Dispatch
	cancelled  []taskserver.TaskHandle
	enqueueErr error
	stopped    bool
	nextID     int
}

func (s *fakeServer) Start(context.Context) error { return nil }

func (s *fakeServer) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *fakeServer) Enqueue(_ context.Context, d workflow.Dispatch) (taskserver.TaskHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return "", s.enqueueErr
	}
	s.nextID++
	s.enqueued = append(s.enqueued, d)
	return taskserver.TaskHandle(fmt.Sprintf("task-%d", s.nextID)), nil
}

func (s *fakeServer) EnqueueRecurring(string, string, func(context.Context)) error { return nil }

func (s *fakeServer) Cancel(_ context.Context, h taskserver.TaskHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, h)
	return nil
}

func (s *fakeServer) enqueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.enqueued)
}

type fixture struct {
	st       *store.MemoryStore
	clk      *clock.Fake
	server   *fakeServer
	notifier *workflow.Notifier
	reg      *workflow.Registry
	disp     *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := workflow.NewRegistry()
	reg.MustRegister(&workflow.Definition{
		Name:      "send-report",
		InputType: "ReportInput",
		NewInput:  func() any { return &reportInput{} },
		Steps: []workflow.Step{{
			Name: "send",
			Run:  func(context.Context, *workflow.Run) error { return nil },
		}},
	})
	notifier := workflow.NewNotifier(zaptest.NewLogger(t))
	server := &fakeServer{}
	disp := New(st, server, reg, notifier, alwaysLeader{}, clk, "host-test:1", cfg, zaptest.NewLogger(t))
	return &fixture{st: st, clk: clk, server: server, notifier: notifier, reg: reg, disp: disp}
}

func (f *fixture) enqueue(t *testing.T, manifestID *int64, priority int) *store.WorkQueueEntry {
	t.Helper()
	w := &store.WorkQueueEntry{
		WorkflowName: "send-report",
		ManifestID:   manifestID,
		Priority:     priority,
		CreatedAt:    f.clk.Now(),
		AvailableAt:  f.clk.Now(),
	}
	require.NoError(t, f.st.EnqueueWork(context.Background(), w))
	return w
}

// finish settles a dispatched attempt the way a worker would and pushes
// the terminal event through the notifier.
func (f *fixture) finish(t *testing.T, metadataID int64, workQueueID int64) {
	t.Helper()
	ctx := context.Background()
	now := f.clk.Now()
	err := f.st.TransitionMetadata(ctx, metadataID, store.StateInProgress, store.StateCompleted, store.MetadataPatch{EndTime: &now})
	require.NoError(t, err)
	workflow.NotifyTerminal(ctx, f.st, f.notifier, metadataID, &workQueueID, zaptest.NewLogger(t))
}

func (f *fixture) groupedManifest(t *testing.T, groupName string, maxJobs int, enabled bool) *store.Manifest {
	t.Helper()
	ctx := context.Background()
	g := &store.ManifestGroup{Name: groupName, MaxActiveJobs: &maxJobs, IsEnabled: enabled, CreatedAt: f.clk.Now(), UpdatedAt: f.clk.Now()}
	require.NoError(t, f.st.CreateManifestGroup(ctx, g))
	m := &store.Manifest{
		ExternalID:      store.NewExternalID(),
		Name:            "send-report",
		ScheduleType:    store.ScheduleOnDemand,
		ManifestGroupID: &g.ID,
		IsEnabled:       true,
		MaxRetries:      3,
		CreatedAt:       f.clk.Now(),
		UpdatedAt:       f.clk.Now(),
	}
	require.NoError(t, f.st.CreateManifest(ctx, m))
	return m
}

func TestDispatchHappyPath(t *testing.T) {
	f := newFixture(t, Config{MaxActiveJobs: 5})
	ctx := context.Background()
	row := f.enqueue(t, nil, 0)

	f.disp.RunCycle(ctx)

	require.Equal(t, 1, f.server.enqueuedCount())
	d := f.server.enqueued[0]
	assert.Equal(t, "send-report", d.WorkflowName)
	require.NotNil(t, d.WorkQueueID)
	assert.Equal(t, row.ID, *d.WorkQueueID)

	got, err := f.st.GetWorkQueueEntry(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkDispatched, got.Status)
	require.NotNil(t, got.MetadataID)

	md, err := f.st.GetMetadata(ctx, *got.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, store.StateInProgress, md.WorkflowState)
	assert.Equal(t, "host-test:1", md.Executor)
	require.NotNil(t, md.ScheduledTime)
	assert.Equal(t, row.CreatedAt, *md.ScheduledTime)
	assert.Equal(t, 1, f.disp.Inflight())
}

func TestSlotPoolBoundsDispatches(t *testing.T) {
	f := newFixture(t, Config{MaxActiveJobs: 2})
	ctx := context.Background()
	f.enqueue(t, nil, 0)
	f.enqueue(t, nil, 0)
	f.enqueue(t, nil, 0)

	f.disp.RunCycle(ctx)
	assert.Equal(t, 2, f.server.enqueuedCount())
	assert.Equal(t, 2, f.disp.Inflight())

	// No free slot, so the third row stays queued across cycles.
	f.disp.RunCycle(ctx)
	assert.Equal(t, 2, f.server.enqueuedCount())

	first := f.server.enqueued[0]
	f.finish(t, first.MetadataID, *first.WorkQueueID)
	assert.Equal(t, 1, f.disp.Inflight())

	f.disp.RunCycle(ctx)
	assert.Equal(t, 3, f.server.enqueuedCount())
}

func TestGroupSaturationReleasesClaimWithBump(t *testing.T) {
	f := newFixture(t, Config{MaxActiveJobs: 10})
	ctx := context.Background()
	m := f.groupedManifest(t, "reports", 1, true)

	a := f.enqueue(t, &m.ID, 0)
	b := f.enqueue(t, &m.ID, 0)

	f.disp.RunCycle(ctx)

	// Claim order is deterministic (same priority and creation time, so
	// lowest id first): a is admitted, b refused back to the queue with a
	// priority bump.
	assert.Equal(t, 1, f.server.enqueuedCount())
	admitted, err := f.st.GetWorkQueueEntry(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkDispatched, admitted.Status)

	refused, err := f.st.GetWorkQueueEntry(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkQueued, refused.Status)
	assert.Equal(t, 1, refused.Priority)

	// Still saturated: the requeued row is refused again.
	f.disp.RunCycle(ctx)
	assert.Equal(t, 1, f.server.enqueuedCount())

	running := f.server.enqueued[0]
	f.finish(t, running.MetadataID, *running.WorkQueueID)

	f.disp.RunCycle(ctx)
	assert.Equal(t, 2, f.server.enqueuedCount())
}

func TestDisabledGroupRefusesClaims(t *testing.T) {
	f := newFixture(t, Config{MaxActiveJobs: 10})
	ctx := context.Background()
	m := f.groupedManifest(t, "reports", 5, false)
	row := f.enqueue(t, &m.ID, 0)

	f.disp.RunCycle(ctx)

	assert.Equal(t, 0, f.server.enqueuedCount())
	got, err := f.st.GetWorkQueueEntry(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkQueued, got.Status)
	assert.Equal(t, 1, got.Priority)
}

func TestUndecodableInputIsBornFailed(t *testing.T) {
	f := newFixture(t, Config{MaxActiveJobs: 5})
	ctx := context.Background()

	events := &recorder{}
	f.notifier.Subscribe(events)

	wrongType := "SomethingElse"
	w := &store.WorkQueueEntry{
		WorkflowName:  "send-report",
		InputTypeName: &wrongType,
		CreatedAt:     f.clk.Now(),
		AvailableAt:   f.clk.Now(),
	}
	require.NoError(t, f.st.EnqueueWork(ctx, w))

	f.disp.RunCycle(ctx)

	assert.Equal(t, 0, f.server.enqueuedCount())
	assert.Equal(t, 0, f.disp.Inflight())

	got, err := f.st.GetWorkQueueEntry(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MetadataID)
	md, err := f.st.GetMetadata(ctx, *got.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, md.WorkflowState)
	require.NotNil(t, md.FailureReason)
	assert.Equal(t, workflow.ReasonSerialization, *md.FailureReason)
	require.NotNil(t, md.EndTime)

	require.Len(t, events.all(), 1)
	assert.Equal(t, md.ID, events.all()[0].Metadata.ID)
}

func TestUnknownWorkflowIsBornFailed(t *testing.T) {
	f := newFixture(t, Config{MaxActiveJobs: 5})
	ctx := context.Background()

	w := &store.WorkQueueEntry{
		WorkflowName: "no-such-workflow",
		CreatedAt:    f.clk.Now(),
		AvailableAt:  f.clk.Now(),
	}
	require.NoError(t, f.st.EnqueueWork(ctx, w))

	f.disp.RunCycle(ctx)

	got, err := f.st.GetWorkQueueEntry(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MetadataID)
	md, err := f.st.GetMetadata(ctx, *got.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, md.WorkflowState)
	require.NotNil(t, md.FailureReason)
	assert.Equal(t, workflow.ReasonUnknownWorkflow, *md.FailureReason)
}

func TestEnqueueFailureSettlesAttempt(t *testing.T) {
	f := newFixture(t, Config{MaxActiveJobs: 5})
	ctx := context.Background()
	f.server.enqueueErr = errors.New("queue full")

	events := &recorder{}
	f.notifier.Subscribe(events)

	row := f.enqueue(t, nil, 0)
	f.disp.RunCycle(ctx)

	assert.Equal(t, 0, f.disp.Inflight())
	got, err := f.st.GetWorkQueueEntry(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MetadataID)
	md, err := f.st.GetMetadata(ctx, *got.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, md.WorkflowState)
	require.NotNil(t, md.FailureReason)
	assert.Equal(t, workflow.ReasonEnqueueFailed, *md.FailureReason)
	require.Len(t, events.all(), 1)
}

func TestCancelRunInterruptsAndSettles(t *testing.T) {
	f := newFixture(t, Config{MaxActiveJobs: 5})
	ctx := context.Background()
	f.enqueue(t, nil, 0)
	f.disp.RunCycle(ctx)

	require.Equal(t, 1, f.server.enqueuedCount())
	mdID := f.server.enqueued[0].MetadataID

	require.NoError(t, f.disp.CancelRun(ctx, mdID))

	md, err := f.st.GetMetadata(ctx, mdID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCancelled, md.WorkflowState)
	require.NotNil(t, md.EndTime)
	assert.Equal(t, 0, f.disp.Inflight())

	f.server.mu.Lock()
	cancelled := len(f.server.cancelled)
	f.server.mu.Unlock()
	assert.Equal(t, 1, cancelled)

	// A settled attempt cannot be cancelled twice.
	err = f.disp.CancelRun(ctx, mdID)
	var conflict *store.StateConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestDeadLetterRetryGetsLinkedToFreshAttempt(t *testing.T) {
	f := newFixture(t, Config{MaxActiveJobs: 5})
	ctx := context.Background()
	m := f.groupedManifest(t, "reports", 5, true)

	dl, created, err := f.st.UpsertDeadLetter(ctx, m.ID, "Max retries exceeded", 3, f.clk.Now())
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.st.ResolveDeadLetter(ctx, dl.ID, store.DeadLetterRetried, "retrying", f.clk.Now()))

	f.enqueue(t, &m.ID, 0)
	f.disp.RunCycle(ctx)

	require.Equal(t, 1, f.server.enqueuedCount())
	got, err := f.st.GetDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RetryMetadataID)
	assert.Equal(t, f.server.enqueued[0].MetadataID, *got.RetryMetadataID)
}

func TestStopForceCancelsStragglers(t *testing.T) {
	f := newFixture(t, Config{MaxActiveJobs: 5, PollingInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, f.disp.Start(ctx))

	f.enqueue(t, nil, 0)
	f.disp.RunCycle(ctx)
	require.Equal(t, 1, f.disp.Inflight())
	mdID := f.server.enqueued[0].MetadataID

	stopCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	require.NoError(t, f.disp.Stop(stopCtx))

	md, err := f.st.GetMetadata(ctx, mdID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCancelled, md.WorkflowState)
	assert.Equal(t, 0, f.disp.Inflight())

	f.server.mu.Lock()
	stopped := f.server.stopped
	f.server.mu.Unlock()
	assert.True(t, stopped)
}

type recorder struct {
	mu     sync.Mutex
	events []workflow.RunEvent
}

func (r *recorder) OnRunEnd(_ context.Context, ev workflow.RunEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []workflow.RunEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]workflow.RunEvent, len(r.events))
	copy(out, r.events)
	return out
}
