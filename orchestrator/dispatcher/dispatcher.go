// Package dispatcher claims ready work queue entries and hands them to
// the task server, bounded by a process-wide slot pool and per-group
// semaphores.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/clock"
	"github.com/itskum47/FlowForge/orchestrator/observability"
	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/taskserver"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

// reconcileEveryNCycles is how often the group semaphores resync against
// the store's active-run counts.
const reconcileEveryNCycles = 10

// leadership is the slice of the elector the loops consult.
type leadership interface {
	IsLeader() bool
}

// Config bounds the claim loop.
type Config struct {
	PollingInterval time.Duration
	MaxActiveJobs   int
}

type inflightRun struct {
	workQueueID int64
	groupID     *int64
	handle      taskserver.TaskHandle
}

// Dispatcher moves claimed queue entries into running attempts: append
// the Pending metadata row, hand the dispatch to the task server, and
// release the slot when the attempt's terminal event comes back through
// the notifier. Metadata stays the only authority; the dispatcher's maps
// are rebuilt from it after a crash.
type Dispatcher struct {
	st       store.Store
	server   taskserver.Server
	reg      *workflow.Registry
	notifier *workflow.Notifier
	elector  leadership
	clock    clock.Clock
	executor string
	cfg      Config
	log      *zap.Logger

	sems *groupSemaphores

	mu       sync.Mutex
	inflight map[int64]inflightRun // keyed by metadata ID
	cycles   uint64
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds the dispatcher and subscribes it to the notifier: terminal
// events are how slots come back, so the subscription is not optional.
func New(st store.Store, server taskserver.Server, reg *workflow.Registry, notifier *workflow.Notifier, elector leadership, clk clock.Clock, executor string, cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 5 * time.Second
	}
	if cfg.MaxActiveJobs <= 0 {
		cfg.MaxActiveJobs = 10
	}
	d := &Dispatcher{
		st:       st,
		server:   server,
		reg:      reg,
		notifier: notifier,
		elector:  elector,
		clock:    clk,
		executor: executor,
		cfg:      cfg,
		log:      log.Named("dispatcher"),
		sems:     newGroupSemaphores(),
		inflight: make(map[int64]inflightRun),
	}
	notifier.Subscribe(d)
	return d
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("dispatcher: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	go d.loop(runCtx)
	d.log.Info("dispatcher started",
		zap.Duration("polling_interval", d.cfg.PollingInterval),
		zap.Int("max_active_jobs", d.cfg.MaxActiveJobs))
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.elector.IsLeader() {
				continue
			}
			d.RunCycle(ctx)
		}
	}
}

// Stop ends claiming, drains in-flight runs until ctx's deadline,
// force-cancels whatever remains, and stops the task server.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	cancel()
	<-done

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
drain:
	for d.Inflight() > 0 {
		select {
		case <-ctx.Done():
			break drain
		case <-tick.C:
		}
	}

	d.forceCancelRemaining()

	// The drain deadline may already be spent; the task server still
	// deserves a bounded stop.
	stopCtx := ctx
	if ctx.Err() != nil {
		var cancelStop context.CancelFunc
		stopCtx, cancelStop = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelStop()
	}
	return d.server.Stop(stopCtx)
}

// Inflight reports how many dispatched runs have not yet reached a
// terminal state.
func (d *Dispatcher) Inflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// RunCycle claims and dispatches one batch. Public so tests and
// embedders can drive the dispatcher without the ticker.
func (d *Dispatcher) RunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch cycle panicked", zap.Any("panic", r))
		}
	}()

	d.mu.Lock()
	d.cycles++
	cycle := d.cycles
	inflight := len(d.inflight)
	d.mu.Unlock()

	if cycle%reconcileEveryNCycles == 1 {
		d.reconcileSemaphores(ctx)
	}

	if depth, err := d.st.CountQueuedWork(ctx); err == nil {
		observability.QueueDepth.Set(float64(depth))
	}

	slots := d.cfg.MaxActiveJobs - inflight
	if slots <= 0 {
		return
	}

	claims, err := d.st.ClaimWorkQueue(ctx, slots, d.clock.Now())
	if err != nil {
		d.log.Error("claim work queue", zap.Error(err))
		return
	}
	if len(claims) > 0 {
		observability.WorkClaimed.Add(float64(len(claims)))
	}
	for _, claim := range claims {
		d.dispatch(ctx, claim)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, claim *store.ClaimedWork) {
	row := claim.Entry
	log := d.log.With(
		zap.Int64("work_queue_id", row.ID),
		zap.String("workflow", row.WorkflowName),
	)

	// Group admission first, before any metadata exists, so a refusal
	// costs only a requeue with the anti-starvation bump.
	if claim.GroupID != nil {
		cause := ""
		switch {
		case !claim.GroupEnabled:
			cause = "group_disabled"
		case !d.sems.tryAcquire(*claim.GroupID, claim.GroupMaxJobs):
			cause = "group_saturated"
		}
		if cause != "" {
			observability.WorkReleased.WithLabelValues(cause).Inc()
			if err := d.st.ReleaseWorkQueueEntry(ctx, row.ID, 1); err != nil {
				log.Error("release refused claim", zap.String("cause", cause), zap.Error(err))
			}
			return
		}
	}
	releaseGroup := func() {
		if claim.GroupID != nil {
			d.sems.release(*claim.GroupID)
		}
	}

	// Validate the payload before burning a task slot on it. A row that
	// cannot decode is born Failed so the retry engine sees the attempt.
	def, ok := d.reg.Get(row.WorkflowName)
	if !ok {
		releaseGroup()
		d.bornFailed(ctx, claim, workflow.ReasonUnknownWorkflow,
			fmt.Sprintf("no workflow registered under %q", row.WorkflowName))
		return
	}
	if _, err := workflow.Decode(def, strOrEmpty(row.InputJSON), strOrEmpty(row.InputTypeName)); err != nil {
		releaseGroup()
		d.bornFailed(ctx, claim, workflow.ReasonSerialization, err.Error())
		return
	}

	now := d.clock.Now()
	md := &store.Metadata{
		ExternalID:    store.NewExternalID(),
		ManifestID:    row.ManifestID,
		Name:          row.WorkflowName,
		Executor:      d.executor,
		WorkflowState: store.StatePending,
		ScheduledTime: &row.CreatedAt,
		StartTime:     now,
		InputJSON:     row.InputJSON,
	}
	err := d.st.WithTx(ctx, func(ctx context.Context, st store.Store) error {
		if err := st.AppendMetadata(ctx, md); err != nil {
			return err
		}
		if err := st.SetWorkQueueMetadata(ctx, row.ID, md.ID); err != nil {
			return err
		}
		return linkDeadLetterRetry(ctx, st, &row, md.ID)
	})
	if err != nil {
		// The row stays Dispatched without a metadata backref;
		// RecoverStaleDispatches will requeue it.
		releaseGroup()
		log.Error("append attempt metadata", zap.Error(err))
		return
	}

	dispatch := workflow.Dispatch{
		MetadataID:   md.ID,
		WorkflowName: row.WorkflowName,
		InputJSON:    strOrEmpty(row.InputJSON),
		InputType:    strOrEmpty(row.InputTypeName),
		ManifestID:   row.ManifestID,
		WorkQueueID:  &row.ID,
	}

	// Track before the handoff: a fast worker can finish before Enqueue
	// returns, and its terminal event must find the entry to release.
	d.track(md.ID, inflightRun{workQueueID: row.ID, groupID: claim.GroupID})

	handle, err := d.server.Enqueue(ctx, dispatch)
	if err != nil {
		d.untrack(md.ID)
		releaseGroup()
		log.Warn("task server refused dispatch", zap.Error(err))
		d.failEnqueue(ctx, md.ID, row.ID, err)
		return
	}
	d.setHandle(md.ID, handle)

	// Optimistic claim of the attempt; the worker's own CAS tolerates
	// finding InProgress. Losing means the run already settled.
	err = d.st.TransitionMetadata(ctx, md.ID, store.StatePending, store.StateInProgress, store.MetadataPatch{})
	if err != nil {
		var conflict *store.StateConflictError
		if !errors.As(err, &conflict) {
			log.Error("mark attempt in progress", zap.Int64("metadata_id", md.ID), zap.Error(err))
		}
	}
	log.Debug("dispatched", zap.Int64("metadata_id", md.ID))
}

// bornFailed settles a claim that can never run: append an already-Failed
// metadata row so the attempt is counted, and notify so retry and
// dead-letter accounting happen.
func (d *Dispatcher) bornFailed(ctx context.Context, claim *store.ClaimedWork, reason, detail string) {
	row := claim.Entry
	now := d.clock.Now()
	md := &store.Metadata{
		ExternalID:       store.NewExternalID(),
		ManifestID:       row.ManifestID,
		Name:             row.WorkflowName,
		Executor:         d.executor,
		WorkflowState:    store.StateFailed,
		ScheduledTime:    &row.CreatedAt,
		StartTime:        now,
		EndTime:          &now,
		FailureReason:    &reason,
		FailureException: &detail,
		InputJSON:        row.InputJSON,
	}
	err := d.st.WithTx(ctx, func(ctx context.Context, st store.Store) error {
		if err := st.AppendMetadata(ctx, md); err != nil {
			return err
		}
		return st.SetWorkQueueMetadata(ctx, row.ID, md.ID)
	})
	if err != nil {
		d.log.Error("record dead-on-arrival dispatch",
			zap.Int64("work_queue_id", row.ID),
			zap.Error(err))
		return
	}
	d.log.Warn("dispatch dead on arrival",
		zap.Int64("work_queue_id", row.ID),
		zap.String("workflow", row.WorkflowName),
		zap.String("reason", reason))
	workflow.NotifyTerminal(ctx, d.st, d.notifier, md.ID, &row.ID, d.log)
}

// failEnqueue settles an attempt whose task-server handoff failed.
func (d *Dispatcher) failEnqueue(ctx context.Context, metadataID, workQueueID int64, cause error) {
	now := d.clock.Now()
	reason := workflow.ReasonEnqueueFailed
	detail := cause.Error()
	patch := store.MetadataPatch{
		EndTime:          &now,
		FailureReason:    &reason,
		FailureException: &detail,
	}
	if err := d.st.TransitionMetadata(ctx, metadataID, store.StatePending, store.StateFailed, patch); err != nil {
		d.log.Error("record enqueue failure",
			zap.Int64("metadata_id", metadataID),
			zap.Error(err))
		return
	}
	workflow.NotifyTerminal(ctx, d.st, d.notifier, metadataID, &workQueueID, d.log)
}

// linkDeadLetterRetry attaches the fresh attempt to the dead letter whose
// manual retry produced this queue entry, if any.
func linkDeadLetterRetry(ctx context.Context, st store.Store, row *store.WorkQueueEntry, metadataID int64) error {
	if row.ManifestID == nil {
		return nil
	}
	status := store.DeadLetterRetried
	letters, err := st.ListDeadLetters(ctx, store.DeadLetterFilter{
		ManifestID: row.ManifestID,
		Status:     &status,
	})
	if err != nil {
		return err
	}
	for _, dl := range letters {
		if dl.RetryMetadataID == nil {
			return st.AttachRetryMetadata(ctx, dl.ID, metadataID)
		}
	}
	return nil
}

// CancelRun drives a live attempt to Cancelled: terminal CAS first (the
// authority), then best-effort task interruption, then the terminal
// event. A cancelled attempt never becomes Completed or Failed afterwards
// because those transitions require a live from-state.
func (d *Dispatcher) CancelRun(ctx context.Context, metadataID int64) error {
	now := d.clock.Now()
	patch := store.MetadataPatch{EndTime: &now}

	var lastErr error
	for _, from := range []store.WorkflowState{store.StateInProgress, store.StatePending} {
		err := d.st.TransitionMetadata(ctx, metadataID, from, store.StateCancelled, patch)
		if err == nil {
			d.cancelTask(ctx, metadataID)
			workflow.NotifyTerminal(ctx, d.st, d.notifier, metadataID, d.workQueueIDFor(metadataID), d.log)
			d.log.Info("run cancelled", zap.Int64("metadata_id", metadataID))
			return nil
		}
		var conflict *store.StateConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (d *Dispatcher) cancelTask(ctx context.Context, metadataID int64) {
	var handle taskserver.TaskHandle
	d.mu.Lock()
	if run, ok := d.inflight[metadataID]; ok {
		handle = run.handle
	}
	d.mu.Unlock()

	if handle == "" {
		job, err := d.st.GetBackgroundJobByMetadata(ctx, metadataID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				d.log.Warn("look up task handle for cancel",
					zap.Int64("metadata_id", metadataID),
					zap.Error(err))
			}
			return
		}
		handle = taskserver.TaskHandle(job.TaskHandle)
	}
	if err := d.server.Cancel(ctx, handle); err != nil {
		d.log.Warn("interrupt task",
			zap.Int64("metadata_id", metadataID),
			zap.Error(err))
	}
}

// OnRunEnd releases the slot and group reservation a terminal run held.
func (d *Dispatcher) OnRunEnd(_ context.Context, ev workflow.RunEvent) {
	run, ok := d.untrack(ev.Metadata.ID)
	if !ok {
		return
	}
	if run.groupID != nil {
		d.sems.release(*run.groupID)
	}
}

func (d *Dispatcher) reconcileSemaphores(ctx context.Context) {
	counts, err := d.st.CountActiveJobsByGroup(ctx)
	if err != nil {
		d.log.Warn("reconcile group semaphores", zap.Error(err))
		return
	}
	d.sems.reconcile(counts)
}

func (d *Dispatcher) forceCancelRemaining() {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.inflight))
	for id := range d.inflight {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	d.log.Warn("force-cancelling runs still in flight at shutdown", zap.Int("count", len(ids)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := d.CancelRun(ctx, id); err != nil {
			var conflict *store.StateConflictError
			if !errors.As(err, &conflict) {
				d.log.Error("force-cancel run", zap.Int64("metadata_id", id), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) track(metadataID int64, run inflightRun) {
	d.mu.Lock()
	d.inflight[metadataID] = run
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(metadataID int64) (inflightRun, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	run, ok := d.inflight[metadataID]
	if ok {
		delete(d.inflight, metadataID)
	}
	return run, ok
}

func (d *Dispatcher) setHandle(metadataID int64, handle taskserver.TaskHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if run, ok := d.inflight[metadataID]; ok {
		run.handle = handle
		d.inflight[metadataID] = run
	}
}

func (d *Dispatcher) workQueueIDFor(metadataID int64) *int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if run, ok := d.inflight[metadataID]; ok {
		id := run.workQueueID
		return &id
	}
	return nil
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
