// Package manager runs the orchestration control loop: reap stuck runs,
// promote exhausted manifests to dead letters, purge aged metadata, and
// enqueue due manifests. One goroutine process-wide, gated by the leader
// lease, with standbys ready to take the loop over.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/clock"
	"github.com/itskum47/FlowForge/orchestrator/observability"
	"github.com/itskum47/FlowForge/orchestrator/schedule"
	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

const (
	// staleDispatchAge is how long a Dispatched row may sit without a
	// metadata backref before recovery assumes the claimant died mid-
	// handoff and requeues it.
	staleDispatchAge = 5 * time.Minute

	deadLetterReason = "Max retries exceeded"
)

// ErrManifestDisabled rejects manual triggers of paused manifests.
var ErrManifestDisabled = errors.New("manager: manifest is disabled")

// errSkipManifest ends processing of one candidate without aborting the
// cycle: not due, saturated group, unmet dependency, lost recheck.
var errSkipManifest = errors.New("manager: manifest skipped this cycle")

// leadership is the slice of the elector the loop consults.
type leadership interface {
	IsLeader() bool
}

// Config carries the control-loop knobs; zero values fall back to the
// deployment defaults.
type Config struct {
	PollingInterval         time.Duration
	MaxJobsPerCycle         int
	RecoverStuckJobsOnStart bool
	ReapEveryNCycles        int
	DefaultJobTimeout       time.Duration
	CleanupInterval         time.Duration
	RetentionPeriod         time.Duration
	CleanupBatchSize        int
	AutoPurgeDeadLetters    bool
	DeadLetterRetention     time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollingInterval <= 0 {
		c.PollingInterval = 5 * time.Second
	}
	if c.MaxJobsPerCycle <= 0 {
		c.MaxJobsPerCycle = 100
	}
	if c.ReapEveryNCycles <= 0 {
		c.ReapEveryNCycles = 5
	}
	if c.DefaultJobTimeout <= 0 {
		c.DefaultJobTimeout = 20 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 30 * 24 * time.Hour
	}
	if c.CleanupBatchSize <= 0 {
		c.CleanupBatchSize = 1000
	}
	if c.DeadLetterRetention <= 0 {
		c.DeadLetterRetention = 30 * 24 * time.Hour
	}
}

// Manager owns manifest scheduling and lifecycle upkeep. All decisions
// read through the store so a restarted process picks up exactly where
// the dead one stopped.
type Manager struct {
	st       store.Store
	reg      *workflow.Registry
	notifier *workflow.Notifier
	elector  leadership
	clock    clock.Clock
	cfg      Config
	log      *zap.Logger

	// cycleMu keeps RunCycle non-reentrant: the ticker loop and manual
	// callers serialize on it.
	cycleMu sync.Mutex

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	cycles      uint64
	lastCleanup time.Time
}

func New(st store.Store, reg *workflow.Registry, notifier *workflow.Notifier, elector leadership, clk clock.Clock, cfg Config, log *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		st:       st,
		reg:      reg,
		notifier: notifier,
		elector:  elector,
		clock:    clk,
		cfg:      cfg,
		log:      log.Named("manager"),
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("manager: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.loop(runCtx)
	m.log.Info("manager started",
		zap.Duration("polling_interval", m.cfg.PollingInterval),
		zap.Int("max_jobs_per_cycle", m.cfg.MaxJobsPerCycle))
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.elector.IsLeader() {
				continue
			}
			if err := m.RunCycle(ctx); err != nil {
				m.log.Error("cycle aborted", zap.Error(err))
			}
		}
	}
}

// RunCycle executes one full pipeline iteration: reap, promote, clean,
// enqueue. Public so tests and embedders can drive the manager without
// the ticker. A returned error means the remainder of the cycle was
// abandoned; the next tick starts fresh.
func (m *Manager) RunCycle(ctx context.Context) (err error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := time.Now()
	defer func() {
		observability.ManagerCycleDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			m.log.Error("cycle panicked", zap.Any("panic", r))
			err = fmt.Errorf("manager: cycle panicked: %v", r)
		}
	}()

	m.mu.Lock()
	m.cycles++
	cycle := m.cycles
	m.mu.Unlock()

	now := m.clock.Now()

	reapNow := cycle%uint64(m.cfg.ReapEveryNCycles) == 1
	if cycle == 1 {
		reapNow = m.cfg.RecoverStuckJobsOnStart
	}
	if reapNow {
		if err := m.reap(ctx, now); err != nil {
			return err
		}
	}
	if err := m.promoteDeadLetters(ctx, now); err != nil {
		return err
	}
	if m.cleanupDue(now) {
		if err := m.cleanup(ctx, now); err != nil {
			return err
		}
	}
	return m.enqueueDue(ctx, now)
}

// reap forces timed-out attempts to Failed and requeues claims whose
// dispatcher died before appending metadata. Each CAS that this process
// wins emits the terminal event, so reaped runs feed the retry engine
// like any worker-reported failure.
func (m *Manager) reap(ctx context.Context, now time.Time) error {
	stuck, err := m.st.ListTimedOutMetadata(ctx, now, m.cfg.DefaultJobTimeout)
	if err != nil {
		return fmt.Errorf("manager: list timed out runs: %w", err)
	}
	reaped := 0
	for _, md := range stuck {
		if m.reapOne(ctx, md, now) {
			reaped++
		}
	}
	if reaped > 0 {
		observability.JobsReaped.Add(float64(reaped))
		m.log.Warn("reaped stuck runs", zap.Int("count", reaped))
	}

	recovered, err := m.st.RecoverStaleDispatches(ctx, now.Add(-staleDispatchAge))
	if err != nil {
		return fmt.Errorf("manager: recover stale dispatches: %w", err)
	}
	if recovered > 0 {
		m.log.Warn("requeued stale dispatched entries", zap.Int64("count", recovered))
	}
	return nil
}

func (m *Manager) reapOne(ctx context.Context, md *store.Metadata, now time.Time) bool {
	reason := workflow.ReasonTimeout
	detail := fmt.Sprintf("no terminal state %s after start", now.Sub(md.StartTime))
	patch := store.MetadataPatch{
		EndTime:          &now,
		FailureReason:    &reason,
		FailureException: &detail,
	}
	err := m.st.TransitionMetadata(ctx, md.ID, md.WorkflowState, store.StateFailed, patch)
	if err != nil {
		var conflict *store.StateConflictError
		if errors.As(err, &conflict) {
			// Settled between listing and CAS; the winner owns the event.
			return false
		}
		m.log.Error("reap run", zap.Int64("metadata_id", md.ID), zap.Error(err))
		return false
	}
	m.log.Warn("run timed out",
		zap.Int64("metadata_id", md.ID),
		zap.String("workflow", md.Name),
		zap.Duration("age", now.Sub(md.StartTime)))
	workflow.NotifyTerminal(ctx, m.st, m.notifier, md.ID, nil, m.log)
	return true
}

// promoteDeadLetters moves manifests whose attempt window is exhausted
// into AwaitingIntervention. The upsert is idempotent: one awaiting
// letter per manifest no matter how many cycles observe the exhaustion.
func (m *Manager) promoteDeadLetters(ctx context.Context, now time.Time) error {
	candidates, err := m.st.ListDeadLetterCandidates(ctx, m.cfg.MaxJobsPerCycle)
	if err != nil {
		return fmt.Errorf("manager: list dead letter candidates: %w", err)
	}
	for _, c := range candidates {
		dl, created, err := m.st.UpsertDeadLetter(ctx, c.Manifest.ID, deadLetterReason, c.Attempts, now)
		if err != nil {
			return fmt.Errorf("manager: promote manifest %d: %w", c.Manifest.ID, err)
		}
		if created {
			observability.DeadLettersTotal.WithLabelValues("promoted").Inc()
			m.log.Warn("manifest promoted to dead letter",
				zap.Int64("manifest_id", c.Manifest.ID),
				zap.String("manifest", c.Manifest.Name),
				zap.Int("attempts", c.Attempts),
				zap.Int64("dead_letter_id", dl.ID))
		}
	}
	return nil
}

func (m *Manager) cleanupDue(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lastCleanup.IsZero() && now.Sub(m.lastCleanup) < m.cfg.CleanupInterval {
		return false
	}
	m.lastCleanup = now
	return true
}

// cleanup deletes terminal metadata past retention in bounded batches,
// then resolved dead letters when configured to.
func (m *Manager) cleanup(ctx context.Context, now time.Time) error {
	horizon := now.Add(-m.cfg.RetentionPeriod)
	var total int64
	for {
		n, err := m.st.PurgeTerminalMetadata(ctx, horizon, m.cfg.CleanupBatchSize)
		if err != nil {
			return fmt.Errorf("manager: purge metadata: %w", err)
		}
		total += n
		if n < int64(m.cfg.CleanupBatchSize) {
			break
		}
	}
	if total > 0 {
		observability.MetadataPurged.Add(float64(total))
		m.log.Info("purged terminal metadata", zap.Int64("rows", total))
	}

	if m.cfg.AutoPurgeDeadLetters {
		n, err := m.st.PurgeResolvedDeadLetters(ctx, now.Add(-m.cfg.DeadLetterRetention))
		if err != nil {
			return fmt.Errorf("manager: purge dead letters: %w", err)
		}
		if n > 0 {
			m.log.Info("purged resolved dead letters", zap.Int64("rows", n))
		}
	}
	return nil
}

// enqueueDue selects due manifests and enqueues each at most once,
// honoring group saturation including this cycle's own enqueues.
func (m *Manager) enqueueDue(ctx context.Context, now time.Time) error {
	candidates, err := m.st.GetDueManifestCandidates(ctx, now, m.cfg.MaxJobsPerCycle)
	if err != nil {
		return fmt.Errorf("manager: list due candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	activeByGroup, err := m.st.CountActiveJobsByGroup(ctx)
	if err != nil {
		return fmt.Errorf("manager: count active jobs: %w", err)
	}

	enqueued := 0
	for _, c := range candidates {
		err := m.enqueueOne(ctx, c, activeByGroup, now)
		switch {
		case err == nil:
			enqueued++
		case errors.Is(err, errSkipManifest):
		default:
			return err
		}
	}
	if enqueued > 0 {
		observability.ManifestsEnqueued.Add(float64(enqueued))
		m.log.Info("enqueued due manifests", zap.Int("count", enqueued))
	}
	return nil
}

func (m *Manager) enqueueOne(ctx context.Context, c *store.ManifestCandidate, activeByGroup map[int64]int, now time.Time) error {
	manifest := &c.Manifest
	log := m.log.With(
		zap.Int64("manifest_id", manifest.ID),
		zap.String("manifest", manifest.Name),
	)

	due, err := schedule.Due(manifest, now)
	if err != nil {
		if errors.Is(err, schedule.ErrInvalidSchedule) {
			// A manifest that cannot be evaluated can never fire; disable
			// it with a note instead of failing every cycle.
			note := fmt.Sprintf("disabled by scheduler: %v", err)
			log.Error("schedule rejected", zap.Error(err))
			if derr := m.st.SetManifestEnabled(ctx, manifest.ID, false, note); derr != nil {
				return fmt.Errorf("manager: disable manifest %d: %w", manifest.ID, derr)
			}
			return errSkipManifest
		}
		return fmt.Errorf("manager: evaluate schedule for %d: %w", manifest.ID, err)
	}
	if !due {
		return errSkipManifest
	}

	if manifest.ManifestGroupID != nil && c.GroupMaxJobs != nil {
		if activeByGroup[*manifest.ManifestGroupID] >= *c.GroupMaxJobs {
			log.Debug("group saturated, deferring", zap.String("group", c.GroupName))
			return errSkipManifest
		}
	}

	ready, err := m.dependencyMet(ctx, manifest)
	if err != nil {
		return fmt.Errorf("manager: check dependency of %d: %w", manifest.ID, err)
	}
	if !ready {
		log.Debug("dependency not completed yet, deferring")
		return errSkipManifest
	}

	err = m.st.WithTx(ctx, func(ctx context.Context, st store.Store) error {
		// Recheck inside the transaction: the dispatcher may have turned
		// queued work into an active attempt since candidate selection.
		active, err := st.HasActiveMetadata(ctx, manifest.ID)
		if err != nil {
			return err
		}
		queued, err := st.HasQueuedWork(ctx, manifest.ID)
		if err != nil {
			return err
		}
		if active || queued {
			return errSkipManifest
		}

		w := &store.WorkQueueEntry{
			WorkflowName:  manifest.Name,
			InputJSON:     manifest.PropertiesJSON,
			InputTypeName: manifest.PropertiesTypeName,
			ManifestID:    &manifest.ID,
			Priority:      manifest.Priority + c.GroupPriority,
			CreatedAt:     now,
			AvailableAt:   now,
		}
		if err := st.EnqueueWork(ctx, w); err != nil {
			return err
		}
		return st.MarkManifestEnqueued(ctx, manifest.ID, now)
	})
	if err != nil {
		if errors.Is(err, errSkipManifest) {
			return errSkipManifest
		}
		var conflict *store.StateConflictError
		if errors.As(err, &conflict) {
			log.Info("lost enqueue race, skipping", zap.String("actual", conflict.Actual))
			return errSkipManifest
		}
		return fmt.Errorf("manager: enqueue manifest %d: %w", manifest.ID, err)
	}

	if manifest.ManifestGroupID != nil {
		activeByGroup[*manifest.ManifestGroupID]++
	}
	log.Debug("manifest enqueued")
	return nil
}

// dependencyMet gates DAG children: the parent must have a Completed run
// that finished after the child was last enqueued.
func (m *Manager) dependencyMet(ctx context.Context, manifest *store.Manifest) (bool, error) {
	if manifest.DependsOnManifestID == nil {
		return true, nil
	}
	return m.st.HasCompletedRunSince(ctx, *manifest.DependsOnManifestID, manifest.LastEnqueuedAt)
}
