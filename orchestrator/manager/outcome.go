package manager

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/clock"
	"github.com/itskum47/FlowForge/orchestrator/observability"
	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

// RetryConfig carries the deployment-wide retry policy. Manifests may
// override delay and multiplier per row; max_retries always comes from
// the manifest column.
type RetryConfig struct {
	DefaultRetryDelay time.Duration
	BackoffMultiplier float64
	MaxRetryDelay     time.Duration
}

func (c *RetryConfig) applyDefaults() {
	if c.DefaultRetryDelay <= 0 {
		c.DefaultRetryDelay = 5 * time.Minute
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = time.Hour
	}
}

// OutcomeHandler turns terminal run events into manifest bookkeeping:
// success stamps last_successful_run_at, failure queues the next attempt
// with exponential backoff until the manifest's max_retries is spent.
// Exhausted manifests are left for the dead-letter sweep.
type OutcomeHandler struct {
	st    store.Store
	clock clock.Clock
	cfg   RetryConfig
	log   *zap.Logger
}

// NewOutcomeHandler wires the handler into the notifier. Every terminal
// event feeds retry accounting, so the subscription is not optional.
func NewOutcomeHandler(st store.Store, notifier *workflow.Notifier, clk clock.Clock, cfg RetryConfig, log *zap.Logger) *OutcomeHandler {
	cfg.applyDefaults()
	h := &OutcomeHandler{st: st, clock: clk, cfg: cfg, log: log.Named("outcome")}
	notifier.Subscribe(h)
	return h
}

func (h *OutcomeHandler) OnRunEnd(ctx context.Context, ev workflow.RunEvent) {
	if ev.Metadata == nil || ev.Manifest == nil {
		return // ad-hoc and spawned runs have no schedule to maintain
	}
	switch ev.Metadata.WorkflowState {
	case store.StateCompleted:
		h.markSucceeded(ctx, ev)
	case store.StateFailed:
		h.scheduleRetry(ctx, ev)
	}
	// Cancelled is an operator action: no retry, no success stamp.
}

func (h *OutcomeHandler) markSucceeded(ctx context.Context, ev workflow.RunEvent) {
	at := h.clock.Now()
	if ev.Metadata.EndTime != nil {
		at = *ev.Metadata.EndTime
	}
	if err := h.st.MarkManifestSucceeded(ctx, ev.Manifest.ID, at); err != nil {
		h.log.Error("mark manifest succeeded",
			zap.Int64("manifest_id", ev.Manifest.ID),
			zap.Error(err))
	}
}

func (h *OutcomeHandler) scheduleRetry(ctx context.Context, ev workflow.RunEvent) {
	// Re-read the manifest: the event snapshot may predate operator edits.
	manifest, err := h.st.GetManifest(ctx, ev.Manifest.ID)
	if err != nil {
		h.log.Error("load manifest for retry",
			zap.Int64("manifest_id", ev.Manifest.ID),
			zap.Error(err))
		return
	}
	attempts, err := h.st.CountRecentFailures(ctx, manifest.ID, manifest.LastSuccessfulRunAt)
	if err != nil {
		h.log.Error("count recent failures",
			zap.Int64("manifest_id", manifest.ID),
			zap.Error(err))
		return
	}
	if attempts >= manifest.MaxRetries {
		h.log.Warn("retries exhausted",
			zap.Int64("manifest_id", manifest.ID),
			zap.String("external_id", manifest.ExternalID),
			zap.Int("attempts", attempts),
			zap.Int("max_retries", manifest.MaxRetries))
		return // the dead-letter sweep takes it from here
	}

	now := h.clock.Now()
	delay := h.backoff(manifest, attempts)
	w := &store.WorkQueueEntry{
		WorkflowName:  manifest.Name,
		InputJSON:     manifest.PropertiesJSON,
		InputTypeName: manifest.PropertiesTypeName,
		ManifestID:    &manifest.ID,
		// Aging attempts ahead of fresh work keeps a flapping manifest
		// from starving behind its own schedule.
		Priority:    manifest.Priority + attempts,
		CreatedAt:   now,
		AvailableAt: now.Add(delay),
	}
	err = h.st.WithTx(ctx, func(ctx context.Context, st store.Store) error {
		if err := st.EnqueueWork(ctx, w); err != nil {
			return err
		}
		return st.MarkManifestEnqueued(ctx, manifest.ID, now)
	})
	if err != nil {
		h.log.Error("schedule retry",
			zap.Int64("manifest_id", manifest.ID),
			zap.Error(err))
		return
	}
	observability.RetriesScheduled.Inc()
	h.log.Info("retry scheduled",
		zap.Int64("manifest_id", manifest.ID),
		zap.String("external_id", manifest.ExternalID),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay))
}

// backoff computes the wait before the next attempt. attempts counts
// failures since the last success and includes the one just recorded,
// so the first retry waits the base delay.
func (h *OutcomeHandler) backoff(m *store.Manifest, attempts int) time.Duration {
	base := h.cfg.DefaultRetryDelay
	if m.DefaultRetryDelaySecs != nil && *m.DefaultRetryDelaySecs > 0 {
		base = time.Duration(*m.DefaultRetryDelaySecs) * time.Second
	}
	multiplier := h.cfg.BackoffMultiplier
	if m.RetryBackoffMultiplier != nil && *m.RetryBackoffMultiplier >= 1 {
		multiplier = *m.RetryBackoffMultiplier
	}
	maxDelay := h.cfg.MaxRetryDelay
	if m.MaxRetryDelaySecs != nil && *m.MaxRetryDelaySecs > 0 {
		maxDelay = time.Duration(*m.MaxRetryDelaySecs) * time.Second
	}

	delay := time.Duration(float64(base) * math.Pow(multiplier, float64(attempts-1)))
	if delay <= 0 || delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
