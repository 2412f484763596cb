package manager

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/observability"
	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

// TriggerAsync enqueues one run of a manifest immediately, regardless of
// schedule type. The row carries the manifest's stored properties unless
// inputJSON overrides them.
func (m *Manager) TriggerAsync(ctx context.Context, externalID string, inputJSON *string) (int64, error) {
	manifest, err := m.st.GetManifestByExternalID(ctx, externalID)
	if err != nil {
		return 0, err
	}
	if !manifest.IsEnabled {
		return 0, fmt.Errorf("%w: %s", ErrManifestDisabled, externalID)
	}

	now := m.clock.Now()
	w := &store.WorkQueueEntry{
		WorkflowName:  manifest.Name,
		InputJSON:     manifest.PropertiesJSON,
		InputTypeName: manifest.PropertiesTypeName,
		ManifestID:    &manifest.ID,
		Priority:      manifest.Priority,
		CreatedAt:     now,
		AvailableAt:   now,
	}
	if inputJSON != nil {
		w.InputJSON = inputJSON
	}
	if manifest.ManifestGroupID != nil {
		g, err := m.st.GetManifestGroup(ctx, *manifest.ManifestGroupID)
		if err != nil {
			return 0, fmt.Errorf("manager: load group %d: %w", *manifest.ManifestGroupID, err)
		}
		w.Priority += g.Priority
	}

	err = m.st.WithTx(ctx, func(ctx context.Context, st store.Store) error {
		if err := st.EnqueueWork(ctx, w); err != nil {
			return err
		}
		return st.MarkManifestEnqueued(ctx, manifest.ID, now)
	})
	if err != nil {
		return 0, fmt.Errorf("manager: trigger %s: %w", externalID, err)
	}
	m.log.Info("manifest triggered",
		zap.String("external_id", externalID),
		zap.Int64("work_queue_id", w.ID))
	return w.ID, nil
}

// ScheduleMany enqueues ad-hoc manifest-less runs of a registered
// workflow, one queue entry per input, all in one transaction.
func (m *Manager) ScheduleMany(ctx context.Context, workflowName string, inputs []any) ([]int64, error) {
	def, ok := m.reg.Get(workflowName)
	if !ok {
		return nil, fmt.Errorf("manager: no workflow registered under %q", workflowName)
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	now := m.clock.Now()
	rows := make([]*store.WorkQueueEntry, 0, len(inputs))
	for i, input := range inputs {
		w := &store.WorkQueueEntry{
			WorkflowName: workflowName,
			CreatedAt:    now,
			AvailableAt:  now,
		}
		if input != nil {
			encoded, err := workflow.Encode(def.InputType, input)
			if err != nil {
				return nil, fmt.Errorf("manager: encode input %d for %s: %w", i, workflowName, err)
			}
			typeName := def.InputType
			w.InputJSON = &encoded
			w.InputTypeName = &typeName
		}
		rows = append(rows, w)
	}

	err := m.st.WithTx(ctx, func(ctx context.Context, st store.Store) error {
		for _, w := range rows {
			if err := st.EnqueueWork(ctx, w); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("manager: schedule %s: %w", workflowName, err)
	}

	ids := make([]int64, len(rows))
	for i, w := range rows {
		ids[i] = w.ID
	}
	m.log.Info("ad-hoc runs scheduled",
		zap.String("workflow", workflowName),
		zap.Int("count", len(ids)))
	return ids, nil
}

// RetryDeadLetter enqueues a fresh run for a dead-lettered manifest and
// marks the letter Retried. The dispatcher attaches the attempt it
// creates for that row back to the letter as retryMetadataId.
func (m *Manager) RetryDeadLetter(ctx context.Context, deadLetterID int64, note string) error {
	dl, err := m.st.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return err
	}
	manifest, err := m.st.GetManifest(ctx, dl.ManifestID)
	if err != nil {
		return fmt.Errorf("manager: load manifest %d: %w", dl.ManifestID, err)
	}

	now := m.clock.Now()
	w := &store.WorkQueueEntry{
		WorkflowName:  manifest.Name,
		InputJSON:     manifest.PropertiesJSON,
		InputTypeName: manifest.PropertiesTypeName,
		ManifestID:    &manifest.ID,
		Priority:      manifest.Priority,
		CreatedAt:     now,
		AvailableAt:   now,
	}
	err = m.st.WithTx(ctx, func(ctx context.Context, st store.Store) error {
		// Resolve first: a letter no longer awaiting intervention
		// conflicts here and nothing is enqueued.
		if err := st.ResolveDeadLetter(ctx, deadLetterID, store.DeadLetterRetried, note, now); err != nil {
			return err
		}
		if err := st.EnqueueWork(ctx, w); err != nil {
			return err
		}
		return st.MarkManifestEnqueued(ctx, manifest.ID, now)
	})
	if err != nil {
		return err
	}
	observability.DeadLettersTotal.WithLabelValues("retried").Inc()
	m.log.Info("dead letter retried",
		zap.Int64("dead_letter_id", deadLetterID),
		zap.Int64("manifest_id", manifest.ID),
		zap.Int64("work_queue_id", w.ID))
	return nil
}

// AcknowledgeDeadLetter closes a dead letter without scheduling anything.
// Retry accounting is untouched: until a manually enqueued run succeeds,
// continued failures will promote the manifest again.
func (m *Manager) AcknowledgeDeadLetter(ctx context.Context, deadLetterID int64, note string) error {
	if err := m.st.ResolveDeadLetter(ctx, deadLetterID, store.DeadLetterAcknowledged, note, m.clock.Now()); err != nil {
		return err
	}
	observability.DeadLettersTotal.WithLabelValues("acknowledged").Inc()
	m.log.Info("dead letter acknowledged", zap.Int64("dead_letter_id", deadLetterID))
	return nil
}
