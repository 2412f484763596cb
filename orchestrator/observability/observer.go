package observability

import (
	"context"

	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

// RunMetrics converts terminal run events into counters and histograms.
// Subscribe it to the notifier alongside the functional observers.
type RunMetrics struct{}

func (RunMetrics) OnRunEnd(_ context.Context, ev workflow.RunEvent) {
	md := ev.Metadata
	RunsTotal.WithLabelValues(md.Name, md.WorkflowState.String()).Inc()
	if md.EndTime != nil {
		RunDuration.WithLabelValues(md.Name).Observe(md.EndTime.Sub(md.StartTime).Seconds())
	}
	if md.WorkflowState == store.StateFailed {
		reason := "workflow_error"
		if md.FailureReason != nil {
			switch *md.FailureReason {
			case workflow.ReasonSerialization, workflow.ReasonEnqueueFailed,
				workflow.ReasonTimeout, workflow.ReasonUnknownWorkflow:
				reason = *md.FailureReason
			}
		}
		RunFailureReasons.WithLabelValues(md.Name, reason).Inc()
	}
}
