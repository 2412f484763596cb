// Package events publishes terminal run transitions to external
// consumers: a NATS subject per state, the dashboard websocket feed, and
// the process log. Publishing is fire-and-forget; a slow or broken
// consumer never holds up the retry pipeline behind the notifier.
package events

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/clock"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

// Event is the wire payload published for every terminal run.
type Event struct {
	MetadataID    int64      `json:"metadata_id"`
	ExternalID    string     `json:"external_id"`
	Workflow      string     `json:"workflow"`
	State         string     `json:"state"`
	ManifestID    *int64     `json:"manifest_id,omitempty"`
	ManifestName  string     `json:"manifest_name,omitempty"`
	Executor      string     `json:"executor,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	EmittedAt     time.Time  `json:"emitted_at"`
}

// FromRun flattens a notifier event into the wire payload.
func FromRun(ev workflow.RunEvent, at time.Time) Event {
	e := Event{
		MetadataID: ev.Metadata.ID,
		ExternalID: ev.Metadata.ExternalID,
		Workflow:   ev.Metadata.Name,
		State:      ev.Metadata.WorkflowState.String(),
		ManifestID: ev.Metadata.ManifestID,
		Executor:   ev.Metadata.Executor,
		StartTime:  ev.Metadata.StartTime,
		EndTime:    ev.Metadata.EndTime,
		EmittedAt:  at,
	}
	if ev.Manifest != nil {
		e.ManifestName = ev.Manifest.Name
	}
	if ev.Metadata.FailureReason != nil {
		e.FailureReason = *ev.Metadata.FailureReason
	}
	return e
}

// Subject is the NATS subject for this event, one per terminal state:
// flowforge.runs.completed, flowforge.runs.failed, flowforge.runs.cancelled.
func (e Event) Subject() string {
	return "flowforge.runs." + strings.ToLower(e.State)
}

// Publisher delivers run events somewhere useful. Implementations absorb
// their own failures; Publish never reports one to the caller.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close()
}

// LogPublisher writes events to the process log. The default when no
// broker is configured, and the fallback when one is unreachable.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) {
	fields := []zap.Field{
		zap.Int64("metadata_id", ev.MetadataID),
		zap.String("workflow", ev.Workflow),
		zap.String("state", ev.State),
	}
	if ev.ManifestName != "" {
		fields = append(fields, zap.String("manifest", ev.ManifestName))
	}
	if ev.FailureReason != "" {
		fields = append(fields, zap.String("failure_reason", ev.FailureReason))
	}
	p.log.Info("run finished", fields...)
}

func (p *LogPublisher) Close() {}

// Fanout delivers each event to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, p := range f {
		p.Publish(ctx, ev)
	}
}

func (f Fanout) Close() {
	for _, p := range f {
		p.Close()
	}
}

// Observer bridges the workflow notifier into a Publisher, stamping each
// event with the emission time.
func Observer(p Publisher, clk clock.Clock) workflow.RunObserver {
	return workflow.ObserverFunc(func(ctx context.Context, ev workflow.RunEvent) {
		p.Publish(ctx, FromRun(ev, clk.Now()))
	})
}
