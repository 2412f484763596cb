package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/clock"
	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (c *capturePublisher) Publish(_ context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *capturePublisher) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func terminalRun(state store.WorkflowState) workflow.RunEvent {
	manifestID := int64(7)
	reason := "Timeout"
	end := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)
	md := &store.Metadata{
		ID:            42,
		ExternalID:    "ext-42",
		ManifestID:    &manifestID,
		Name:          "nightly-report",
		Executor:      "host-1:100",
		WorkflowState: state,
		StartTime:     time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		EndTime:       &end,
	}
	if state == store.StateFailed {
		md.FailureReason = &reason
	}
	return workflow.RunEvent{
		Metadata: md,
		Manifest: &store.Manifest{ID: manifestID, Name: "nightly-report"},
	}
}

func TestFromRunFlattensMetadata(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 5, 1, 0, time.UTC)
	ev := FromRun(terminalRun(store.StateFailed), at)

	assert.Equal(t, int64(42), ev.MetadataID)
	assert.Equal(t, "ext-42", ev.ExternalID)
	assert.Equal(t, "nightly-report", ev.Workflow)
	assert.Equal(t, "Failed", ev.State)
	require.NotNil(t, ev.ManifestID)
	assert.Equal(t, int64(7), *ev.ManifestID)
	assert.Equal(t, "nightly-report", ev.ManifestName)
	assert.Equal(t, "host-1:100", ev.Executor)
	assert.Equal(t, "Timeout", ev.FailureReason)
	assert.Equal(t, at, ev.EmittedAt)
	assert.Equal(t, "flowforge.runs.failed", ev.Subject())
}

func TestSubjectPerTerminalState(t *testing.T) {
	cases := map[store.WorkflowState]string{
		store.StateCompleted: "flowforge.runs.completed",
		store.StateFailed:    "flowforge.runs.failed",
		store.StateCancelled: "flowforge.runs.cancelled",
	}
	for state, want := range cases {
		ev := FromRun(terminalRun(state), time.Now())
		assert.Equal(t, want, ev.Subject())
	}
}

func TestFanoutDeliversToAllAndCloses(t *testing.T) {
	a := &capturePublisher{}
	b := &capturePublisher{}
	f := Fanout{a, b}

	f.Publish(context.Background(), Event{MetadataID: 1, State: "Completed"})
	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, b.len())

	f.Close()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestObserverBridgesNotifierEvents(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	sink := &capturePublisher{}

	obs := Observer(sink, clk)
	obs.OnRunEnd(context.Background(), terminalRun(store.StateCompleted))

	require.Equal(t, 1, sink.len())
	assert.Equal(t, now, sink.events[0].EmittedAt)
	assert.Equal(t, "Completed", sink.events[0].State)
}

type fakeMsg struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu       sync.Mutex
	err      error
	attempts int
	messages []fakeMsg
	drained  bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, fakeMsg{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = true
	return nil
}

func TestNATSPublisherPublishesPerStateSubject(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, nil, zap.NewNop())

	p.Publish(context.Background(), FromRun(terminalRun(store.StateCompleted), time.Now()))
	p.Publish(context.Background(), FromRun(terminalRun(store.StateFailed), time.Now()))

	require.Len(t, conn.messages, 2)
	assert.Equal(t, "flowforge.runs.completed", conn.messages[0].subject)
	assert.Equal(t, "flowforge.runs.failed", conn.messages[1].subject)

	var got Event
	require.NoError(t, json.Unmarshal(conn.messages[1].data, &got))
	assert.Equal(t, int64(42), got.MetadataID)
	assert.Equal(t, "Timeout", got.FailureReason)

	p.Close()
	assert.True(t, conn.drained)
}

func TestNATSPublisherFallsBackOnPublishError(t *testing.T) {
	conn := &fakeConn{err: errors.New("broker down")}
	fallback := &capturePublisher{}
	p := NewNATSPublisher(conn, fallback, zap.NewNop())

	p.Publish(context.Background(), FromRun(terminalRun(store.StateCompleted), time.Now()))

	assert.Equal(t, 1, conn.attempts)
	require.Equal(t, 1, fallback.len())
	assert.Equal(t, "Completed", fallback.events[0].State)
}

func TestNATSPublisherBreakerStopsHammeringDeadBroker(t *testing.T) {
	conn := &fakeConn{err: errors.New("broker down")}
	fallback := &capturePublisher{}
	p := NewNATSPublisher(conn, fallback, zap.NewNop())

	ev := FromRun(terminalRun(store.StateCompleted), time.Now())
	for i := 0; i < 8; i++ {
		p.Publish(context.Background(), ev)
	}

	// Five consecutive failures trip the breaker; later publishes skip the
	// connection entirely but still reach the fallback.
	assert.Equal(t, 5, conn.attempts)
	assert.Equal(t, 8, fallback.len())
}
