package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/observability"
)

// publishConn is the part of *nats.Conn the publisher uses; tests swap
// in a fake.
type publishConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher pushes run events to flowforge.runs.<state>. A circuit
// breaker guards the connection: after five consecutive publish failures
// it opens for thirty seconds and events go straight to the fallback
// instead of waiting out a dead broker on every run.
type NATSPublisher struct {
	conn     publishConn
	breaker  *gobreaker.CircuitBreaker
	fallback Publisher
	log      *zap.Logger
}

// ConnectNATS dials the broker and wraps the connection. The connection
// reconnects forever on its own; the breaker handles the windows where it
// cannot.
func ConnectNATS(url string, fallback Publisher, log *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("flowforge-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return NewNATSPublisher(nc, fallback, log), nil
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn publishConn, fallback Publisher, log *zap.Logger) *NATSPublisher {
	log = log.Named("nats")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "nats-publish",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn("publish breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &NATSPublisher{conn: conn, breaker: breaker, fallback: fallback, log: log}
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("encode run event",
			zap.Int64("metadata_id", ev.MetadataID),
			zap.Error(err))
		return
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.conn.Publish(ev.Subject(), raw)
	})
	if err != nil {
		observability.EventPublishFailures.WithLabelValues("nats").Inc()
		p.log.Warn("publish failed, falling back",
			zap.String("subject", ev.Subject()),
			zap.Error(err))
		if p.fallback != nil {
			p.fallback.Publish(ctx, ev)
		}
	}
}

func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.Warn("drain connection", zap.Error(err))
	}
}
