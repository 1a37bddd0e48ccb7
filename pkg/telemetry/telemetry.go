// Package telemetry mirrors every state change to external message buses.
//
// A Publisher is a state.Broadcaster: BroadcastState encodes the snapshot
// and queues it without blocking. A goroutine started by Run drains the
// queue into each configured Sink. When the queue is full the snapshot is
// dropped, so a slow broker never stalls the control engine.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/teslashibe/fanbridge/internal/log"
	"github.com/teslashibe/fanbridge/pkg/state"
)

// DefaultQueueSize is the publisher backlog when none is configured.
const DefaultQueueSize = 64

// publishTimeout bounds a single sink write.
const publishTimeout = 5 * time.Second

// Sink delivers encoded state snapshots to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Event is the payload written to sinks.
type Event struct {
	Source string            `json:"source"`
	State  state.SystemState `json:"state"`
}

// Stats contains publisher counters.
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Publisher fans state snapshots out to sinks.
type Publisher struct {
	source string
	sinks  []Sink
	queue  chan []byte
	logger *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewPublisher creates a publisher over sinks. source identifies this bridge
// in every event.
func NewPublisher(source string, queueSize int, sinks ...Sink) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Publisher{
		source: source,
		sinks:  sinks,
		queue:  make(chan []byte, queueSize),
		logger: log.Component("telemetry"),
	}
}

// Enabled reports whether any sink is configured.
func (p *Publisher) Enabled() bool {
	return len(p.sinks) > 0
}

// BroadcastState queues s for every sink.
func (p *Publisher) BroadcastState(s state.SystemState) {
	if !p.Enabled() {
		return
	}
	payload, err := json.Marshal(Event{Source: p.source, State: s})
	if err != nil {
		p.logger.Error("encode state", "error", err)
		return
	}
	select {
	case p.queue <- payload:
	default:
		p.dropped.Add(1)
		p.logger.Warn("telemetry queue full, dropping state")
	}
}

// Run drains the queue until ctx is done, then closes the sinks.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-p.queue:
			p.publish(ctx, payload)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, payload []byte) {
	for _, sink := range p.sinks {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := sink.Publish(pctx, payload)
		cancel()
		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("publish failed", "sink", sink.Name(), "error", err)
			continue
		}
		p.published.Add(1)
	}
}

func (p *Publisher) close() {
	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.Warn("close sinks", "error", err)
	}
}

// Stats returns publisher counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

var _ state.Broadcaster = (*Publisher)(nil)
