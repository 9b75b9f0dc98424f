// Package notify fans lifecycle events out to logs, storage and live clients.
package notify

import (
	"context"
	"sync"

	"github.com/vitos/risk_lifecycle/internal/domain"
	"github.com/vitos/risk_lifecycle/internal/metrics"
	"go.uber.org/zap"
)

// Sink consumes delivered events. Handle runs on the dispatcher goroutine.
type Sink interface {
	Handle(ctx context.Context, event domain.LifecycleEvent) error
}

// Dispatcher buffers events so Publish never blocks the lifecycle manager.
// When the buffer is full the event is dropped and counted.
type Dispatcher struct {
	events chan domain.LifecycleEvent
	sinks  []Sink
	logger *zap.Logger
	done   chan struct{}

	mu      sync.Mutex
	dropped int
}

func NewDispatcher(buffer int, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		events: make(chan domain.LifecycleEvent, buffer),
		sinks:  sinks,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (d *Dispatcher) Publish(event domain.LifecycleEvent) {
	select {
	case d.events <- event:
	default:
		metrics.DroppedEvents.Inc()
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.logger.Warn("Event buffer full, dropping event",
			zap.String("position_id", event.PositionID),
			zap.String("to_state", string(event.ToState)))
	}
}

// Dropped returns how many events were discarded since start.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Done is closed when Run has returned and the buffer is drained.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run delivers events until ctx is done, then drains what is already buffered.
// It must be called once.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case e := <-d.events:
			d.deliver(ctx, e)
		case <-ctx.Done():
			drain := context.WithoutCancel(ctx)
			for {
				select {
				case e := <-d.events:
					d.deliver(drain, e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e domain.LifecycleEvent) {
	for _, s := range d.sinks {
		if err := s.Handle(ctx, e); err != nil {
			d.logger.Warn("Event sink failed", zap.String("position_id", e.PositionID), zap.Error(err))
		}
	}
}
