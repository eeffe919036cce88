// Package notify fans trading lifecycle events out to operator channels.
//
// The core publishes events and moves on; delivery runs on its own
// goroutine and a failure there never touches trading state. The queue
// is bounded: when it fills, the oldest non-critical event is evicted
// first, so exit and error notifications survive a backlog.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"bithumb-trader/pkg/types"
)

// queueCap bounds the pending event queue.
const queueCap = 64

// Sink delivers one event to an operator channel. Implementations must
// be safe for use from the dispatcher goroutine and should swallow
// transient delivery failures themselves.
type Sink interface {
	Notify(ctx context.Context, ev types.Event) error
}

// Dispatcher owns the event queue and the delivery goroutine.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger

	mu    sync.Mutex
	queue []types.Event
	wake  chan struct{}
}

// NewDispatcher creates a dispatcher fanning out to the given sinks.
// Zero sinks is valid; events are then consumed and discarded.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:  sinks,
		logger: logger.With("component", "notify"),
		wake:   make(chan struct{}, 1),
	}
}

// Publish enqueues an event without blocking. On a full queue the
// oldest non-critical event is evicted; an incoming non-critical event
// is dropped outright if only critical events remain queued.
func (d *Dispatcher) Publish(ev types.Event) {
	d.mu.Lock()
	if len(d.queue) >= queueCap {
		if !d.evictOldestNonCritical() {
			if !ev.Kind.Critical() {
				d.mu.Unlock()
				d.logger.Warn("notification queue full, dropping event", "kind", ev.Kind)
				return
			}
			// Queue full of criticals and another critical arrived;
			// the oldest one has had the longest chance to matter.
			d.logger.Error("notification queue full of critical events, evicting oldest",
				"evicted", d.queue[0].Kind)
			d.queue = d.queue[1:]
		}
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// evictOldestNonCritical removes the first non-critical event from the
// queue. Callers hold d.mu.
func (d *Dispatcher) evictOldestNonCritical() bool {
	for i, queued := range d.queue {
		if !queued.Kind.Critical() {
			d.logger.Warn("notification queue full, evicting oldest non-critical",
				"evicted", queued.Kind)
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Run delivers queued events until the context is cancelled. Pending
// events still queued at shutdown are flushed once before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.deliverPending(context.Background())
			return
		case <-d.wake:
			d.deliverPending(ctx)
		}
	}
}

func (d *Dispatcher) deliverPending(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		for _, sink := range d.sinks {
			if err := sink.Notify(ctx, ev); err != nil {
				d.logger.Warn("sink delivery failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Pending reports the number of queued events, for status endpoints.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
