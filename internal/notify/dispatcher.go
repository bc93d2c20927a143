// Package notify fans committed ledger events out to per-user inboxes and logs.
// Delivery is best-effort: a full buffer drops events instead of blocking the
// ledger.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/safar/provenance-ledger/internal/models"
	"github.com/sirupsen/logrus"
)

// Handler consumes one domain event.
type Handler interface {
	Handle(event models.DomainEvent)
}

type HandlerFunc func(event models.DomainEvent)

func (f HandlerFunc) Handle(event models.DomainEvent) { f(event) }

// Dispatcher queues events on a buffered channel and hands them to its
// handlers from a single worker goroutine.
type Dispatcher struct {
	mu       sync.RWMutex
	closed   bool
	events   chan models.DomainEvent
	handlers []Handler
	log      logrus.FieldLogger
	done     chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

func NewDispatcher(buffer int, log logrus.FieldLogger, handlers ...Handler) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	d := &Dispatcher{
		events:   make(chan models.DomainEvent, buffer),
		handlers: handlers,
		log:      log,
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish enqueues event without blocking.
func (d *Dispatcher) Publish(event models.DomainEvent) {
	d.TryPublish(event)
}

// TryPublish is Publish that reports false when the event was dropped
// because the buffer is full or the dispatcher is closed.
func (d *Dispatcher) TryPublish(event models.DomainEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		return false
	}

	select {
	case d.events <- event:
		d.published.Add(1)
		return true
	default:
		d.dropped.Add(1)
		d.log.WithFields(logrus.Fields{"type": event.Type, "product_id": event.ProductID, "order_id": event.OrderID}).
			Warn("notification buffer full, dropping event")
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.events {
		for _, h := range d.handlers {
			d.deliver(h, event)
		}
		d.delivered.Add(1)
	}
}

func (d *Dispatcher) deliver(h Handler, event models.DomainEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("type", event.Type).Errorf("notification handler panicked: %v", r)
		}
	}()
	h.Handle(event)
}

// Close stops intake and waits for queued events to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns counters for observability.
func (d *Dispatcher) Metrics() (published, delivered, dropped uint64) {
	return d.published.Load(), d.delivered.Load(), d.dropped.Load()
}

// LogHandler writes every event as a structured log line.
func LogHandler(log logrus.FieldLogger) Handler {
	return HandlerFunc(func(event models.DomainEvent) {
		log.WithFields(logrus.Fields{
			"type":       event.Type,
			"product_id": event.ProductID,
			"order_id":   event.OrderID,
			"actor_id":   event.ActorID,
			"recipients": event.Recipients,
		}).Info("domain event")
	})
}
