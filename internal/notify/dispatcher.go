package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBuffer         = 256
	defaultDeliverTimeout = 10 * time.Second
)

// Dispatcher queues events in a bounded buffer and delivers them to every
// sink from a single background goroutine. A full buffer drops the event with
// a warning rather than blocking the emitter.
type Dispatcher struct {
	sinks          []Sink
	events         chan Event
	limiter        *rate.Limiter
	logger         *slog.Logger
	metrics        *Metrics
	deliverTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

// WithBuffer sets the queue capacity. Default is 256.
func WithBuffer(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.events = make(chan Event, size)
		}
	}
}

// WithRate paces outbound deliveries to perSecond events with a burst of the
// same size. Zero leaves delivery unpaced.
func WithRate(perSecond int) Option {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher starts the delivery goroutine. Call Close to drain it.
func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:          sinks,
		logger:         slog.Default(),
		deliverTimeout: defaultDeliverTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.events == nil {
		d.events = make(chan Event, defaultBuffer)
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Emit enqueues event. It never blocks; when the buffer is full or the
// dispatcher is closed the event is dropped and counted.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ctx, event, "dispatcher closed")
		return
	}
	select {
	case d.events <- event:
		if d.metrics != nil {
			d.metrics.Emitted.WithLabelValues(string(event.Kind)).Inc()
		}
	default:
		d.drop(ctx, event, "notification buffer full")
	}
}

func (d *Dispatcher) drop(ctx context.Context, event Event, reason string) {
	if d.metrics != nil {
		d.metrics.Dropped.WithLabelValues(string(event.Kind)).Inc()
	}
	d.logger.WarnContext(ctx, "notification dropped", "reason", reason, "event", event)
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.events {
		if d.limiter != nil {
			_ = d.limiter.Wait(context.Background())
		}
		for _, sink := range d.sinks {
			d.deliver(sink, event)
		}
	}
}

func (d *Dispatcher) deliver(sink Sink, event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.deliverTimeout)
	defer cancel()
	if err := sink.Deliver(ctx, event); err != nil {
		if d.metrics != nil {
			d.metrics.Failed.WithLabelValues(sink.Name()).Inc()
		}
		d.logger.Error("notification delivery failed",
			"sink", sink.Name(),
			"event", event,
			"error", err,
		)
		return
	}
	if d.metrics != nil {
		d.metrics.Delivered.WithLabelValues(sink.Name()).Inc()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()
	d.wg.Wait()
}
