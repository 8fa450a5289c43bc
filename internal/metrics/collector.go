package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventCallCompleted EventType = "call_completed"
	EventCallRetried   EventType = "call_retried"
	EventBreakerState  EventType = "breaker_state"
	EventHealthProbed  EventType = "health_probed"
)

type MetricEvent struct {
	Type      EventType
	Timestamp time.Time
	Upstream  string
	Tool      string
	Duration  time.Duration
	Attempts  int
	// Kind is the failure kind of a completed call, empty on success.
	Kind    string
	State   string
	Healthy bool
}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	logger  *slog.Logger
	done    chan struct{}
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues event without blocking. It is safe to call on a nil Collector.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
		c.logger.Debug("Metrics buffer full, dropping event",
			slog.String("type", string(event.Type)),
			slog.String("upstream", event.Upstream))
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done is closed once the collector has drained and stopped.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")
	defer close(c.done)

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventCallCompleted:
		c.metrics.RecordCall(event.Upstream, event.Duration, event.Kind)

	case EventCallRetried:
		c.metrics.IncrementRetries(event.Upstream)

	case EventBreakerState:
		c.metrics.UpdateBreakerState(event.Upstream, event.State)

	case EventHealthProbed:
		c.metrics.UpdateHealthStatus(event.Upstream, event.Healthy)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
