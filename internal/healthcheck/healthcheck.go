package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/angeloszaimis/media-orchestrator/internal/metrics"
	"github.com/angeloszaimis/media-orchestrator/internal/registry"
)

const (
	DefaultInterval     = 60 * time.Second
	DefaultProbeTimeout = 5 * time.Second
)

type Monitor struct {
	registry     *registry.Registry
	interval     time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
	collector    *metrics.Collector

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor over reg. Non-positive durations fall back to
// the defaults. collector may be nil.
func NewMonitor(
	reg *registry.Registry,
	interval time.Duration,
	probeTimeout time.Duration,
	logger *slog.Logger,
	collector *metrics.Collector,
) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}

	return &Monitor{
		registry:     reg,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
		collector:    collector,
	}
}

// Start launches the probe loop. The first round runs immediately. Calling
// Start on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx, m.done)
}

// Stop ends the probe loop and waits for the current round to finish, at
// most twice the probe timeout. A probe that ignores its context is left
// running in the background.
func (m *Monitor) Stop() {
	m.mutex.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mutex.Unlock()

	if cancel == nil {
		return
	}

	cancel()

	timer := time.NewTimer(2 * m.probeTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		m.logger.Warn("Health check did not stop in time, abandoning the running round",
			slog.Duration("waited", 2*m.probeTimeout))
	}
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.logger.Info("Health check started", slog.Duration("interval", m.interval))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckNow(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health check stopped")
			return

		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow probes every registered upstream once, in parallel, and returns
// when all probes are done.
func (m *Monitor) CheckNow(ctx context.Context) {
	var wg sync.WaitGroup

	for _, record := range m.registry.Records() {
		wg.Add(1)
		go func(record *registry.Record) {
			defer wg.Done()
			m.probe(ctx, record)
		}(record)
	}

	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, record *registry.Record) {
	breaker := record.Breaker()

	// A rejected admission means the cooldown is still running. The probe
	// then only updates the observed health.
	ticket, admitErr := breaker.Admit()

	healthy := false
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health probe panicked",
				slog.String("upstream", record.Name()),
				slog.String("panic", fmt.Sprint(r)))
			healthy = false
		}

		if admitErr == nil {
			ticket.Done(healthy)
		}
		m.record(record, healthy)
	}()

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	healthy = record.Handle().Probe(probeCtx)
}

func (m *Monitor) record(record *registry.Record, healthy bool) {
	previous, checked := record.MarkHealth(healthy, time.Now())

	m.collector.Emit(metrics.MetricEvent{
		Type:     metrics.EventHealthProbed,
		Upstream: record.Name(),
		Healthy:  healthy,
	})

	if checked && previous == healthy {
		return
	}

	if healthy {
		if checked {
			m.logger.Info("Server is back up", slog.String("upstream", record.Name()))
		}
		return
	}

	m.logger.Warn("Server is down",
		slog.String("upstream", record.Name()),
		slog.String("breaker", record.Breaker().State().String()))
}
