package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/media-orchestrator/internal/circuitbreaker"
	"github.com/angeloszaimis/media-orchestrator/internal/healthcheck"
	"github.com/angeloszaimis/media-orchestrator/internal/limiter"
	"github.com/angeloszaimis/media-orchestrator/internal/metrics"
	"github.com/angeloszaimis/media-orchestrator/internal/registry"
	"github.com/angeloszaimis/media-orchestrator/internal/retry"
	"github.com/angeloszaimis/media-orchestrator/internal/upstream"
)

type Orchestrator struct {
	logger    *slog.Logger
	collector *metrics.Collector
	registry  *registry.Registry
	limiter   *limiter.Limiter
	monitor   *healthcheck.Monitor
}

// New builds an orchestrator with an empty registry. collector may be nil.
func New(config Config, logger *slog.Logger, collector *metrics.Collector) *Orchestrator {
	o := &Orchestrator{
		logger:    logger,
		collector: collector,
		limiter:   limiter.New(config.ConcurrencyLimit),
	}

	o.registry = registry.New(
		registry.WithBreakerOptions(circuitbreaker.WithListener(o.breakerStateChanged)),
		registry.WithRegisterHook(func(record *registry.Record) {
			o.limiter.SetLimit(record.Name(), record.Config().ConcurrencyLimit)
		}),
	)
	o.monitor = healthcheck.NewMonitor(o.registry, config.HealthCheckInterval, config.ProbeTimeout, logger, collector)

	return o
}

func (o *Orchestrator) Register(name string, handle upstream.Handle, config registry.Config) error {
	if _, err := o.registry.Register(name, handle, config); err != nil {
		return err
	}

	o.logger.Info("Upstream registered",
		slog.String("upstream", name),
		slog.Int("failure_threshold", config.Breaker.FailureThreshold),
		slog.Duration("open_timeout", config.Breaker.OpenTimeout),
		slog.Int("max_attempts", config.Retry.MaxAttempts),
		slog.Int("concurrency_limit", config.ConcurrencyLimit))

	return nil
}

// Deregister removes name. Calls already in flight finish normally.
func (o *Orchestrator) Deregister(name string) error {
	if err := o.registry.Deregister(name); err != nil {
		return err
	}

	o.limiter.Remove(name)
	o.logger.Info("Upstream deregistered", slog.String("upstream", name))
	return nil
}

// Status returns one snapshot per upstream, sorted by name.
func (o *Orchestrator) Status() []registry.HealthSnapshot {
	return o.registry.Snapshot()
}

// Upstreams returns the registered upstream names, sorted.
func (o *Orchestrator) Upstreams() []string {
	return o.registry.Names()
}

// InFlight is the number of upstream invokes currently holding a slot.
func (o *Orchestrator) InFlight() int {
	return o.limiter.InFlight()
}

// Start launches the background health monitor.
func (o *Orchestrator) Start(ctx context.Context) {
	o.monitor.Start(ctx)
}

// CheckNow runs one health check round synchronously.
func (o *Orchestrator) CheckNow(ctx context.Context) {
	o.monitor.CheckNow(ctx)
}

// Close stops the health monitor and drops every upstream.
func (o *Orchestrator) Close() {
	o.monitor.Stop()
	o.registry.Close()
}

// CallToolsParallel runs every request concurrently through CallTool. The
// result at index i belongs to reqs[i]; no failure cancels a sibling.
func (o *Orchestrator) CallToolsParallel(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))

	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = o.CallTool(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// CallTool runs one tool call to completion, including retries.
func (o *Orchestrator) CallTool(ctx context.Context, req Request) Result {
	call := &callState{
		result: Result{
			ID:       uuid.NewString(),
			Upstream: req.Upstream,
			Tool:     req.Tool,
		},
		start: time.Now(),
	}

	if req.Tool == "" {
		return o.finish(call, upstream.NewError(upstream.KindValidation, "tool name must not be empty", "upstream", req.Upstream))
	}

	record, err := o.registry.Lookup(req.Upstream)
	if err != nil {
		return o.finish(call, err)
	}

	policy := record.RetryPolicy()
	timeout := record.Timeout()
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	for attempt := 1; ; attempt++ {
		payload, err := o.attempt(ctx, call, record, req, timeout)
		if err == nil {
			call.result.Payload = payload
			return o.finish(call, nil)
		}

		if ctx.Err() != nil {
			return o.finish(call, callerDeadline(ctx, err))
		}

		kind := upstream.KindOf(err)
		decision := policy.Decide(kind, attempt, req.Idempotent)
		if !decision.Retry {
			return o.finish(call, err)
		}

		o.logger.Debug("Retrying tool call",
			slog.String("id", call.result.ID),
			slog.String("upstream", req.Upstream),
			slog.String("tool", req.Tool),
			slog.Int("attempt", attempt),
			slog.String("kind", kind.String()),
			slog.Duration("after", decision.After),
			slog.Any("err", err))

		o.collector.Emit(metrics.MetricEvent{
			Type:     metrics.EventCallRetried,
			Upstream: req.Upstream,
			Tool:     req.Tool,
		})

		if err := retry.Sleep(ctx, decision.After); err != nil {
			return o.finish(call, callerDeadline(ctx, err))
		}
	}
}

type callState struct {
	result Result
	start  time.Time
}

type outcome struct {
	payload any
	err     error
}

// attempt makes one gated invoke. Rejections by the breaker or the limiter
// do not count as attempts.
func (o *Orchestrator) attempt(ctx context.Context, call *callState, record *registry.Record, req Request, timeout time.Duration) (any, error) {
	breaker := record.Breaker()

	if err := breaker.Ready(); err != nil {
		return nil, circuitOpen(record.Name(), err)
	}

	slot, err := o.limiter.Acquire(ctx, record.Name())
	if err != nil {
		return nil, err
	}

	ticket, err := breaker.Admit()
	if err != nil {
		slot.Release()
		return nil, circuitOpen(record.Name(), err)
	}

	call.result.Attempts++
	record.Enter()

	done := make(chan outcome, 1)
	go func() {
		defer slot.Release()
		defer record.Exit()

		invokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		out := invoke(invokeCtx, record.Handle(), req)
		ticket.Done(countsAsSuccess(out.err))
		done <- out
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.payload, out.err
	case <-timer.C:
		return nil, upstream.NewError(upstream.KindTimeout, "upstream did not answer within the attempt timeout",
			"upstream", record.Name(), "timeout", timeout)
	case <-ctx.Done():
		return nil, callerDeadline(ctx, ctx.Err())
	}
}

// invoke calls the handle and normalizes its error. A panicking handle is
// reported as a transient failure.
func invoke(ctx context.Context, handle upstream.Handle, req Request) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: upstream.Errorf(upstream.KindTransient, "upstream handle panicked: %v", r)}
		}
	}()

	payload, err := handle.Invoke(ctx, req.Tool, req.Params)
	if err == nil {
		return outcome{payload: payload}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) && upstream.KindOf(err) == upstream.KindTransient {
		err = upstream.Wrap(err, upstream.KindTimeout, "attempt timed out", "upstream", req.Upstream)
	}

	return outcome{err: err}
}

// countsAsSuccess reports whether the breaker should treat err as a healthy
// answer. A validation error means the upstream responded correctly to a
// bad request.
func countsAsSuccess(err error) bool {
	return err == nil || upstream.KindOf(err) == upstream.KindValidation
}

func circuitOpen(name string, err error) error {
	var openErr *circuitbreaker.OpenError
	retryAfter := time.Duration(0)
	if errors.As(err, &openErr) {
		retryAfter = openErr.RetryAfter
	}

	return upstream.Wrap(err, upstream.KindCircuitOpen, "upstream is recovering",
		"upstream", name, "retry_after", retryAfter)
}

func callerDeadline(ctx context.Context, err error) error {
	if upstream.Is(err, upstream.KindTimeout) && errors.Is(err, ctx.Err()) {
		return err
	}

	return upstream.Wrap(err, upstream.KindTimeout, fmt.Sprintf("caller gave up: %v", context.Cause(ctx)))
}

func (o *Orchestrator) finish(call *callState, err error) Result {
	result := call.result
	result.Duration = time.Since(call.start)

	attrs := []any{
		slog.String("id", result.ID),
		slog.String("upstream", result.Upstream),
		slog.String("tool", result.Tool),
		slog.Int("attempts", result.Attempts),
		slog.Duration("duration", result.Duration),
	}

	event := metrics.MetricEvent{
		Type:     metrics.EventCallCompleted,
		Upstream: result.Upstream,
		Tool:     result.Tool,
		Duration: result.Duration,
		Attempts: result.Attempts,
	}

	if err != nil {
		result.Payload = nil
		result.Failure = newFailure(result, err)
		event.Kind = string(result.Failure.Kind)

		attrs = append(attrs,
			slog.String("kind", result.Failure.Kind.String()),
			slog.Any("err", err))
		o.logger.Warn("Tool call failed", attrs...)
	} else {
		o.logger.Info("Tool call completed", attrs...)
	}

	o.collector.Emit(event)
	return result
}

func newFailure(result Result, err error) *Failure {
	failure := &Failure{
		Kind:     upstream.KindOf(err),
		Message:  err.Error(),
		Upstream: result.Upstream,
		Attempts: result.Attempts,
	}

	var openErr *circuitbreaker.OpenError
	if errors.As(err, &openErr) {
		failure.RetryAfter = openErr.RetryAfter
	}

	return failure
}

// breakerStateChanged runs under the breaker's lock.
func (o *Orchestrator) breakerStateChanged(name string, from, to circuitbreaker.State) {
	level := slog.LevelInfo
	if to == circuitbreaker.StateOpen {
		level = slog.LevelWarn
	}

	o.logger.Log(context.Background(), level, "Circuit breaker state changed",
		slog.String("upstream", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	o.collector.Emit(metrics.MetricEvent{
		Type:     metrics.EventBreakerState,
		Upstream: name,
		State:    to.String(),
	})
}
