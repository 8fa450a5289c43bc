// Package metrics collects runtime metrics for the orchestrator.
//
// It uses a channel-based event pipeline to asynchronously collect:
//   - Tool call counts and terminal failures per upstream, by failure kind
//   - Retries per upstream
//   - Call latency with an EWMA and percentiles (P50, P95, P99)
//   - Circuit breaker state and the number of times each breaker opened
//   - Health probe results
//
// The collector runs in a dedicated goroutine. Emit never blocks: when the
// buffer is full the event is dropped, so a slow collector cannot stall a
// tool call.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:     metrics.EventCallCompleted,
//		Upstream: "sabnzbd",
//		Duration: 150 * time.Millisecond,
//		Attempts: 1,
//	})
//
//	snapshot := collector.Snapshot()
//
// On shutdown the collector drains buffered events before returning.
package metrics
