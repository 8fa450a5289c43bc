// Package orchestrator routes tool calls to named upstream services.
//
// Every call goes through the same path: registry lookup, a fast-fail check
// against the upstream's circuit breaker, a concurrency slot, breaker
// admission and finally the upstream invoke under a per-attempt timeout.
// Failed attempts are retried according to the upstream's retry policy and
// each attempt is accounted by the breaker on its own.
//
// CallTool never returns a Go error. Upstream failures, breaker rejections
// and caller deadlines all come back as a Result carrying a Failure, so a
// batch from CallToolsParallel always has one Result per request, in
// request order.
//
// When the caller's context ends while an attempt is in flight, the caller
// gets a timeout immediately but the invoke is left to finish in the
// background. Its outcome still reaches the breaker and its concurrency
// slot is only released once it returns.
package orchestrator
