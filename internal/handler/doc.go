// Package handler exposes the orchestrator over HTTP.
//
// Operations are registered on a huma API so the OpenAPI document stays in
// step with the routes:
//
//	GET  /v1/status       per-upstream health snapshots
//	POST /v1/tools/call   one tool call
//	POST /v1/tools/batch  many tool calls in parallel, results in request order
//	GET  /healthz         liveness of the orchestrator itself
//
// Upstream failures are part of the Result body and are served with 200.
// Only malformed requests are rejected with a 4xx status.
package handler
