// Package retry decides whether a failed upstream call is attempted again
// and how long to wait first.
//
// Decisions are made over the closed upstream.ErrorKind set only:
// transient failures are retried, timeouts are retried only for idempotent
// requests, and circuit-open, validation and permanent failures are handed
// back to the caller on first sight. Delays grow exponentially from
// BaseDelay, are capped at MaxDelay and jittered so concurrent callers of a
// degraded upstream do not retry in lockstep.
package retry
