package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/angeloszaimis/media-orchestrator/internal/circuitbreaker"
	"github.com/angeloszaimis/media-orchestrator/internal/retry"
	"github.com/angeloszaimis/media-orchestrator/internal/upstream"
)

type Record struct {
	name    string
	handle  upstream.Handle
	breaker *circuitbreaker.CircuitBreaker
	config  Config

	mutex         sync.RWMutex
	lastCheckedAt time.Time
	lastHealthOk  bool

	inFlight atomic.Int64
}

func (r *Record) Name() string {
	return r.name
}

func (r *Record) Handle() upstream.Handle {
	return r.handle
}

func (r *Record) Breaker() *circuitbreaker.CircuitBreaker {
	return r.breaker
}

func (r *Record) Config() Config {
	return r.config
}

func (r *Record) RetryPolicy() retry.Policy {
	return r.config.Retry
}

func (r *Record) Timeout() time.Duration {
	return r.config.Timeout
}

// MarkHealth stores the outcome of a health probe and returns the previous
// result. checked is false when this is the first probe.
func (r *Record) MarkHealth(ok bool, at time.Time) (previous, checked bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	previous, checked = r.lastHealthOk, !r.lastCheckedAt.IsZero()
	r.lastHealthOk = ok
	r.lastCheckedAt = at
	return previous, checked
}

// Health returns the last probe result and when it was taken. The time is
// zero if the upstream was never probed.
func (r *Record) Health() (bool, time.Time) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.lastHealthOk, r.lastCheckedAt
}

// Enter marks the start of an upstream invoke. Every Enter must be paired
// with Exit once the invoke returns.
func (r *Record) Enter() {
	r.inFlight.Add(1)
}

func (r *Record) Exit() {
	r.inFlight.Add(-1)
}

func (r *Record) InFlight() int {
	return int(r.inFlight.Load())
}

// HealthSnapshot is a read-only copy of one upstream's state.
type HealthSnapshot struct {
	Name                string               `json:"name"`
	State               circuitbreaker.State `json:"state"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	OpenedAt            *time.Time           `json:"opened_at,omitempty"`
	RetryAfter          string               `json:"retry_after,omitempty"`
	LastHealthOk        bool                 `json:"last_health_ok"`
	LastCheckedAt       *time.Time           `json:"last_checked_at,omitempty"`
	InFlight            int                  `json:"in_flight"`
}

func (r *Record) Snapshot() HealthSnapshot {
	breaker := r.breaker.Snapshot()
	ok, checkedAt := r.Health()

	snap := HealthSnapshot{
		Name:                r.name,
		State:               breaker.State,
		ConsecutiveFailures: breaker.ConsecutiveFailures,
		OpenedAt:            breaker.OpenedAt,
		RetryAfter:          breaker.RetryAfter,
		LastHealthOk:        ok,
		InFlight:            r.InFlight(),
	}

	if !checkedAt.IsZero() {
		snap.LastCheckedAt = &checkedAt
	}

	return snap
}
