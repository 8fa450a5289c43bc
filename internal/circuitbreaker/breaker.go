package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking calls
	StateHalfOpen              // Testing with one probe call
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF-OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit breaker state %q", text)
	}
	return nil
}

// ErrCircuitOpen is matched by every rejection returned from Admit.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned when a call is rejected without reaching the upstream.
// RetryAfter is the time left until the next probe may be admitted; zero
// means a half-open probe is already in flight.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker for %s is %s, next probe in %s", e.Name, e.State, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker for %s is %s, probe in flight", e.Name, e.State)
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// Listener is notified on every state transition. It runs while the breaker
// holds its lock, so it must not block or call back into the breaker.
type Listener func(name string, from, to State)

type Option func(*CircuitBreaker)

func WithListener(l Listener) Option {
	return func(cb *CircuitBreaker) {
		cb.listener = l
	}
}

// CircuitBreaker isolates one upstream. Transitions from OPEN to HALF-OPEN
// happen lazily on the next admission attempt once OpenTimeout has elapsed.
type CircuitBreaker struct {
	name     string
	config   Config
	breaker  *gobreaker.TwoStepCircuitBreaker
	listener Listener

	openedAt atomic.Int64 // unix nanos of the last transition to OPEN
	streak   atomic.Int64 // failures behind the current OPEN/HALF-OPEN period
}

func New(name string, config Config, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: config,
	}

	for _, opt := range opts {
		opt(cb)
	}

	threshold := uint32(config.FailureThreshold)
	cb.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-" + name,
		MaxRequests: 1,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			cb.handleStateChange(convertState(from), convertState(to))
		},
	})

	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) Config() Config {
	return cb.config
}

// Admit asks for permission to make one call. On success the returned
// Ticket must be completed exactly once with the call's outcome.
// Rejections are *OpenError values.
func (cb *CircuitBreaker) Admit() (*Ticket, error) {
	done, err := cb.breaker.Allow()
	if err != nil {
		return nil, cb.openError()
	}

	return &Ticket{done: done}, nil
}

// Ready reports, without admitting anything, whether a call would currently
// be rejected. Admit remains the authority.
func (cb *CircuitBreaker) Ready() error {
	switch cb.State() {
	case StateOpen:
		return cb.openError()
	case StateHalfOpen:
		if cb.breaker.Counts().Requests > 0 {
			return cb.openError()
		}
	}

	return nil
}

func (cb *CircuitBreaker) State() State {
	return convertState(cb.breaker.State())
}

// ConsecutiveFailures is the current failure streak. While OPEN or
// HALF-OPEN it reports the streak that tripped the breaker plus any
// failed probes since.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	if cb.State() == StateClosed {
		return int(cb.breaker.Counts().ConsecutiveFailures)
	}
	return int(cb.streak.Load())
}

// OpenedAt returns the time of the last transition to OPEN, or the zero
// time if the breaker never opened.
func (cb *CircuitBreaker) OpenedAt() time.Time {
	ns := cb.openedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RetryAfter is the time left until the next probe may be admitted.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	if cb.State() == StateClosed {
		return 0
	}

	left := time.Until(cb.OpenedAt().Add(cb.config.OpenTimeout))
	if left < 0 {
		return 0
	}
	return left
}

type Snapshot struct {
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	RetryAfter          string     `json:"retry_after,omitempty"`
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	snap := Snapshot{
		State:               cb.State(),
		ConsecutiveFailures: cb.ConsecutiveFailures(),
	}

	if openedAt := cb.OpenedAt(); !openedAt.IsZero() {
		snap.OpenedAt = &openedAt
	}

	if wait := cb.RetryAfter(); wait > 0 {
		snap.RetryAfter = wait.Round(time.Millisecond).String()
	}

	return snap
}

func (cb *CircuitBreaker) openError() *OpenError {
	return &OpenError{
		Name:       cb.name,
		State:      cb.State(),
		RetryAfter: cb.RetryAfter(),
	}
}

// handleStateChange runs under the gobreaker lock.
func (cb *CircuitBreaker) handleStateChange(from, to State) {
	switch to {
	case StateOpen:
		cb.openedAt.Store(time.Now().UnixNano())
		if from == StateHalfOpen {
			cb.streak.Add(1)
		} else {
			cb.streak.Store(int64(cb.config.FailureThreshold))
		}
	case StateClosed:
		cb.streak.Store(0)
	}

	if cb.listener != nil {
		cb.listener(cb.name, from, to)
	}
}

// Ticket is the permission for one admitted call.
type Ticket struct {
	once sync.Once
	done func(success bool)
}

// Done records the call's outcome. Only the first call has an effect.
// An outcome that arrives after the breaker changed state since admission
// belongs to a previous generation and is not counted.
func (t *Ticket) Done(success bool) {
	t.once.Do(func() {
		t.done(success)
	})
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
