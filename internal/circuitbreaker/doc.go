// Package circuitbreaker implements per-upstream failure isolation.
//
// A circuit breaker prevents cascading failures by temporarily rejecting
// calls to a failing upstream. It has three states:
//
//   - CLOSED: Normal operation, calls pass through
//   - OPEN: Upstream failing, calls rejected until OpenTimeout elapses
//   - HALF-OPEN: Exactly one probe call is admitted to test recovery
//
// The state machine is provided by sony/gobreaker's two-step breaker, which
// keeps admission and outcome recording as separate steps so retries and
// health probes can each be accounted as independent calls.
//
// Usage:
//
//	cb := circuitbreaker.New("sabnzbd", circuitbreaker.DefaultConfig())
//	ticket, err := cb.Admit()
//	if err != nil {
//	    // *OpenError, errors.Is(err, circuitbreaker.ErrCircuitOpen)
//	    return err
//	}
//	_, callErr := handle.Invoke(ctx, "queue", nil)
//	ticket.Done(callErr == nil)
package circuitbreaker
