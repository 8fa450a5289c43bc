// Package healthcheck probes every registered upstream on a schedule.
//
// Probe outcomes update each record's last health result and are fed to the
// upstream's circuit breaker whenever the breaker admits them, so an OPEN
// upstream recovers without user traffic once its cooldown has elapsed.
// While the cooldown is still running the probe is only observed. Probes
// bypass retries and the concurrency limiter, and a panicking probe only
// affects its own upstream.
package healthcheck
