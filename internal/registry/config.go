package registry

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/media-orchestrator/internal/circuitbreaker"
	"github.com/angeloszaimis/media-orchestrator/internal/retry"
)

const DefaultTimeout = 30 * time.Second

// Config is the per-upstream configuration accepted at registration time.
type Config struct {
	Breaker circuitbreaker.Config
	Retry   retry.Policy

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// ConcurrencyLimit caps in-flight calls to this upstream on top of the
	// global limit. Zero means no upstream-specific cap.
	ConcurrencyLimit int
}

func DefaultConfig() Config {
	return Config{
		Breaker: circuitbreaker.DefaultConfig(),
		Retry:   retry.DefaultPolicy(),
		Timeout: DefaultTimeout,
	}
}

func (c Config) Validate() error {
	return validation.Errors{
		"breaker": c.Breaker.Validate(),
		"retry":   c.Retry.Validate(),
		"timeout": validation.Validate(c.Timeout, validation.Required, validation.Min(time.Millisecond)),
		"concurrency_limit": validation.Validate(c.ConcurrencyLimit,
			validation.Min(0)),
	}.Filter()
}
