package orchestrator

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/media-orchestrator/internal/healthcheck"
	"github.com/angeloszaimis/media-orchestrator/internal/limiter"
)

type Config struct {
	ConcurrencyLimit    int
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit:    limiter.DefaultCapacity,
		HealthCheckInterval: healthcheck.DefaultInterval,
		ProbeTimeout:        healthcheck.DefaultProbeTimeout,
	}
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ConcurrencyLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.HealthCheckInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.ProbeTimeout, validation.Required, validation.Min(time.Millisecond)),
	)
}
