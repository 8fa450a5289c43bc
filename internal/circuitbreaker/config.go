package circuitbreaker

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 60 * time.Second
)

type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" json:"open_timeout"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		OpenTimeout:      DefaultOpenTimeout,
	}
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.FailureThreshold, validation.Required, validation.Min(1)),
		validation.Field(&c.OpenTimeout, validation.Required, validation.Min(time.Millisecond)),
	)
}
