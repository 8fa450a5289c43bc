package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/media-orchestrator/internal/upstream"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
)

const maxShift = 62

// Decision is the outcome of Policy.Decide. The zero value means give up.
type Decision struct {
	Retry bool
	After time.Duration
}

var GiveUp = Decision{}

// Policy holds the retry limits for one upstream. MaxAttempts counts the
// first attempt.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" json:"max_delay"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p Policy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&p.BaseDelay, validation.Min(time.Duration(0))),
		validation.Field(&p.MaxDelay,
			validation.Min(time.Duration(0)),
			validation.By(func(any) error {
				if p.MaxDelay < p.BaseDelay {
					return validation.NewError("validation_max_below_base", "must not be lower than base_delay")
				}
				return nil
			}),
		),
	)
}

// Retryable reports whether a failure of this kind may be attempted again.
func Retryable(kind upstream.ErrorKind, idempotent bool) bool {
	switch kind {
	case upstream.KindTransient:
		return true
	case upstream.KindTimeout:
		return idempotent
	default:
		return false
	}
}

// Decide is called after attempt number attempt (1-based) failed with kind.
func (p Policy) Decide(kind upstream.ErrorKind, attempt int, idempotent bool) Decision {
	if !Retryable(kind, idempotent) {
		return GiveUp
	}

	if attempt >= p.MaxAttempts {
		return GiveUp
	}

	return Decision{Retry: true, After: jitter(p.Backoff(attempt))}
}

// Backoff is the un-jittered delay after attempt: BaseDelay * 2^(attempt-1)
// capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := exponential(p.BaseDelay, attempt-1)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func exponential(base time.Duration, shift int) time.Duration {
	if base <= 0 {
		return 0
	}

	if shift < 0 {
		shift = 0
	} else if shift > maxShift {
		shift = maxShift
	}

	multiplier := int64(1) << shift
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// jitter returns a random duration in [delay/2, delay].
func jitter(delay time.Duration) time.Duration {
	if delay <= 1 {
		return delay
	}

	half := delay / 2
	return half + rand.N(delay-half+1)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}
