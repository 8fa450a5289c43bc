package orchestrator

import (
	"fmt"
	"time"

	"github.com/angeloszaimis/media-orchestrator/internal/upstream"
)

type Request struct {
	Upstream string         `json:"upstream"`
	Tool     string         `json:"tool"`
	Params   map[string]any `json:"params,omitempty"`
	// Timeout overrides the upstream's per-attempt timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Idempotent allows a timed out attempt to be retried.
	Idempotent bool `json:"idempotent,omitempty"`
}

type Result struct {
	ID       string        `json:"id"`
	Upstream string        `json:"upstream"`
	Tool     string        `json:"tool"`
	Payload  any           `json:"payload,omitempty"`
	Failure  *Failure      `json:"failure,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

func (r Result) OK() bool {
	return r.Failure == nil
}

// Failure is the terminal error of a call. Attempts counts the invokes that
// actually reached the upstream.
type Failure struct {
	Kind       upstream.ErrorKind `json:"kind"`
	Message    string             `json:"message"`
	Upstream   string             `json:"upstream"`
	Attempts   int                `json:"attempts"`
	RetryAfter time.Duration      `json:"retry_after,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s: %s", f.Upstream, f.Kind, f.Message)
}

// Recovering reports whether the call was rejected by an open circuit
// rather than failed by the upstream itself.
func (f *Failure) Recovering() bool {
	return f.Kind == upstream.KindCircuitOpen
}
