package upstream

import "context"

// Handle is the minimal contract for one named upstream service.
//
// Invoke runs a single tool call. The context carries the per-attempt
// timeout; implementations must return once it is done. Probe is a cheap
// liveness check and must not have side effects. It gets the probe timeout
// through its context and must honour it too.
type Handle interface {
	Invoke(ctx context.Context, tool string, params map[string]any) (any, error)
	Probe(ctx context.Context) bool
}

// HandleFuncs adapts plain functions to the Handle interface.
// A nil ProbeFunc reports the upstream as healthy.
type HandleFuncs struct {
	InvokeFunc func(ctx context.Context, tool string, params map[string]any) (any, error)
	ProbeFunc  func(ctx context.Context) bool
}

var _ Handle = HandleFuncs{}

func (h HandleFuncs) Invoke(ctx context.Context, tool string, params map[string]any) (any, error) {
	if h.InvokeFunc == nil {
		return nil, NewError(KindValidation, "tool not supported", "tool", tool)
	}
	return h.InvokeFunc(ctx, tool, params)
}

func (h HandleFuncs) Probe(ctx context.Context) bool {
	if h.ProbeFunc == nil {
		return true
	}
	return h.ProbeFunc(ctx)
}
