package limiter

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/angeloszaimis/media-orchestrator/internal/upstream"
)

const DefaultCapacity = 10

type lane struct {
	sem      *semaphore.Weighted // nil when the upstream has no cap of its own
	limit    int
	inFlight atomic.Int64
}

type Limiter struct {
	global   *semaphore.Weighted
	capacity int
	inFlight atomic.Int64

	mu    sync.RWMutex
	lanes map[string]*lane
}

// New creates a limiter admitting at most capacity concurrent calls.
// A non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Limiter{
		global:   semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		lanes:    make(map[string]*lane),
	}
}

func (l *Limiter) Capacity() int {
	return l.capacity
}

// SetLimit gives name its own cap on top of the global one. Zero or a
// negative limit means the upstream is bounded by the global cap only.
// Slots already held on a previous lane are released against that lane.
func (l *Limiter) SetLimit(name string, limit int) {
	ln := &lane{limit: limit}
	if limit > 0 {
		ln.sem = semaphore.NewWeighted(int64(limit))
	}

	l.mu.Lock()
	l.lanes[name] = ln
	l.mu.Unlock()
}

// Remove drops the lane for name. Outstanding slots stay valid.
func (l *Limiter) Remove(name string) {
	l.mu.Lock()
	delete(l.lanes, name)
	l.mu.Unlock()
}

// Acquire blocks until a slot for name is free or ctx is done. On error
// nothing is held.
func (l *Limiter) Acquire(ctx context.Context, name string) (*Slot, error) {
	ln := l.lane(name)

	if ln.sem != nil {
		if err := ln.sem.Acquire(ctx, 1); err != nil {
			return nil, upstream.Wrap(err, upstream.KindTimeout, "waiting for upstream concurrency slot", "upstream", name)
		}
	}

	if err := l.global.Acquire(ctx, 1); err != nil {
		if ln.sem != nil {
			ln.sem.Release(1)
		}
		return nil, upstream.Wrap(err, upstream.KindTimeout, "waiting for global concurrency slot", "upstream", name)
	}

	ln.inFlight.Add(1)
	l.inFlight.Add(1)

	return &Slot{limiter: l, lane: ln}, nil
}

// InFlight is the number of slots currently held across all upstreams.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// InFlightFor is the number of slots currently held for name.
func (l *Limiter) InFlightFor(name string) int {
	l.mu.RLock()
	ln, ok := l.lanes[name]
	l.mu.RUnlock()

	if !ok {
		return 0
	}
	return int(ln.inFlight.Load())
}

// Limit returns the per-upstream cap for name, zero if it has none.
func (l *Limiter) Limit(name string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if ln, ok := l.lanes[name]; ok {
		return ln.limit
	}
	return 0
}

func (l *Limiter) lane(name string) *lane {
	l.mu.RLock()
	ln, ok := l.lanes[name]
	l.mu.RUnlock()

	if ok {
		return ln
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ln, ok = l.lanes[name]; ok {
		return ln
	}

	ln = &lane{}
	l.lanes[name] = ln
	return ln
}

// Slot is one held unit of concurrency.
type Slot struct {
	once    sync.Once
	limiter *Limiter
	lane    *lane
}

// Release returns the slot. Calling it more than once is a no-op.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.lane.inFlight.Add(-1)
		s.limiter.inFlight.Add(-1)

		s.limiter.global.Release(1)
		if s.lane.sem != nil {
			s.lane.sem.Release(1)
		}
	})
}
