package registry

import (
	"sort"
	"sync"

	"github.com/angeloszaimis/media-orchestrator/internal/circuitbreaker"
	"github.com/angeloszaimis/media-orchestrator/internal/upstream"
)

type Option func(*Registry)

// WithBreakerOptions applies opts to every breaker the registry creates.
func WithBreakerOptions(opts ...circuitbreaker.Option) Option {
	return func(r *Registry) {
		r.breakerOpts = append(r.breakerOpts, opts...)
	}
}

// WithRegisterHook runs fn for every accepted record while the registry is
// still locked, before Lookup can return it. fn must not call back into the
// registry.
func WithRegisterHook(fn func(*Record)) Option {
	return func(r *Registry) {
		r.onRegister = append(r.onRegister, fn)
	}
}

type Registry struct {
	mutex       sync.RWMutex
	records     map[string]*Record
	breakerOpts []circuitbreaker.Option
	onRegister  []func(*Record)
}

func New(opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]*Record),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds an upstream with a fresh CLOSED breaker.
func (r *Registry) Register(name string, handle upstream.Handle, config Config) (*Record, error) {
	if name == "" {
		return nil, upstream.NewError(upstream.KindValidation, "upstream name must not be empty")
	}

	if handle == nil {
		return nil, upstream.NewError(upstream.KindValidation, "upstream handle must not be nil", "upstream", name)
	}

	if err := config.Validate(); err != nil {
		return nil, upstream.Wrap(err, upstream.KindValidation, "invalid upstream config", "upstream", name)
	}

	r.mutex.RLock()
	_, exists := r.records[name]
	r.mutex.RUnlock()

	if exists {
		return nil, duplicate(name)
	}

	record := &Record{
		name:    name,
		handle:  handle,
		config:  config,
		breaker: circuitbreaker.New(name, config.Breaker, r.breakerOpts...),
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have registered it
	if _, exists = r.records[name]; exists {
		return nil, duplicate(name)
	}

	for _, fn := range r.onRegister {
		fn(record)
	}

	r.records[name] = record
	return record, nil
}

func (r *Registry) Lookup(name string) (*Record, error) {
	r.mutex.RLock()
	record, exists := r.records[name]
	r.mutex.RUnlock()

	if !exists {
		return nil, upstream.NewError(upstream.KindUnknownUpstream, "upstream is not registered", "upstream", name)
	}

	return record, nil
}

// Deregister removes name. Calls already holding its Record finish normally.
func (r *Registry) Deregister(name string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.records[name]; !exists {
		return upstream.NewError(upstream.KindUnknownUpstream, "upstream is not registered", "upstream", name)
	}

	delete(r.records, name)
	return nil
}

// Records returns every record sorted by name.
func (r *Registry) Records() []*Record {
	r.mutex.RLock()
	records := make([]*Record, 0, len(r.records))
	for _, record := range r.records {
		records = append(records, record)
	}
	r.mutex.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].name < records[j].name
	})

	return records
}

func (r *Registry) Names() []string {
	records := r.Records()
	names := make([]string, len(records))
	for i, record := range records {
		names[i] = record.name
	}
	return names
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.records)
}

// Snapshot returns one HealthSnapshot per upstream, sorted by name. Each
// entry is consistent on its own; there is no cross-record atomicity.
func (r *Registry) Snapshot() []HealthSnapshot {
	records := r.Records()
	snapshots := make([]HealthSnapshot, len(records))
	for i, record := range records {
		snapshots[i] = record.Snapshot()
	}
	return snapshots
}

// Close drops every record.
func (r *Registry) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.records = make(map[string]*Record)
}

func duplicate(name string) error {
	return upstream.NewError(upstream.KindDuplicateUpstream, "upstream is already registered", "upstream", name)
}
