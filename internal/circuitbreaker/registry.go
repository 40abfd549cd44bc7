package circuitbreaker

import (
	"sync"
)

// Registry manages circuit breakers keyed by service name. Breakers are
// created lazily on first use.
type Registry struct {
	cfg           Config
	breakers      sync.Map // string -> *Breaker
	onStateChange func(service string, from, to State)
}

// NewRegistry creates a registry producing breakers with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg}
}

// OnStateChange registers a callback invoked whenever any breaker changes
// state. Must be called before the first GetOrCreate.
func (r *Registry) OnStateChange(fn func(service string, from, to State)) {
	r.onStateChange = fn
}

// GetOrCreate returns the breaker for a service, creating it if needed.
func (r *Registry) GetOrCreate(service string) *Breaker {
	if v, ok := r.breakers.Load(service); ok {
		return v.(*Breaker)
	}
	b := New(service, r.cfg)
	b.onStateChange = r.onStateChange
	actual, _ := r.breakers.LoadOrStore(service, b)
	return actual.(*Breaker)
}

// Get returns the breaker for a service if one exists.
func (r *Registry) Get(service string) (*Breaker, bool) {
	v, ok := r.breakers.Load(service)
	if !ok {
		return nil, false
	}
	return v.(*Breaker), true
}

// Stats returns snapshots of all known breakers.
func (r *Registry) Stats() []Stats {
	var stats []Stats
	r.breakers.Range(func(_, value any) bool {
		stats = append(stats, value.(*Breaker).Stats())
		return true
	})
	return stats
}
