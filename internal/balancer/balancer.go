// Package balancer distributes requests across backend endpoints using
// weighted round-robin with health-aware selection.
package balancer

import (
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
)

// ErrNoEndpoints is returned when a service has no endpoints at all.
var ErrNoEndpoints = errors.New("no endpoints available")

// Endpoint is a single backend target. Health is tracked atomically so
// the forwarding pipeline can flip it without a balancer lock.
type Endpoint struct {
	URL     *url.URL
	Weight  int
	healthy atomic.Bool
}

// NewEndpoint creates a healthy endpoint with the given weight.
// Weights below one are treated as one.
func NewEndpoint(u *url.URL, weight int) *Endpoint {
	if weight < 1 {
		weight = 1
	}
	e := &Endpoint{URL: u, Weight: weight}
	e.healthy.Store(true)
	return e
}

// Healthy reports whether the endpoint is considered usable.
func (e *Endpoint) Healthy() bool {
	return e.healthy.Load()
}

// SetHealthy updates the endpoint health flag.
func (e *Endpoint) SetHealthy(v bool) {
	e.healthy.Store(v)
}

// serviceRing holds the expanded rotation ring for one service. Each
// endpoint occupies Weight consecutive slots, so a weight-3 endpoint
// receives three of every four picks against a weight-1 peer.
type serviceRing struct {
	endpoints []*Endpoint
	ring      []*Endpoint
	counter   atomic.Uint64
}

func newServiceRing(endpoints []*Endpoint) *serviceRing {
	r := &serviceRing{endpoints: endpoints}
	for _, ep := range endpoints {
		for i := 0; i < ep.Weight; i++ {
			r.ring = append(r.ring, ep)
		}
	}
	return r
}

// next picks the next endpoint, skipping unhealthy slots. If every
// endpoint is unhealthy the ring fails open and rotates over all of them.
func (r *serviceRing) next() (*Endpoint, error) {
	if len(r.ring) == 0 {
		return nil, ErrNoEndpoints
	}

	start := r.counter.Add(1) - 1
	for i := 0; i < len(r.ring); i++ {
		ep := r.ring[(start+uint64(i))%uint64(len(r.ring))]
		if ep.Healthy() {
			return ep, nil
		}
	}

	return r.ring[start%uint64(len(r.ring))], nil
}

// Registry holds the per-service rotation rings. Rings are replaced
// wholesale on config reload; selection itself is lock-free.
type Registry struct {
	mu    sync.RWMutex
	rings map[string]*serviceRing
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rings: make(map[string]*serviceRing)}
}

// SetService installs or replaces the endpoint set for a service.
func (r *Registry) SetService(service string, endpoints []*Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rings[service] = newServiceRing(endpoints)
}

// RemoveService drops a service from the registry.
func (r *Registry) RemoveService(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rings, service)
}

// Next returns the next endpoint for a service.
func (r *Registry) Next(service string) (*Endpoint, error) {
	r.mu.RLock()
	ring, ok := r.rings[service]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoEndpoints
	}
	return ring.next()
}

// Endpoints returns the endpoint set for a service.
func (r *Registry) Endpoints(service string) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ring, ok := r.rings[service]
	if !ok {
		return nil
	}
	out := make([]*Endpoint, len(ring.endpoints))
	copy(out, ring.endpoints)
	return out
}

// Services returns the names of all registered services.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rings))
	for name := range r.rings {
		names = append(names, name)
	}
	return names
}
