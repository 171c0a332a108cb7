package registry

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"bambuk-rpc/endpoint"
)

// StaticRegistry is an in-memory Registry for tests and deployments with a fixed set of
// agents. TTLs are ignored.
type StaticRegistry struct {
	mu     sync.Mutex
	agents map[string]endpoint.Endpoint
	subs   map[chan map[string]endpoint.Endpoint]struct{}
}

// NewStaticRegistry returns a registry pre-filled with agents, which may be nil.
func NewStaticRegistry(agents map[string]endpoint.Endpoint) *StaticRegistry {
	r := &StaticRegistry{
		agents: make(map[string]endpoint.Endpoint, len(agents)),
		subs:   make(map[chan map[string]endpoint.Endpoint]struct{}),
	}
	maps.Copy(r.agents, agents)
	return r
}

func (r *StaticRegistry) Register(host string, ep endpoint.Endpoint, ttl int64) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[host] = ep
	r.notify()
	return nil
}

func (r *StaticRegistry) Deregister(host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[host]; !ok {
		return nil
	}
	delete(r.agents, host)
	r.notify()
	return nil
}

func (r *StaticRegistry) Resolve(host string) (endpoint.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.agents[host]
	if !ok {
		return endpoint.Endpoint{}, fmt.Errorf("%w: %s", ErrNotFound, host)
	}
	return ep, nil
}

func (r *StaticRegistry) List() (map[string]endpoint.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.agents), nil
}

// Watch emits the latest map after each change. A slow reader only ever sees the newest map.
func (r *StaticRegistry) Watch(ctx context.Context) <-chan map[string]endpoint.Endpoint {
	ch := make(chan map[string]endpoint.Endpoint, 1)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subs, ch)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

// notify must be called with r.mu held.
func (r *StaticRegistry) notify() {
	for ch := range r.subs {
		select {
		case <-ch: // replace the unread map
		default:
		}
		ch <- maps.Clone(r.agents)
	}
}

func (r *StaticRegistry) Close() error {
	return nil
}
