// Package registry maps agent host ids to the endpoints their receivers listen on.
//
// Agents register themselves when they start and deregister on shutdown; the controller
// resolves host ids through the registry instead of carrying addresses around.
package registry

import (
	"context"
	"errors"

	"bambuk-rpc/endpoint"
)

var ErrNotFound = errors.New("registry: host not registered")

type Registry interface {
	// Register publishes ep for host. Entries with a positive ttl (seconds) expire unless
	// the registering process stays alive.
	Register(host string, ep endpoint.Endpoint, ttl int64) error
	Deregister(host string) error
	// Resolve returns the endpoint of host or ErrNotFound.
	Resolve(host string) (endpoint.Endpoint, error)
	List() (map[string]endpoint.Endpoint, error)
	// Watch emits the full host → endpoint map after every change until ctx is done.
	Watch(ctx context.Context) <-chan map[string]endpoint.Endpoint
	Close() error
}
