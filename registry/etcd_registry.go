package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"bambuk-rpc/endpoint"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	DefaultPrefix = "/bambuk/agents/"

	requestTimeout = 5 * time.Second
)

// EtcdRegistry implements Registry on etcd v3, one key per agent:
//
//	Key:   /bambuk/agents/{host}
//	Value: JSON-encoded endpoint.Endpoint
//
// Registration uses TTL-based leases: if the agent crashes, the lease expires and the
// entry is removed, so the controller never resolves a dead agent for long.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	logger *zap.Logger

	mu         sync.Mutex
	keepAlives map[string]context.CancelFunc // host → stops that host's lease renewal
}

type EtcdOption func(*EtcdRegistry)

func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) {
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		r.prefix = prefix
	}
}

func WithLogger(logger *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	r := &EtcdRegistry{
		client:     c,
		prefix:     DefaultPrefix,
		logger:     zap.NewNop(),
		keepAlives: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *EtcdRegistry) key(host string) string {
	return r.prefix + host
}

// Register puts host's endpoint under a fresh lease and keeps the lease alive until
// Deregister or Close. Registering a host again replaces its entry and lease.
//
// The lease ID stays local to this call; only the keepalive cancel func is stored.
func (r *EtcdRegistry) Register(host string, ep endpoint.Endpoint, ttl int64) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var putOpts []clientv3.OpOption
	var leaseID clientv3.LeaseID
	if ttl > 0 {
		lease, err := r.client.Grant(ctx, ttl)
		if err != nil {
			return fmt.Errorf("registry: grant lease: %w", err)
		}
		leaseID = lease.ID
		putOpts = append(putOpts, clientv3.WithLease(leaseID))
	}

	if _, err := r.client.Put(ctx, r.key(host), string(val), putOpts...); err != nil {
		return fmt.Errorf("registry: put %s: %w", host, err)
	}

	r.stopKeepAlive(host)
	if ttl <= 0 {
		return nil
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, leaseID)
	if err != nil {
		kaCancel()
		return fmt.Errorf("registry: keepalive %s: %w", host, err)
	}
	r.mu.Lock()
	r.keepAlives[host] = kaCancel
	r.mu.Unlock()

	// Consume KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease renewal stopped", zap.String("host", host))
	}()
	return nil
}

// Deregister removes host and stops renewing its lease.
func (r *EtcdRegistry) Deregister(host string) error {
	r.stopKeepAlive(host)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := r.client.Delete(ctx, r.key(host)); err != nil {
		return fmt.Errorf("registry: delete %s: %w", host, err)
	}
	return nil
}

func (r *EtcdRegistry) stopKeepAlive(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.keepAlives[host]; ok {
		cancel()
		delete(r.keepAlives, host)
	}
}

func (r *EtcdRegistry) Resolve(host string) (endpoint.Endpoint, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, r.key(host))
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("registry: get %s: %w", host, err)
	}
	if len(resp.Kvs) == 0 {
		return endpoint.Endpoint{}, fmt.Errorf("%w: %s", ErrNotFound, host)
	}
	var ep endpoint.Endpoint
	if err := json.Unmarshal(resp.Kvs[0].Value, &ep); err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("registry: bad entry for %s: %w", host, err)
	}
	return ep, nil
}

// List returns every registered agent. Malformed entries are skipped.
func (r *EtcdRegistry) List() (map[string]endpoint.Endpoint, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	agents := make(map[string]endpoint.Endpoint, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep endpoint.Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		agents[strings.TrimPrefix(string(kv.Key), r.prefix)] = ep
	}
	return agents, nil
}

// Watch uses etcd's server-push Watch API and re-lists on every change
// (simpler than applying individual events).
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan map[string]endpoint.Endpoint {
	ch := make(chan map[string]endpoint.Endpoint, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(clientv3.WithRequireLeader(ctx), r.prefix, clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("registry watch error", zap.Error(err))
				continue
			}
			agents, err := r.List()
			if err != nil {
				r.logger.Warn("registry re-list failed", zap.Error(err))
				continue
			}
			select {
			case ch <- agents:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close stops every lease renewal and closes the etcd client. Registered entries expire
// with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for host, cancel := range r.keepAlives {
		cancel()
		delete(r.keepAlives, host)
	}
	r.mu.Unlock()
	return r.client.Close()
}
