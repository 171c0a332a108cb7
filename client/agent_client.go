package client

import (
	"errors"
	"fmt"

	"bambuk-rpc/endpoint"
	"bambuk-rpc/message"

	"go.uber.org/zap"
)

var ErrNoResolver = errors.New("client: no resolver configured")

// Resolver maps an agent's host id to the endpoint its receiver listens on.
type Resolver interface {
	Resolve(host string) (endpoint.Endpoint, error)
}

// AgentClient is the controller's typed view of the agent verbs.
//
// State and Apply address one agent and wait for its reply. Update and Delete fan out to
// many agents through one batch; per-agent failures are logged and reported, never returned.
type AgentClient struct {
	pool     *Pool
	resolver Resolver
	logger   *zap.Logger
}

type ClientOption func(*AgentClient)

// WithResolver enables the *Host methods.
func WithResolver(r Resolver) ClientOption {
	return func(c *AgentClient) { c.resolver = r }
}

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *AgentClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewAgentClient(pool *Pool, opts ...ClientOption) *AgentClient {
	c := &AgentClient{pool: pool, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State asks one agent for its state. An error means the agent is unreachable.
func (c *AgentClient) State(serverConf any, ep endpoint.Endpoint) (any, error) {
	return c.pool.GetSender(ep).Call(message.MethodState, map[string]any{message.ArgServerConf: serverConf})
}

// Apply replaces one agent's whole database with connectDB.
func (c *AgentClient) Apply(connectDB any, ep endpoint.Endpoint) (any, error) {
	return c.pool.GetSender(ep).Call(message.MethodApply, map[string]any{message.ArgConnectDB: connectDB})
}

// Update sends one change to every endpoint, each at most once, and waits for all of them.
func (c *AgentClient) Update(update any, eps []endpoint.Endpoint) *BatchReport {
	return c.bulk(message.MethodUpdate, message.ArgConnectDBUpdate, update, eps)
}

// Delete sends one removal to every endpoint, each at most once, and waits for all of them.
func (c *AgentClient) Delete(del any, eps []endpoint.Endpoint) *BatchReport {
	return c.bulk(message.MethodDelete, message.ArgConnectDBDelete, del, eps)
}

func (c *AgentClient) StateHost(serverConf any, host string) (any, error) {
	ep, err := c.resolve(host)
	if err != nil {
		return nil, err
	}
	return c.State(serverConf, ep)
}

func (c *AgentClient) ApplyHost(connectDB any, host string) (any, error) {
	ep, err := c.resolve(host)
	if err != nil {
		return nil, err
	}
	return c.Apply(connectDB, ep)
}

// UpdateHosts is Update addressed by host id. Hosts that cannot be resolved are logged
// and reported as failures under their host id.
func (c *AgentClient) UpdateHosts(update any, hosts []string) *BatchReport {
	eps, unresolved := c.resolveAll(hosts)
	return withUnresolved(c.Update(update, eps), unresolved)
}

// DeleteHosts is Delete addressed by host id.
func (c *AgentClient) DeleteHosts(del any, hosts []string) *BatchReport {
	eps, unresolved := c.resolveAll(hosts)
	return withUnresolved(c.Delete(del, eps), unresolved)
}

func (c *AgentClient) bulk(method, arg string, payload any, eps []endpoint.Endpoint) *BatchReport {
	id := c.pool.StartBulkSend()
	args := map[string]any{arg: payload}

	seen := make(map[string]struct{}, len(eps))
	for _, ep := range eps {
		key := ep.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if err := c.pool.Send(id, ep, method, args); err != nil {
			c.logger.Error("cannot queue send", zap.String("batch", id), zap.String("endpoint", key), zap.Error(err))
		}
	}

	report, err := c.pool.Join(id)
	if err != nil {
		c.logger.Error("cannot join batch", zap.String("batch", id), zap.Error(err))
		return &BatchReport{ID: id, Failed: make(map[string]error)}
	}
	return report
}

func (c *AgentClient) resolve(host string) (endpoint.Endpoint, error) {
	if c.resolver == nil {
		return endpoint.Endpoint{}, ErrNoResolver
	}
	ep, err := c.resolver.Resolve(host)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("client: resolve %s: %w", host, err)
	}
	return ep, nil
}

func (c *AgentClient) resolveAll(hosts []string) ([]endpoint.Endpoint, map[string]error) {
	eps := make([]endpoint.Endpoint, 0, len(hosts))
	unresolved := make(map[string]error)
	for _, host := range hosts {
		ep, err := c.resolve(host)
		if err != nil {
			c.logger.Error("skipping unresolvable agent", zap.String("host", host), zap.Error(err))
			unresolved[host] = err
			continue
		}
		eps = append(eps, ep)
	}
	return eps, unresolved
}

// withUnresolved returns a copy of report that also counts the hosts that were never sent to.
func withUnresolved(report *BatchReport, unresolved map[string]error) *BatchReport {
	if len(unresolved) == 0 {
		return report
	}
	r := *report
	r.Failed = make(map[string]error, len(report.Failed)+len(unresolved))
	for k, err := range report.Failed {
		r.Failed[k] = err
	}
	for host, err := range unresolved {
		r.Failed[host] = err
	}
	r.Sent += len(unresolved)
	return &r
}
