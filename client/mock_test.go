package client

import (
	"fmt"
	"sync"
	"sync/atomic"

	"bambuk-rpc/codec"
	"bambuk-rpc/endpoint"
	"bambuk-rpc/message"
	"bambuk-rpc/transport"
)

// mockNet is an in-memory network of agents. Every endpoint answers through respond.
type mockNet struct {
	respond func(ep endpoint.Endpoint, call *message.Call) (any, error)
	dialErr error

	mu    sync.Mutex
	dials map[string]int
	sent  map[string][]*message.Call

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newMockNet(respond func(ep endpoint.Endpoint, call *message.Call) (any, error)) *mockNet {
	return &mockNet{
		respond: respond,
		dials:   make(map[string]int),
		sent:    make(map[string][]*message.Call),
	}
}

// echoNet answers every call with its own args.
func echoNet() *mockNet {
	return newMockNet(func(ep endpoint.Endpoint, call *message.Call) (any, error) {
		return call.Args, nil
	})
}

func (n *mockNet) dial(ep endpoint.Endpoint) (transport.Transport, error) {
	n.mu.Lock()
	n.dials[ep.String()]++
	n.mu.Unlock()
	if n.dialErr != nil {
		return nil, n.dialErr
	}
	return &mockConn{net: n, ep: ep}, nil
}

func (n *mockNet) dialCount(ep endpoint.Endpoint) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[ep.String()]
}

func (n *mockNet) sentTo(ep endpoint.Endpoint) []*message.Call {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*message.Call(nil), n.sent[ep.String()]...)
}

type mockConn struct {
	net     *mockNet
	ep      endpoint.Endpoint
	pending *message.Call
}

func (c *mockConn) Send(data []byte) error {
	call, err := codec.DecodeCall(data)
	if err != nil {
		return err
	}
	c.net.mu.Lock()
	c.net.sent[c.ep.String()] = append(c.net.sent[c.ep.String()], call)
	c.net.mu.Unlock()
	c.pending = call
	return nil
}

func (c *mockConn) Recv() ([]byte, error) {
	cur := c.net.inflight.Add(1)
	defer c.net.inflight.Add(-1)
	for {
		peak := c.net.maxInflight.Load()
		if cur <= peak || c.net.maxInflight.CompareAndSwap(peak, cur) {
			break
		}
	}

	reply, err := c.net.respond(c.ep, c.pending)
	if err != nil {
		return nil, err
	}
	if raw, ok := reply.(rawReply); ok {
		return []byte(raw), nil
	}
	return codec.EncodeReply(reply)
}

func (c *mockConn) Close() error { return nil }

// rawReply is sent back as is, without JSON encoding.
type rawReply string

func agents(n int) []endpoint.Endpoint {
	eps := make([]endpoint.Endpoint, n)
	for i := range eps {
		eps[i] = endpoint.New(fmt.Sprintf("10.0.0.%d", i+1), endpoint.DefaultPort)
	}
	return eps
}
