package client

import (
	"testing"

	"bambuk-rpc/endpoint"
	"bambuk-rpc/transport"
)

// Single goroutine, one call after another on the same connection
func BenchmarkSerialCall(b *testing.B) {
	_, ep := startAgent(b, transport.KindMessage, e2eOptions())
	pool := NewPool(transport.NewDialer(transport.KindMessage, e2eOptions()))
	b.Cleanup(func() { pool.Close() })
	c := NewAgentClient(pool)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.State(nil, ep); err != nil {
			b.Fatal(err)
		}
	}
}

// Same as above over the stream binding
func BenchmarkSerialCallStream(b *testing.B) {
	_, ep := startAgent(b, transport.KindStream, e2eOptions())
	pool := NewPool(transport.NewDialer(transport.KindStream, e2eOptions()))
	b.Cleanup(func() { pool.Close() })
	c := NewAgentClient(pool)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.State(nil, ep); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines sharing one endpoint: calls queue on the sender's lock
func BenchmarkConcurrentCall(b *testing.B) {
	_, ep := startAgent(b, transport.KindMessage, e2eOptions())
	pool := NewPool(transport.NewDialer(transport.KindMessage, e2eOptions()))
	b.Cleanup(func() { pool.Close() })
	c := NewAgentClient(pool)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.State(nil, ep); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Fan-out of one update to 1000 in-memory agents per iteration
func BenchmarkBulkUpdate(b *testing.B) {
	eps := make([]endpoint.Endpoint, 1000)
	for i := range eps {
		eps[i] = endpoint.New("10.0.0.1", 20000+i)
	}
	c := NewAgentClient(NewPool(echoNet().dial))
	update := map[string]any{"table": "lport", "key": "p", "value": "{}"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if r := c.Update(update, eps); r.Delivered() != r.Sent {
			b.Fatalf("delivered %d of %d", r.Delivered(), r.Sent)
		}
	}
}
