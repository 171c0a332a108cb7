package client

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bambuk-rpc/endpoint"
	"bambuk-rpc/message"
	"bambuk-rpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSenderSameInstance(t *testing.T) {
	pool := NewPool(echoNet().dial)

	const callers = 64
	got := make([]*Sender, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = pool.GetSender(endpoint.New("10.0.0.1", 5555))
		}(i)
	}
	wg.Wait()

	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, 1, pool.Len())

	assert.NotSame(t, got[0], pool.GetSender(endpoint.New("10.0.0.2", 5555)))
	assert.Equal(t, 2, pool.Len())
}

func TestPoolCloseForgetsSenders(t *testing.T) {
	pool := NewPool(echoNet().dial, WithShards(2))
	for _, ep := range agents(5) {
		pool.GetSender(ep)
	}
	require.Equal(t, 5, pool.Len())
	require.NoError(t, pool.Close())
	assert.Zero(t, pool.Len())
}

func TestBulkSendEachEndpointOnce(t *testing.T) {
	eps := agents(20)
	slowest := eps[len(eps)-1]
	mock := newMockNet(func(ep endpoint.Endpoint, call *message.Call) (any, error) {
		if ep == slowest {
			time.Sleep(150 * time.Millisecond)
		}
		return true, nil
	})
	pool := NewPool(mock.dial)

	id := pool.StartBulkSend()
	start := time.Now()
	for _, ep := range eps {
		require.NoError(t, pool.Send(id, ep, message.MethodUpdate, map[string]any{message.ArgConnectDBUpdate: "u"}))
	}
	report, err := pool.Join(id)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "Join returned before the slowest send")
	assert.Equal(t, id, report.ID)
	assert.Equal(t, len(eps), report.Sent)
	assert.Equal(t, len(eps), report.Delivered())
	assert.NoError(t, report.Err())

	for _, ep := range eps {
		sent := mock.sentTo(ep)
		require.Len(t, sent, 1, ep.String())
		assert.Equal(t, message.MethodUpdate, sent[0].Method)
		assert.Equal(t, "u", sent[0].Arg(message.ArgConnectDBUpdate))
	}
}

func TestBulkSendIsolatesFailures(t *testing.T) {
	eps := agents(8)
	broken := eps[3]
	mock := newMockNet(func(ep endpoint.Endpoint, call *message.Call) (any, error) {
		if ep == broken {
			return nil, transport.ErrTimeout
		}
		return true, nil
	})
	pool := NewPool(mock.dial, WithSenderOptions(WithRetry(3, time.Millisecond)))

	id := pool.StartBulkSend()
	for _, ep := range eps {
		require.NoError(t, pool.Send(id, ep, message.MethodDelete, nil))
	}
	report, err := pool.Join(id)
	require.NoError(t, err)

	assert.Equal(t, len(eps)-1, report.Delivered())
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[broken.String()], ErrFatalSend)
	assert.ErrorIs(t, report.Err(), ErrFatalSend)
	assert.Len(t, mock.sentTo(broken), 3)
}

func TestBulkSendBoundsInFlight(t *testing.T) {
	mock := newMockNet(func(endpoint.Endpoint, *message.Call) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	pool := NewPool(mock.dial, WithMaxInFlight(3))

	id := pool.StartBulkSend()
	for _, ep := range agents(12) {
		require.NoError(t, pool.Send(id, ep, message.MethodUpdate, nil))
	}
	report, err := pool.Join(id)
	require.NoError(t, err)

	assert.Equal(t, 12, report.Delivered())
	assert.LessOrEqual(t, mock.maxInflight.Load(), int32(3))
}

func TestBulkSendBlocksAtBound(t *testing.T) {
	gate := make(chan struct{})
	mock := newMockNet(func(endpoint.Endpoint, *message.Call) (any, error) {
		<-gate
		return true, nil
	})
	pool := NewPool(mock.dial, WithMaxInFlight(2))
	id := pool.StartBulkSend()

	before := runtime.NumGoroutine()
	var queued atomic.Int32
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for _, ep := range agents(200) {
			if pool.Send(id, ep, message.MethodUpdate, nil) == nil {
				queued.Add(1)
			}
		}
	}()

	require.Eventually(t, func() bool { return mock.inflight.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), queued.Load(), "Send must block while the batch is full")
	// Two running calls plus the feeding goroutine, with one spare for the runtime.
	assert.LessOrEqual(t, runtime.NumGoroutine()-before, 4)

	close(gate)
	<-fed
	report, err := pool.Join(id)
	require.NoError(t, err)
	assert.Equal(t, 200, report.Delivered())
	assert.LessOrEqual(t, mock.maxInflight.Load(), int32(2))
}

func TestBulkSendCountsEachEndpointOnce(t *testing.T) {
	eps := agents(2)
	broken := eps[0]
	mock := newMockNet(func(ep endpoint.Endpoint, call *message.Call) (any, error) {
		if ep == broken {
			return nil, transport.ErrTimeout
		}
		return true, nil
	})
	pool := NewPool(mock.dial, WithSenderOptions(WithRetry(1, 0)))

	id := pool.StartBulkSend()
	require.NoError(t, pool.Send(id, broken, message.MethodUpdate, nil))
	require.NoError(t, pool.Send(id, broken, message.MethodDelete, nil))
	require.NoError(t, pool.Send(id, eps[1], message.MethodUpdate, nil))
	report, err := pool.Join(id)
	require.NoError(t, err)

	assert.Len(t, mock.sentTo(broken), 2, "both sends still go out")
	assert.Equal(t, 2, report.Sent)
	assert.Len(t, report.Failed, 1)
	assert.Equal(t, 1, report.Delivered())
}

func TestBatchLifecycleErrors(t *testing.T) {
	pool := NewPool(echoNet().dial)

	err := pool.Send("no-such-batch", agent1, message.MethodUpdate, nil)
	assert.ErrorIs(t, err, ErrUnknownBatch)
	_, err = pool.Join("no-such-batch")
	assert.ErrorIs(t, err, ErrUnknownBatch)

	id := pool.StartBulkSend()
	require.NoError(t, pool.Send(id, agent1, message.MethodUpdate, nil))
	first, err := pool.Join(id)
	require.NoError(t, err)

	err = pool.Send(id, agent1, message.MethodUpdate, nil)
	assert.ErrorIs(t, err, ErrBatchJoined)

	again, err := pool.Join(id)
	require.NoError(t, err)
	assert.Same(t, first, again)
}

func TestEmptyBatchJoins(t *testing.T) {
	pool := NewPool(echoNet().dial)
	report, err := pool.Join(pool.StartBulkSend())
	require.NoError(t, err)
	assert.Zero(t, report.Sent)
	assert.NoError(t, report.Err())
}

func TestBatchWhileJoining(t *testing.T) {
	gate := make(chan struct{})
	mock := newMockNet(func(endpoint.Endpoint, *message.Call) (any, error) {
		<-gate
		return true, nil
	})
	pool := NewPool(mock.dial)
	id := pool.StartBulkSend()
	require.NoError(t, pool.Send(id, agent1, message.MethodUpdate, nil))

	reports := make(chan *BatchReport, 2)
	for i := 0; i < 2; i++ {
		go func() {
			report, err := pool.Join(id)
			assert.NoError(t, err)
			reports <- report
		}()
	}

	require.Eventually(t, func() bool {
		pool.mu.Lock()
		b := pool.batches[id]
		pool.mu.Unlock()
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.joining
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, pool.Send(id, agent1, message.MethodUpdate, nil), ErrBatchJoined)

	close(gate)
	first, second := <-reports, <-reports
	assert.Same(t, first, second)
	assert.Equal(t, 1, first.Delivered())
	assert.Len(t, mock.sentTo(agent1), 1)
}

func TestBatchesAreIndependent(t *testing.T) {
	pool := NewPool(echoNet().dial)
	a, b := pool.StartBulkSend(), pool.StartBulkSend()
	require.NotEqual(t, a, b)

	require.NoError(t, pool.Send(a, agent1, message.MethodUpdate, nil))
	require.NoError(t, pool.Send(b, agent1, message.MethodUpdate, nil))
	require.NoError(t, pool.Send(b, endpoint.New("10.0.0.9", 5555), message.MethodUpdate, nil))

	ra, err := pool.Join(a)
	require.NoError(t, err)
	rb, err := pool.Join(b)
	require.NoError(t, err)
	assert.Equal(t, 1, ra.Sent)
	assert.Equal(t, 2, rb.Sent)
}
