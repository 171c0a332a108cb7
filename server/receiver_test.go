package server

import (
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"bambuk-rpc/codec"
	"bambuk-rpc/endpoint"
	"bambuk-rpc/message"
	"bambuk-rpc/middleware"
	"bambuk-rpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const recvTimeout = 100 * time.Millisecond

// fakeAgent records what it was handed and answers like a freshly started agent.
type fakeAgent struct {
	mu      sync.Mutex
	applied []any
	fail    bool
	panics  bool
}

func (a *fakeAgent) State(serverConf any) (any, error) {
	return map[string]any{"active": true, "capabilities": map[string]any{"l2": "0.1"}}, nil
}

func (a *fakeAgent) Apply(connectDB any) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.panics {
		panic("corrupt database")
	}
	if a.fail {
		return nil, errors.New("apply failed")
	}
	a.applied = append(a.applied, connectDB)
	return connectDB, nil
}

func (a *fakeAgent) Update(update any) (any, error) { return true, nil }
func (a *fakeAgent) Delete(del any) (any, error)    { return true, nil }

type versionedAgent struct{ fakeAgent }

func (a *versionedAgent) Version() (any, error) { return "1.2", nil }

func testOptions() transport.Options {
	return transport.Options{
		SendTimeout: time.Second,
		RecvTimeout: recvTimeout,
		DialTimeout: time.Second,
	}
}

func startReceiver(t *testing.T, agent Agent, kind transport.Kind) (*Receiver, endpoint.Endpoint) {
	t.Helper()
	r := NewReceiver(agent, WithTransport(kind, testOptions()))
	require.NoError(t, r.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = r.Shutdown(time.Second) })
	return r, endpoint.New("127.0.0.1", r.Addr().(*net.TCPAddr).Port)
}

// call performs one request/reply on a fresh connection.
func call(t *testing.T, kind transport.Kind, ep endpoint.Endpoint, method string, args map[string]any) (any, error) {
	t.Helper()
	tr, err := transport.Dial(kind, ep, testOptions())
	require.NoError(t, err)
	defer tr.Close()

	data, err := codec.EncodeCall(message.NewCall(method, args))
	require.NoError(t, err)
	require.NoError(t, tr.Send(data))
	reply, err := tr.Recv()
	if err != nil {
		return nil, err
	}
	return codec.DecodeReply(reply)
}

func TestReceiverCloseBeforeListen(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewReceiver(&fakeAgent{})
	assert.Equal(t, StateCreated, r.State())
	r.Close()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("receiver did not close")
	}
	assert.Equal(t, StateClosed, r.State())
	assert.ErrorIs(t, r.Listen("127.0.0.1:0"), ErrAlreadyStarted)
}

func TestReceiverStartAndClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewReceiver(&fakeAgent{}, WithTransport(transport.KindMessage, testOptions()))
	require.NoError(t, r.Listen("127.0.0.1:0"))
	assert.Equal(t, StateListening, r.State())
	ep := endpoint.New("127.0.0.1", r.Addr().(*net.TCPAddr).Port)

	start := time.Now()
	r.Close()
	select {
	case <-r.Done():
	case <-time.After(3 * recvTimeout):
		t.Fatal("receiver did not stop within the receive timeout")
	}
	assert.Less(t, time.Since(start), 3*recvTimeout)
	assert.Equal(t, StateClosed, r.State())

	_, err := transport.Dial(transport.KindMessage, ep, testOptions())
	assert.Error(t, err, "closed receiver must refuse connections")
}

func TestReceiverListenTwice(t *testing.T) {
	r, _ := startReceiver(t, &fakeAgent{}, transport.KindMessage)
	assert.ErrorIs(t, r.Listen("127.0.0.1:0"), ErrAlreadyStarted)
}

func TestReceiverListenBindError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	r := NewReceiver(&fakeAgent{})
	assert.Error(t, r.Listen(busy.Addr().String()))
	assert.Equal(t, StateCreated, r.State())
	r.Close()
}

func TestReceiverApplyRoundTrip(t *testing.T) {
	for _, kind := range []transport.Kind{transport.KindMessage, transport.KindStream} {
		t.Run(string(kind), func(t *testing.T) {
			agent := &fakeAgent{}
			_, ep := startReceiver(t, agent, kind)

			db := map[string]any{
				"secgroup": map[string]any{"sg-1": `{"rules": []}`},
				"lport":    map[string]any{},
			}
			reply, err := call(t, kind, ep, message.MethodApply, map[string]any{message.ArgConnectDB: db})
			require.NoError(t, err)
			assert.Equal(t, db, reply)

			agent.mu.Lock()
			defer agent.mu.Unlock()
			require.Len(t, agent.applied, 1)
			assert.Equal(t, db, agent.applied[0])
		})
	}
}

func TestReceiverUnknownMethodGetsNoReply(t *testing.T) {
	_, ep := startReceiver(t, &fakeAgent{}, transport.KindMessage)

	_, err := call(t, transport.KindMessage, ep, "reboot", nil)
	assert.True(t, transport.IsTimeout(err), "expected timeout, got %v", err)

	// The loop is still serving.
	reply, err := call(t, transport.KindMessage, ep, message.MethodState, map[string]any{message.ArgServerConf: "x"})
	require.NoError(t, err)
	assert.Equal(t, true, reply.(map[string]any)["active"])
}

func TestReceiverSurvivesMalformedMessages(t *testing.T) {
	_, ep := startReceiver(t, &fakeAgent{}, transport.KindStream)

	for _, junk := range []string{"not json", `["a list"]`, `{"no_method": 1}`, `{"method": 7}`} {
		tr, err := transport.Dial(transport.KindStream, ep, testOptions())
		require.NoError(t, err)
		require.NoError(t, tr.Send([]byte(junk)))
		_, err = tr.Recv()
		assert.True(t, transport.IsTimeout(err), "%q: expected timeout, got %v", junk, err)
		tr.Close()
	}

	_, err := call(t, transport.KindStream, ep, message.MethodUpdate, nil)
	assert.NoError(t, err)
}

func TestReceiverHandlerFailures(t *testing.T) {
	agent := &fakeAgent{fail: true}
	_, ep := startReceiver(t, agent, transport.KindMessage)

	_, err := call(t, transport.KindMessage, ep, message.MethodApply, map[string]any{message.ArgConnectDB: 1})
	assert.True(t, transport.IsTimeout(err))

	agent.mu.Lock()
	agent.fail, agent.panics = false, true
	agent.mu.Unlock()
	_, err = call(t, transport.KindMessage, ep, message.MethodApply, map[string]any{message.ArgConnectDB: 1})
	assert.True(t, transport.IsTimeout(err))

	_, err = call(t, transport.KindMessage, ep, message.MethodDelete, nil)
	assert.NoError(t, err)
}

func TestReceiverHandlerPanicBehindTimeout(t *testing.T) {
	agent := &fakeAgent{panics: true}
	r := NewReceiver(agent,
		WithTransport(transport.KindMessage, testOptions()),
		WithMiddleware(middleware.TimeOutMiddleware(time.Second)))
	require.NoError(t, r.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = r.Shutdown(time.Second) })
	ep := endpoint.New("127.0.0.1", r.Addr().(*net.TCPAddr).Port)

	_, err := call(t, transport.KindMessage, ep, message.MethodApply, map[string]any{message.ArgConnectDB: 1})
	assert.True(t, transport.IsTimeout(err), "expected timeout, got %v", err)

	reply, err := call(t, transport.KindMessage, ep, message.MethodDelete, nil)
	require.NoError(t, err)
	assert.Equal(t, true, reply)
	assert.Equal(t, StateListening, r.State())
}

func TestReceiverLegacyVerbs(t *testing.T) {
	_, ep := startReceiver(t, &versionedAgent{}, transport.KindMessage)

	reply, err := call(t, transport.KindMessage, ep, message.MethodAgentState, map[string]any{message.ArgServerConf: nil})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"l2": "0.1"}, reply.(map[string]any)["capabilities"])

	reply, err = call(t, transport.KindMessage, ep, message.MethodVersion, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2", reply)
}

func TestReceiverVersionNeedsVersioner(t *testing.T) {
	_, ep := startReceiver(t, &fakeAgent{}, transport.KindMessage)

	_, err := call(t, transport.KindMessage, ep, message.MethodVersion, nil)
	assert.True(t, transport.IsTimeout(err))
}

func TestReceiverDropLogsTellVerbsApart(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewReceiver(&fakeAgent{}, WithTransport(transport.KindMessage, testOptions()), WithLogger(zap.New(core)))
	require.NoError(t, r.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = r.Shutdown(time.Second) })
	ep := endpoint.New("127.0.0.1", r.Addr().(*net.TCPAddr).Port)

	_, err := call(t, transport.KindMessage, ep, "reboot", nil)
	assert.True(t, transport.IsTimeout(err))
	_, err = call(t, transport.KindMessage, ep, message.MethodVersion, nil)
	assert.True(t, transport.IsTimeout(err))

	assert.Equal(t, 1, logs.FilterMessage("dropping call for unknown method").FilterField(zap.String("method", "reboot")).Len())
	assert.Equal(t, 1, logs.FilterMessage("dropping call this agent does not implement").FilterField(zap.String("method", message.MethodVersion)).Len())
}

func TestReceiverSequentialCallsOnOneConnection(t *testing.T) {
	_, ep := startReceiver(t, &fakeAgent{}, transport.KindMessage)

	tr, err := transport.Dial(transport.KindMessage, ep, testOptions())
	require.NoError(t, err)
	defer tr.Close()

	for i := 0; i < 5; i++ {
		data, err := codec.EncodeCall(message.NewCall(message.MethodApply, map[string]any{message.ArgConnectDB: i}))
		require.NoError(t, err)
		require.NoError(t, tr.Send(data))
		raw, err := tr.Recv()
		require.NoError(t, err)
		reply, err := codec.DecodeReply(raw)
		require.NoError(t, err)
		assert.Equal(t, json.Number(strconv.Itoa(i)), reply)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "state(9)", State(9).String())
}
