// Package server implements the agent side of the dispatch RPC: a Receiver that listens on
// one address, decodes each incoming call, runs it against the local Agent and replies.
//
// Request processing pipeline:
//
//	Listener.Recv (bounded by the receive timeout)
//	  → timeout: check running flag, loop again
//	  → inbound: codec.DecodeCall → dispatch table lookup
//	    → Middleware Chain → Agent method → codec.EncodeReply → Inbound.Reply
//
// Calls are handled one at a time in arrival order. A call that fails to decode, names an
// unknown method, or whose handler fails is logged and dropped without a reply; the caller
// sees a receive timeout. Nothing a peer sends can stop the loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"bambuk-rpc/codec"
	"bambuk-rpc/message"
	"bambuk-rpc/metrics"
	"bambuk-rpc/middleware"
	"bambuk-rpc/transport"

	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted  = errors.New("server: receiver already started")
	ErrShutdownTimeout = errors.New("server: timeout waiting for receiver to stop")
)

// Agent is the local handler object a Receiver dispatches to. Each method receives the
// verb's single keyword argument exactly as decoded from the wire.
type Agent interface {
	State(serverConf any) (any, error)
	Apply(connectDB any) (any, error)
	Update(update any) (any, error)
	Delete(del any) (any, error)
}

// Versioner is implemented by agents that answer the legacy "version" verb.
type Versioner interface {
	Version() (any, error)
}

// State is the receiver lifecycle: Created → Listening → Closed.
type State int32

const (
	StateCreated State = iota
	StateListening
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Receiver serves one Agent on one address.
type Receiver struct {
	agent       Agent
	table       map[string]middleware.HandlerFunc // verb → handler, fixed at construction
	middlewares []middleware.Middleware           // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc            // Chain(middlewares...)(dispatch), built by Listen

	kind    transport.Kind
	opts    transport.Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex // Serializes Listen and Close so the running flag cannot be lost
	ln      *transport.Listener
	state   atomic.Int32
	running atomic.Bool // Cleared by Close; the loop checks it after every Recv
	done    chan struct{}
}

type Option func(*Receiver)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Receiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Receiver) { r.metrics = m }
}

// WithMiddleware adds middlewares after the built-in recover and logging ones.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(r *Receiver) { r.middlewares = append(r.middlewares, mws...) }
}

// WithTransport selects the binding and socket timeouts. The receive timeout also bounds
// how long Close takes to be observed.
func WithTransport(kind transport.Kind, opts transport.Options) Option {
	return func(r *Receiver) {
		r.kind = kind
		r.opts = opts
	}
}

// NewReceiver creates a receiver in the Created state. Nothing is bound until Listen.
func NewReceiver(agent Agent, opts ...Option) *Receiver {
	r := &Receiver{
		agent:  agent,
		kind:   transport.KindMessage,
		opts:   transport.DefaultOptions(),
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.middlewares = append([]middleware.Middleware{
		middleware.RecoverMiddleware(),
		middleware.LoggingMiddleware(r.logger),
	}, r.middlewares...)
	r.table = dispatchTable(agent)
	return r
}

func dispatchTable(agent Agent) map[string]middleware.HandlerFunc {
	state := func(ctx context.Context, call *message.Call) (any, error) {
		return agent.State(call.Arg(message.ArgServerConf))
	}
	table := map[string]middleware.HandlerFunc{
		message.MethodState:      state,
		message.MethodAgentState: state,
		message.MethodApply: func(ctx context.Context, call *message.Call) (any, error) {
			return agent.Apply(call.Arg(message.ArgConnectDB))
		},
		message.MethodUpdate: func(ctx context.Context, call *message.Call) (any, error) {
			return agent.Update(call.Arg(message.ArgConnectDBUpdate))
		},
		message.MethodDelete: func(ctx context.Context, call *message.Call) (any, error) {
			return agent.Delete(call.Arg(message.ArgConnectDBDelete))
		},
	}
	if v, ok := agent.(Versioner); ok {
		table[message.MethodVersion] = func(ctx context.Context, call *message.Call) (any, error) {
			return v.Version()
		}
	}
	return table
}

// Use registers a middleware. It has no effect once Listen has been called.
func (r *Receiver) Use(mw middleware.Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw)
}

// Listen binds addr and starts the dispatch loop on its own goroutine. Bind errors are
// returned to the caller and leave the receiver in the Created state.
func (r *Receiver) Listen(addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if State(r.state.Load()) != StateCreated {
		return ErrAlreadyStarted
	}
	ln, err := transport.Listen(r.kind, addr, r.opts)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}

	// Build the middleware chain once, not per call
	r.handler = middleware.Chain(r.middlewares...)(r.dispatch)
	r.ln = ln
	r.running.Store(true)
	r.state.Store(int32(StateListening))
	r.logger.Info("receiver listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("transport", string(r.kind)))

	go r.loop(ln)
	return nil
}

// Close asks the loop to stop. The loop notices within one receive timeout, closes the
// listener and moves to Closed. Closing a receiver that never listened closes it at once.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.running.Store(false)
	if State(r.state.Load()) == StateCreated {
		r.state.Store(int32(StateClosed))
		close(r.done)
	}
}

// Shutdown closes the receiver and waits for the loop to exit.
func (r *Receiver) Shutdown(timeout time.Duration) error {
	r.Close()
	select {
	case <-r.done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// Done is closed once the receiver reaches the Closed state.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the receiver is closed.
func (r *Receiver) Wait() {
	<-r.done
}

func (r *Receiver) State() State {
	return State(r.state.Load())
}

// Addr returns the bound address, or nil before Listen.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

func (r *Receiver) loop(ln *transport.Listener) {
	defer func() {
		_ = ln.Close()
		r.state.Store(int32(StateClosed))
		r.logger.Info("receiver closed", zap.String("addr", ln.Addr().String()))
		close(r.done)
	}()

	for r.running.Load() {
		in, err := ln.Recv()
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			r.logger.Error("receive failed", zap.Error(err))
			continue
		}
		r.handle(in)
	}
}

// handle answers or drops one inbound message. It never returns an error: every failure
// ends with the inbound dropped and the loop moving on.
func (r *Receiver) handle(in *transport.Inbound) {
	call, err := codec.DecodeCall(in.Body)
	if err != nil {
		r.logger.Warn("dropping malformed message",
			zap.String("remote", in.Remote), zap.Int("bytes", len(in.Body)), zap.Error(err))
		r.metrics.ReceiverRequest("", metrics.ResultDropped)
		in.Drop()
		return
	}
	r.logger.Debug("received call", zap.String("method", call.Method), zap.String("remote", in.Remote))

	if _, ok := r.table[call.Method]; !ok {
		msg := "dropping call for unknown method"
		if message.IsKnown(call.Method) {
			msg = "dropping call this agent does not implement"
		}
		r.logger.Warn(msg, zap.String("method", call.Method), zap.String("remote", in.Remote))
		r.metrics.ReceiverRequest(call.Method, metrics.ResultUnknown)
		in.Drop()
		return
	}

	reply, err := r.handler(context.Background(), call)
	if err != nil {
		r.logger.Error("handler failed, no reply sent", zap.String("method", call.Method), zap.Error(err))
		r.metrics.ReceiverRequest(call.Method, metrics.ResultError)
		in.Drop()
		return
	}

	data, err := codec.EncodeReply(reply)
	if err != nil {
		r.logger.Error("cannot encode reply", zap.String("method", call.Method), zap.Error(err))
		r.metrics.ReceiverRequest(call.Method, metrics.ResultError)
		in.Drop()
		return
	}
	if err := in.Reply(data); err != nil {
		r.logger.Warn("reply not delivered", zap.String("method", call.Method), zap.Error(err))
		r.metrics.ReceiverRequest(call.Method, metrics.ResultError)
		return
	}
	r.metrics.ReceiverRequest(call.Method, metrics.ResultOK)
}

// dispatch is the innermost handler of the middleware chain.
func (r *Receiver) dispatch(ctx context.Context, call *message.Call) (any, error) {
	h, ok := r.table[call.Method]
	if !ok {
		return nil, fmt.Errorf("server: no handler for %q", call.Method)
	}
	return h(ctx, call)
}
