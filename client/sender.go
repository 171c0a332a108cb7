// Package client is the controller side of the dispatch RPC.
//
//	AgentClient ──► Pool ──GetSender(ep)──► Sender ──► transport.Transport ══► agent Receiver
//	                  │
//	                  └─ StartBulkSend / Send / Join: fan one call out to many endpoints
//	                     on a bounded set of goroutines and wait for all of them.
//
// A Sender owns the single connection to one endpoint. Any transport failure closes that
// connection; the next attempt dials a fresh one. After a fixed number of attempts the
// call fails with ErrFatalSend.
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"bambuk-rpc/codec"
	"bambuk-rpc/endpoint"
	"bambuk-rpc/message"
	"bambuk-rpc/metrics"
	"bambuk-rpc/transport"

	"go.uber.org/zap"
)

var ErrFatalSend = errors.New("client: endpoint unreachable")

const (
	DefaultMaxAttempts = 10
	DefaultBackoff     = 200 * time.Millisecond
)

// Sender performs calls against one endpoint.
type Sender struct {
	ep   endpoint.Endpoint
	dial transport.Dialer

	mu   sync.Mutex          // Held for a whole call, retries included, so calls never interleave
	conn transport.Transport // nil until the first attempt and after every failure

	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

type SenderOption func(*Sender)

// WithRetry sets how many attempts a call gets and the fixed pause between them.
func WithRetry(maxAttempts int, backoff time.Duration) SenderOption {
	return func(s *Sender) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

func WithSenderLogger(logger *zap.Logger) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSenderMetrics(m *metrics.Metrics) SenderOption {
	return func(s *Sender) { s.metrics = m }
}

// NewSender returns a sender for ep. No connection is made until the first call.
func NewSender(ep endpoint.Endpoint, dial transport.Dialer, opts ...SenderOption) *Sender {
	s := &Sender{
		ep:          ep,
		dial:        dial,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.Stringer("endpoint", ep))
	return s
}

func (s *Sender) Endpoint() endpoint.Endpoint {
	return s.ep
}

// Call sends method with args and waits for the reply.
//
// Each attempt is dial-if-needed, send, receive, decode. A failed attempt drops the
// connection and sleeps the backoff. Encoding errors are returned without any attempt.
func (s *Sender) Call(method string, args map[string]any) (any, error) {
	data, err := codec.EncodeCall(message.NewCall(method, args))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		reply, err := s.roundTrip(data)
		if err == nil {
			s.logger.Debug("call answered", zap.String("method", method), zap.Int("attempt", attempt))
			s.metrics.SenderCall(method, metrics.ResultOK)
			return reply, nil
		}
		lastErr = err
		if attempt == s.maxAttempts {
			break
		}
		s.logger.Warn("call failed, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", s.backoff),
			zap.Error(err))
		s.metrics.SenderRetry()
		time.Sleep(s.backoff)
	}

	s.logger.Error("giving up on call",
		zap.String("method", method),
		zap.Int("attempts", s.maxAttempts),
		zap.Error(lastErr))
	s.metrics.SenderCall(method, metrics.ResultFatal)
	return nil, fmt.Errorf("%w: %s: %s after %d attempts: %w", ErrFatalSend, s.ep, method, s.maxAttempts, lastErr)
}

// roundTrip runs one attempt. The caller holds s.mu.
func (s *Sender) roundTrip(data []byte) (any, error) {
	if s.conn == nil {
		conn, err := s.dial(s.ep)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		s.conn = conn
	}

	if err := s.conn.Send(data); err != nil {
		s.reset()
		return nil, fmt.Errorf("send: %w", err)
	}
	raw, err := s.conn.Recv()
	if err != nil {
		// A request socket with an unanswered request cannot send again.
		s.reset()
		return nil, fmt.Errorf("recv: %w", err)
	}
	reply, err := codec.DecodeReply(raw)
	if err != nil {
		s.reset()
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func (s *Sender) reset() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close drops the live connection, waiting for a call in progress to finish first.
// The sender stays usable; a later call dials again.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}
