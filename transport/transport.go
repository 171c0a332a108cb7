// Package transport implements the point-to-point channels that carry encoded calls and replies.
//
// Two interchangeable bindings exist:
//
//   - message: one protocol frame per message, strict request/reply alternation on the
//     initiating side (a Send must be followed by exactly one Recv before the next Send).
//   - stream:  a raw TCP byte stream where every message is followed by "\n.\n".
//
// Both bindings apply a send timeout and a receive timeout to every operation and close
// sockets with linger 0, so pending unsent data is discarded instead of blocking shutdown.
//
//	Sender ──Send(call)──► Transport ══ TCP ══► Listener ──Recv()──► Inbound ──► Receiver
//	Sender ◄──Recv()────── Transport ══ TCP ══◄ Inbound.Reply(reply) ◄───────── Receiver
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"bambuk-rpc/endpoint"
)

var (
	ErrTimeout        = errors.New("transport: timeout")
	ErrClosed         = errors.New("transport: closed")
	ErrStateViolation = errors.New("transport: request/reply order violated")
	ErrSeqMismatch    = errors.New("transport: reply does not match request")
	ErrAnswered       = errors.New("transport: inbound already answered")
)

// Kind selects a binding.
type Kind string

const (
	KindMessage Kind = "message"
	KindStream  Kind = "stream"
)

// ParseKind maps a configuration string to a Kind. An empty string selects the message binding.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindMessage:
		return KindMessage, nil
	case KindStream:
		return KindStream, nil
	}
	return "", fmt.Errorf("transport: unknown kind %q", s)
}

// Transport is one reliable point-to-point channel.
type Transport interface {
	// Send transmits one message. It fails with ErrTimeout when the send timeout elapses.
	Send(data []byte) error
	// Recv blocks for the next message, at most for the receive timeout.
	Recv() ([]byte, error)
	// Close discards unsent data and releases the socket.
	Close() error
}

// Options bounds every socket operation.
type Options struct {
	SendTimeout time.Duration
	RecvTimeout time.Duration
	DialTimeout time.Duration
}

// DefaultOptions mirrors the agents' historical socket settings.
func DefaultOptions() Options {
	return Options{
		SendTimeout: time.Second,
		RecvTimeout: 5 * time.Second,
		DialTimeout: 3 * time.Second,
	}
}

// Dialer opens a transport to an endpoint. Senders take a Dialer so that tests
// can substitute in-memory transports.
type Dialer func(ep endpoint.Endpoint) (Transport, error)

// NewDialer returns a Dialer for the given binding.
func NewDialer(kind Kind, opts Options) Dialer {
	return func(ep endpoint.Endpoint) (Transport, error) {
		return Dial(kind, ep, opts)
	}
}

// Dial connects to ep and wraps the connection in the requested binding.
func Dial(kind Kind, ep endpoint.Endpoint, opts Options) (Transport, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.Dial("tcp", ep.String())
	if err != nil {
		return nil, wrapNetErr(err)
	}
	switch kind {
	case KindStream:
		return newStreamConn(conn, opts), nil
	default:
		return newMessageConn(conn, opts), nil
	}
}

// IsTimeout reports whether err came from an elapsed send, receive or dial timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func wrapNetErr(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

// closeNoLinger closes conn with SO_LINGER=0.
func closeNoLinger(conn net.Conn) error {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	return conn.Close()
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
