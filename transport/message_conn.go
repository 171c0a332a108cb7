package transport

import (
	"fmt"
	"net"
	"sync"

	"bambuk-rpc/protocol"
)

// MessageConn is the initiating side of the message binding.
//
// It behaves like a request socket: after a Send the connection is awaiting its reply and
// refuses another Send until Recv has returned that reply. A Recv that times out leaves the
// connection awaiting forever, so callers must close it and dial a new one.
type MessageConn struct {
	mu       sync.Mutex // Guards the request/reply state below and serializes socket access
	conn     net.Conn
	opts     Options
	seq      uint32 // Sequence number of the last request
	awaiting bool   // True between a successful Send and the matching Recv
	closed   bool
}

func newMessageConn(conn net.Conn, opts Options) *MessageConn {
	return &MessageConn{conn: conn, opts: opts}
}

func (c *MessageConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.awaiting {
		return fmt.Errorf("%w: send while awaiting reply %d", ErrStateViolation, c.seq)
	}

	c.seq++
	header := protocol.Header{
		MsgType: protocol.MsgTypeRequest,
		Seq:     c.seq,
	}
	_ = c.conn.SetWriteDeadline(deadline(c.opts.SendTimeout))
	if err := protocol.Encode(c.conn, &header, data); err != nil {
		return wrapNetErr(err)
	}
	c.awaiting = true
	return nil
}

func (c *MessageConn) Recv() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if !c.awaiting {
		return nil, fmt.Errorf("%w: recv without a pending request", ErrStateViolation)
	}

	_ = c.conn.SetReadDeadline(deadline(c.opts.RecvTimeout))
	header, body, err := protocol.Decode(c.conn)
	if err != nil {
		return nil, wrapNetErr(err)
	}
	if header.MsgType != protocol.MsgTypeResponse || header.Seq != c.seq {
		return nil, fmt.Errorf("%w: got seq %d type %d, want seq %d", ErrSeqMismatch, header.Seq, header.MsgType, c.seq)
	}
	c.awaiting = false
	return body, nil
}

func (c *MessageConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return closeNoLinger(c.conn)
}
