package transport

import (
	"net"
	"sync"

	"bambuk-rpc/protocol"
)

// StreamConn is the initiating side of the stream binding: a plain TCP stream where each
// message ends with the protocol terminator.
type StreamConn struct {
	writeMu sync.Mutex
	readMu  sync.Mutex
	conn    net.Conn
	reader  *protocol.DelimitedReader
	opts    Options

	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(conn net.Conn, opts Options) *StreamConn {
	return &StreamConn{
		conn:   conn,
		reader: protocol.NewDelimitedReader(conn),
		opts:   opts,
	}
}

func (c *StreamConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(deadline(c.opts.SendTimeout))
	return wrapNetErr(protocol.WriteDelimited(c.conn, data))
}

func (c *StreamConn) Recv() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	_ = c.conn.SetReadDeadline(deadline(c.opts.RecvTimeout))
	msg, err := c.reader.ReadMessage()
	if err != nil {
		return nil, wrapNetErr(err)
	}
	return msg, nil
}

func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = closeNoLinger(c.conn)
	})
	return c.closeErr
}
