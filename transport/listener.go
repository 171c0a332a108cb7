package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"bambuk-rpc/protocol"
)

// Inbound is one received message waiting for its reply.
//
// Every Inbound must be finished with exactly one Reply or Drop. Until then the connection
// it arrived on reads nothing else, which keeps each connection strictly request/reply.
type Inbound struct {
	Body   []byte
	Remote string

	reply func([]byte) error
	done  chan struct{}
	once  sync.Once
}

// Reply sends data back on the connection the message arrived on.
func (in *Inbound) Reply(data []byte) error {
	err := ErrAnswered
	in.once.Do(func() {
		err = in.reply(data)
		close(in.done)
	})
	return err
}

// Drop finishes the inbound without answering. The peer will see a receive timeout.
func (in *Inbound) Drop() {
	in.once.Do(func() {
		close(in.done)
	})
}

// Listener is the accepting side of a binding. Connections are served in the background;
// their messages are handed out one at a time through Recv.
type Listener struct {
	kind Kind
	opts Options
	ln   net.Listener

	inbox   chan *Inbound
	closing chan struct{}

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	wg        sync.WaitGroup // accept loop + one per live connection
	closeOnce sync.Once
	closeErr  error
}

// Listen binds addr with SO_REUSEADDR and starts accepting connections.
func Listen(kind Kind, addr string, opts Options) (*Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		kind:    kind,
		opts:    opts,
		ln:      ln,
		inbox:   make(chan *Inbound),
		closing: make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the bound address; useful when listening on port 0.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Recv returns the next inbound message. It gives up after the receive timeout with
// ErrTimeout so the caller can check whether it should keep serving.
func (l *Listener) Recv() (*Inbound, error) {
	var timeout <-chan time.Time
	if l.opts.RecvTimeout > 0 {
		timer := time.NewTimer(l.opts.RecvTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case in := <-l.inbox:
		return in, nil
	case <-timeout:
		return nil, ErrTimeout
	case <-l.closing:
		return nil, ErrClosed
	}
}

// Close stops accepting, closes every live connection with linger 0 and waits for the
// connection goroutines to exit.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closing)
		l.closeErr = l.ln.Close()

		l.mu.Lock()
		l.closed = true
		for conn := range l.conns {
			_ = closeNoLinger(conn)
		}
		l.mu.Unlock()

		l.wg.Wait()
	})
	return l.closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			// Close() makes Accept fail; any other accept error also ends the loop
			// because the listening socket is unusable.
			return
		}
		if !l.track(conn) {
			_ = closeNoLinger(conn)
			return
		}
		go l.serveConn(conn)
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	l.wg.Add(1)
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	_ = closeNoLinger(conn)
}

// serveConn reads messages from one connection. The read loop is sequential: the next
// message is read only after the previous one was replied to or dropped.
func (l *Listener) serveConn(conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)

	read, write := l.framing(conn)
	remote := conn.RemoteAddr().String()

	for {
		body, seq, err := read()
		if err != nil {
			return // Peer went away, protocol error, or listener closing
		}

		in := &Inbound{
			Body:   body,
			Remote: remote,
			done:   make(chan struct{}),
		}
		in.reply = func(data []byte) error {
			_ = conn.SetWriteDeadline(deadline(l.opts.SendTimeout))
			return wrapNetErr(write(seq, data))
		}

		select {
		case l.inbox <- in:
		case <-l.closing:
			return
		}

		select {
		case <-in.done:
		case <-l.closing:
			return
		}
	}
}

type readFunc func() (body []byte, seq uint32, err error)
type writeFunc func(seq uint32, body []byte) error

func (l *Listener) framing(conn net.Conn) (readFunc, writeFunc) {
	if l.kind == KindStream {
		r := protocol.NewDelimitedReader(conn)
		read := func() ([]byte, uint32, error) {
			body, err := r.ReadMessage()
			return body, 0, err
		}
		write := func(_ uint32, body []byte) error {
			return protocol.WriteDelimited(conn, body)
		}
		return read, write
	}

	read := func() ([]byte, uint32, error) {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return nil, 0, err
		}
		if header.MsgType != protocol.MsgTypeRequest {
			return nil, 0, ErrStateViolation
		}
		return body, header.Seq, nil
	}
	write := func(seq uint32, body []byte) error {
		header := protocol.Header{MsgType: protocol.MsgTypeResponse, Seq: seq}
		return protocol.Encode(conn, &header, body)
	}
	return read, write
}
