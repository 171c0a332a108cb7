package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Terminator follows every message on a raw stream connection.
const Terminator = "\n.\n"

// ReadBufferSize is the chunk size used when pulling bytes off the stream.
const ReadBufferSize = 8192

var terminator = []byte(Terminator)

// WriteDelimited writes body followed by the terminator in a single Write.
// JSON never contains a raw newline, so the terminator cannot appear inside a body.
func WriteDelimited(w io.Writer, body []byte) error {
	if len(body) > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))
	}
	buf := make([]byte, 0, len(body)+len(terminator))
	buf = append(buf, body...)
	buf = append(buf, terminator...)
	_, err := w.Write(buf)
	return err
}

// DelimitedReader splits a byte stream into terminator-delimited messages.
// Bytes received after a terminator are kept for the next message.
type DelimitedReader struct {
	r       io.Reader
	buf     []byte
	scratch []byte
}

func NewDelimitedReader(r io.Reader) *DelimitedReader {
	return &DelimitedReader{
		r:       r,
		scratch: make([]byte, ReadBufferSize),
	}
}

// ReadMessage blocks until a full message has been buffered and returns it
// without the terminator.
func (d *DelimitedReader) ReadMessage() ([]byte, error) {
	for {
		if msg, ok := d.next(); ok {
			return msg, nil
		}
		if len(d.buf) > MaxBodyLen+len(terminator) {
			return nil, fmt.Errorf("%w: no terminator after %d bytes", ErrBodyTooLarge, len(d.buf))
		}

		n, err := d.r.Read(d.scratch)
		d.buf = append(d.buf, d.scratch[:n]...)
		if err != nil {
			if msg, ok := d.next(); ok {
				return msg, nil
			}
			if errors.Is(err, io.EOF) && len(d.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Buffered returns the number of bytes read past the last returned message.
func (d *DelimitedReader) Buffered() int {
	return len(d.buf)
}

func (d *DelimitedReader) next() ([]byte, bool) {
	i := bytes.Index(d.buf, terminator)
	if i < 0 {
		return nil, false
	}
	msg := make([]byte, i)
	copy(msg, d.buf[:i])
	d.buf = d.buf[i+len(terminator):]
	return msg, true
}
