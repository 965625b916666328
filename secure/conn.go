package secure

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/mjl-/stratumproxy/auth"
)

// Conn is an encrypted connection. Reads and writes are only possible after
// a completed Handshake.
type Conn struct {
	conn      net.Conn
	handshake struct {
		sync.Mutex
		h         *Handshake
		completed bool
		err       error
	}

	// Fields below only valid after completed handshake.

	responderStatic auth.PublicKey
	certificate     *auth.Certificate

	reader struct {
		sync.Mutex
		cs      *CipherState
		scratch [MaxMessageSize]byte // Either holds unread bytes, or used for scratch space while decrypting.
		buf     []byte               // Slice into reader.scratch for bytes ready to read.
		err     error
	}

	writer struct {
		sync.Mutex
		cs      *CipherState
		scratch [2 + MaxMessageSize]byte
		out     *bufio.Writer
		err     error
	}
}

// Client turns an existing connection into an encrypted connection for the
// initiator. Call Handshake before reading or writing. On failure, the
// existing connection is not closed.
func Client(conn net.Conn, authority *auth.Authority, config Config) (*Conn, error) {
	h, err := NewInitiator(authority, config)
	if err != nil {
		return nil, err
	}
	return newConn(conn, h), nil
}

// Server turns an existing connection into an encrypted connection for the
// responder. Call Handshake before reading or writing. On failure, the
// existing connection is not closed.
func Server(conn net.Conn, security *Security, config Config) (*Conn, error) {
	h, err := NewResponder(security, config)
	if err != nil {
		return nil, err
	}
	return newConn(conn, h), nil
}

func newConn(conn net.Conn, h *Handshake) *Conn {
	c := &Conn{conn: conn}
	c.handshake.h = h
	c.writer.out = bufio.NewWriterSize(conn, 2+MaxMessageSize)
	return c
}

// LocalAddr returns the local network address of the underlying connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline calls the SetDeadline on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline calls the SetReadDeadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline calls the SetWriteDeadline on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// ResponderStatic returns the static key of the responder, for the initiator
// the key that was authenticated.
func (c *Conn) ResponderStatic() (auth.PublicKey, error) {
	if err := c.completed(); err != nil {
		return nil, err
	}
	return c.responderStatic, nil
}

// Certificate returns the verified certificate of the responder. Only
// available to the initiator.
func (c *Conn) Certificate() (*auth.Certificate, error) {
	if err := c.completed(); err != nil {
		return nil, err
	}
	return c.certificate, nil
}

func (c *Conn) completed() error {
	c.handshake.Lock()
	defer c.handshake.Unlock()
	if c.handshake.err != nil {
		return c.handshake.err
	}
	if !c.handshake.completed {
		return ErrNoHandshake
	}
	return nil
}

// aLongTimeAgo is a non-zero time, far in the past, used for immediate
// cancellation of network operations.
var aLongTimeAgo = time.Unix(1, 0)

// Handshake performs the Noise handshake. The deadline of ctx, if any, is
// applied to the underlying connection, and cancelling ctx aborts the
// handshake. A failed handshake leaves the connection unusable.
//
// Handshake returns an error if a handshake has already completed or failed.
func (c *Conn) Handshake(ctx context.Context) error {
	c.handshake.Lock()
	defer c.handshake.Unlock()
	if c.handshake.err != nil {
		return c.handshake.err
	}
	if c.handshake.completed {
		return errHandshakeDone
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return xerrors.Errorf("setting handshake deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(aLongTimeAgo)
	})

	err := c.shakehands()
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			err = classify(ctxErr, err)
		} else if ctxErr != nil || errors.Is(err, os.ErrDeadlineExceeded) {
			err = classify(ErrHandshakeTimeout, err)
		}
	}
	if err != nil {
		c.handshake.err = err
		c.handshake.h = nil
		return err
	}
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		c.handshake.err = err
		return err
	}
	c.handshake.completed = true
	return nil
}

// Must be called with lock held.
func (c *Conn) shakehands() (rerr error) {
	must, done := guard(func(xerr error) {
		rerr = xerr
	})
	defer done()

	h := c.handshake.h
	var in []byte
	if h.Role() == Responder {
		var err error
		in, err = readMessage(c.conn)
		must(err, "reading initiator handshake message")
	}
	for {
		out, r := h.Step(in)
		if len(out) > 0 {
			must(writeMessage(c.conn, out), "writing handshake message")
		}
		switch r.Outcome {
		case Established:
			c.responderStatic = r.ResponderStatic
			c.certificate = r.Certificate
			c.reader.cs = r.Recv
			c.writer.cs = r.Send
			return nil
		case Failed:
			return r.Err
		}
		var err error
		in, err = readMessage(c.conn)
		must(err, "reading handshake message")
	}
}

// readMessage reads a length-prefixed handshake message.
func readMessage(r io.Reader) ([]byte, error) {
	var size [2]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.LittleEndian.Uint16(size[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func writeMessage(w io.Writer, msg []byte) error {
	buf := make([]byte, 2+len(msg))
	binary.LittleEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	_, err := w.Write(buf)
	return err
}

// Read reads decrypted data from remote. Read returns io.EOF when the
// underlying connection is closed at a message boundary. Stratum V2 has no
// authenticated close, the frames carried in the stream delimit themselves.
func (c *Conn) Read(buf []byte) (read int, rerr error) {
	if err := c.completed(); err != nil {
		return 0, err
	}

	c.reader.Lock()
	defer c.reader.Unlock()

	if c.reader.err != nil {
		return 0, c.reader.err
	}

	must, done := guard(func(xerr error) {
		rerr = xerr
		c.reader.err = xerr
	})
	defer done()

	if len(buf) == 0 {
		return 0, nil
	}

	for len(c.reader.buf) == 0 {
		var size [2]byte
		_, err := io.ReadFull(c.conn, size[:])
		if err == io.EOF {
			c.reader.err = io.EOF
			return 0, io.EOF
		}
		must(err, "reading size")
		n := int(binary.LittleEndian.Uint16(size[:]))
		if n < authSize {
			must(withDetail(ErrProtocol, "message of %d bytes too small", n), "reading message")
		}
		_, err = io.ReadFull(c.conn, c.reader.scratch[:n])
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		must(err, "reading data message")

		c.reader.buf, err = c.reader.cs.Decrypt(c.reader.scratch[:0], c.reader.scratch[:n])
		if err != nil {
			must(classify(ErrProtocol, err), "decrypting data message")
		}
	}

	n := copy(buf, c.reader.buf)
	c.reader.buf = c.reader.buf[n:]
	return n, nil
}

// Write encrypts and writes data to remote, split over as many Noise messages
// as needed.
func (c *Conn) Write(buf []byte) (written int, rerr error) {
	if err := c.completed(); err != nil {
		return 0, err
	}

	c.writer.Lock()
	defer c.writer.Unlock()

	if c.writer.err != nil {
		return 0, c.writer.err
	}

	must, done := guard(func(xerr error) {
		rerr = xerr
		c.writer.err = xerr
	})
	defer done()

	for len(buf) > 0 {
		cn := len(buf)
		if cn > maxDataSize {
			cn = maxDataSize
		}
		msg, err := c.writer.cs.Encrypt(c.writer.scratch[:2], buf[:cn])
		must(err, "encrypting")
		binary.LittleEndian.PutUint16(msg[:2], uint16(len(msg)-2))
		_, err = c.writer.out.Write(msg)
		must(err, "writing")

		written += cn
		buf = buf[cn:]
	}

	err := c.writer.out.Flush()
	must(err, "writing")

	return written, nil
}

// Close closes the underlying connection and clears buffered plaintext.
// Pending reads and writes return errors.
func (c *Conn) Close() error {
	err := c.conn.Close()

	c.handshake.Lock()
	if c.handshake.err == nil {
		c.handshake.err = ErrConnClosed
	}
	c.handshake.h = nil
	c.handshake.Unlock()

	c.reader.Lock()
	c.reader.err = ErrConnClosed
	c.reader.buf = nil
	c.reader.cs = nil
	buf := c.reader.scratch[:]
	for i := range buf {
		buf[i] = 0
	}
	c.reader.Unlock()

	c.writer.Lock()
	c.writer.err = ErrConnClosed
	c.writer.cs = nil
	buf = c.writer.scratch[:]
	for i := range buf {
		buf[i] = 0
	}
	c.writer.Unlock()

	return err
}
