// Package session implements one leg of a relayed connection: a socket, its
// optional Noise handshake, and bounded queues of frames in both directions.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"gopkg.in/op/go-logging.v1"

	"github.com/mjl-/stratumproxy/auth"
	"github.com/mjl-/stratumproxy/frame"
	"github.com/mjl-/stratumproxy/instrument"
	"github.com/mjl-/stratumproxy/log"
	"github.com/mjl-/stratumproxy/message"
	"github.com/mjl-/stratumproxy/secure"
)

// State of a session. A session only moves forward through the states.
type State int32

const (
	Connecting State = iota
	Handshaking
	Relaying
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Relaying:
		return "relaying"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "failed"
}

var (
	// ErrPeerClosed is returned by Run when the peer closed the connection
	// at a frame boundary.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrClosed is returned when sending on a session that has stopped, and
	// by Run when the session was closed locally.
	ErrClosed = errors.New("session closed")

	// ErrInvalidState is returned when Handshake or Run are called in the
	// wrong state.
	ErrInvalidState = errors.New("invalid session state")
)

const (
	DefaultQueueSize        = 64
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config configures a session.
type Config struct {
	// Name of the leg, "downstream" or "upstream", used in logging and metrics.
	Name string

	// Protocol is the wire mode: frame.Binary for Stratum V2, frame.Textual
	// for Stratum V1.
	Protocol frame.Mode

	// Role in the Noise handshake. Security is required for a responder,
	// Authority for an initiator. With neither set the leg is not encrypted.
	Role      secure.Role
	Security  *secure.Security
	Authority *auth.Authority

	MaxFrameSize     int
	QueueSize        int
	HandshakeTimeout time.Duration

	Log *logging.Logger
}

// Session is one leg of a pair. Handshake must be called before Run. The
// incoming and outbound queues are bounded: a full incoming queue stops
// reading from the socket, a full outbound queue blocks senders.
type Session struct {
	cfg   Config
	conn  net.Conn
	codec frame.Codec
	log   *logging.Logger

	state atomic.Int32

	rw       io.ReadWriter // conn, or the encrypted connection on top of it.
	incoming chan message.Envelope
	outbound chan frame.Frame
	done     chan struct{}

	closeOnce sync.Once
	malformed atomic.Int64

	startMu sync.Mutex // Orders Run against Close.
	running bool
}

// New returns a session for conn in state Connecting.
func New(conn net.Conn, cfg Config) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Log == nil {
		cfg.Log = log.Discard("session")
	}
	return &Session{
		cfg:      cfg,
		conn:     conn,
		codec:    frame.NewCodec(cfg.Protocol, cfg.MaxFrameSize),
		log:      cfg.Log,
		rw:       conn,
		incoming: make(chan message.Envelope, cfg.QueueSize),
		outbound: make(chan frame.Frame, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// State returns the current state. Safe for concurrent use.
func (s *Session) State() State {
	return State(s.state.Load())
}

// transition moves to state to if the current state is one of from.
func (s *Session) transition(to State, from ...State) bool {
	for _, f := range from {
		if s.state.CompareAndSwap(int32(f), int32(to)) {
			s.log.Debugf("%s %s: %s -> %s", s.cfg.Name, s.conn.RemoteAddr(), f, to)
			return true
		}
	}
	return false
}

// Name returns the configured leg name.
func (s *Session) Name() string {
	return s.cfg.Name
}

// Protocol returns the wire mode of the session.
func (s *Session) Protocol() frame.Mode {
	return s.cfg.Protocol
}

// RemoteAddr returns the address of the peer.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Secured returns whether the session encrypts its traffic.
func (s *Session) Secured() bool {
	return s.cfg.Security != nil || s.cfg.Authority != nil
}

// Malformed returns the number of skipped malformed frames.
func (s *Session) Malformed() int64 {
	return s.malformed.Load()
}

// Handshake performs the Noise handshake for encrypted sessions, bounded by
// the handshake timeout. Plain sessions move to Relaying directly. On
// failure the session is Failed and the socket closed.
func (s *Session) Handshake(ctx context.Context) (rerr error) {
	if !s.transition(Handshaking, Connecting) {
		return xerrors.Errorf("handshake in state %s: %w", s.State(), ErrInvalidState)
	}
	defer func() {
		if rerr != nil {
			s.state.Store(int32(Failed))
			s.conn.Close()
			close(s.done)
		}
	}()

	if !s.Secured() {
		s.transition(Relaying, Handshaking)
		return nil
	}

	var c *secure.Conn
	var err error
	switch s.cfg.Role {
	case secure.Responder:
		c, err = secure.Server(s.conn, s.cfg.Security, secure.Config{})
	default:
		c, err = secure.Client(s.conn, s.cfg.Authority, secure.Config{})
	}
	if err != nil {
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	if err := c.Handshake(hctx); err != nil {
		instrument.HandshakeFailed(s.cfg.Name)
		return xerrors.Errorf("%s handshake: %w", s.cfg.Role, err)
	}
	s.rw = c
	if !s.transition(Relaying, Handshaking) {
		return xerrors.Errorf("handshake completed in state %s: %w", s.State(), ErrInvalidState)
	}
	return nil
}

// Incoming returns the classified frames read from the peer, in order. The
// channel is closed when the session stops reading.
func (s *Session) Incoming() <-chan message.Envelope {
	return s.incoming
}

// Outbound returns the queue of frames to write to the peer, for use in
// select statements. Frames must be in the session's protocol mode.
func (s *Session) Outbound() chan<- frame.Frame {
	return s.outbound
}

// Done is closed when the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send queues f for writing. It blocks while the queue is full, until ctx is
// done or the session stops.
func (s *Session) Send(ctx context.Context, f frame.Frame) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.outbound <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// SendMessage encodes m and queues it as Send does.
func (s *Session) SendMessage(ctx context.Context, m message.Message) error {
	f, err := message.Encode(m)
	if err != nil {
		return err
	}
	return s.Send(ctx, f)
}

// Run reads and writes frames until the peer disconnects, an error occurs or
// ctx is cancelled, and closes the socket before returning. A peer closing
// the connection results in ErrPeerClosed, cancellation in the context
// error. Afterwards the session is Closed, or Failed for other errors.
func (s *Session) Run(ctx context.Context) error {
	s.startMu.Lock()
	if s.running || s.State() != Relaying {
		s.startMu.Unlock()
		return xerrors.Errorf("run in state %s: %w", s.State(), ErrInvalidState)
	}
	s.running = true
	s.startMu.Unlock()
	defer close(s.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(s.incoming)
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		return s.writeLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.transition(Closing, Relaying)
		s.conn.Close()
		return nil
	})
	err := g.Wait()

	if err == nil || errors.Is(err, ErrPeerClosed) || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.transition(Closing, Relaying)
		s.transition(Closed, Closing)
	} else {
		s.state.Store(int32(Failed))
	}
	s.log.Debugf("%s %s: stopped in state %s: %v", s.cfg.Name, s.conn.RemoteAddr(), s.State(), err)
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	dec := frame.NewDecoder(bufio.NewReaderSize(s.rw, 4096), s.codec)
	for {
		f, err := dec.Decode()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, frame.ErrMalformed) {
				s.rejectMalformed(f, err)
				continue
			}
			if err == io.EOF {
				return ErrPeerClosed
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, secure.ErrConnClosed) {
				return ErrClosed
			}
			return xerrors.Errorf("reading from %s: %w", s.cfg.Name, err)
		}
		env := message.NewEnvelope(f)
		select {
		case s.incoming <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// rejectMalformed handles a malformed textual frame, which only concerns that
// frame. A client that sent an id gets a JSON-RPC error for it when the queue
// has room.
func (s *Session) rejectMalformed(f frame.Frame, err error) {
	s.malformed.Add(1)
	instrument.MalformedFrame(s.cfg.Name)
	s.log.Warningf("%s %s: skipping malformed frame: %v", s.cfg.Name, s.conn.RemoteAddr(), err)

	if s.cfg.Role != secure.Responder || s.cfg.Protocol != frame.Textual {
		return
	}
	var line struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(f.Payload, &line) != nil || len(line.ID) == 0 || string(line.ID) == "null" {
		return
	}
	reply, err := message.Encode(&message.Response{
		ID:     line.ID,
		Result: json.RawMessage("null"),
		Error:  json.RawMessage(`[20,"Malformed request",null]`),
	})
	if err != nil {
		return
	}
	select {
	case s.outbound <- reply:
	default:
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	// Encrypted legs carry exactly one frame per Noise message, so frames
	// are written unbuffered there.
	var bw *bufio.Writer
	var w io.Writer = s.rw
	if _, ok := s.rw.(*secure.Conn); !ok {
		bw = bufio.NewWriterSize(s.rw, 4096)
		w = bw
	}
	enc := frame.NewEncoder(w, s.codec)
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.outbound:
			if f.Mode != s.cfg.Protocol {
				return xerrors.Errorf("%s frame queued for %s session: %w", f.Mode, s.cfg.Protocol, message.ErrEncode)
			}
			if err := enc.Encode(f); err != nil {
				return xerrors.Errorf("writing to %s: %w", s.cfg.Name, err)
			}
			// Flush once the queue is drained, so bursts go out together.
			if bw != nil && len(s.outbound) == 0 {
				if err := bw.Flush(); err != nil {
					return xerrors.Errorf("writing to %s: %w", s.cfg.Name, err)
				}
			}
		}
	}
}

// Close closes the socket. A running session stops, a session that never ran
// is Closed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		s.startMu.Lock()
		defer s.startMu.Unlock()
		if s.running {
			return
		}
		if s.transition(Closed, Connecting, Relaying) {
			close(s.done)
		}
	})
	return err
}
