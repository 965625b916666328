package relay

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"golang.org/x/net/netutil"
	"golang.org/x/xerrors"
	"gopkg.in/op/go-logging.v1"

	"github.com/mjl-/stratumproxy/auth"
	"github.com/mjl-/stratumproxy/config"
	"github.com/mjl-/stratumproxy/frame"
	"github.com/mjl-/stratumproxy/instrument"
	"github.com/mjl-/stratumproxy/log"
	"github.com/mjl-/stratumproxy/message"
	"github.com/mjl-/stratumproxy/secure"
	"github.com/mjl-/stratumproxy/session"
)

// Error classes of failed connections, used in logging and metrics.
const (
	ClassProtocol       = "protocol"
	ClassAuthentication = "authentication"
	ClassTransport      = "transport"
)

// Server accepts miner connections and relays each over its own connection
// to the pool.
type Server struct {
	cfg      *config.Config
	log      *logging.Logger
	backend  *log.Backend
	listener net.Listener

	security  *secure.Security
	authority *auth.Authority
	policy    SafetyPolicy

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	haltOnce sync.Once
}

// New loads the keys of cfg, starts listening and accepts connections until
// Shutdown is called.
func New(cfg *config.Config, backend *log.Backend) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		log:     backend.GetLogger("relay"),
	}

	var err error
	if s.security, err = loadSecurity(cfg.Noise); err != nil {
		return nil, err
	}
	if k := cfg.Upstream.AuthorityPublicKey; k != "" {
		pub, err := auth.ParseAuthorityPublicKey(k)
		if err != nil {
			return nil, xerrors.Errorf("upstream authority: %w", err)
		}
		s.authority = &auth.Authority{PublicKey: pub}
	}
	if s.policy, err = ParseSafetyPolicy(cfg.Translation.SafetyRelevant); err != nil {
		return nil, err
	}

	l, err := net.Listen("tcp", cfg.Relay.ListenAddress)
	if err != nil {
		return nil, xerrors.Errorf("listen: %w", err)
	}
	if n := cfg.Relay.MaxConnections; n > 0 {
		l = netutil.LimitListener(l, n)
	}
	if cfg.ProxyProtocol.Accept {
		policy := proxyproto.REQUIRE
		if cfg.ProxyProtocol.Optional {
			policy = proxyproto.USE
		}
		l = &proxyproto.Listener{
			Listener: l,
			Policy: func(net.Addr) (proxyproto.Policy, error) {
				return policy, nil
			},
			ReadHeaderTimeout: s.handshakeTimeout(),
		}
	}
	s.listener = l

	s.ctx, s.cancel = context.WithCancel(context.Background())
	if s.security != nil {
		s.log.Noticef("listening on %s, static public key %s", l.Addr(), s.security.PublicKey())
	} else {
		s.log.Noticef("listening on %s without encryption", l.Addr())
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

func loadSecurity(cfg *config.Noise) (*secure.Security, error) {
	if cfg == nil {
		return nil, nil
	}
	if cfg.AuthoritySecretKeyFile != "" {
		secret, err := auth.ReadAuthoritySecretKeyFile(cfg.AuthoritySecretKeyFile)
		if err != nil {
			return nil, xerrors.Errorf("authority secret key: %w", err)
		}
		return secure.NewEphemeralSecurity(secret, time.Duration(cfg.CertificateValidity)*time.Millisecond, nil)
	}
	cert, err := auth.ReadCertificateFile(cfg.CertificateFile)
	if err != nil {
		return nil, err
	}
	key, err := auth.ReadStaticKeyFile(cfg.SecretKeyFile)
	if err != nil {
		return nil, xerrors.Errorf("static key: %w", err)
	}
	return secure.NewSecurity(cert, key)
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown stops accepting connections and tears down all pairs.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() {
		s.log.Notice("shutting down")
		s.cancel()
		s.listener.Close()
	})
}

// RotateLog reopens the log file.
func (s *Server) RotateLog() {
	if err := s.backend.Rotate(); err != nil {
		s.log.Errorf("rotating log: %v", err)
		return
	}
	s.log.Notice("log rotated")
}

// Wait blocks until the accept loop and all pairs have stopped.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handshakeTimeout() time.Duration {
	return time.Duration(s.cfg.Relay.HandshakeTimeout) * time.Millisecond
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Errorf("accept: %v", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		instrument.ConnectionAccepted()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	addr := conn.RemoteAddr()
	err := s.relay(conn)
	if err == nil || errors.Is(err, session.ErrPeerClosed) || errors.Is(err, context.Canceled) {
		s.log.Infof("%s: connection done: %v", addr, err)
		return
	}
	class := ErrorClass(err)
	instrument.ConnectionError(class)
	s.log.Errorf("%s: %s error: %v", addr, class, err)
}

// ErrorClass returns the class of a connection error: protocol,
// authentication or transport.
func ErrorClass(err error) string {
	switch {
	case errors.Is(err, secure.ErrAuthenticationRejected):
		return ClassAuthentication
	case errors.Is(err, ErrProtocol),
		errors.Is(err, ErrTranslation),
		errors.Is(err, ErrUnsupportedTranslation),
		errors.Is(err, secure.ErrProtocol),
		errors.Is(err, frame.ErrFrameTooLarge),
		errors.Is(err, message.ErrDecode),
		errors.Is(err, message.ErrEncode),
		errors.Is(err, proxyproto.ErrNoProxyProtocol):
		return ClassProtocol
	}
	return ClassTransport
}

func parseMode(protocol string) frame.Mode {
	if protocol == config.ProtocolV1 {
		return frame.Textual
	}
	return frame.Binary
}

// bufferedConn reads through the reader used to detect the protocol.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(buf []byte) (int, error) {
	return c.r.Read(buf)
}

// detect returns the protocol of a miner from its first byte: Stratum V1 is
// a JSON object per line.
func (s *Server) detect(conn *bufferedConn) (frame.Mode, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout())); err != nil {
		return 0, err
	}
	b, err := conn.r.Peek(1)
	if err != nil {
		return 0, xerrors.Errorf("detecting protocol: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, err
	}
	if b[0] == '{' {
		return frame.Textual, nil
	}
	return frame.Binary, nil
}

func (s *Server) relay(c net.Conn) error {
	ctx := s.ctx
	defer c.Close()
	stop := context.AfterFunc(ctx, func() {
		c.Close()
	})
	defer stop()

	conn := &bufferedConn{c, bufio.NewReader(c)}
	rcfg := s.cfg.Relay
	var down frame.Mode
	if rcfg.DownstreamProtocol == config.ProtocolAuto {
		var err error
		if down, err = s.detect(conn); err != nil {
			return err
		}
	} else {
		down = parseMode(rcfg.DownstreamProtocol)
	}
	up := down
	if rcfg.UpstreamProtocol != config.ProtocolAuto {
		up = parseMode(rcfg.UpstreamProtocol)
	}
	translator, err := NewTranslator(down, up, s.policy, s.backend.GetLogger("translate"))
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: time.Duration(rcfg.ConnectTimeout) * time.Millisecond}
	upConn, err := dialer.DialContext(ctx, "tcp", rcfg.UpstreamAddress)
	if err != nil {
		return xerrors.Errorf("connecting to pool: %w", err)
	}
	defer upConn.Close()

	if pass := s.cfg.ProxyProtocol.Pass; pass != "" {
		version := byte(1)
		if pass == "v2" {
			version = 2
		}
		h := proxyproto.HeaderProxyFromAddrs(version, c.RemoteAddr(), c.LocalAddr())
		if _, err := h.WriteTo(upConn); err != nil {
			return xerrors.Errorf("writing proxy header to pool: %w", err)
		}
	}

	downCfg := session.Config{
		Name:             "downstream",
		Protocol:         down,
		Role:             secure.Responder,
		MaxFrameSize:     rcfg.MaxFrameSize,
		QueueSize:        rcfg.QueueSize,
		HandshakeTimeout: s.handshakeTimeout(),
		Log:              s.backend.GetLogger("session"),
	}
	if down == frame.Binary {
		downCfg.Security = s.security
	}
	upCfg := downCfg
	upCfg.Name = "upstream"
	upCfg.Protocol = up
	upCfg.Role = secure.Initiator
	upCfg.Security = nil
	if up == frame.Binary {
		upCfg.Authority = s.authority
	}

	downstream := session.New(conn, downCfg)
	upstream := session.New(upConn, upCfg)

	// The pool connection is secured before the miner's, a miner is only
	// answered once its connection can be relayed.
	if err := upstream.Handshake(ctx); err != nil {
		downstream.Close()
		return xerrors.Errorf("upstream: %w", err)
	}
	if err := downstream.Handshake(ctx); err != nil {
		upstream.Close()
		return xerrors.Errorf("downstream: %w", err)
	}
	s.log.Debugf("%s: relaying %s miner to %s pool %s", c.RemoteAddr(), down, up, rcfg.UpstreamAddress)

	pair := &Pair{
		Downstream: downstream,
		Upstream:   upstream,
		Translator: translator,
		Log:        s.log,
	}
	return pair.Run(ctx)
}
