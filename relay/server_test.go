package relay

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/stretchr/testify/require"

	"github.com/mjl-/stratumproxy/auth"
	"github.com/mjl-/stratumproxy/config"
	"github.com/mjl-/stratumproxy/frame"
	"github.com/mjl-/stratumproxy/log"
	"github.com/mjl-/stratumproxy/message"
	"github.com/mjl-/stratumproxy/secure"
)

// testPool accepts connections from the relay.
func testPool(t *testing.T) (net.Listener, chan net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	conns := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()
	t.Cleanup(func() {
		l.Close()
	})
	return l, conns
}

func acceptPool(t *testing.T, conns chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() {
			c.Close()
		})
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("no connection at pool")
	}
	return nil
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	require.NoError(t, cfg.FixupAndValidate())
	backend, err := log.New("", "ERROR", true)
	require.NoError(t, err)
	s, err := New(cfg, backend)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Shutdown()
		s.Wait()
	})
	return s
}

func TestServer(t *testing.T) {
	require := require.New(t)

	apub, asec, err := auth.GenerateAuthorityKey(rand.Reader)
	require.NoError(err)
	keyFile := filepath.Join(t.TempDir(), "authority.key")
	require.NoError(auth.WriteAuthoritySecretKeyFile(keyFile, asec))

	pool, conns := testPool(t)
	s := startServer(t, &config.Config{
		Relay: &config.Relay{
			ListenAddress:    "127.0.0.1:0",
			UpstreamAddress:  pool.Addr().String(),
			UpstreamProtocol: config.ProtocolV1,
		},
		Noise:         &config.Noise{AuthoritySecretKeyFile: keyFile},
		ProxyProtocol: &config.ProxyProtocol{Pass: "v1"},
	})

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(err)
	defer conn.Close()
	sconn, err := secure.Client(conn, &auth.Authority{PublicKey: apub}, secure.Config{})
	require.NoError(err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(sconn.Handshake(ctx))
	miner := newPeer(t, sconn, frame.Binary)

	// The pool first gets the miner's address.
	pconn := acceptPool(t, conns)
	br := bufio.NewReader(pconn)
	require.NoError(pconn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	h, err := proxyproto.Read(br)
	require.NoError(err)
	require.Equal(conn.LocalAddr().String(), h.SourceAddr.String())
	codec := frame.NewCodec(frame.Textual, 0)
	pool1 := &peer{t, pconn, frame.NewDecoder(br, codec), frame.NewEncoder(pconn, codec)}

	miner.send(&message.SetupConnectionMsg{Protocol: message.ProtocolMining, MinVersion: 2, MaxVersion: 2})
	require.Equal(&message.SetupConnectionSuccessMsg{UsedVersion: 2}, miner.receive())

	miner.send(&message.OpenStandardMiningChannelMsg{RequestID: 3, User: "worker"})
	require.Equal("mining.configure", pool1.receive().(*message.Request).Method)
	require.Equal("mining.subscribe", pool1.receive().(*message.Request).Method)
	require.Equal("mining.authorize", pool1.receive().(*message.Request).Method)
	pool1.write(`{"id":2,"result":[[],"01020304",4],"error":null}`)
	pool1.write(`{"id":3,"result":false,"error":null}`)
	require.Equal(&message.OpenMiningChannelErrorMsg{RequestID: 3, Code: "unauthorized"}, miner.receive())

	// Shutdown tears down the pair.
	s.Shutdown()
	s.Wait()
	require.NoError(sconn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	_, err = sconn.Read(make([]byte, 1))
	require.Error(err)
}

func TestServerDetect(t *testing.T) {
	require := require.New(t)

	pool, conns := testPool(t)
	s := startServer(t, &config.Config{
		Relay: &config.Relay{
			ListenAddress:   "127.0.0.1:0",
			UpstreamAddress: pool.Addr().String(),
		},
	})

	// A Stratum V1 miner is relayed to the pool as is.
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(err)
	defer conn.Close()
	miner := newPeer(t, conn, frame.Textual)
	line := `{"id":1,"method":"mining.subscribe","params":[]}`
	miner.write(line)

	pconn := acceptPool(t, conns)
	require.NoError(pconn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	buf := make([]byte, len(line)+1)
	_, err = io.ReadFull(pconn, buf)
	require.NoError(err)
	require.Equal(line+"\n", string(buf))
}

func TestServerUnsupported(t *testing.T) {
	pool, _ := testPool(t)
	s := startServer(t, &config.Config{
		Relay: &config.Relay{
			ListenAddress:    "127.0.0.1:0",
			UpstreamAddress:  pool.Addr().String(),
			UpstreamProtocol: config.ProtocolV2,
		},
	})

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n"))
	require.NoError(t, err)

	// The relay cannot serve a Stratum V1 miner from a Stratum V2 pool and
	// closes the connection, possibly with a reset for the unread request.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	require.False(t, errors.Is(err, os.ErrDeadlineExceeded), "got %v", err)
}

func TestErrorClass(t *testing.T) {
	require.Equal(t, ClassAuthentication, ErrorClass(secure.ErrAuthenticationRejected))
	require.Equal(t, ClassProtocol, ErrorClass(frame.ErrFrameTooLarge))
	require.Equal(t, ClassProtocol, ErrorClass(ErrUnsupportedTranslation))
	require.Equal(t, ClassTransport, ErrorClass(io.ErrUnexpectedEOF))
}
