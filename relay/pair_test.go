package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/mjl-/stratumproxy/frame"
	"github.com/mjl-/stratumproxy/log"
	"github.com/mjl-/stratumproxy/message"
	"github.com/mjl-/stratumproxy/secure"
	"github.com/mjl-/stratumproxy/session"
)

// peer is the miner or pool end of a test pair.
type peer struct {
	t    *testing.T
	conn net.Conn
	dec  *frame.Decoder
	enc  *frame.Encoder
}

func newPeer(t *testing.T, conn net.Conn, mode frame.Mode) *peer {
	codec := frame.NewCodec(mode, 0)
	return &peer{t, conn, frame.NewDecoder(conn, codec), frame.NewEncoder(conn, codec)}
}

func (p *peer) send(m message.Message) {
	p.t.Helper()
	f, err := message.Encode(m)
	require.NoError(p.t, err)
	require.NoError(p.t, p.enc.Encode(f))
}

func (p *peer) write(line string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(line + "\n"))
	require.NoError(p.t, err)
}

func (p *peer) receive() message.Message {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	f, err := p.dec.Decode()
	require.NoError(p.t, err)
	m, err := message.Decode(message.Classify(f), f)
	require.NoError(p.t, err)
	return m
}

// wire returns the bytes of f as sent on the wire.
func wire(f frame.Frame) []byte {
	return frame.NewCodec(f.Mode, 0).Encode(f)
}

type testPair struct {
	miner, pool *peer
	down, up    *session.Session
	errc        chan error
	cancel      context.CancelFunc
}

func startPair(t *testing.T, down, up frame.Mode, tr Translator, queue int, l *logging.Logger) *testPair {
	t.Helper()
	if l == nil {
		l = log.Discard("test")
	}
	minerConn, downConn := net.Pipe()
	upConn, poolConn := net.Pipe()
	ds := session.New(downConn, session.Config{Name: "downstream", Protocol: down, Role: secure.Responder, QueueSize: queue, Log: l})
	us := session.New(upConn, session.Config{Name: "upstream", Protocol: up, Role: secure.Initiator, QueueSize: queue, Log: l})
	require.NoError(t, ds.Handshake(context.Background()))
	require.NoError(t, us.Handshake(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	tp := &testPair{
		miner:  newPeer(t, minerConn, down),
		pool:   newPeer(t, poolConn, up),
		down:   ds,
		up:     us,
		errc:   make(chan error, 1),
		cancel: cancel,
	}
	p := &Pair{Downstream: ds, Upstream: us, Translator: tr, Log: l}
	go func() {
		tp.errc <- p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		minerConn.Close()
		poolConn.Close()
	})
	return tp
}

func (tp *testPair) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-tp.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("pair did not stop")
	}
	return nil
}

func TestUnknownForwarded(t *testing.T) {
	name := filepath.Join(t.TempDir(), "relay.log")
	backend, err := log.New(name, "DEBUG", false)
	require.NoError(t, err)
	tp := startPair(t, frame.Binary, frame.Binary, Passthrough, 4, backend.GetLogger("test"))

	readRaw := func(c net.Conn, n int) []byte {
		t.Helper()
		require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
		buf := make([]byte, n)
		_, err := io.ReadFull(c, buf)
		require.NoError(t, err)
		return buf
	}

	unknown := wire(frame.NewBinary(0, 0xff, []byte{0xde, 0xad, 0xbe, 0xef}))
	_, err = tp.miner.conn.Write(unknown)
	require.NoError(t, err)
	require.Equal(t, unknown, readRaw(tp.pool.conn, len(unknown)))

	// Another extension, towards the miner.
	extension := wire(frame.NewBinary(frame.ChannelBit|0x0002, 0x05, []byte("opaque payload")))
	_, err = tp.pool.conn.Write(extension)
	require.NoError(t, err)
	require.Equal(t, extension, readRaw(tp.miner.conn, len(extension)))

	tp.cancel()
	require.True(t, errors.Is(tp.wait(t), context.Canceled))
	require.Equal(t, int64(0), tp.down.Malformed())

	buf, err := os.ReadFile(name)
	require.NoError(t, err)
	require.NotContains(t, string(buf), "decode")
	require.NotContains(t, string(buf), "malformed")
	require.NotContains(t, string(buf), "dropping")
}

func TestPassthroughV1(t *testing.T) {
	tp := startPair(t, frame.Textual, frame.Textual, Passthrough, 4, nil)

	tp.miner.write(`{"id":1,"method":"mining.subscribe","params":["cpuminer/2.5"]}`)
	req := tp.pool.receive().(*message.Request)
	require.Equal(t, "mining.subscribe", req.Method)

	tp.pool.write(`{"id":1,"result":[[],"08000002",4],"error":null}`)
	resp := tp.miner.receive().(*message.Response)
	sub, err := resp.SubscribeResult()
	require.NoError(t, err)
	require.Equal(t, "08000002", sub.Extranonce1)
}

func TestUpstreamClosed(t *testing.T) {
	tp := startPair(t, frame.Binary, frame.Binary, Passthrough, 4, nil)

	tp.pool.conn.Close()
	err := tp.wait(t)
	require.True(t, errors.Is(err, session.ErrPeerClosed), "got %v", err)
	require.Eventually(t, func() bool {
		return tp.down.State() == session.Closed
	}, 5*time.Second, 10*time.Millisecond)

	// The miner's connection is closed too.
	require.NoError(t, tp.miner.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = tp.miner.conn.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
}

func TestBackpressure(t *testing.T) {
	const n = 200
	tp := startPair(t, frame.Binary, frame.Binary, Passthrough, 1, nil)

	var written atomic.Int32
	go func() {
		for i := uint32(0); i < n; i++ {
			f, err := message.Encode(&message.SubmitSharesStandardMsg{ChannelID: 1, SeqNum: i})
			if err != nil {
				return
			}
			if _, err := tp.miner.conn.Write(wire(f)); err != nil {
				return
			}
			written.Add(1)
		}
	}()

	// The pool does not read. The relay stops reading from the miner after
	// filling its queues.
	time.Sleep(200 * time.Millisecond)
	require.Less(t, written.Load(), int32(20))

	for i := uint32(0); i < n; i++ {
		m := tp.pool.receive().(*message.SubmitSharesStandardMsg)
		require.Equal(t, i, m.SeqNum)
	}
	require.Eventually(t, func() bool {
		return written.Load() == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTranslatedPair(t *testing.T) {
	tr, err := NewTranslator(frame.Binary, frame.Textual, nil, nil)
	require.NoError(t, err)
	tp := startPair(t, frame.Binary, frame.Textual, tr, 4, nil)

	tp.miner.send(&message.SetupConnectionMsg{Protocol: message.ProtocolMining, MinVersion: 2, MaxVersion: 2, EndpointHost: "pool.example.com", EndpointPort: 3333})
	require.Equal(t, &message.SetupConnectionSuccessMsg{UsedVersion: 2}, tp.miner.receive())

	tp.miner.send(&message.OpenStandardMiningChannelMsg{RequestID: 1, User: "worker.1"})
	for _, method := range []string{"mining.configure", "mining.subscribe", "mining.authorize"} {
		req := tp.pool.receive().(*message.Request)
		require.Equal(t, method, req.Method)
	}
	tp.pool.write(`{"id":1,"result":{"version-rolling":false},"error":null}`)
	tp.pool.write(`{"id":2,"result":[[],"08000002",4],"error":null}`)
	tp.pool.write(`{"id":3,"result":true,"error":null}`)
	success := tp.miner.receive().(*message.OpenStandardMiningChannelSuccessMsg)
	require.Equal(t, uint32(1), success.RequestID)
	require.Equal(t, []byte{8, 0, 0, 2, 0, 0, 0, 0}, success.ExtranoncePrefix)

	tp.pool.write(notifyLine("job1", testPrevHash, "", true))
	job := tp.miner.receive().(*message.NewMiningJobMsg)
	require.True(t, job.FutureJob)
	require.IsType(t, &message.SetNewPrevHashMsg{}, tp.miner.receive())

	tp.miner.send(&message.SubmitSharesStandardMsg{ChannelID: 1, SeqNum: 1, JobID: job.JobID, Nonce: 1, NTime: 0x504e86b9, Version: 0x20000000})
	submit, err := tp.pool.receive().(*message.Request).Submit()
	require.NoError(t, err)
	require.Equal(t, "job1", submit.JobID)
	require.Equal(t, "", submit.VersionBits)
	tp.pool.write(`{"id":4,"result":true,"error":null}`)
	require.Equal(t, &message.SubmitSharesSuccessMsg{ChannelID: 1, LastSeqNum: 1, NewSubmitsAcceptedCount: 1, NewSharesSum: 1}, tp.miner.receive())
}

func TestTranslationFailure(t *testing.T) {
	policy, err := ParseSafetyPolicy([]string{"UpdateChannel"})
	require.NoError(t, err)
	tr, err := NewTranslator(frame.Binary, frame.Textual, policy, nil)
	require.NoError(t, err)
	tp := startPair(t, frame.Binary, frame.Textual, tr, 4, nil)

	tp.miner.send(&message.UpdateChannelMsg{ChannelID: 1, NominalHashrate: 1})
	err = tp.wait(t)
	require.True(t, errors.Is(err, ErrTranslation), "got %v", err)
	require.Equal(t, ClassProtocol, ErrorClass(err))

	require.Eventually(t, func() bool {
		return tp.down.State() == session.Closed && tp.up.State() == session.Closed
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, tp.pool.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = tp.pool.conn.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
}
