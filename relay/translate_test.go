package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mjl-/stratumproxy/frame"
	"github.com/mjl-/stratumproxy/message"
)

func v2Envelope(t *testing.T, m message.Message) message.Envelope {
	t.Helper()
	f, err := message.Encode(m)
	require.NoError(t, err)
	return message.NewEnvelope(f)
}

func v1Envelope(t *testing.T, line string) message.Envelope {
	t.Helper()
	dec := frame.NewDecoder(strings.NewReader(line+"\n"), frame.NewCodec(frame.Textual, 0))
	f, err := dec.Decode()
	require.NoError(t, err)
	return message.NewEnvelope(f)
}

func decodeFrames(t *testing.T, frames []frame.Frame) []message.Message {
	t.Helper()
	var l []message.Message
	for _, f := range frames {
		m, err := message.Decode(message.Classify(f), f)
		require.NoError(t, err)
		l = append(l, m)
	}
	return l
}

const (
	testPrevHash  = "4d16b6f85af6e2198f44ae2a6de67f78487ae5611b77c6c0440b921e00000000"
	testCoinbase1 = "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20020862062f503253482f04b8864e5008"
	testCoinbase2 = "072f736c7573682f000000000100f2052a010000001976a914d23fcdf86f7e756a64a7a9688ef9903327048ed988ac00000000"
	testBranch    = "b5ab67f0b4b1d7ba4db0f4f2b98c0e8e0e12f6c35a2ab60e9a30d2f3e7f2a3c1"
)

func notifyLine(job, prevHash string, branches string, clean bool) string {
	c := "false"
	if clean {
		c = "true"
	}
	return `{"id":null,"method":"mining.notify","params":["` + job + `","` + prevHash + `","` + testCoinbase1 + `","` + testCoinbase2 + `",[` + branches + `],"20000000","1c2ac4af","504e86b9",` + c + `]}`
}

func expectedRoot(t *testing.T, extranonce string, branches ...string) message.U256 {
	t.Helper()
	coinbase, err := hex.DecodeString(testCoinbase1 + extranonce + testCoinbase2)
	require.NoError(t, err)
	h := sha256.Sum256(coinbase)
	h = sha256.Sum256(h[:])
	for _, b := range branches {
		buf, err := hex.DecodeString(b)
		require.NoError(t, err)
		h = sha256.Sum256(append(h[:], buf...))
		h = sha256.Sum256(h[:])
	}
	return message.U256(h)
}

func TestNewTranslator(t *testing.T) {
	tr, err := NewTranslator(frame.Binary, frame.Binary, nil, nil)
	require.NoError(t, err)
	require.Equal(t, Passthrough, tr)

	tr, err = NewTranslator(frame.Binary, frame.Textual, nil, nil)
	require.NoError(t, err)
	require.IsType(t, &v2ToV1{}, tr)

	_, err = NewTranslator(frame.Textual, frame.Binary, nil, nil)
	require.True(t, errors.Is(err, ErrUnsupportedTranslation), "got %v", err)

	p, err := ParseSafetyPolicy([]string{"SetupConnection", "mining.authorize"})
	require.NoError(t, err)
	require.True(t, p.Relevant(message.SetupConnection))
	require.True(t, p.Relevant(message.V1Authorize))
	require.False(t, p.Relevant(message.UpdateChannel))

	_, err = ParseSafetyPolicy([]string{"mining.bogus"})
	require.Error(t, err)
}

func TestSetupConnection(t *testing.T) {
	tr := newV2ToV1(nil, nil)
	for _, tc := range []struct {
		setup  message.SetupConnectionMsg
		expect message.Message
	}{
		{message.SetupConnectionMsg{Protocol: message.ProtocolMining, MinVersion: 2, MaxVersion: 2}, &message.SetupConnectionSuccessMsg{UsedVersion: 2}},
		{message.SetupConnectionMsg{Protocol: 1, MinVersion: 2, MaxVersion: 2}, &message.SetupConnectionErrorMsg{Code: "unsupported-protocol"}},
		{message.SetupConnectionMsg{Protocol: message.ProtocolMining, MinVersion: 3, MaxVersion: 4}, &message.SetupConnectionErrorMsg{Code: "protocol-version-mismatch"}},
	} {
		out, err := tr.Downstream(v2Envelope(t, &tc.setup))
		require.NoError(t, err)
		require.Empty(t, out.ToUpstream)
		require.Equal(t, []message.Message{tc.expect}, decodeFrames(t, out.ToDownstream))
	}
}

func TestV2ToV1(t *testing.T) {
	require := require.New(t)
	tr := newV2ToV1(nil, nil)

	up := func(line string) []message.Message {
		t.Helper()
		out, err := tr.Upstream(v1Envelope(t, line))
		require.NoError(err)
		require.Empty(out.ToUpstream)
		return decodeFrames(t, out.ToDownstream)
	}
	down := func(m message.Message) (toUp, toDown []message.Message) {
		t.Helper()
		out, err := tr.Downstream(v2Envelope(t, m))
		require.NoError(err)
		return decodeFrames(t, out.ToUpstream), decodeFrames(t, out.ToDownstream)
	}

	// Before the channel is open, difficulty and jobs are held.
	require.Empty(up(`{"id":null,"method":"mining.set_difficulty","params":[2]}`))

	toUp, toDown := down(&message.OpenStandardMiningChannelMsg{RequestID: 7, User: "worker.1", NominalHashrate: 1e12})
	require.Empty(toDown)
	require.Len(toUp, 3)
	methods := []string{"mining.configure", "mining.subscribe", "mining.authorize"}
	for i, m := range toUp {
		req := m.(*message.Request)
		require.Equal(methods[i], req.Method)
		id, _ := (&message.Response{ID: req.ID}).NumericID()
		require.Equal(uint64(i+1), id)
	}
	user, _, err := toUp[2].(*message.Request).Authorize()
	require.NoError(err)
	require.Equal("worker.1", user)

	// A second channel is refused.
	toUp, toDown = down(&message.OpenStandardMiningChannelMsg{RequestID: 8, User: "worker.2"})
	require.Empty(toUp)
	require.Equal([]message.Message{&message.OpenMiningChannelErrorMsg{RequestID: 8, Code: "max-channels-reached"}}, toDown)

	require.Empty(up(`{"id":1,"result":{"version-rolling":true,"version-rolling.mask":"1fffe000"},"error":null}`))
	require.Empty(up(`{"id":2,"result":[[["mining.notify","ae6812eb4cd7735a302a8a9dd95cf71f"]],"08000002",4],"error":null}`))
	require.Empty(up(notifyLine("job1", testPrevHash, "", false)))

	l := up(`{"id":3,"result":true,"error":null}`)
	require.Len(l, 3)
	require.Equal(&message.OpenStandardMiningChannelSuccessMsg{
		RequestID:        7,
		ChannelID:        1,
		Target:           targetForDifficulty(2),
		ExtranoncePrefix: []byte{0x08, 0, 0, 0x02, 0, 0, 0, 0},
	}, l[0])
	job := l[1].(*message.NewMiningJobMsg)
	require.True(job.FutureJob)
	require.Equal(uint32(0x20000000), job.Version)
	require.Equal(expectedRoot(t, "0800000200000000"), job.MerkleRoot)
	prev := l[2].(*message.SetNewPrevHashMsg)
	require.Equal(job.JobID, prev.JobID)
	require.Equal(uint32(0x1c2ac4af), prev.NBits)
	require.Equal(uint32(0x504e86b9), prev.MinNTime)
	require.Equal([]byte{0xf8, 0xb6, 0x16, 0x4d}, prev.PrevHash[:4])
	require.Equal([]byte{0, 0, 0, 0}, prev.PrevHash[28:])

	// Same block, not a future job.
	l = up(notifyLine("job2", testPrevHash, `"`+testBranch+`"`, false))
	require.Len(l, 1)
	job2 := l[0].(*message.NewMiningJobMsg)
	require.False(job2.FutureJob)
	require.NotEqual(job.JobID, job2.JobID)
	require.Equal(expectedRoot(t, "0800000200000000", testBranch), job2.MerkleRoot)

	l = up(`{"id":null,"method":"mining.set_difficulty","params":[4]}`)
	require.Equal([]message.Message{&message.SetTargetMsg{ChannelID: 1, MaxTarget: targetForDifficulty(4)}}, l)

	toUp, toDown = down(&message.SubmitSharesStandardMsg{ChannelID: 1, SeqNum: 5, JobID: job2.JobID, Nonce: 0x12345678, NTime: 0x504e86ba, Version: 0x20002000})
	require.Empty(toDown)
	require.Len(toUp, 1)
	submit, err := toUp[0].(*message.Request).Submit()
	require.NoError(err)
	require.Equal(&message.Submit{Worker: "worker.1", JobID: "job2", Extranonce2: "00000000", NTime: "504e86ba", Nonce: "12345678", VersionBits: "00002000"}, submit)

	l = up(`{"id":4,"result":true,"error":null}`)
	require.Equal([]message.Message{&message.SubmitSharesSuccessMsg{ChannelID: 1, LastSeqNum: 5, NewSubmitsAcceptedCount: 1, NewSharesSum: 4}}, l)

	toUp, _ = down(&message.SubmitSharesStandardMsg{ChannelID: 1, SeqNum: 6, JobID: job2.JobID})
	require.Len(toUp, 1)
	l = up(`{"id":5,"result":null,"error":[23,"Low difficulty share",null]}`)
	require.Equal([]message.Message{&message.SubmitSharesErrorMsg{ChannelID: 1, SeqNum: 6, Code: "difficulty-too-low"}}, l)

	// Unknown jobs and channels are refused without asking the pool.
	toUp, toDown = down(&message.SubmitSharesStandardMsg{ChannelID: 1, SeqNum: 7, JobID: 99})
	require.Empty(toUp)
	require.Equal([]message.Message{&message.SubmitSharesErrorMsg{ChannelID: 1, SeqNum: 7, Code: "invalid-job-id"}}, toDown)
	toUp, toDown = down(&message.SubmitSharesStandardMsg{ChannelID: 2, SeqNum: 8, JobID: job2.JobID})
	require.Empty(toUp)
	require.Equal([]message.Message{&message.SubmitSharesErrorMsg{ChannelID: 2, SeqNum: 8, Code: "invalid-channel-id"}}, toDown)

	// Clean jobs invalidates older jobs.
	l = up(notifyLine("job3", testPrevHash, "", true))
	require.Len(l, 2)
	require.True(l[0].(*message.NewMiningJobMsg).FutureJob)
	_, toDown = down(&message.SubmitSharesStandardMsg{ChannelID: 1, SeqNum: 9, JobID: job2.JobID})
	require.Equal([]message.Message{&message.SubmitSharesErrorMsg{ChannelID: 1, SeqNum: 9, Code: "invalid-job-id"}}, toDown)

	l = up(`{"id":null,"method":"client.reconnect","params":["pool2.example.com",3334,0]}`)
	require.Equal([]message.Message{&message.ReconnectMsg{NewHost: "pool2.example.com", NewPort: 3334}}, l)

	// Kinds without rule are dropped.
	toUp, toDown = down(&message.UpdateChannelMsg{ChannelID: 1, NominalHashrate: 2e12})
	require.Empty(toUp)
	require.Empty(toDown)
	require.Empty(up(`{"id":null,"method":"mining.set_extranonce","params":["08000003",4]}`))
	require.Empty(up(`{"id":99,"result":true,"error":null}`))
}

func TestAuthorizeRejected(t *testing.T) {
	require := require.New(t)
	tr := newV2ToV1(nil, nil)

	out, err := tr.Downstream(v2Envelope(t, &message.OpenStandardMiningChannelMsg{RequestID: 1, User: "nobody"}))
	require.NoError(err)
	require.Len(out.ToUpstream, 3)

	for _, line := range []string{
		`{"id":1,"result":null,"error":[20,"Unsupported method",null]}`,
		`{"id":2,"result":[[],"08000002",4],"error":null}`,
	} {
		out, err = tr.Upstream(v1Envelope(t, line))
		require.NoError(err)
		require.Empty(out.ToDownstream)
	}
	out, err = tr.Upstream(v1Envelope(t, `{"id":3,"result":false,"error":[24,"Unauthorized worker",null]}`))
	require.NoError(err)
	require.Equal([]message.Message{&message.OpenMiningChannelErrorMsg{RequestID: 1, Code: "unauthorized"}}, decodeFrames(t, out.ToDownstream))

	// Without version rolling no version bits are submitted, and submits
	// need an open channel.
	require.Equal(uint32(0), tr.mask)
	out, err = tr.Downstream(v2Envelope(t, &message.SubmitSharesStandardMsg{ChannelID: 1, SeqNum: 1}))
	require.NoError(err)
	require.Equal([]message.Message{&message.SubmitSharesErrorMsg{ChannelID: 1, SeqNum: 1, Code: "invalid-channel-id"}}, decodeFrames(t, out.ToDownstream))
}

func TestSafetyRelevant(t *testing.T) {
	policy, err := ParseSafetyPolicy([]string{"UpdateChannel", "mining.set_extranonce", "mining.authorize"})
	require.NoError(t, err)
	tr := newV2ToV1(policy, nil)

	_, err = tr.Downstream(v2Envelope(t, &message.UpdateChannelMsg{ChannelID: 1}))
	require.True(t, errors.Is(err, ErrTranslation), "got %v", err)

	_, err = tr.Upstream(v1Envelope(t, `{"id":null,"method":"mining.set_extranonce","params":["08000003",4]}`))
	require.True(t, errors.Is(err, ErrTranslation), "got %v", err)

	// Not relevant, dropped.
	out, err := tr.Downstream(v2Envelope(t, &message.CloseChannelMsg{ChannelID: 1, Reason: "bye"}))
	require.NoError(t, err)
	require.Empty(t, out.ToUpstream)

	// An authorize response that cannot be interpreted is fatal.
	_, err = tr.Downstream(v2Envelope(t, &message.OpenStandardMiningChannelMsg{RequestID: 1, User: "w"}))
	require.NoError(t, err)
	_, err = tr.Upstream(v1Envelope(t, `{"id":3,"result":"yes","error":null}`))
	require.True(t, errors.Is(err, ErrProtocol), "got %v", err)
}

func TestTargetForDifficulty(t *testing.T) {
	var expect message.U256
	expect[26], expect[27] = 0xff, 0xff
	require.Equal(t, expect, targetForDifficulty(1))

	expect = message.U256{}
	expect[25], expect[26], expect[27] = 0x80, 0xff, 0x7f
	require.Equal(t, expect, targetForDifficulty(2))

	for i := range expect {
		expect[i] = 0xff
	}
	require.Equal(t, expect, targetForDifficulty(1e-80))

	require.Equal(t, uint32(1), shareWeight(0.5))
	require.Equal(t, uint32(1024), shareWeight(1024.7))
	require.Equal(t, uint32(0xffffffff), shareWeight(1e20))
}

func TestParsePrevHash(t *testing.T) {
	h, err := parsePrevHash("00010203040506070809" + strings.Repeat("00", 22))
	require.NoError(t, err)
	require.Equal(t, []byte{3, 2, 1, 0, 7, 6, 5, 4, 0, 0, 9, 8}, h[:12])

	_, err = parsePrevHash("0001")
	require.True(t, errors.Is(err, message.ErrDecode))
}
