package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/xerrors"
	"gopkg.in/op/go-logging.v1"

	"github.com/mjl-/stratumproxy/frame"
	"github.com/mjl-/stratumproxy/message"
)

const (
	// protocolVersion is the Stratum V2 version offered to miners.
	protocolVersion = 2

	// channelID is the only standard channel a miner gets.
	channelID = 1

	// versionRollingMask is requested from the pool with mining.configure.
	versionRollingMask = 0x1fffe000

	// maxJobs is the number of jobs a share can be submitted for.
	maxJobs = 64

	// maxExtranoncePrefix is the largest extranonce prefix of a channel.
	maxExtranoncePrefix = 32
)

var errNoRule = errors.New("no translation rule")

var (
	diff1Target, _ = new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)
	maxTarget      = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// Error codes of Stratum V1 share rejections.
var submitErrorCodes = map[int]string{
	21: "stale-share",
	22: "duplicate-share",
	23: "difficulty-too-low",
	24: "unauthorized",
	25: "not-subscribed",
}

type pendingRequest struct {
	kind       message.Kind
	seq        uint32  // Of a submit.
	difficulty float64 // Of a submit.
}

// v2ToV1 serves a Stratum V2 miner from a Stratum V1 pool. The miner gets a
// single standard channel, backed by one subscription at the pool. The
// extranonce2 of the subscription is fixed at zero, the miner only rolls
// nonce, time and version.
type v2ToV1 struct {
	dropper

	nextID  uint64
	pending map[uint64]pendingRequest

	opening    bool
	authorized bool
	open       bool
	requestID  uint32
	user       string

	subscription *message.SubscribeResult
	extranonce1  []byte
	mask         uint32

	difficulty float64
	target     message.U256

	prevHash string
	nextJob  uint32
	jobs     map[uint32]string // Channel job ID to pool job ID.
	jobOrder []uint32
	held     *message.Notify // Latest job before the channel opened.
}

func newV2ToV1(policy SafetyPolicy, log *logging.Logger) *v2ToV1 {
	return &v2ToV1{
		dropper:    newDropper(policy, log),
		nextID:     1,
		pending:    map[uint64]pendingRequest{},
		difficulty: 1,
		target:     targetForDifficulty(1),
		jobs:       map[uint32]string{},
	}
}

type rule func(t *v2ToV1, o *output, m message.Message) error

var downstreamRules = map[message.Kind]rule{
	message.SetupConnection: func(t *v2ToV1, o *output, m message.Message) error {
		t.setupConnection(o, m.(*message.SetupConnectionMsg))
		return nil
	},
	message.OpenStandardMiningChannel: func(t *v2ToV1, o *output, m message.Message) error {
		t.openChannel(o, m.(*message.OpenStandardMiningChannelMsg))
		return nil
	},
	message.SubmitSharesStandard: func(t *v2ToV1, o *output, m message.Message) error {
		t.submit(o, m.(*message.SubmitSharesStandardMsg))
		return nil
	},
}

var upstreamRules = map[message.Kind]rule{
	message.V1SetDifficulty: func(t *v2ToV1, o *output, m message.Message) error {
		return t.setDifficulty(o, m.(*message.Request))
	},
	message.V1Notify: func(t *v2ToV1, o *output, m message.Message) error {
		return t.notify(o, m.(*message.Request))
	},
	message.V1Reconnect: func(t *v2ToV1, o *output, m message.Message) error {
		host, port, err := m.(*message.Request).Reconnect()
		if err != nil {
			return err
		}
		o.down(&message.ReconnectMsg{NewHost: host, NewPort: port})
		return nil
	},
}

func (t *v2ToV1) Downstream(env message.Envelope) (Output, error) {
	r, ok := downstreamRules[env.Kind]
	if !ok {
		return t.drop("downstream", env.Kind, errNoRule)
	}
	m, err := env.Decode()
	if err != nil {
		return t.invalid("downstream", env.Kind, err)
	}
	o := &output{}
	if err := r(t, o, m); err != nil {
		return t.invalid("downstream", env.Kind, err)
	}
	return o.result()
}

func (t *v2ToV1) Upstream(env message.Envelope) (Output, error) {
	if env.Kind == message.V1Response {
		m, err := env.Decode()
		if err != nil {
			return t.invalid("upstream", env.Kind, err)
		}
		return t.response(m.(*message.Response))
	}
	r, ok := upstreamRules[env.Kind]
	if !ok {
		return t.drop("upstream", env.Kind, errNoRule)
	}
	m, err := env.Decode()
	if err != nil {
		return t.invalid("upstream", env.Kind, err)
	}
	o := &output{}
	if err := r(t, o, m); err != nil {
		return t.invalid("upstream", env.Kind, err)
	}
	return o.result()
}

// request returns a request to the pool, remembering p for its response.
func (t *v2ToV1) request(p pendingRequest, params ...interface{}) *message.Request {
	id := t.nextID
	t.nextID++
	t.pending[id] = p
	return message.NewRequest(id, p.kind.String(), params...)
}

func (t *v2ToV1) setupConnection(o *output, m *message.SetupConnectionMsg) {
	switch {
	case m.Protocol != message.ProtocolMining:
		o.down(&message.SetupConnectionErrorMsg{Code: "unsupported-protocol"})
	case m.MinVersion > protocolVersion || m.MaxVersion < protocolVersion:
		o.down(&message.SetupConnectionErrorMsg{Code: "protocol-version-mismatch"})
	default:
		o.down(&message.SetupConnectionSuccessMsg{UsedVersion: protocolVersion})
	}
}

func (t *v2ToV1) openChannel(o *output, m *message.OpenStandardMiningChannelMsg) {
	if t.opening || t.open {
		o.down(&message.OpenMiningChannelErrorMsg{RequestID: m.RequestID, Code: "max-channels-reached"})
		return
	}
	t.opening = true
	t.requestID = m.RequestID
	t.user = m.User

	rolling := map[string]interface{}{
		"version-rolling.mask":          fmt.Sprintf("%08x", versionRollingMask),
		"version-rolling.min-bit-count": 2,
	}
	o.up(t.request(pendingRequest{kind: message.V1Configure}, []string{"version-rolling"}, rolling))
	o.up(t.request(pendingRequest{kind: message.V1Subscribe}, "stratumproxy/"+versioninfo.Short()))
	o.up(t.request(pendingRequest{kind: message.V1Authorize}, m.User, ""))
}

func (t *v2ToV1) failChannel(o *output, code string) {
	t.log.Noticef("opening channel for %q failed: %s", t.user, code)
	o.down(&message.OpenMiningChannelErrorMsg{RequestID: t.requestID, Code: code})
	t.opening = false
	t.authorized = false
}

// maybeOpen opens the channel once both subscription and authorization have
// succeeded, and sends the latest job.
func (t *v2ToV1) maybeOpen(o *output) {
	if !t.opening || !t.authorized || t.subscription == nil {
		return
	}
	prefix := append(append([]byte{}, t.extranonce1...), make([]byte, t.subscription.Extranonce2Size)...)
	if len(prefix) > maxExtranoncePrefix {
		t.failChannel(o, "extranonce-prefix-too-long")
		return
	}
	o.down(&message.OpenStandardMiningChannelSuccessMsg{
		RequestID:        t.requestID,
		ChannelID:        channelID,
		Target:           t.target,
		ExtranoncePrefix: prefix,
	})
	t.opening = false
	t.open = true
	t.log.Infof("opened channel for %q, extranonce prefix %x", t.user, prefix)

	if n := t.held; n != nil {
		t.held = nil
		if err := t.job(o, n, true); err != nil {
			t.log.Warningf("dropping invalid job %q: %s", n.JobID, err)
		}
	}
}

func (t *v2ToV1) submit(o *output, m *message.SubmitSharesStandardMsg) {
	reject := func(code string) {
		o.down(&message.SubmitSharesErrorMsg{ChannelID: m.ChannelID, SeqNum: m.SeqNum, Code: code})
	}
	if !t.open || m.ChannelID != channelID {
		reject("invalid-channel-id")
		return
	}
	jobID, ok := t.jobs[m.JobID]
	if !ok {
		reject("invalid-job-id")
		return
	}
	s := &message.Submit{
		Worker:      t.user,
		JobID:       jobID,
		Extranonce2: hex.EncodeToString(make([]byte, t.subscription.Extranonce2Size)),
		NTime:       fmt.Sprintf("%08x", m.NTime),
		Nonce:       fmt.Sprintf("%08x", m.Nonce),
	}
	if t.mask != 0 {
		s.VersionBits = fmt.Sprintf("%08x", m.Version&t.mask)
	}
	p := pendingRequest{kind: message.V1Submit, seq: m.SeqNum, difficulty: t.difficulty}
	o.up(t.request(p, s.Params()...))
}

func (t *v2ToV1) response(r *message.Response) (Output, error) {
	id, ok := r.NumericID()
	p, pok := t.pending[id]
	if !ok || !pok {
		return t.drop("upstream", message.V1Response, xerrors.Errorf("no request with id %s", r.ID))
	}
	delete(t.pending, id)

	o := &output{}
	var err error
	switch p.kind {
	case message.V1Configure:
		err = t.configured(r)
	case message.V1Subscribe:
		err = t.subscribed(o, r)
	case message.V1Authorize:
		err = t.authorize(o, r)
	case message.V1Submit:
		err = t.submitted(o, r, p)
	}
	if err != nil {
		return t.invalid("upstream", p.kind, err)
	}
	return o.result()
}

func (t *v2ToV1) configured(r *message.Response) error {
	if e := r.Err(); e != nil {
		t.log.Infof("pool does not support mining.configure: %s", e)
		return nil
	}
	mask, err := r.ConfigureResult()
	if err != nil {
		return err
	}
	t.mask = mask
	return nil
}

func (t *v2ToV1) subscribed(o *output, r *message.Response) error {
	if !t.opening {
		return nil
	}
	if e := r.Err(); e != nil {
		t.failChannel(o, "subscribe-failed")
		return nil
	}
	res, err := r.SubscribeResult()
	var extranonce1 []byte
	if err == nil {
		extranonce1, err = hex.DecodeString(res.Extranonce1)
	}
	if err != nil {
		t.log.Warningf("invalid subscribe result from pool: %s", err)
		t.failChannel(o, "subscribe-failed")
		return nil
	}
	t.subscription = res
	t.extranonce1 = extranonce1
	t.maybeOpen(o)
	return nil
}

func (t *v2ToV1) authorize(o *output, r *message.Response) error {
	if !t.opening {
		return nil
	}
	ok, err := r.Bool()
	if err != nil {
		if t.policy.Relevant(message.V1Authorize) {
			return err
		}
		t.log.Warningf("invalid authorize result from pool: %s", err)
	}
	if !ok {
		t.failChannel(o, "unauthorized")
		return nil
	}
	t.authorized = true
	t.maybeOpen(o)
	return nil
}

func (t *v2ToV1) submitted(o *output, r *message.Response, p pendingRequest) error {
	if e := r.Err(); e != nil {
		code, ok := submitErrorCodes[e.Code]
		if !ok {
			code = "rejected"
		}
		o.down(&message.SubmitSharesErrorMsg{ChannelID: channelID, SeqNum: p.seq, Code: code})
		return nil
	}
	ok, err := r.Bool()
	if err != nil {
		return err
	}
	if !ok {
		o.down(&message.SubmitSharesErrorMsg{ChannelID: channelID, SeqNum: p.seq, Code: "rejected"})
		return nil
	}
	o.down(&message.SubmitSharesSuccessMsg{
		ChannelID:               channelID,
		LastSeqNum:              p.seq,
		NewSubmitsAcceptedCount: 1,
		NewSharesSum:            shareWeight(p.difficulty),
	})
	return nil
}

func (t *v2ToV1) setDifficulty(o *output, r *message.Request) error {
	d, err := r.Difficulty()
	if err != nil {
		return err
	}
	t.difficulty = d
	t.target = targetForDifficulty(d)
	if t.open {
		o.down(&message.SetTargetMsg{ChannelID: channelID, MaxTarget: t.target})
	}
	return nil
}

func (t *v2ToV1) notify(o *output, r *message.Request) error {
	n, err := r.Notify()
	if err != nil {
		return err
	}
	if !t.open {
		t.held = n
		return nil
	}
	return t.job(o, n, false)
}

// job sends n as a new job. A new previous block hash, or a pool asking to
// clean jobs, turns it into a future job activated by SetNewPrevHash.
func (t *v2ToV1) job(o *output, n *message.Notify, newBlock bool) error {
	version, err := parseHexUint32("version", n.Version)
	if err != nil {
		return err
	}
	nbits, err := parseHexUint32("nbits", n.NBits)
	if err != nil {
		return err
	}
	ntime, err := parseHexUint32("ntime", n.NTime)
	if err != nil {
		return err
	}
	prevHash, err := parsePrevHash(n.PrevHash)
	if err != nil {
		return err
	}
	root, err := t.merkleRoot(n)
	if err != nil {
		return err
	}

	if n.CleanJobs {
		t.jobs = map[uint32]string{}
		t.jobOrder = nil
	}
	id := t.nextJob
	t.nextJob++
	t.jobs[id] = n.JobID
	t.jobOrder = append(t.jobOrder, id)
	if len(t.jobOrder) > maxJobs {
		delete(t.jobs, t.jobOrder[0])
		t.jobOrder = t.jobOrder[1:]
	}

	newBlock = newBlock || n.CleanJobs || n.PrevHash != t.prevHash
	o.down(&message.NewMiningJobMsg{
		ChannelID:  channelID,
		JobID:      id,
		FutureJob:  newBlock,
		Version:    version,
		MerkleRoot: root,
	})
	if newBlock {
		t.prevHash = n.PrevHash
		o.down(&message.SetNewPrevHashMsg{
			ChannelID: channelID,
			JobID:     id,
			PrevHash:  prevHash,
			MinNTime:  ntime,
			NBits:     nbits,
		})
	}
	return nil
}

// merkleRoot computes the root for the coinbase with the channel's
// extranonce.
func (t *v2ToV1) merkleRoot(n *message.Notify) (message.U256, error) {
	var root message.U256
	coinbase1, err := hex.DecodeString(n.Coinbase1)
	if err != nil {
		return root, xerrors.Errorf("coinbase1: %s: %w", err, message.ErrDecode)
	}
	coinbase2, err := hex.DecodeString(n.Coinbase2)
	if err != nil {
		return root, xerrors.Errorf("coinbase2: %s: %w", err, message.ErrDecode)
	}
	coinbase := make([]byte, 0, len(coinbase1)+len(t.extranonce1)+t.subscription.Extranonce2Size+len(coinbase2))
	coinbase = append(coinbase, coinbase1...)
	coinbase = append(coinbase, t.extranonce1...)
	coinbase = append(coinbase, make([]byte, t.subscription.Extranonce2Size)...)
	coinbase = append(coinbase, coinbase2...)

	h := doubleSHA256(coinbase)
	for i, s := range n.MerkleBranch {
		branch, err := hex.DecodeString(s)
		if err != nil || len(branch) != sha256.Size {
			return root, xerrors.Errorf("merkle branch %d %q: %w", i, s, message.ErrDecode)
		}
		h = doubleSHA256(append(h[:], branch...))
	}
	copy(root[:], h[:])
	return root, nil
}

func doubleSHA256(b []byte) [sha256.Size]byte {
	h := sha256.Sum256(b)
	return sha256.Sum256(h[:])
}

func parseHexUint32(name, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, xerrors.Errorf("%s %q: %w", name, s, message.ErrDecode)
	}
	return uint32(v), nil
}

// parsePrevHash turns the previous block hash of mining.notify, sent with the
// bytes of each 32-bit word swapped, into header byte order.
func parsePrevHash(s string) (message.U256, error) {
	var h message.U256
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, xerrors.Errorf("previous block hash %q: %w", s, message.ErrDecode)
	}
	for i := 0; i < len(b); i += 4 {
		h[i], h[i+1], h[i+2], h[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
	return h, nil
}

// targetForDifficulty returns the little endian target for a pool
// difficulty.
func targetForDifficulty(d float64) message.U256 {
	f := new(big.Float).SetPrec(256).SetInt(diff1Target)
	f.Quo(f, new(big.Float).SetPrec(256).SetFloat64(d))
	t, _ := f.Int(nil)
	if t.Cmp(maxTarget) > 0 {
		t = maxTarget
	}
	var be [32]byte
	t.FillBytes(be[:])
	var u message.U256
	for i := range be {
		u[i] = be[len(be)-1-i]
	}
	return u
}

// shareWeight is the number of difficulty 1 shares a share counts for.
func shareWeight(d float64) uint32 {
	switch {
	case d < 1:
		return 1
	case d >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(d)
}

// output collects translated messages. The first encoding error is kept.
type output struct {
	Output
	err error
}

func (o *output) down(m message.Message) {
	o.add(m, &o.ToDownstream)
}

func (o *output) up(m message.Message) {
	o.add(m, &o.ToUpstream)
}

func (o *output) add(m message.Message, l *[]frame.Frame) {
	if o.err != nil {
		return
	}
	f, err := message.Encode(m)
	if err != nil {
		o.err = err
		return
	}
	*l = append(*l, f)
}

func (o *output) result() (Output, error) {
	if o.err != nil {
		return Output{}, xerrors.Errorf("encoding translated message: %w", o.err)
	}
	return o.Output, nil
}
