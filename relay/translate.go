package relay

import (
	"errors"

	"golang.org/x/xerrors"
	"gopkg.in/op/go-logging.v1"

	"github.com/mjl-/stratumproxy/frame"
	"github.com/mjl-/stratumproxy/instrument"
	"github.com/mjl-/stratumproxy/log"
	"github.com/mjl-/stratumproxy/message"
)

var (
	// ErrProtocol is returned for messages the relay must interpret but
	// cannot make sense of.
	ErrProtocol = errors.New("relay protocol error")

	// ErrTranslation is returned when a safety-relevant message has no
	// translation to the other protocol generation.
	ErrTranslation = errors.New("message cannot be translated")

	// ErrUnsupportedTranslation is returned by NewTranslator for
	// combinations of protocol generations the relay does not translate.
	ErrUnsupportedTranslation = errors.New("unsupported translation")
)

// Output holds the frames produced for one incoming frame, in order.
type Output struct {
	ToUpstream   []frame.Frame
	ToDownstream []frame.Frame
}

// Translator maps frames received on one leg to frames for either leg. A
// translator is used by a single goroutine. An error tears down the pair.
type Translator interface {
	Downstream(env message.Envelope) (Output, error)
	Upstream(env message.Envelope) (Output, error)
}

type passthrough struct{}

func (passthrough) Downstream(env message.Envelope) (Output, error) {
	return Output{ToUpstream: []frame.Frame{env.Frame}}, nil
}

func (passthrough) Upstream(env message.Envelope) (Output, error) {
	return Output{ToDownstream: []frame.Frame{env.Frame}}, nil
}

// Passthrough forwards every frame unchanged, for legs speaking the same
// protocol generation. Frames of unknown kinds are forwarded too.
var Passthrough Translator = passthrough{}

// SafetyPolicy is the set of message kinds that must not be silently
// dropped when they cannot be translated.
type SafetyPolicy map[message.Kind]bool

// ParseSafetyPolicy returns the policy for kind names as accepted by
// message.ParseKind.
func ParseSafetyPolicy(names []string) (SafetyPolicy, error) {
	p := SafetyPolicy{}
	for _, name := range names {
		k, err := message.ParseKind(name)
		if err != nil {
			return nil, err
		}
		p[k] = true
	}
	return p, nil
}

// DefaultSafetyPolicy protects connection setup, channel opening and
// authorization.
func DefaultSafetyPolicy() SafetyPolicy {
	return SafetyPolicy{
		message.SetupConnection:           true,
		message.OpenStandardMiningChannel: true,
		message.V1Authorize:               true,
	}
}

// Relevant returns whether k is safety-relevant.
func (p SafetyPolicy) Relevant(k message.Kind) bool {
	return p[k]
}

// NewTranslator returns the translator for a downstream and upstream
// protocol generation. Equal generations get Passthrough. A Stratum V2 miner
// can be relayed to a Stratum V1 pool, the reverse returns
// ErrUnsupportedTranslation.
func NewTranslator(down, up frame.Mode, policy SafetyPolicy, log *logging.Logger) (Translator, error) {
	switch {
	case down == up:
		return Passthrough, nil
	case down == frame.Binary && up == frame.Textual:
		return newV2ToV1(policy, log), nil
	}
	return nil, xerrors.Errorf("%s miner to %s pool: %w", down, up, ErrUnsupportedTranslation)
}

// dropper handles messages without translation rule.
type dropper struct {
	policy SafetyPolicy
	log    *logging.Logger
}

func newDropper(policy SafetyPolicy, l *logging.Logger) dropper {
	if policy == nil {
		policy = DefaultSafetyPolicy()
	}
	if l == nil {
		l = log.Discard("relay")
	}
	return dropper{policy, l}
}

// drop records that a message of kind from the given leg was not forwarded,
// or fails for safety-relevant kinds.
func (d dropper) drop(leg string, kind message.Kind, reason error) (Output, error) {
	if d.policy.Relevant(kind) {
		return Output{}, xerrors.Errorf("%s %s: %s: %w", leg, kind, reason, ErrTranslation)
	}
	d.log.Noticef("dropping %s message %s: %s", leg, kind, reason)
	instrument.FrameDropped(kind.String())
	return Output{}, nil
}

// invalid handles messages with a translation rule that failed to decode.
// Safety-relevant kinds fail with ErrProtocol, others are dropped.
func (d dropper) invalid(leg string, kind message.Kind, err error) (Output, error) {
	if d.policy.Relevant(kind) {
		return Output{}, xerrors.Errorf("%s %s: %s: %w", leg, kind, err, ErrProtocol)
	}
	d.log.Warningf("dropping invalid %s message %s: %s", leg, kind, err)
	instrument.FrameDropped(kind.String())
	return Output{}, nil
}
