package message

import (
	"fmt"

	"github.com/mjl-/stratumproxy/frame"
)

// Kind identifies a message before its body is parsed. Kinds cover the
// Stratum V2 base extension messages relevant to mining channels and the
// Stratum V1 methods. Anything else is Unknown.
type Kind int

const (
	Unknown Kind = iota

	// Stratum V2, base extension.
	SetupConnection
	SetupConnectionSuccess
	SetupConnectionError
	ChannelEndpointChanged
	OpenStandardMiningChannel
	OpenStandardMiningChannelSuccess
	OpenMiningChannelError
	UpdateChannel
	UpdateChannelError
	CloseChannel
	SubmitSharesStandard
	SubmitSharesSuccess
	SubmitSharesError
	NewMiningJob
	NewExtendedMiningJob
	SetNewPrevHash
	SetTarget
	Reconnect

	// Stratum V1.
	V1Subscribe
	V1Authorize
	V1Submit
	V1Notify
	V1SetDifficulty
	V1Configure
	V1ExtranonceSubscribe
	V1SetExtranonce
	V1Reconnect
	V1Response

	numKinds
)

// ExtensionBase is the extension type of the messages known here.
const ExtensionBase = 0

type v2Info struct {
	msgType uint8
	channel bool
	name    string
}

var v2Kinds = map[Kind]v2Info{
	SetupConnection:                  {0x00, false, "SetupConnection"},
	SetupConnectionSuccess:           {0x01, false, "SetupConnectionSuccess"},
	SetupConnectionError:             {0x02, false, "SetupConnectionError"},
	ChannelEndpointChanged:           {0x03, false, "ChannelEndpointChanged"},
	OpenStandardMiningChannel:        {0x10, false, "OpenStandardMiningChannel"},
	OpenStandardMiningChannelSuccess: {0x11, false, "OpenStandardMiningChannelSuccess"},
	OpenMiningChannelError:           {0x12, false, "OpenMiningChannelError"},
	UpdateChannel:                    {0x16, true, "UpdateChannel"},
	UpdateChannelError:               {0x17, true, "UpdateChannelError"},
	CloseChannel:                     {0x18, true, "CloseChannel"},
	SubmitSharesStandard:             {0x1a, true, "SubmitSharesStandard"},
	SubmitSharesSuccess:              {0x1c, true, "SubmitSharesSuccess"},
	SubmitSharesError:                {0x1d, true, "SubmitSharesError"},
	NewMiningJob:                     {0x1e, true, "NewMiningJob"},
	NewExtendedMiningJob:             {0x1f, true, "NewExtendedMiningJob"},
	SetNewPrevHash:                   {0x20, true, "SetNewPrevHash"},
	SetTarget:                        {0x21, true, "SetTarget"},
	Reconnect:                        {0x25, false, "Reconnect"},
}

var v1Methods = map[Kind]string{
	V1Subscribe:           "mining.subscribe",
	V1Authorize:           "mining.authorize",
	V1Submit:              "mining.submit",
	V1Notify:              "mining.notify",
	V1SetDifficulty:       "mining.set_difficulty",
	V1Configure:           "mining.configure",
	V1ExtranonceSubscribe: "mining.extranonce.subscribe",
	V1SetExtranonce:       "mining.set_extranonce",
	V1Reconnect:           "client.reconnect",
}

// Lookup tables indexed by discriminant.
var (
	byMsgType [256]Kind
	byMethod  = map[string]Kind{}
	byName    = map[string]Kind{}
)

func init() {
	for k, info := range v2Kinds {
		byMsgType[info.msgType] = k
		byName[info.name] = k
	}
	for k, m := range v1Methods {
		byMethod[m] = k
		byName[m] = k
	}
	byName[V1Response.String()] = V1Response
}

// Classify returns the kind of f, looking only at its discriminant: the
// extension and message type of binary frames, the method of textual frames.
// Frames of other extensions and unknown types are Unknown.
func Classify(f frame.Frame) Kind {
	if f.Mode == frame.Binary {
		if f.Header.Extension() != ExtensionBase {
			return Unknown
		}
		return byMsgType[f.Header.MsgType]
	}
	if f.Method == "" {
		return V1Response
	}
	return byMethod[f.Method]
}

// ParseKind returns the kind for a Stratum V2 message name like
// "SetupConnection" or a Stratum V1 method like "mining.authorize".
func ParseKind(s string) (Kind, error) {
	k, ok := byName[s]
	if !ok {
		return Unknown, fmt.Errorf("unknown message kind %q", s)
	}
	return k, nil
}

// V2 returns whether k is a Stratum V2 message.
func (k Kind) V2() bool {
	return k >= SetupConnection && k <= Reconnect
}

// V1 returns whether k is a Stratum V1 message.
func (k Kind) V1() bool {
	return k >= V1Subscribe && k <= V1Response
}

// Channel returns whether k is a channel message, sent with the channel bit
// set in its extension type.
func (k Kind) Channel() bool {
	return v2Kinds[k].channel
}

// MsgType returns the Stratum V2 message type of k.
func (k Kind) MsgType() uint8 {
	return v2Kinds[k].msgType
}

func (k Kind) String() string {
	if info, ok := v2Kinds[k]; ok {
		return info.name
	}
	if m, ok := v1Methods[k]; ok {
		return m
	}
	if k == V1Response {
		return "response"
	}
	return "unknown"
}
