// Package message classifies frames and decodes them into typed messages.
//
// Classification looks only at the discriminant of a frame, so frames the
// relay does not interpret are never parsed. Unknown discriminants are not an
// error: they decode to Opaque, which carries the frame unchanged.
package message

import (
	"encoding/json"
	"errors"

	"golang.org/x/xerrors"

	"github.com/mjl-/stratumproxy/frame"
)

var (
	// ErrDecode is returned when a frame body does not parse as the message
	// its discriminant announced.
	ErrDecode = errors.New("message decode error")

	// ErrEncode is returned when a message has values that do not fit the
	// wire types.
	ErrEncode = errors.New("message encode error")
)

// Message is a decoded message.
type Message interface {
	Kind() Kind
}

type v2Message interface {
	Message
	decode(r *reader)
	encode(w *writer)
}

// Opaque is a message of a kind not interpreted by the relay. It is
// forwarded as received.
type Opaque struct {
	Frame frame.Frame
}

func (m *Opaque) Kind() Kind { return Unknown }

// Envelope is a classified frame whose body has not been parsed yet.
type Envelope struct {
	Kind  Kind
	Frame frame.Frame
}

// NewEnvelope classifies f.
func NewEnvelope(f frame.Frame) Envelope {
	return Envelope{Classify(f), f}
}

// Decode parses the envelope's frame.
func (e Envelope) Decode() (Message, error) {
	return Decode(e.Kind, e.Frame)
}

func (e Envelope) String() string {
	return e.Kind.String() + " " + e.Frame.String()
}

// Decode parses the body of f as kind, typically the result of Classify.
// Unknown kinds return an *Opaque.
func Decode(kind Kind, f frame.Frame) (Message, error) {
	switch {
	case kind.V2():
		if f.Mode != frame.Binary {
			return nil, xerrors.Errorf("%s in %s frame: %w", kind, f.Mode, ErrDecode)
		}
		m := newV2(kind)
		r := &reader{buf: f.Payload}
		m.decode(r)
		if err := r.done(); err != nil {
			return nil, xerrors.Errorf("%s: %w", kind, err)
		}
		return m, nil

	case kind == V1Response:
		if f.Mode != frame.Textual {
			return nil, xerrors.Errorf("response in %s frame: %w", f.Mode, ErrDecode)
		}
		resp := &Response{}
		if err := json.Unmarshal(f.Payload, resp); err != nil {
			return nil, xerrors.Errorf("response: %s: %w", err, ErrDecode)
		}
		return resp, nil

	case kind.V1():
		if f.Mode != frame.Textual {
			return nil, xerrors.Errorf("%s in %s frame: %w", kind, f.Mode, ErrDecode)
		}
		req := &Request{}
		if err := json.Unmarshal(f.Payload, req); err != nil {
			return nil, xerrors.Errorf("%s: %s: %w", kind, err, ErrDecode)
		}
		if req.Method != kind.String() {
			return nil, xerrors.Errorf("method %q for %s: %w", req.Method, kind, ErrDecode)
		}
		return req, nil
	}
	return &Opaque{Frame: f}, nil
}

// Encode returns the frame for m. Stratum V2 channel messages get the channel
// bit in their extension type.
func Encode(m Message) (frame.Frame, error) {
	switch m := m.(type) {
	case *Opaque:
		return m.Frame, nil
	case *Request:
		buf, err := json.Marshal(m)
		if err != nil {
			return frame.Frame{}, xerrors.Errorf("%s: %s: %w", m.Method, err, ErrEncode)
		}
		return frame.NewTextual(m.Method, buf), nil
	case *Response:
		buf, err := json.Marshal(m)
		if err != nil {
			return frame.Frame{}, xerrors.Errorf("response: %s: %w", err, ErrEncode)
		}
		return frame.NewTextual("", buf), nil
	case v2Message:
		w := &writer{}
		m.encode(w)
		if w.err != nil {
			return frame.Frame{}, xerrors.Errorf("%s: %w", m.Kind(), w.err)
		}
		var ext uint16 = ExtensionBase
		if m.Kind().Channel() {
			ext |= frame.ChannelBit
		}
		return frame.NewBinary(ext, m.Kind().MsgType(), w.buf), nil
	}
	return frame.Frame{}, xerrors.Errorf("unsupported message type %T: %w", m, ErrEncode)
}
