package frame

import (
	"bytes"
	"encoding/json"

	"golang.org/x/xerrors"
)

// Codec converts between bytes and frames for one mode.
type Codec interface {
	Mode() Mode

	// MaxSize is the largest payload accepted.
	MaxSize() int

	// DecodeHeader inspects only the start of buf. It returns ErrTruncated
	// when buf is too short to tell, and ErrFrameTooLarge as soon as the
	// declared size is known to exceed the maximum.
	DecodeHeader(buf []byte) (Header, error)

	// DecodeBody decodes the frame at the start of buf, which must begin with
	// the header h was decoded from. It returns the number of bytes the frame
	// occupies. The frame references buf. On ErrMalformed the returned size is
	// still valid, so the offending frame can be skipped.
	DecodeBody(h Header, buf []byte) (Frame, int, error)

	// Encode returns the wire bytes for f. Frames decoded in the same mode
	// are returned as received.
	Encode(f Frame) []byte
}

// NewCodec returns a codec for mode, rejecting payloads larger than max. If
// max is zero or negative, DefaultMaxSize is used.
func NewCodec(mode Mode, max int) Codec {
	if max <= 0 {
		max = DefaultMaxSize
	}
	if mode == Binary {
		if max > MaxBinaryLength {
			max = MaxBinaryLength
		}
		return binaryCodec{max}
	}
	return textualCodec{max}
}

type binaryCodec struct {
	max int
}

func (binaryCodec) Mode() Mode     { return Binary }
func (c binaryCodec) MaxSize() int { return c.max }

func (c binaryCodec) DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTruncated
	}
	h := Header{
		ExtensionType: uint16(buf[0]) | uint16(buf[1])<<8,
		MsgType:       buf[2],
		Length:        int(buf[3]) | int(buf[4])<<8 | int(buf[5])<<16,
	}
	if h.Length > c.max {
		return h, xerrors.Errorf("declared length %d, maximum %d: %w", h.Length, c.max, ErrFrameTooLarge)
	}
	return h, nil
}

func (c binaryCodec) DecodeBody(h Header, buf []byte) (Frame, int, error) {
	n := HeaderSize + h.Length
	if len(buf) < n {
		return Frame{}, 0, ErrTruncated
	}
	f := Frame{
		Mode:    Binary,
		Header:  h,
		Payload: buf[HeaderSize:n:n],
		raw:     buf[:n:n],
	}
	return f, n, nil
}

func (c binaryCodec) Encode(f Frame) []byte {
	if f.Mode == Binary && f.raw != nil {
		return f.raw
	}
	n := len(f.Payload)
	buf := make([]byte, HeaderSize+n)
	buf[0] = byte(f.Header.ExtensionType)
	buf[1] = byte(f.Header.ExtensionType >> 8)
	buf[2] = f.Header.MsgType
	buf[3] = byte(n)
	buf[4] = byte(n >> 8)
	buf[5] = byte(n >> 16)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

type textualCodec struct {
	max int
}

func (textualCodec) Mode() Mode     { return Textual }
func (c textualCodec) MaxSize() int { return c.max }

// DecodeHeader finds the end of the line.
func (c textualCodec) DecodeHeader(buf []byte) (Header, error) {
	search := buf
	if len(search) > c.max+1 {
		search = search[:c.max+1]
	}
	i := bytes.IndexByte(search, '\n')
	if i < 0 {
		if len(buf) > c.max {
			return Header{}, xerrors.Errorf("no line ending within %d bytes: %w", c.max, ErrFrameTooLarge)
		}
		return Header{}, ErrTruncated
	}
	return Header{Length: i}, nil
}

// jsonLine holds the fields that tell requests and responses apart.
type jsonLine struct {
	ID     json.RawMessage `json:"id"`
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (c textualCodec) DecodeBody(h Header, buf []byte) (Frame, int, error) {
	n := h.Length + 1
	if len(buf) < n {
		return Frame{}, 0, ErrTruncated
	}
	line := buf[:h.Length:h.Length]
	line = bytes.TrimSuffix(line, []byte("\r"))
	f := Frame{
		Mode:    Textual,
		Header:  Header{Length: len(line)},
		Payload: line,
		raw:     buf[:n:n],
	}

	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return f, n, xerrors.Errorf("line is not a json object: %w", ErrMalformed)
	}
	var l jsonLine
	if err := json.Unmarshal(trimmed, &l); err != nil {
		return f, n, xerrors.Errorf("%s: %w", err, ErrMalformed)
	}
	switch {
	case l.Method != nil:
		if *l.Method == "" {
			return f, n, xerrors.Errorf("empty method: %w", ErrMalformed)
		}
		if l.Params == nil {
			return f, n, xerrors.Errorf("request without params: %w", ErrMalformed)
		}
		f.Method = *l.Method
	case l.ID != nil && (l.Result != nil || l.Error != nil):
	default:
		return f, n, xerrors.Errorf("neither request nor response: %w", ErrMalformed)
	}
	return f, n, nil
}

func (c textualCodec) Encode(f Frame) []byte {
	if f.Mode == Textual && f.raw != nil {
		return f.raw
	}
	buf := make([]byte, len(f.Payload)+1)
	copy(buf, f.Payload)
	buf[len(buf)-1] = '\n'
	return buf
}
