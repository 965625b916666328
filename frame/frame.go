// Package frame encodes and decodes the wire frames of both Stratum
// generations.
//
// Binary frames (Stratum V2) start with a 6-byte header: extension type (u16
// little endian, bit 15 marks channel messages), message type (u8) and
// payload length (u24 little endian). Textual frames (Stratum V1) are single
// JSON objects terminated by a newline.
//
// The mode is fixed per connection. A Codec works on byte slices, a Decoder
// reads frames from a stream.
package frame

import (
	"errors"
	"fmt"
)

// Mode is the wire encoding of a connection.
type Mode int

const (
	Binary Mode = iota
	Textual
)

func (m Mode) String() string {
	if m == Binary {
		return "binary"
	}
	return "textual"
}

const (
	// HeaderSize is the size of a binary frame header.
	HeaderSize = 6

	// ChannelBit is set in the extension type of messages addressed to a
	// channel.
	ChannelBit = 0x8000

	// MaxBinaryLength is the largest payload a binary header can declare.
	MaxBinaryLength = 1<<24 - 1

	// DefaultMaxSize is used when a codec is created without maximum.
	DefaultMaxSize = 1 << 16
)

var (
	// ErrFrameTooLarge is returned when a frame declares, or for textual
	// frames reaches, a size above the configured maximum. It is detected
	// before the payload is read.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrTruncated is returned when more bytes are needed. Not a hard error,
	// decoding can be retried with more data.
	ErrTruncated = errors.New("frame truncated")

	// ErrMalformed is returned for textual frames that are not a JSON object
	// with the required fields.
	ErrMalformed = errors.New("malformed frame")
)

// Header describes a frame before its payload is available.
type Header struct {
	ExtensionType uint16 // Including ChannelBit. Binary only.
	MsgType       uint8  // Binary only.
	Length        int    // Payload length. For textual frames, the line length without newline.
}

// Channel returns whether the channel bit is set.
func (h Header) Channel() bool {
	return h.ExtensionType&ChannelBit != 0
}

// Extension returns the extension type without channel bit.
func (h Header) Extension() uint16 {
	return h.ExtensionType &^ ChannelBit
}

func (h Header) String() string {
	return fmt.Sprintf("ext=%#04x type=%#02x len=%d", h.ExtensionType, h.MsgType, h.Length)
}

// Frame is a single message on the wire.
type Frame struct {
	Mode   Mode
	Header Header

	// Payload is the binary message body, or the JSON line without line
	// ending.
	Payload []byte

	// Method of a textual request, empty for responses. Set by the textual
	// codec when decoding.
	Method string

	raw []byte
}

// NewBinary returns a binary frame for payload.
func NewBinary(extensionType uint16, msgType uint8, payload []byte) Frame {
	return Frame{
		Mode:    Binary,
		Header:  Header{ExtensionType: extensionType, MsgType: msgType, Length: len(payload)},
		Payload: payload,
	}
}

// NewTextual returns a textual frame for a JSON line without newline.
func NewTextual(method string, line []byte) Frame {
	return Frame{
		Mode:    Textual,
		Header:  Header{Length: len(line)},
		Payload: line,
		Method:  method,
	}
}

// Raw returns the bytes as they were received, or nil for frames that were
// not decoded.
func (f Frame) Raw() []byte {
	return f.raw
}

// Size returns the number of bytes f takes on the wire.
func (f Frame) Size() int {
	if f.raw != nil {
		return len(f.raw)
	}
	if f.Mode == Binary {
		return HeaderSize + len(f.Payload)
	}
	return len(f.Payload) + 1
}

func (f Frame) String() string {
	if f.Mode == Binary {
		return "binary frame " + f.Header.String()
	}
	if f.Method != "" {
		return fmt.Sprintf("textual frame %q len=%d", f.Method, len(f.Payload))
	}
	return fmt.Sprintf("textual frame len=%d", len(f.Payload))
}

// clone returns a frame that no longer references the decode buffer.
func (f Frame) clone() Frame {
	raw := make([]byte, len(f.raw))
	copy(raw, f.raw)
	offset := 0
	if f.Mode == Binary {
		offset = HeaderSize
	}
	f.Payload = raw[offset : offset+len(f.Payload)]
	f.raw = raw
	return f
}
