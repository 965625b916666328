package message

import (
	"encoding/binary"
	"math"

	"golang.org/x/xerrors"
)

// U256 is a 256-bit value in the byte order it has on the wire.
type U256 [32]byte

// reader parses Stratum V2 binary data types. The first error sticks, all
// later reads return zero values.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = xerrors.Errorf("%s: need %d bytes, have %d: %w", what, n, len(r.buf), ErrDecode)
		return nil
	}
	b := r.buf[:n:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8(what string) uint8 {
	b := r.take(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16(what string) uint16 {
	b := r.take(2, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32(what string) uint32 {
	b := r.take(4, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) f32(what string) float32 {
	return math.Float32frombits(r.u32(what))
}

func (r *reader) bool(what string) bool {
	v := r.u8(what)
	if v > 1 && r.err == nil {
		r.err = xerrors.Errorf("%s: bool value %d: %w", what, v, ErrDecode)
	}
	return v == 1
}

func (r *reader) u256(what string) (v U256) {
	copy(v[:], r.take(32, what))
	return
}

func (r *reader) bytes(n int, what string) []byte {
	b := r.take(n, what)
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

// str reads a string with a u8 length prefix, at most max bytes.
func (r *reader) str(max int, what string) string {
	n := int(r.u8(what))
	if n > max && r.err == nil {
		r.err = xerrors.Errorf("%s: length %d exceeds %d: %w", what, n, max, ErrDecode)
	}
	return string(r.take(n, what))
}

// b032 reads B0_32: bytes with a u8 length prefix, at most 32 bytes.
func (r *reader) b032(what string) []byte {
	n := int(r.u8(what))
	if n > 32 && r.err == nil {
		r.err = xerrors.Errorf("%s: length %d exceeds 32: %w", what, n, ErrDecode)
	}
	return r.bytes(n, what)
}

// b064k reads B0_64K: bytes with a u16 length prefix.
func (r *reader) b064k(what string) []byte {
	n := int(r.u16(what))
	return r.bytes(n, what)
}

// seqU256 reads SEQ0_255[U256].
func (r *reader) seqU256(what string) []U256 {
	n := int(r.u8(what))
	if r.err != nil {
		return nil
	}
	l := make([]U256, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		l = append(l, r.u256(what))
	}
	return l
}

// done returns the first error, or an error when bytes are left.
func (r *reader) done() error {
	if r.err == nil && len(r.buf) > 0 {
		r.err = xerrors.Errorf("%d trailing bytes: %w", len(r.buf), ErrDecode)
	}
	return r.err
}

// writer serializes Stratum V2 binary data types. Values that do not fit
// their type set an error.
type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) f32(v float32) {
	w.u32(math.Float32bits(v))
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) u256(v U256) {
	w.buf = append(w.buf, v[:]...)
}

func (w *writer) str(s string, max int, what string) {
	if len(s) > max {
		if w.err == nil {
			w.err = xerrors.Errorf("%s: length %d exceeds %d: %w", what, len(s), max, ErrEncode)
		}
		return
	}
	w.u8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) b032(b []byte, what string) {
	if len(b) > 32 {
		if w.err == nil {
			w.err = xerrors.Errorf("%s: length %d exceeds 32: %w", what, len(b), ErrEncode)
		}
		return
	}
	w.u8(uint8(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) b064k(b []byte, what string) {
	if len(b) > math.MaxUint16 {
		if w.err == nil {
			w.err = xerrors.Errorf("%s: length %d exceeds %d: %w", what, len(b), math.MaxUint16, ErrEncode)
		}
		return
	}
	w.u16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) seqU256(l []U256, what string) {
	if len(l) > math.MaxUint8 {
		if w.err == nil {
			w.err = xerrors.Errorf("%s: %d elements exceeds 255: %w", what, len(l), ErrEncode)
		}
		return
	}
	w.u8(uint8(len(l)))
	for _, v := range l {
		w.u256(v)
	}
}
