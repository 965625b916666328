package frame

import (
	"errors"
	"io"
)

// Decoder reads frames from a stream. Binary frames are read exactly: first
// the header, then the announced payload, so nothing beyond the current frame
// is consumed from the reader. Textual frames are read in chunks until a line
// ending is found.
type Decoder struct {
	r     io.Reader
	codec Codec
	buf   []byte
	start int // Start of unread bytes in buf.
	end   int // End of unread bytes in buf.
}

// NewDecoder returns a decoder reading frames from r. The buffer grows up to
// the maximum frame size of codec, and only as needed.
func NewDecoder(r io.Reader, codec Codec) *Decoder {
	return &Decoder{r: r, codec: codec}
}

// Decode returns the next frame. The frame does not reference the decoder's
// buffer.
//
// ErrMalformed concerns a single textual frame: it has been skipped and Decode
// can be called again. The skipped line is returned along with the error. ErrFrameTooLarge is permanent. At a frame boundary a
// closed stream results in io.EOF, within a frame in io.ErrUnexpectedEOF.
func (d *Decoder) Decode() (Frame, error) {
	for {
		avail := d.buf[d.start:d.end]
		h, err := d.codec.DecodeHeader(avail)
		need := 0
		if err == nil {
			f, n, err := d.codec.DecodeBody(h, avail)
			if err == nil || errors.Is(err, ErrMalformed) {
				d.start += n
				if d.start == d.end {
					d.start, d.end = 0, 0
				}
				return f.clone(), err
			}
			if !errors.Is(err, ErrTruncated) {
				return Frame{}, err
			}
			if d.codec.Mode() == Binary {
				need = HeaderSize + h.Length
			}
		} else if !errors.Is(err, ErrTruncated) {
			return Frame{}, err
		} else if d.codec.Mode() == Binary {
			need = HeaderSize
		}

		if err := d.fill(need); err != nil {
			return Frame{}, err
		}
	}
}

// Buffered returns the number of bytes read from the stream but not yet
// returned as frame.
func (d *Decoder) Buffered() int {
	return d.end - d.start
}

// fill reads more data. If need is positive, the unread bytes are extended to
// exactly need bytes. Otherwise at least one byte is added.
func (d *Decoder) fill(need int) error {
	have := d.end - d.start
	if d.start > 0 {
		copy(d.buf, d.buf[d.start:d.end])
		d.start, d.end = 0, have
	}

	size := need
	if size <= 0 {
		size = have + 1
	}
	if size > len(d.buf) {
		d.grow(size, need > 0)
	}

	limit := len(d.buf)
	if need > 0 {
		limit = need
	}
	n, err := io.ReadAtLeast(d.r, d.buf[d.end:limit], 1)
	d.end += n
	if n > 0 {
		return nil
	}
	if err == io.EOF && d.end > 0 {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (d *Decoder) grow(size int, exact bool) {
	// Binary: payload plus header. Textual: line plus newline.
	ceiling := d.codec.MaxSize() + HeaderSize
	if !exact {
		n := 2 * len(d.buf)
		if n < 512 {
			n = 512
		}
		if n < size {
			n = size
		}
		size = n
	}
	if size > ceiling {
		size = ceiling
	}
	buf := make([]byte, size)
	copy(buf, d.buf[:d.end])
	d.buf = buf
}

// Encoder writes frames to a stream.
type Encoder struct {
	w     io.Writer
	codec Codec
}

// NewEncoder returns an encoder writing frames for codec to w.
func NewEncoder(w io.Writer, codec Codec) *Encoder {
	return &Encoder{w: w, codec: codec}
}

// Encode writes f in a single write. Frames larger than the codec maximum are
// refused with ErrFrameTooLarge.
func (e *Encoder) Encode(f Frame) error {
	if len(f.Payload) > e.codec.MaxSize() {
		return ErrFrameTooLarge
	}
	_, err := e.w.Write(e.codec.Encode(f))
	return err
}
