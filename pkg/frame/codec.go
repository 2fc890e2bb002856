package frame

import "bytes"

// Terminator ends every frame on the wire.
const Terminator byte = 0

// Decoder accumulates bytes until a terminator completes a frame.
// A Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder returns an empty decoder with a 1KiB initial buffer.
func NewDecoder() *Decoder {
	d := &Decoder{}
	d.buf.Grow(1 << 10)
	return d
}

// DecodeNextByte feeds one byte. It returns the frame text and true when b
// is the terminator, and ("", false) otherwise. Two terminators in a row
// produce an empty frame text.
func (d *Decoder) DecodeNextByte(b byte) (string, bool) {
	if b == Terminator {
		msg := d.buf.String()
		d.buf.Reset()
		return msg, true
	}
	d.buf.WriteByte(b)
	return "", false
}

// Decode feeds a chunk and returns every frame it completes, in order.
func (d *Decoder) Decode(p []byte) []string {
	var out []string
	for _, b := range p {
		if msg, ok := d.DecodeNextByte(b); ok {
			out = append(out, msg)
		}
	}
	return out
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// Encode appends the terminator to already formatted frame text. The text
// is not escaped; callers must not embed a terminator byte.
func Encode(text string) []byte {
	out := make([]byte, len(text)+1)
	copy(out, text)
	out[len(text)] = Terminator
	return out
}

// EncodeFrame renders and encodes f.
func EncodeFrame(f Frame) []byte {
	return Encode(f.String())
}
