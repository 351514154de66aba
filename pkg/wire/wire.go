// Package wire implements the fixed little-endian encoding used for all
// operation inputs, outputs and stored metadata values. Integers are
// fixed-width, strings are u32 length-prefixed, sequences are u32
// count-prefixed.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned by Decoder methods when the buffer ends before
// the requested field.
var ErrTruncated = errors.New("wire: buffer truncated")

// Encoder appends fields to a growing byte buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) PutU8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) PutU32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) PutU64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) PutI64(v int64) {
	e.PutU64(uint64(v))
}

func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutU8(1)
	} else {
		e.PutU8(0)
	}
}

func (e *Encoder) PutString(s string) {
	e.PutU32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// PutRaw appends bytes without a length prefix.
func (e *Encoder) PutRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Decoder reads fields sequentially from a buffer. The first failure is
// sticky: all later reads return zero values and Err() reports it.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.Remaining() < n {
		d.err = ErrTruncated
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) I64() int64 {
	return int64(d.U64())
}

func (d *Decoder) Bool() bool {
	return d.U8() != 0
}

func (d *Decoder) String() string {
	n := d.U32()
	if d.err != nil {
		return ""
	}
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// Raw reads n bytes without a length prefix.
func (d *Decoder) Raw(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
