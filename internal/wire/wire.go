// Package wire provides big-endian fixed-width integer encoding over byte
// cursors and growable buffers. It underlies every on-wire and on-disk
// layout in libsync: frames, catalogs, and user records are all built from
// these primitives so that one decoder bug surfaces in one place.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Reader walks a byte slice left to right, failing fast on short reads.
// It never panics: every method returns an error instead of indexing past
// the end of buf.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential big-endian decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len reports the number of unread bytes remaining.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

func (r *Reader) need(n int) error {
	if r.Len() < n {
		return fmt.Errorf("wire: short read: need %d bytes, have %d: %w", n, r.Len(), io.ErrUnexpectedEOF)
	}
	return nil
}

// U8 reads one byte.
func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// U16 reads a big-endian uint16.
func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// U32 reads a big-endian uint32.
func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// U64 reads a big-endian uint64.
func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// Bytes reads n raw bytes. The returned slice aliases the reader's backing
// array; callers that retain it beyond the decode call should copy it.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("wire: negative length %d", n)
	}
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// String reads an n-byte length-prefixed-elsewhere string body: n bytes
// interpreted as UTF-8/opaque text. The length itself is read by the
// caller via U16/U32/U64 per the enclosing layout.
func (r *Reader) String(n int) (string, error) {
	b, err := r.Bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Builder appends big-endian primitives to a growable buffer. Zero value is
// ready to use.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty Builder with capacity hinted by size.
func NewBuilder(sizeHint int) *Builder {
	return &Builder{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated buffer.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Len reports the number of bytes written so far.
func (b *Builder) Len() int {
	return len(b.buf)
}

// U8 appends one byte.
func (b *Builder) U8(v uint8) *Builder {
	b.buf = append(b.buf, v)
	return b
}

// U16 appends a big-endian uint16.
func (b *Builder) U16(v uint16) *Builder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// U32 appends a big-endian uint32.
func (b *Builder) U32(v uint32) *Builder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// U64 appends a big-endian uint64.
func (b *Builder) U64(v uint64) *Builder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// Raw appends p verbatim, with no length prefix of its own.
func (b *Builder) Raw(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// String appends s verbatim, with no length prefix of its own (callers
// write the length separately via U16/U32/U64 to match the enclosing
// layout).
func (b *Builder) String(s string) *Builder {
	b.buf = append(b.buf, s...)
	return b
}
