// Package growbuf provides the byte buffer used both to accumulate serialized
// messages and as scratch space while framing them for the wire.
//
// A Buffer is owned by exactly one party at a time. Handing it to a queue or to
// another Buffer through Transfer moves the storage; nothing is shared.
package growbuf

import (
	"errors"
	"fmt"
	"io"
)

// ErrSeek is returned when a seek lands outside the written region.
var ErrSeek = errors.New("growbuf: seek out of range")

// Buffer is a growable byte buffer with a single read/write cursor.
// Writes always append at the end; reads start at the cursor.
// The zero value is an empty buffer ready for use.
type Buffer struct {
	data []byte
	ptr  int
}

// New returns an empty buffer with room for capacity bytes.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{data: make([]byte, 0, capacity)}
}

// FromBytes wraps p. The buffer takes ownership of p.
func FromBytes(p []byte) *Buffer {
	return &Buffer{data: p}
}

// Len returns the number of bytes written.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the allocated capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Bytes returns the written region. The slice aliases the buffer storage and is
// only valid until the next mutating call.
func (b *Buffer) Bytes() []byte { return b.data }

// Tell returns the cursor position.
func (b *Buffer) Tell() int { return b.ptr }

// Remaining returns the bytes between the cursor and the end.
func (b *Buffer) Remaining() []byte { return b.data[b.ptr:] }

// Alloc appends n zero bytes and returns them for the caller to fill in.
func (b *Buffer) Alloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	off := len(b.data)
	if cap(b.data)-off < n {
		b.grow(n)
	}
	b.data = b.data[:off+n]
	clear(b.data[off:])
	return b.data[off : off+n]
}

func (b *Buffer) grow(n int) {
	newCap := 2 * cap(b.data)
	if newCap < len(b.data)+n {
		newCap = len(b.data) + n
	}
	if newCap < 64 {
		newCap = 64
	}
	grown := make([]byte, len(b.data), newCap)
	copy(grown, b.data)
	b.data = grown
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	copy(b.Alloc(len(p)), p)
	return len(p), nil
}

// WriteByte appends c.
func (b *Buffer) WriteByte(c byte) error {
	b.Alloc(1)[0] = c
	return nil
}

// Read copies bytes from the cursor into p and advances the cursor.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.ptr >= len(b.data) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.data[b.ptr:])
	b.ptr += n
	return n, nil
}

// ReadByte returns the byte at the cursor and advances it.
func (b *Buffer) ReadByte() (byte, error) {
	if b.ptr >= len(b.data) {
		return 0, io.EOF
	}
	c := b.data[b.ptr]
	b.ptr++
	return c, nil
}

// Seek moves the cursor. Offsets past the written region are rejected.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(b.ptr)
	case io.SeekEnd:
		base = int64(len(b.data))
	default:
		return int64(b.ptr), fmt.Errorf("growbuf: invalid whence %d", whence)
	}
	pos := base + offset
	if pos < 0 || pos > int64(len(b.data)) {
		return int64(b.ptr), ErrSeek
	}
	b.ptr = int(pos)
	return pos, nil
}

// Advance moves the cursor forward by n bytes, clamped to the end.
func (b *Buffer) Advance(n int) {
	b.ptr += n
	if b.ptr > len(b.data) {
		b.ptr = len(b.data)
	}
	if b.ptr < 0 {
		b.ptr = 0
	}
}

// Clear empties the buffer but keeps its storage for reuse.
func (b *Buffer) Clear() {
	b.data = b.data[:0]
	b.ptr = 0
}

// Finalize releases the storage.
func (b *Buffer) Finalize() {
	b.data = nil
	b.ptr = 0
}

// Transfer moves the contents of src into b, discarding whatever b held.
// src is left empty and without storage.
func (b *Buffer) Transfer(src *Buffer) {
	if src == b {
		return
	}
	b.data = src.data
	b.ptr = src.ptr
	src.data = nil
	src.ptr = 0
}

// Clone returns an independent copy with the cursor reset.
func (b *Buffer) Clone() *Buffer {
	out := New(len(b.data))
	out.data = append(out.data, b.data...)
	return out
}
