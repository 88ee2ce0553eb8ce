// Package wire implements the length-prefixed request/response protocol
// spoken between the privsep parent process and the key daemon. A Buffer is
// an expanding byte region with push/shift accessors for the three atom
// types the protocol needs: fixed-width numbers, NUL-terminated strings,
// and length-prefixed byte blobs.
//
// The wire format fixes numbers at little-endian uint64 rather than the
// host word size: unlike the C implementation this package is modeled on,
// the daemon here is not a forked copy of the parent's address space, so
// the two sides cannot be assumed to share an ABI.
package wire

import (
	"encoding/binary"
	"errors"
)

// initialCapacity is the size of the first allocation backing a Buffer.
// Doubling from here keeps small requests (the common case: a handle, a
// padding mode, a couple hundred bytes of ciphertext) to a single
// allocation.
const initialCapacity = 4096

// ErrShortBuffer is returned by the Shift* accessors when the live region
// does not contain enough bytes to satisfy the request.
var ErrShortBuffer = errors.New("wire: buffer too short")

// ErrNoTerminator is returned by ShiftString when no NUL byte is found in
// the live region.
var ErrNoTerminator = errors.New("wire: string is not NUL-terminated")

// Buffer is a growable byte region with a live payload of data[start:end].
// Zero value is ready to use.
type Buffer struct {
	data  []byte
	start int
	end   int
}

// Len reports the number of live, unconsumed bytes.
func (b *Buffer) Len() int {
	return b.end - b.start
}

// Bytes returns the live payload. The slice aliases the Buffer's storage
// and is invalidated by any further Push/Dispose call.
func (b *Buffer) Bytes() []byte {
	return b.data[b.start:b.end]
}

// reserve ensures there is room for extra more bytes at the end of the live
// region, growing (and, if the live region has drifted away from byte 0,
// compacting) the backing array as needed.
func (b *Buffer) reserve(extra int) {
	if cap(b.data)-b.end >= extra {
		return
	}
	needed := b.end - b.start + extra
	newCap := cap(b.data)
	if newCap == 0 {
		newCap = initialCapacity
	}
	for newCap < needed {
		newCap *= 2
	}
	n := make([]byte, newCap)
	copy(n, b.data[b.start:b.end])
	b.data = n
	b.end -= b.start
	b.start = 0
}

// PushUint64 appends a little-endian uint64.
func (b *Buffer) PushUint64(v uint64) {
	b.reserve(8)
	binary.LittleEndian.PutUint64(b.data[b.end:], v)
	b.end += 8
}

// PushString appends s followed by a terminating NUL. s must not itself
// contain a NUL byte.
func (b *Buffer) PushString(s string) {
	b.reserve(len(s) + 1)
	b.end += copy(b.data[b.end:], s)
	b.data[b.end] = 0
	b.end++
}

// PushBytes appends a uint64 length prefix followed by p.
func (b *Buffer) PushBytes(p []byte) {
	b.PushUint64(uint64(len(p)))
	b.reserve(len(p))
	b.end += copy(b.data[b.end:], p)
}

// ShiftUint64 consumes and returns a little-endian uint64 from the front of
// the live region.
func (b *Buffer) ShiftUint64() (uint64, error) {
	if b.Len() < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint64(b.data[b.start:])
	b.start += 8
	return v, nil
}

// ShiftString consumes and returns a NUL-terminated string from the front
// of the live region.
func (b *Buffer) ShiftString() (string, error) {
	live := b.data[b.start:b.end]
	nul := indexByte(live, 0)
	if nul < 0 {
		return "", ErrNoTerminator
	}
	s := string(live[:nul])
	b.start += nul + 1
	return s, nil
}

// ShiftBytes consumes and returns a length-prefixed byte blob from the
// front of the live region. The returned slice aliases the Buffer's
// storage and is invalidated by any further Push/Dispose call.
func (b *Buffer) ShiftBytes() ([]byte, error) {
	l, err := b.ShiftUint64()
	if err != nil {
		return nil, err
	}
	if uint64(b.Len()) < l {
		return nil, ErrShortBuffer
	}
	p := b.data[b.start : b.start+int(l)]
	b.start += int(l)
	return p, nil
}

// Dispose scrubs the buffer's entire backing array — not merely the live
// region, since Push calls may have left stale key material or signatures
// in bytes between the true payload and cap(data) after a Shift — and
// releases it. A disposed Buffer is a fresh zero value.
func (b *Buffer) Dispose() {
	for i := range b.data {
		b.data[i] = 0
	}
	*b = Buffer{}
}

func indexByte(p []byte, c byte) int {
	for i, v := range p {
		if v == c {
			return i
		}
	}
	return -1
}
