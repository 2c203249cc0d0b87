// Package framing splits a connection byte stream into NUL-delimited text frames.
package framing

import (
	"bytes"
	"errors"
	"iter"
)

// Delimiter terminates every frame on the wire.
const Delimiter byte = 0x00

// DefaultMaxBytes is the default cap on buffered, not yet terminated bytes.
const DefaultMaxBytes = 1 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum buffered size")
)

// Buffer accumulates raw bytes for one connection. It is owned by a single
// session and is not safe for concurrent use.
//
// After Drain has been iterated to completion the buffer holds exactly the
// bytes following the last consumed delimiter.
type Buffer struct {
	data     []byte
	maxBytes int
}

// NewBuffer creates a buffer that refuses to hold more than maxBytes of an
// unterminated frame. maxBytes <= 0 disables the limit.
func NewBuffer(maxBytes int) *Buffer {
	return &Buffer{maxBytes: maxBytes}
}

// Append extends the buffer with a chunk read from the transport.
func (b *Buffer) Append(chunk []byte) error {
	b.data = append(b.data, chunk...)
	if b.maxBytes > 0 && len(b.data) > b.maxBytes {
		// Only the tail after the last delimiter counts against the limit.
		tail := b.data
		if i := bytes.LastIndexByte(b.data, Delimiter); i >= 0 {
			tail = b.data[i+1:]
		}
		if len(tail) > b.maxBytes {
			return ErrFrameTooLarge
		}
	}
	return nil
}

// Drain yields every complete frame currently buffered, in order. Each frame
// is removed from the buffer before it is yielded, so stopping the iteration
// early leaves the remaining frames (and any partial frame) in place.
func (b *Buffer) Drain() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			i := bytes.IndexByte(b.data, Delimiter)
			if i < 0 {
				b.compact()
				return
			}
			frame := string(b.data[:i])
			b.data = b.data[i+1:]
			if !yield(frame) {
				b.compact()
				return
			}
		}
	}
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Pending returns a copy of the buffered bytes.
func (b *Buffer) Pending() []byte {
	return bytes.Clone(b.data)
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.data = nil
}

func (b *Buffer) compact() {
	if len(b.data) == 0 {
		b.data = nil
		return
	}
	// Re-slicing keeps the consumed prefix alive; copy once the remainder is small.
	if cap(b.data) > 2*len(b.data)+64 {
		b.data = bytes.Clone(b.data)
	}
}

// Encode appends the delimiter to a payload.
func Encode(payload []byte) []byte {
	out := make([]byte, len(payload)+1)
	copy(out, payload)
	out[len(payload)] = Delimiter
	return out
}
