// Package buffer — see slice.go for the package-level grounding note.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package buffer

// Buffer wraps 1..N Slices (spec.md §4.2: "Byte buffers wrap 1..N
// slices."). It is the payload carried by send-message/recv-message ops;
// the engine never interprets its contents.
type Buffer struct {
	slices []Slice
}

// New builds a Buffer from already-constructed Slices (NewFromBytes or
// NewFromBorrowed).
func New(slices ...Slice) *Buffer {
	return &Buffer{slices: slices}
}

// FromBytes is the common case: one copied slice.
func FromBytes(b []byte) *Buffer {
	return New(NewFromBytes(b))
}

// Len is the total byte length across all slices.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	n := 0
	for _, s := range b.slices {
		n += s.Len()
	}
	return n
}

// Slices exposes the underlying scatter-gather list, e.g. for a transport
// adapter that writes each slice as a separate DATA frame without
// flattening (avoiding a copy).
func (b *Buffer) Slices() []Slice {
	if b == nil {
		return nil
	}
	return b.slices
}

// Bytes flattens the buffer into one contiguous slice. Prefer Slices()
// when the consumer can scatter-write; Bytes copies.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, 0, b.Len())
	for _, s := range b.slices {
		out = append(out, s.Bytes()...)
	}
	return out
}

// Release drops the Buffer's reference to each of its Slices. Received
// message buffers are owned by the caller upon completion and must be
// released (spec.md §4.2).
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	for _, s := range b.slices {
		s.Release()
	}
}
