// Package buffer — compression is the one opaque per-op flag (spec.md
// §4.4) this engine chooses to interpret rather than pass through
// uninterpreted, since doing so at the buffer layer keeps the flag
// meaning entirely local to send-message/recv-message and out of the
// batch executor's op-dispatch logic.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package buffer

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v3"
)

// Flag is the per-op flag set referenced abstractly in spec.md §4.4
// ("the only interpreted flag is WAIT_FOR_READY-style compression/
// buffering hints"). Flags compose with bitwise OR.
type Flag uint32

const (
	// FlagCompress asks the transport to lz4-compress a send-message's
	// payload on the wire: http2transport applies Compress when writing
	// the frame and Decompress when the peer reads it. faketransport
	// ignores the flag.
	FlagCompress Flag = 1 << iota

	// FlagBuffered is the WAIT_FOR_READY-equivalent hint spec.md §4.4
	// names as the other interpreted case: it is forwarded to the
	// transport uninterpreted — the engine does not act on it itself.
	FlagBuffered
)

// Compress returns a new Buffer whose bytes are the lz4-compressed form
// of b. http2transport calls it for a send-message op that carries
// FlagCompress and marks the frame so the peer's reader Decompresses it.
func Compress(b *Buffer) (*Buffer, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if _, err := w.Write(b.Bytes()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return FromBytes(out.Bytes()), nil
}

// Decompress reverses Compress.
func Decompress(b *Buffer) (*Buffer, error) {
	r := lz4.NewReader(bytes.NewReader(b.Bytes()))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return FromBytes(out), nil
}
