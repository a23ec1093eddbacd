// Package transport defines the stream-multiplexer interface the call
// engine consumes (spec.md §6, "External Interfaces — Transport
// (consumed)"): per-stream operations {write-headers, write-message,
// write-trailers, read-headers, read-message, read-trailers, reset}, each
// completing asynchronously with a success/failure signal. The engine
// (call/, batch/, cq/, deadline/, credentials/) depends only on this
// interface, never on a concrete transport; http2transport and
// faketransport are swappable implementations (SPEC_FULL.md §2).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"

	"github.com/latticerpc/core/buffer"
	"github.com/latticerpc/core/mdata"
	"github.com/latticerpc/core/status"
)

// WriteCallback reports the success/failure of one async write op.
type WriteCallback func(ok bool, err error)

// ReadHeadersCallback delivers the peer's initial metadata, or an error.
type ReadHeadersCallback func(md *mdata.MD, err error)

// ReadMessageCallback delivers one message. buf == nil && err == nil means
// the stream ended cleanly without a message (spec.md §4.4: "recv-message
// succeeds with success=true even when the stream ended cleanly without a
// message — the output is then set to null").
type ReadMessageCallback func(buf *buffer.Buffer, err error)

// ReadTrailersCallback delivers the final Status for the stream.
type ReadTrailersCallback func(st *status.Status, err error)

// Stream is one multiplexed, bidirectional stream of ordered byte frames
// (spec.md §6). The engine uses absolute stream identity but never
// interprets framing; DeadlineMillis on WriteHeaders carries spec.md §6's
// single wire-deadline header (remaining time in milliseconds, 0 meaning
// no deadline).
type Stream interface {
	WriteHeaders(md *mdata.MD, deadlineMillis int64, cb WriteCallback)
	WriteMessage(buf *buffer.Buffer, flags buffer.Flag, cb WriteCallback)
	WriteTrailers(st *status.Status, cb WriteCallback)

	ReadHeaders(cb ReadHeadersCallback)
	ReadMessage(cb ReadMessageCallback)
	ReadTrailers(cb ReadTrailersCallback)

	// Reset aborts the stream immediately (spec.md §6's "reset" op); used
	// for explicit cancellation, deadline expiry, and channel/server
	// shutdown (spec.md §4.5).
	Reset(err error)
}

// StreamInfo is what the server request loop (spec.md §4.7) learns about
// a newly-arrived incoming stream before it is paired with an application
// request_call: method, authority, decoded deadline, and initial
// metadata.
type StreamInfo struct {
	Method         string
	Authority      string
	DeadlineMillis int64 // 0 means no deadline
	InitialMD      *mdata.MD
}

// Multiplexer is the consumed connectivity surface: open a new stream as
// a client, or accept the next inbound stream as a server. Name
// resolution, load balancing, and sub-connection pooling (spec.md §1, out
// of scope) live behind this interface, not in it.
type Multiplexer interface {
	OpenStream(ctx context.Context, authority, method string) (Stream, error)
	Accept(ctx context.Context) (Stream, StreamInfo, error)
	Close() error
}
