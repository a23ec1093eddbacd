// Package faketransport is an in-process transport.Multiplexer used only
// by tests (SPEC_FULL.md §8), never by the HTTP/2 reference
// implementation. It wires a client Stream directly to a server Stream
// through buffered Go channels, so call/batch tests can drive the engine
// end to end without a network.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package faketransport

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/latticerpc/core/buffer"
	"github.com/latticerpc/core/mdata"
	"github.com/latticerpc/core/status"
	"github.com/latticerpc/core/transport"
)

var ErrReset = errors.New("faketransport: stream reset")

type frame struct {
	headers  *mdata.MD
	message  *buffer.Buffer
	trailers *status.Status
	err      error
	kind     frameKind
}

type frameKind int

const (
	kindHeaders frameKind = iota
	kindMessage
	kindTrailers
	kindReset
)

// Pipe is a pair of Streams wired together: writes on one side arrive as
// reads on the other. Writes complete their callbacks synchronously; each
// read runs its callback on a goroutine of its own, loosely mirroring the
// teacher's sendLoop/cmplLoop split (transport/sendmsg.go) generalized
// from one queue to three frame kinds.
type Pipe struct {
	clientToServer chan frame
	serverToClient chan frame

	mu     sync.Mutex
	closed bool
}

// NewPipe creates a connected pair of Streams wired directly to each
// other. On a bare pipe only the initial metadata travels, as an ordinary
// WriteHeaders frame; the deadline passed to WriteHeaders is dropped and
// method/authority are not carried at all (Multiplexer.OpenStream's
// Accept announcement carries those).
func NewPipe() (client, server transport.Stream) {
	p := &Pipe{
		clientToServer: make(chan frame, 16),
		serverToClient: make(chan frame, 16),
	}
	cs := &side{p: p, out: p.clientToServer, in: p.serverToClient}
	ss := &side{p: p, out: p.serverToClient, in: p.clientToServer}
	return cs, ss
}

type side struct {
	p   *Pipe
	out chan frame
	in  chan frame

	announceOnce sync.Once
	announce     func(md *mdata.MD, deadlineMillis int64) error

	// preloadedHeaders, when set, makes ReadHeaders return immediately
	// instead of waiting on a frame: set on the server side of an
	// OpenStream-opened pipe once the client's initial metadata is known,
	// mirroring http2transport.serverStream's reqMD (headers arrive with
	// the request, never multiplexed with the body).
	preloadedHeaders    *mdata.MD
	hasPreloadedHeaders bool
}

var _ transport.Stream = (*side)(nil)

func (s *side) send(f frame) {
	s.p.mu.Lock()
	closed := s.p.closed
	s.p.mu.Unlock()
	if closed {
		return
	}
	s.out <- f
}

// WriteHeaders fires s's announce hook, if any, the first time headers are
// written, mirroring http2transport's clientStream.start: the server only
// learns of an incoming stream — its method, authority, deadline, and
// initial metadata — once headers actually go out, not when the stream was
// opened. A stream with an announce hook delivers md via the Accept
// pairing's StreamInfo instead of a frame, since the server's recv ops
// never include recv-initial-metadata (spec.md §6).
func (s *side) WriteHeaders(md *mdata.MD, deadlineMillis int64, cb transport.WriteCallback) {
	if s.announce != nil {
		var announceErr error
		s.announceOnce.Do(func() { announceErr = s.announce(md, deadlineMillis) })
		if cb != nil {
			cb(announceErr == nil, announceErr)
		}
		return
	}
	s.send(frame{kind: kindHeaders, headers: md})
	if cb != nil {
		cb(true, nil)
	}
}

func (s *side) WriteMessage(buf *buffer.Buffer, _ buffer.Flag, cb transport.WriteCallback) {
	s.send(frame{kind: kindMessage, message: buf})
	if cb != nil {
		cb(true, nil)
	}
}

func (s *side) WriteTrailers(st *status.Status, cb transport.WriteCallback) {
	s.send(frame{kind: kindTrailers, trailers: st})
	if cb != nil {
		cb(true, nil)
	}
}

func (s *side) ReadHeaders(cb transport.ReadHeadersCallback) {
	if s.hasPreloadedHeaders {
		go cb(s.preloadedHeaders, nil)
		return
	}
	go func() {
		f, ok := <-s.in
		if !ok {
			cb(nil, ErrReset)
			return
		}
		cb(f.headers, f.err)
	}()
}

func (s *side) ReadMessage(cb transport.ReadMessageCallback) {
	go func() {
		f, ok := <-s.in
		if !ok {
			cb(nil, nil) // clean end of stream
			return
		}
		cb(f.message, f.err)
	}()
}

func (s *side) ReadTrailers(cb transport.ReadTrailersCallback) {
	go func() {
		f, ok := <-s.in
		if !ok {
			cb(status.New(codes.Internal, "stream reset before trailers"), nil)
			return
		}
		cb(f.trailers, f.err)
	}()
}

func (s *side) Reset(err error) {
	s.p.mu.Lock()
	if !s.p.closed {
		s.p.closed = true
		close(s.p.clientToServer)
		close(s.p.serverToClient)
	}
	s.p.mu.Unlock()
}

// pendingAccept is one client-dialed connection waiting to be Accepted by
// the server-side Multiplexer.
type pendingAccept struct {
	stream transport.Stream
	info   transport.StreamInfo
}

// NewMultiplexerPair returns a connected (client Multiplexer, server
// Multiplexer) where every OpenStream on the client becomes one Accept on
// the server.
func NewMultiplexerPair() (client, server *Multiplexer) {
	ch := make(chan pendingAccept, 64)
	return &Multiplexer{conns: ch, isClient: true}, &Multiplexer{conns: ch}
}

type Multiplexer struct {
	conns    chan pendingAccept
	isClient bool

	mu     sync.Mutex
	closed bool
}

var _ transport.Multiplexer = (*Multiplexer)(nil)

// OpenStream constructs the pipe and hands the client side back
// immediately, but defers announcing the server side to the Multiplexer's
// Accept queue until the client's first WriteHeaders — by then
// deadlineMillis is whatever the engine actually computed for the call
// (batch.dispatch's time.Until(c.Deadline)), never a value guessed from
// ctx's own deadline.
func (m *Multiplexer) OpenStream(ctx context.Context, authority, method string) (transport.Stream, error) {
	if !m.isClient {
		return nil, errors.New("faketransport: OpenStream called on a server-side multiplexer")
	}
	client, server := NewPipe()
	cs := client.(*side)
	ss := server.(*side)
	cs.announce = func(md *mdata.MD, deadlineMillis int64) error {
		ss.preloadedHeaders = md
		ss.hasPreloadedHeaders = true
		info := transport.StreamInfo{Method: method, Authority: authority, DeadlineMillis: deadlineMillis, InitialMD: md}
		select {
		case m.conns <- pendingAccept{stream: server, info: info}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return cs, nil
}

func (m *Multiplexer) Accept(ctx context.Context) (transport.Stream, transport.StreamInfo, error) {
	select {
	case p, ok := <-m.conns:
		if !ok {
			return nil, transport.StreamInfo{}, errors.New("faketransport: multiplexer closed")
		}
		return p.stream, p.info, nil
	case <-ctx.Done():
		return nil, transport.StreamInfo{}, ctx.Err()
	}
}

func (m *Multiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if !m.isClient {
		close(m.conns)
	}
	return nil
}
