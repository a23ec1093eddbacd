/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package http2transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc/codes"

	"github.com/latticerpc/core/buffer"
	"github.com/latticerpc/core/cmn/nlog"
	"github.com/latticerpc/core/mdata"
	"github.com/latticerpc/core/status"
	"github.com/latticerpc/core/transport"
)

var errListenerClosed = errors.New("http2transport: listener closed")

// Listener is a server-side transport.Multiplexer: one http.Server
// (cleartext HTTP/2 via golang.org/x/net/http2/h2c, the common choice for
// services that sit behind a TLS-terminating proxy — TLS deployments
// should call http2.ConfigureServer on their own *http.Server and wrap its
// Handler with NewHandler instead of using Listen) handing every request
// to acceptCh as a pendingStream.
type Listener struct {
	ln  net.Listener
	srv *http.Server

	mu       sync.Mutex
	closed   bool
	acceptCh chan pendingStream
}

type pendingStream struct {
	stream transport.Stream
	info   transport.StreamInfo
}

// Listen starts accepting h2c connections on addr (e.g. ":8443").
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{ln: ln, acceptCh: make(chan pendingStream, 64)}
	l.srv = &http.Server{
		Handler: NewHandler(l),
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			nlog.Warningf("http2transport: serve stopped: %v", err)
		}
	}()
	return l, nil
}

// NewHandler wraps an acceptCh-feeding handler for l with h2c, for
// embedding into a caller-owned *http.Server (e.g. one multiplexing other
// routes on the same port).
func NewHandler(l *Listener) http.Handler {
	h2s := &http2.Server{}
	return h2c.NewHandler(http.HandlerFunc(l.serveHTTP), h2s)
}

func (l *Listener) serveHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusHTTPVersionNotSupported)
		return
	}

	ss := &serverStream{
		w:        w,
		flusher:  flusher,
		body:     r.Body,
		doneCh:   make(chan struct{}),
		reqMD:    headerToMD(r.Header),
	}
	info := transport.StreamInfo{
		Method:         r.URL.Path,
		Authority:      r.Host,
		DeadlineMillis: deadlineMillisFromHeader(r.Header),
		InitialMD:      ss.reqMD,
	}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case l.acceptCh <- pendingStream{stream: ss, info: info}:
	case <-r.Context().Done():
		return
	}

	// The handler must stay alive until the stream is done: returning
	// ends the HTTP/2 stream and closes w for writing.
	select {
	case <-ss.doneCh:
	case <-r.Context().Done():
		ss.markCancelled()
	}
}

// Addr is the bound local address, most useful when Listen was given
// ":0" and the caller needs the ephemeral port it was assigned.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Accept(ctx context.Context) (transport.Stream, transport.StreamInfo, error) {
	select {
	case p, ok := <-l.acceptCh:
		if !ok {
			return nil, transport.StreamInfo{}, errListenerClosed
		}
		return p.stream, p.info, nil
	case <-ctx.Done():
		return nil, transport.StreamInfo{}, ctx.Err()
	}
}

func (l *Listener) OpenStream(ctx context.Context, authority, method string) (transport.Stream, error) {
	return nil, errors.New("http2transport: a server-side Multiplexer never opens outgoing streams")
}

func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.acceptCh)
	return l.srv.Shutdown(context.Background())
}

// serverStream is the server side of one HTTP/2 stream.
type serverStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	body    io.ReadCloser
	reqMD   *mdata.MD

	headerOnce sync.Once
	doneOnce   sync.Once
	doneCh     chan struct{}

	mu        sync.Mutex
	cancelled bool
}

var _ transport.Stream = (*serverStream)(nil)

func (ss *serverStream) markCancelled() {
	ss.mu.Lock()
	ss.cancelled = true
	ss.mu.Unlock()
	ss.finish()
}

func (ss *serverStream) finish() {
	ss.doneOnce.Do(func() { close(ss.doneCh) })
}

func (ss *serverStream) writeHeaderOnce() {
	ss.headerOnce.Do(func() {
		ss.w.WriteHeader(http.StatusOK)
	})
}

func (ss *serverStream) WriteHeaders(md *mdata.MD, _ int64, cb transport.WriteCallback) {
	if md != nil {
		mdToHeader(md, ss.w.Header())
	}
	ss.writeHeaderOnce()
	ss.flusher.Flush()
	if cb != nil {
		cb(true, nil)
	}
}

func (ss *serverStream) WriteMessage(buf *buffer.Buffer, flags buffer.Flag, cb transport.WriteCallback) {
	ss.writeHeaderOnce()
	err := writeFrame(ss.w, buf, flags)
	ss.flusher.Flush()
	if cb != nil {
		cb(err == nil, err)
	}
}

// WriteTrailers sends the trailing status via net/http's TrailerPrefix
// mechanism, which lets a handler set trailer values after writing the
// response header/body without pre-declaring trailer names (spec.md §6's
// final-HEADERS-frame trailing status).
func (ss *serverStream) WriteTrailers(st *status.Status, cb transport.WriteCallback) {
	ss.writeHeaderOnce()
	if st == nil {
		st = status.OK()
	}
	ss.w.Header().Set(http.TrailerPrefix+statusCodeTrailer, codeToHeaderValue(st.Code()))
	ss.w.Header().Set(http.TrailerPrefix+statusMessageTrailer, st.Details())
	ss.finish()
	if cb != nil {
		cb(true, nil)
	}
}

func (ss *serverStream) ReadHeaders(cb transport.ReadHeadersCallback) {
	go cb(ss.reqMD, nil)
}

func (ss *serverStream) ReadMessage(cb transport.ReadMessageCallback) {
	go func() {
		buf, err := readFrame(ss.body)
		cb(buf, err)
	}()
}

// ReadTrailers backs recv-close-on-server (spec.md §4.4): a client never
// sends a real trailers frame, so a clean EOF on the request body means
// "not cancelled" and a read error (including context cancellation)
// means the client reset the stream.
func (ss *serverStream) ReadTrailers(cb transport.ReadTrailersCallback) {
	go func() {
		for {
			buf, err := readFrame(ss.body)
			if err != nil {
				cb(nil, err)
				return
			}
			if buf == nil {
				break
			}
			buf.Release()
		}
		ss.mu.Lock()
		cancelled := ss.cancelled
		ss.mu.Unlock()
		if cancelled {
			cb(nil, status.New(codes.Canceled, "client cancelled").Err())
			return
		}
		cb(nil, nil)
	}()
}

func (ss *serverStream) Reset(err error) {
	ss.markCancelled()
}
