/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package http2transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/net/http2"

	"github.com/latticerpc/core/buffer"
	"github.com/latticerpc/core/mdata"
	"github.com/latticerpc/core/status"
	"github.com/latticerpc/core/transport"
)

var errClientNoAccept = errors.New("http2transport: a client-dialed Multiplexer never accepts incoming streams")

// ClientConn is a client-side transport.Multiplexer: every OpenStream
// issues one POST whose request/response bodies are the stream's DATA
// frames, multiplexed over a single HTTP/2 connection (Go's
// golang.org/x/net/http2.Transport handles the multiplexing; one Call is
// one HTTP/2 stream, never one TCP connection).
type ClientConn struct {
	target string
	client *http.Client
}

// Dial opens an h2c (cleartext HTTP/2) connection to target ("host:port").
// TLS deployments should build their own *http.Client with a
// tls.Config-carrying http2.Transport and use NewClientConn instead.
func Dial(target string) (*ClientConn, error) {
	t := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	return NewClientConn(target, &http.Client{Transport: t}), nil
}

// NewClientConn wraps an already-configured *http.Client (e.g. one dialed
// over TLS) as a Multiplexer against target.
func NewClientConn(target string, client *http.Client) *ClientConn {
	return &ClientConn{target: target, client: client}
}

func (c *ClientConn) OpenStream(ctx context.Context, authority, method string) (transport.Stream, error) {
	pr, pw := io.Pipe()
	url := fmt.Sprintf("http://%s%s", c.target, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, err
	}
	if authority != "" {
		req.Host = authority
	}
	req.Header = make(http.Header)

	cs := &clientStream{
		client:      c.client,
		req:         req,
		bodyW:       pw,
		respReadyCh: make(chan struct{}),
	}
	return cs, nil
}

func (c *ClientConn) Accept(ctx context.Context) (transport.Stream, transport.StreamInfo, error) {
	return nil, transport.StreamInfo{}, errClientNoAccept
}

func (c *ClientConn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// clientStream is the client side of one HTTP/2 stream. WriteHeaders
// fires the actual RoundTrip; golang.org/x/net/http2 returns it as soon as
// the peer's response HEADERS frame arrives, independent of whether the
// request body (this stream's outbound messages) has finished — the same
// decoupling a native HTTP/2 bidi-streaming RPC relies on.
type clientStream struct {
	client *http.Client
	req    *http.Request
	bodyW  *io.PipeWriter

	startOnce sync.Once

	respReadyCh chan struct{}
	resp        *http.Response
	respErr     error

	bodyMu     sync.Mutex
	bodyClosed bool
}

var _ transport.Stream = (*clientStream)(nil)

func (cs *clientStream) start() {
	cs.startOnce.Do(func() {
		go func() {
			resp, err := cs.client.Do(cs.req)
			cs.resp, cs.respErr = resp, err
			close(cs.respReadyCh)
		}()
	})
}

func (cs *clientStream) WriteHeaders(md *mdata.MD, deadlineMillis int64, cb transport.WriteCallback) {
	if md != nil {
		mdToHeader(md, cs.req.Header)
	}
	if deadlineMillis > 0 {
		cs.req.Header.Set(timeoutHeader, strconv.FormatInt(deadlineMillis, 10))
	}
	cs.start()
	if cb != nil {
		cb(true, nil)
	}
}

func (cs *clientStream) WriteMessage(buf *buffer.Buffer, flags buffer.Flag, cb transport.WriteCallback) {
	err := writeFrame(cs.bodyW, buf, flags)
	if cb != nil {
		cb(err == nil, err)
	}
}

// WriteTrailers is the client's half-close (spec.md §6's close-from-client
// op, via batch.dispatch's OpSendCloseFromClient). st is ignored: a client
// never sends a status, only end-of-stream.
func (cs *clientStream) WriteTrailers(_ *status.Status, cb transport.WriteCallback) {
	cs.bodyMu.Lock()
	if !cs.bodyClosed {
		cs.bodyClosed = true
		cs.bodyW.Close()
	}
	cs.bodyMu.Unlock()
	if cb != nil {
		cb(true, nil)
	}
}

func (cs *clientStream) ReadHeaders(cb transport.ReadHeadersCallback) {
	go func() {
		<-cs.respReadyCh
		if cs.respErr != nil {
			cb(nil, cs.respErr)
			return
		}
		cb(headerToMD(cs.resp.Header), nil)
	}()
}

func (cs *clientStream) ReadMessage(cb transport.ReadMessageCallback) {
	go func() {
		<-cs.respReadyCh
		if cs.respErr != nil {
			cb(nil, cs.respErr)
			return
		}
		buf, err := readFrame(cs.resp.Body)
		cb(buf, err)
	}()
}

func (cs *clientStream) ReadTrailers(cb transport.ReadTrailersCallback) {
	go func() {
		<-cs.respReadyCh
		if cs.respErr != nil {
			cb(nil, cs.respErr)
			return
		}
		// Drain any remaining message frames; net/http only populates
		// Trailer once Body has been read to EOF.
		for {
			buf, err := readFrame(cs.resp.Body)
			if err != nil {
				cb(nil, err)
				return
			}
			if buf == nil {
				break // clean EOF: every frame consumed, Trailer now populated
			}
			buf.Release()
		}
		code := codeFromHeaderValue(cs.resp.Trailer.Get(statusCodeTrailer))
		msg := cs.resp.Trailer.Get(statusMessageTrailer)
		cb(status.New(code, msg), nil)
	}()
}

func (cs *clientStream) Reset(err error) {
	if err == nil {
		err = errors.New("http2transport: stream reset")
	}
	cs.bodyMu.Lock()
	if !cs.bodyClosed {
		cs.bodyClosed = true
		cs.bodyW.CloseWithError(err)
	}
	cs.bodyMu.Unlock()
	go func() {
		<-cs.respReadyCh
		if cs.resp != nil {
			cs.resp.Body.Close()
		}
	}()
}

