// Package channel implements spec.md §3/§4.9's client-side Channel
// facade: a thin factory for Calls that never owns them (weak back-
// reference only) and whose Close blocks until every Call it created has
// reached a terminal state — the same "channel shutdown waits for all
// calls" discipline spec.md §9 requires.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/latticerpc/core/call"
	"github.com/latticerpc/core/deadline"
	"github.com/latticerpc/core/transport"
)

var errClosed = errors.New("channel: closed")

// Channel is a client-side factory for Calls over one Multiplexer.
// Multiple Calls share a Channel; the Channel outlives every Call created
// through it (spec.md §3).
type Channel struct {
	authority string
	mux       transport.Multiplexer
	ctrl      *deadline.Controller

	mu        sync.Mutex
	drainCond *sync.Cond
	open      map[*call.Call]struct{}
	closed    bool
}

// New binds a Channel to authority over mux. mux is typically an
// http2transport.Dial result or, in tests, a faketransport.Multiplexer.
func New(authority string, mux transport.Multiplexer) *Channel {
	ch := &Channel{
		authority: authority,
		mux:       mux,
		ctrl:      deadline.New(),
		open:      make(map[*call.Call]struct{}),
	}
	ch.drainCond = sync.NewCond(&ch.mu)
	return ch
}

// NewCall creates a client-side Call bound to this Channel and opens the
// underlying transport stream. call.Infinite means no deadline.
func (ch *Channel) NewCall(ctx context.Context, method string, dl time.Time) (*call.Call, transport.Stream, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, nil, errClosed
	}
	ch.mu.Unlock()

	c := call.New(call.Client, method, ch.authority, dl)
	stream, err := ch.mux.OpenStream(ctx, ch.authority, method)
	if err != nil {
		return nil, nil, err
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		stream.Reset(errClosed)
		return nil, nil, errClosed
	}
	ch.open[c] = struct{}{}
	ch.mu.Unlock()

	if !c.IsInfinite() {
		ch.ctrl.Register(dl, c)
	}
	return c, stream, nil
}

// Forget releases ch's tracking of c once c has reached a terminal state
// (both send and recv sides Done). The caller is responsible for calling
// this once it has observed c's final completion — mirroring the Data
// Model's "ownership is released via explicit destroy" rule (spec.md §3).
func (ch *Channel) Forget(c *call.Call) {
	ch.mu.Lock()
	delete(ch.open, c)
	ch.mu.Unlock()
	ch.drainCond.Broadcast()
}

// Close cancels every Call still tracked by ch and blocks until Forget
// has been called for each of them, then releases ch's resources.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	pending := make([]*call.Call, 0, len(ch.open))
	for c := range ch.open {
		pending = append(pending, c)
	}
	ch.mu.Unlock()

	for _, c := range pending {
		c.Cancel()
	}

	ch.mu.Lock()
	for len(ch.open) > 0 {
		ch.drainCond.Wait()
	}
	ch.mu.Unlock()

	ch.ctrl.Stop()
	return ch.mux.Close()
}
