// Package server implements spec.md §4.7's Server Request Loop: pairs
// outstanding request_call intents with newly-arrived incoming streams,
// first-come-first-served, and bounds unmatched streams in a TTL-capped
// backlog rather than letting them grow memory without limit. The bounded
// backlog is backed by tidwall/buntdb (an in-memory, TTL-capable KV
// store), resolving SPEC_FULL.md §4.7's chosen policy: FIFO backlog of N
// streams (default 64), TTL eviction, explicit UNAVAILABLE on overflow.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/buntdb"
	"google.golang.org/grpc/codes"

	"github.com/latticerpc/core/call"
	"github.com/latticerpc/core/cmn/cos"
	"github.com/latticerpc/core/cmn/nlog"
	"github.com/latticerpc/core/cq"
	"github.com/latticerpc/core/status"
	"github.com/latticerpc/core/transport"
)

const (
	defaultBacklogSize = 64
	defaultBacklogTTL  = 30 * time.Second
)

var (
	ErrShutdown    = errors.New("server: shutting down, not accepting new request_call")
	ErrBacklogFull = errors.New("server: unmatched-stream backlog is full")
)

// intent is one outstanding request_call: whoever pairs with the next
// arriving stream on cq posts tag.
type intent struct {
	cq  *cq.CQ
	tag any
}

// Port wraps one Multiplexer the Server accepts streams from (spec.md §3:
// "binds to one or more Ports").
type Port struct {
	mux transport.Multiplexer
}

func NewPort(mux transport.Multiplexer) *Port { return &Port{mux: mux} }

// Server accepts incoming Calls and pairs them with application
// request_call intents (spec.md §4.7).
type Server struct {
	mu      sync.Mutex
	ports   []*Port
	intents []intent

	backlog     *buntdb.DB
	backlogN    int
	backlogTTL  time.Duration
	pending     map[string]pendingStream // key -> stream, mirrored into backlog for TTL accounting
	pendingKeys []string                 // arrival order of pending's keys, oldest first

	results map[any]result // tag -> delivered call, picked up via TakeResult once the app observes the cq event

	shuttingDown bool
	grace        time.Duration
	activeCalls  sync.WaitGroup
}

type pendingStream struct {
	stream transport.Stream
	info   transport.StreamInfo
}

// result is what RequestCall's tag resolves to once the completion queue
// has posted it; the app retrieves it with TakeResult after observing the
// event, since pairing with a backlog entry can happen synchronously
// inside RequestCall but pairing with a freshly-arrived stream happens
// later, off of acceptLoop, with no result to hand back synchronously.
type result struct {
	call   *call.Call
	stream transport.Stream
	info   transport.StreamInfo
}

// New creates a Server. backlogSize <= 0 uses 64; backlogTTL <= 0 uses 30s.
func New(backlogSize int, backlogTTL time.Duration) (*Server, error) {
	if backlogSize <= 0 {
		backlogSize = defaultBacklogSize
	}
	if backlogTTL <= 0 {
		backlogTTL = defaultBacklogTTL
	}
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	return &Server{
		backlog:    db,
		backlogN:   backlogSize,
		backlogTTL: backlogTTL,
		pending:    make(map[string]pendingStream),
		results:    make(map[any]result),
		grace:      5 * time.Second,
	}, nil
}

// AddPort binds a new Port and starts accepting streams from it.
func (s *Server) AddPort(p *Port) {
	s.mu.Lock()
	s.ports = append(s.ports, p)
	s.mu.Unlock()
	go s.acceptLoop(p)
}

// RequestCall registers an intent to accept one call (spec.md §4.7).
// Pairing is first-come-first-served against both outstanding intents and
// the backlog of already-arrived, unmatched streams. Once q posts tag, the
// application retrieves the paired call with TakeResult.
func (s *Server) RequestCall(q *cq.CQ, tag any) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return ErrShutdown
	}

	if ps, ok := s.popOldestBacklogged(); ok {
		s.mu.Unlock()
		s.deliver(q, tag, ps)
		return nil
	}

	s.intents = append(s.intents, intent{cq: q, tag: tag})
	s.mu.Unlock()
	return nil
}

// TakeResult retrieves and clears the call delivered for tag. ok is false
// if tag was never delivered (or has already been taken).
func (s *Server) TakeResult(tag any) (c *call.Call, stream transport.Stream, info transport.StreamInfo, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.results[tag]
	if !found {
		return nil, nil, transport.StreamInfo{}, false
	}
	delete(s.results, tag)
	return r.call, r.stream, r.info, true
}

// popOldestBacklogged pops the longest-waiting unmatched stream, if any.
// Callers must hold s.mu.
func (s *Server) popOldestBacklogged() (pendingStream, bool) {
	if len(s.pendingKeys) == 0 {
		return pendingStream{}, false
	}
	oldestKey := s.pendingKeys[0]
	s.pendingKeys = s.pendingKeys[1:]
	ps := s.pending[oldestKey]
	delete(s.pending, oldestKey)
	_ = s.backlog.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(oldestKey)
		return err
	})
	return ps, true
}

func (s *Server) acceptLoop(p *Port) {
	for {
		stream, info, err := p.mux.Accept(context.Background())
		if err != nil {
			nlog.Warningf("server: accept loop stopping: %v", err)
			return
		}
		s.handleIncoming(stream, info)
	}
}

func (s *Server) handleIncoming(stream transport.Stream, info transport.StreamInfo) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		stream.Reset(status.New(codes.Unavailable, "server shutting down").Err())
		return
	}

	if len(s.intents) > 0 {
		next := s.intents[0]
		s.intents = s.intents[1:]
		s.mu.Unlock()
		s.deliver(next.cq, next.tag, pendingStream{stream: stream, info: info})
		return
	}

	if len(s.pending) >= s.backlogN {
		s.mu.Unlock()
		stream.Reset(status.New(codes.Unavailable, "server: unmatched-stream backlog is full").Err())
		return
	}

	key := fmt.Sprintf("%d-%s", cos.HashMethod(info.Method, info.Authority), cos.GenTie())
	s.pending[key] = pendingStream{stream: stream, info: info}
	s.pendingKeys = append(s.pendingKeys, key)
	ttl := s.backlogTTL
	s.mu.Unlock()

	_ = s.backlog.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, info.Method, &buntdb.SetOptions{Expires: true, TTL: ttl})
		return err
	})

	time.AfterFunc(ttl, func() { s.evictIfStillPending(key, stream) })
}

func (s *Server) evictIfStillPending(key string, stream transport.Stream) {
	s.mu.Lock()
	_, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
		s.removePendingKey(key)
	}
	s.mu.Unlock()
	if ok {
		stream.Reset(status.New(codes.Unavailable, "server: unmatched stream evicted after TTL").Err())
	}
}

// removePendingKey drops key from pendingKeys. Callers must hold s.mu.
func (s *Server) removePendingKey(key string) {
	for i, k := range s.pendingKeys {
		if k == key {
			s.pendingKeys = append(s.pendingKeys[:i], s.pendingKeys[i+1:]...)
			return
		}
	}
}

func (s *Server) deliver(q *cq.CQ, tag any, ps pendingStream) {
	if err := q.Reserve(tag); err != nil {
		ps.stream.Reset(status.New(codes.Unavailable, "server: completion queue rejected the new-call notification").Err())
		return
	}
	c := call.New(call.Server, ps.info.Method, ps.info.Authority, deadlineFromMillis(ps.info.DeadlineMillis))
	s.mu.Lock()
	s.results[tag] = result{call: c, stream: ps.stream, info: ps.info}
	s.mu.Unlock()
	s.activeCalls.Add(1)
	q.Post(tag, true)
}

// Forget releases the grace-period tracking for c once the application
// has observed c's final completion, the server-side counterpart to
// channel.Channel.Forget.
func (s *Server) Forget(*call.Call) {
	s.activeCalls.Done()
}

func deadlineFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return call.Infinite
	}
	return time.Now().Add(time.Duration(ms) * time.Millisecond)
}

// ShutdownAndNotify implements spec.md §4.7's two-phase shutdown: stop
// accepting new streams, fail outstanding request_call intents, wait up to
// the grace period for in-flight calls to be Forgotten, then post one
// completion on q with tag. Calls still active when the grace period ends
// are not cancelled; the completion is posted regardless.
func (s *Server) ShutdownAndNotify(q *cq.CQ, tag any) {
	s.mu.Lock()
	s.shuttingDown = true
	intents := s.intents
	s.intents = nil
	s.mu.Unlock()

	for _, in := range intents {
		_ = in.cq.Reserve(in.tag)
		in.cq.Post(in.tag, false)
	}

	go func() {
		done := make(chan struct{})
		go func() {
			s.activeCalls.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.grace):
		}
		_ = q.Reserve(tag)
		q.Post(tag, true)
	}()
}
