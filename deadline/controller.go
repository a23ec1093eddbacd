// Package deadline implements spec.md §4.5's Deadline & Cancellation
// Controller. The shape is a direct generalization of the teacher's
// stream collector (transport/collect.go: a container/heap min-heap of
// pending work driven by a single goroutine and a timer/ticker, with an
// add/remove control channel) from the teacher's coarse idle-tick
// granularity to exact one-shot absolute deadlines, which an RPC's
// few-second agreement requirement (spec P3) demands.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package deadline

import (
	"container/heap"
	"sync"
	"time"

	"github.com/latticerpc/core/call"
)

// Canceller is anything with a deadline-driven Cancel, satisfied by
// *call.Call.
type Canceller interface {
	Cancel()
}

type entry struct {
	deadline time.Time
	target   Canceller
	index    int // heap.Interface bookkeeping
	cancelled bool
}

// entryHeap is a min-heap ordered by soonest deadline, mirroring the
// teacher's collector.heap (container/heap over *streamBase ordered by
// remaining ticks).
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type addReq struct {
	e *entry
}

type removeReq struct {
	e    *entry
	done chan struct{}
}

// Controller runs one goroutine that fires Cancel on whichever registered
// Canceller's deadline elapses soonest, sleeping exactly until that
// instant (a time.Timer reset per iteration) rather than polling on a
// fixed tick.
type Controller struct {
	addCh    chan addReq
	removeCh chan removeReq
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New starts a Controller. Call Stop when done to release its goroutine.
func New() *Controller {
	c := &Controller{
		addCh:    make(chan addReq),
		removeCh: make(chan removeReq),
		stopCh:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Register arranges for target.Cancel() to fire no later than deadline
// (spec.md §4.5: "Cancellation sources: ... deadline expiry"). Infinite
// deadlines (the zero time.Time) are never registered — callers should
// check call.Call.IsInfinite() before calling Register. A past deadline
// fires on the very next controller tick rather than being rejected here;
// SPEC_FULL.md §4.5 resolves the ambiguous synchronous case (a deadline
// already past at start_batch time) at the batch layer, not here.
// Register returns a handle to pass to Unregister once the target
// reaches a terminal state on its own.
func (c *Controller) Register(deadline time.Time, target Canceller) *entry {
	e := &entry{deadline: deadline, target: target}
	select {
	case c.addCh <- addReq{e: e}:
	case <-c.stopCh:
	}
	return e
}

// Unregister removes e if it hasn't already fired. Safe to call multiple
// times and after e has already fired (a no-op in that case) — this is
// how a Call that reached its terminal state by normal completion (not
// deadline expiry) stops the controller from needlessly cancelling it
// later.
func (c *Controller) Unregister(e *entry) {
	if e == nil {
		return
	}
	done := make(chan struct{})
	select {
	case c.removeCh <- removeReq{e: e, done: done}:
		<-done
	case <-c.stopCh:
	}
}

// Stop shuts down the controller's goroutine. Idempotent.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Controller) run() {
	defer c.wg.Done()

	var h entryHeap
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}
	timerActive := false

	resetTimer := func() {
		if timerActive && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerActive = false
		if len(h) == 0 {
			return
		}
		d := time.Until(h[0].deadline)
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
		timerActive = true
	}

	for {
		select {
		case req := <-c.addCh:
			heap.Push(&h, req.e)
			resetTimer()

		case req := <-c.removeCh:
			if req.e.index >= 0 && req.e.index < len(h) && h[req.e.index] == req.e {
				heap.Remove(&h, req.e.index)
				resetTimer()
			}
			close(req.done)

		case <-timer.C:
			timerActive = false
			now := time.Now()
			for len(h) > 0 && !h[0].deadline.After(now) {
				e := heap.Pop(&h).(*entry)
				e.cancelled = true
				e.target.Cancel()
			}
			resetTimer()

		case <-c.stopCh:
			return
		}
	}
}

var _ Canceller = (*call.Call)(nil)
