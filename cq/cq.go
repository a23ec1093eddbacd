// Package cq implements spec.md §4.1's Completion Queue: a multi-producer,
// multi-consumer async event sink that serializes notifications back to
// applications. The shape — a tag-keyed event sink fed by a reference-
// counted "reserve, then post exactly one completion" discipline — mirrors
// the teacher's Send Queue / Send Completion Queue pair in
// transport/api.go and transport/sendmsg.go, generalized from one stream's
// object sends to an arbitrary caller-chosen tag space.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/latticerpc/core/cmn/debug"
)

// EventType distinguishes an ordinary op-complete notification from the
// one terminal event a queue ever produces after Shutdown (spec.md §3).
type EventType int

const (
	EventOpComplete EventType = iota
	EventQueueShutdown
	// EventTimeout is returned (not enqueued) when Next/Pluck's context
	// deadline elapses with no matching event ready (spec.md §4.1).
	EventTimeout
)

func (t EventType) String() string {
	switch t {
	case EventOpComplete:
		return "op-complete"
	case EventQueueShutdown:
		return "queue-shutdown"
	case EventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Event is one notification. Tag identity is preserved bit-exact (spec.md
// I5) — Event never copies or re-derives Tag, it is the same value handed
// to Reserve/Post.
type Event struct {
	Tag     any
	Success bool
	Type    EventType
}

var ErrOverlappingPluck = errors.New("cq: overlapping pluck for the same tag is not permitted")

// CQ is the Completion Queue. Zero value is not usable; construct with New.
type CQ struct {
	name string

	mu   sync.Mutex
	cond *sync.Cond

	queue   []Event      // FIFO for untargeted Next() consumers
	present *cuckoo.Filter // fast "maybe queued" pre-check keyed by tag, see present()

	plucking map[any]struct{} // tags with an in-flight Pluck (I: at most one)

	outstanding int  // submissions Reserve'd but not yet Post'd (I2 bookkeeping)
	shutdown    bool // Shutdown() has been called; no new Reserve permitted
	drained     bool // shutdown && outstanding == 0: terminal state reached

	metrics *metrics
}

// New creates a CQ. name is used only for metrics labels.
func New(name string) *CQ {
	cq := &CQ{
		name:     name,
		present:  cuckoo.NewFilter(1024),
		plucking: make(map[any]struct{}),
		metrics:  newMetrics(name),
	}
	cq.cond = sync.NewCond(&cq.mu)
	return cq
}

// Reserve records an intent to post exactly one event under tag later
// (spec.md: "each tag passed to start_batch/request_call/
// shutdown_and_notify produces exactly one event"). It must be called
// before the corresponding async work is allowed to run, and exactly one
// Post must eventually follow with the same tag. Reserve fails if the
// queue has already been asked to Shutdown.
func (cq *CQ) Reserve(tag any) error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.shutdown {
		return errors.New("cq: submit after shutdown")
	}
	cq.outstanding++
	cq.metrics.depth.Set(float64(cq.outstanding))
	_ = tag // only the count of reservations is kept, not the tag itself
	return nil
}

// Post delivers the one completion owed for tag (I2), by appending it to
// the FIFO and waking every blocked Next/Pluck to re-check. A direct
// tag->waiter handoff was considered (and is what the teacher's per-
// stream completion channel effectively gives you for free with a single
// consumer) but with multiple concurrent Pluckers a handoff initiated
// outside the lock races a Pluck that is simultaneously timing out,
// either losing the event or delivering it to nobody; appending under the
// lock and letting every waiter re-scan keeps delivery exactly-once
// without that race.
func (cq *CQ) Post(tag any, success bool) {
	ev := Event{Tag: tag, Success: success, Type: EventOpComplete}

	cq.mu.Lock()
	debug.Assert(cq.outstanding > 0, "cq: Post without a matching Reserve")
	cq.outstanding--
	cq.metrics.depth.Set(float64(cq.outstanding))
	cq.metrics.posted.Inc()

	cq.queue = append(cq.queue, ev)
	cq.present.Insert(tagKey(tag))
	if cq.shutdown && cq.outstanding == 0 {
		cq.drained = true
	}
	cq.mu.Unlock()
	cq.cond.Broadcast()
}

// Shutdown marks the queue so no further Reserve succeeds (idempotent).
// Outstanding work still posts its owed completion; only once every
// reservation has been satisfied does the queue start handing out
// EventQueueShutdown.
func (cq *CQ) Shutdown() {
	cq.mu.Lock()
	if cq.shutdown {
		cq.mu.Unlock()
		return
	}
	cq.shutdown = true
	if cq.outstanding == 0 {
		cq.drained = true
	}
	cq.metrics.shutdowns.Inc()
	cq.mu.Unlock()
	cq.cond.Broadcast()
}

// Next blocks until an event is ready, ctx is done, or the queue has
// fully drained after Shutdown. There is no ordering guarantee across
// distinct tags (spec.md §4.1).
func (cq *CQ) Next(ctx context.Context) (Event, error) {
	stop := cq.wakeOnDone(ctx)
	defer stop()

	cq.mu.Lock()
	defer cq.mu.Unlock()
	for {
		if len(cq.queue) > 0 {
			ev := cq.queue[0]
			cq.queue = cq.queue[1:]
			cq.present.Delete(tagKey(ev.Tag))
			return ev, nil
		}
		if cq.drained {
			return Event{Type: EventQueueShutdown}, nil
		}
		if err := ctx.Err(); err != nil {
			return Event{Type: EventTimeout}, nil
		}
		cq.cond.Wait()
	}
}

// Pluck blocks until the event for tag is ready, ctx is done, or the
// queue has drained. At most one outstanding Pluck per distinct tag is
// permitted (spec.md §4.1); a second concurrent Pluck on the same tag
// returns ErrOverlappingPluck immediately rather than exhibiting
// undefined behavior.
func (cq *CQ) Pluck(ctx context.Context, tag any) (Event, error) {
	cq.mu.Lock()
	if _, already := cq.plucking[tag]; already {
		cq.mu.Unlock()
		return Event{}, ErrOverlappingPluck
	}
	cq.plucking[tag] = struct{}{}
	cq.mu.Unlock()

	defer func() {
		cq.mu.Lock()
		delete(cq.plucking, tag)
		cq.mu.Unlock()
	}()

	stop := cq.wakeOnDone(ctx)
	defer stop()

	cq.mu.Lock()
	defer cq.mu.Unlock()
	for {
		if cq.present.Lookup(tagKey(tag)) {
			for i, ev := range cq.queue {
				if ev.Tag == tag {
					cq.queue = append(cq.queue[:i], cq.queue[i+1:]...)
					cq.present.Delete(tagKey(tag))
					return ev, nil
				}
			}
			// false positive from the filter: tag isn't actually queued,
			// fall through to waiting below
		}
		if cq.drained {
			return Event{Type: EventQueueShutdown}, nil
		}
		if err := ctx.Err(); err != nil {
			return Event{Type: EventTimeout}, nil
		}
		cq.cond.Wait()
	}
}

// wakeOnDone returns a stop func; while active, it broadcasts on cq.cond
// whenever ctx is done, so blocked Next/Pluck callers re-check ctx.Err()
// promptly instead of only on the next unrelated Post/Shutdown. This is
// the standard bridge between sync.Cond (no native context support) and
// context.Context deadlines/cancellation.
func (cq *CQ) wakeOnDone(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cq.cond.Broadcast()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func tagKey(tag any) []byte {
	return []byte(fmt.Sprintf("%v", tag))
}
