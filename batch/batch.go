// Package batch implements spec.md §4.4's Operation Batch Executor:
// translates a Call's batch of send/recv ops into transport stream calls,
// and posts exactly one CQ event once every op in the batch has either
// succeeded or the call has entered a terminal failure. The dispatch
// shape — one goroutine per side of the call (send, recv), each working
// through its ops in order, feeding a shared "remaining ops" completion
// counter — is modeled on the teacher's Send
// Queue / Send Completion Queue pair (transport/sendmsg.go, transport/
// api.go's Obj.prc refcounted doCmpl), generalized from one stream's
// object sends to an arbitrary op batch, with golang.org/x/sync/errgroup
// standing in for the teacher's sendLoop/cmplLoop goroutine pair.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package batch

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"

	"github.com/latticerpc/core/buffer"
	"github.com/latticerpc/core/call"
	"github.com/latticerpc/core/cq"
	"github.com/latticerpc/core/mdata"
	"github.com/latticerpc/core/status"
	"github.com/latticerpc/core/transport"
)

// ErrPastDeadline is a DEADLINE_EXCEEDED status error; Submit returns it
// for a call whose deadline has already elapsed.
var ErrPastDeadline = status.New(codes.DeadlineExceeded, "batch: call deadline has already elapsed").Err()

// Op is one entry in a batch: at most one of the Send* fields is read
// (matching Op), and at most one of the Recv* pointer fields is written,
// according to Op. Output pointers may be nil if the caller doesn't care
// about that op's result (still counted for batch completion).
type Op struct {
	Op call.Op

	SendMD     *mdata.MD
	SendMsg    *buffer.Buffer
	SendFlags  buffer.Flag
	SendStatus *status.Status

	RecvMD        **mdata.MD
	RecvMsg       **buffer.Buffer
	RecvStatus    **status.Status
	RecvCancelled *bool
}

// Submit validates ops against c's state machine, advances submission
// markers, reserves tag on q, and dispatches the ops: send-side ops in
// order on one goroutine, recv-side ops in order on another. It
// returns synchronously after validation (spec.md §5: "start_batch
// returns synchronously after validation; it does NOT block on I/O") —
// dispatch and completion continue in the background.
func Submit(ctx context.Context, q *cq.CQ, c *call.Call, stream transport.Stream, ops []Op, tag any) error {
	callOps := make([]call.Op, len(ops))
	for i, o := range ops {
		callOps[i] = o.Op
	}

	if err := c.ValidateBatch(callOps); err != nil {
		return err
	}

	// A deadline already past at submit time must fail the call without
	// ever issuing a network op (SPEC_FULL.md §4.5's resolution of the
	// spec's documented DEADLINE_EXCEEDED/INTERNAL ambiguity).
	if c.IsPastDeadline() {
		return ErrPastDeadline
	}

	// Give c's deadline/cancellation a real stream to abort: without this,
	// a deadline firing mid-batch flips c's state but leaves any op already
	// blocked in the transport waiting forever (SPEC_FULL.md §4.5, §5).
	c.BindStream(stream)

	if err := q.Reserve(tag); err != nil {
		return err
	}
	c.Advance(callOps)

	if len(ops) == 0 {
		q.Post(tag, true)
		return nil
	}

	var remaining atomic.Int32
	remaining.Store(int32(len(ops)))
	var allOK atomic.Bool
	allOK.Store(true)

	complete := func(ok bool) {
		if !ok {
			allOK.Store(false)
		}
		if remaining.Add(-1) == 0 {
			q.Post(tag, allOK.Load())
		}
	}

	// Ops on the same side of a call must reach the transport in
	// submission order (spec.md §6: frames are ordered on the wire), so
	// each side is dispatched by a single goroutine working through its
	// ops sequentially; the send side and recv side of one batch still
	// run concurrently with each other, since a call sends and receives
	// independently.
	var sends, recvs []Op
	for _, op := range ops {
		if op.Op.IsSend() {
			sends = append(sends, op)
		} else {
			recvs = append(recvs, op)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(sends) > 0 {
		g.Go(func() error { dispatchSequential(gctx, c, stream, sends, complete); return nil })
	}
	if len(recvs) > 0 {
		g.Go(func() error { dispatchSequential(gctx, c, stream, recvs, complete); return nil })
	}
	go func() { _ = g.Wait() }()

	return nil
}

// dispatchSequential runs ops one at a time, in order, waiting for each
// op's own completion before issuing the next.
func dispatchSequential(ctx context.Context, c *call.Call, stream transport.Stream, ops []Op, complete func(bool)) {
	for _, op := range ops {
		done := make(chan struct{})
		dispatch(ctx, c, stream, op, func(ok bool) {
			complete(ok)
			close(done)
		})
		<-done
	}
}

func dispatch(ctx context.Context, c *call.Call, stream transport.Stream, op Op, complete func(bool)) {
	switch op.Op {
	case call.OpSendInitialMetadata:
		md := op.SendMD
		if md == nil {
			md = mdata.New()
		}
		if err := c.InjectCredentialMetadata(ctx, md); err != nil {
			complete(false)
			return
		}
		deadlineMillis := int64(0)
		if !c.IsInfinite() {
			deadlineMillis = time.Until(c.Deadline).Milliseconds()
			// 0 means "no deadline" to the transport; an elapsed finite
			// deadline is sent as the smallest positive remaining time.
			if deadlineMillis < 1 {
				deadlineMillis = 1
			}
		}
		stream.WriteHeaders(md, deadlineMillis, func(ok bool, _ error) { complete(ok) })

	case call.OpSendMessage:
		stream.WriteMessage(op.SendMsg, op.SendFlags, func(ok bool, _ error) { complete(ok) })

	case call.OpSendCloseFromClient:
		// Client half-close carries no status payload; write-trailers
		// with a nil Status is this engine's concrete encoding of
		// spec.md §6's close-from-client op atop a transport that only
		// exposes write-trailers as its terminal send primitive.
		stream.WriteTrailers(nil, func(ok bool, _ error) {
			c.MarkSendDone()
			complete(ok)
		})

	case call.OpSendTrailingStatusFromServer:
		st := op.SendStatus
		if st == nil {
			st = status.OK()
		}
		stream.WriteTrailers(st, func(ok bool, _ error) {
			c.MarkSendDone()
			complete(ok)
		})

	case call.OpRecvInitialMetadata:
		stream.ReadHeaders(func(md *mdata.MD, err error) {
			if op.RecvMD != nil {
				*op.RecvMD = md
			}
			complete(err == nil)
		})

	case call.OpRecvMessage:
		stream.ReadMessage(func(buf *buffer.Buffer, err error) {
			if op.RecvMsg != nil {
				*op.RecvMsg = buf
			}
			// spec.md §4.4: recv-message succeeds with success=true even
			// on a clean end of stream (buf == nil, err == nil).
			complete(err == nil)
		})

	case call.OpRecvStatusOnClient:
		stream.ReadTrailers(func(st *status.Status, err error) {
			if err != nil {
				st = status.FromError(err)
			}
			if op.RecvStatus != nil {
				*op.RecvStatus = st
			}
			c.MarkRecvDone()
			// recv-status-on-client always succeeds once a status is
			// determined, including a non-OK status (spec.md §4.4).
			complete(true)
		})

	case call.OpRecvCloseOnServer:
		stream.ReadTrailers(func(_ *status.Status, err error) {
			if op.RecvCancelled != nil {
				*op.RecvCancelled = err != nil
			}
			c.MarkRecvDone()
			complete(true)
		})
	}
}
