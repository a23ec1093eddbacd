/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teris-io/shortid"

	"github.com/latticerpc/core/cmn/debug"
	"github.com/latticerpc/core/credentials"
	"github.com/latticerpc/core/mdata"
)

// Direction distinguishes the peer that created the Call (spec.md §3,
// "A Call is exclusively owned by the peer that created it").
type Direction int

const (
	Client Direction = iota
	Server
)

// Infinite and Past are the two deadline sentinels spec.md §4.5 names.
// Infinite is the zero time.Time; Past is always before time.Now().
var Infinite = time.Time{}

func Past() time.Time { return time.Unix(0, 1) }

var (
	ErrInvalidTransition  = errors.New("call: invalid state transition for this op")
	ErrDuplicateOp        = errors.New("call: at most one of each op is allowed per batch")
	ErrMixedDirectionOps  = errors.New("call: batch mixes client-only and server-only ops")
	ErrCredsOnServerCall  = errors.New("call: credentials cannot be set on a server-side call")
	ErrCredsAfterInitialMD = errors.New("call: credentials cannot be set after send-initial-metadata has been dispatched")
	ErrChannelCredsOnCall = errors.New("call: channel credentials cannot be bound to a call")
	ErrCancelled          = errors.New("call: cancelled")
)

// resetter is the one transport.Stream method Cancel needs. Declared
// locally (rather than importing transport.Stream) so call stays the
// leaf dependency batch/channel/server already build on, not the other
// way around.
type resetter interface{ Reset(err error) }

// Call is one RPC (spec.md §3). A Call is exclusively owned by the peer
// that created it; concurrent start_batch calls on the same Call are
// undefined unless the batches operate on disjoint op-sets (spec.md §5).
type Call struct {
	ID        string
	Direction Direction
	Method    string
	Authority string
	Deadline  time.Time

	send fsm
	recv fsm

	cancelled atomic.Bool

	sentInitialMD atomic.Bool

	mu          sync.Mutex
	creds       credentials.PerCallCredentials
	boundStream resetter
}

var genID = shortid.MustNew(1, shortid.DefaultABC, 2024)

// New constructs a Call. deadline == Infinite means no deadline.
func New(dir Direction, method, authority string, deadline time.Time) *Call {
	id, err := genID.Generate()
	debug.AssertNoErr(err)
	return &Call{
		ID:        id,
		Direction: dir,
		Method:    method,
		Authority: authority,
		Deadline:  deadline,
	}
}

// IsInfinite reports whether c has no deadline.
func (c *Call) IsInfinite() bool { return c.Deadline.Equal(Infinite) }

// IsPastDeadline reports whether c's deadline has already elapsed, as of
// now. A deadline that is already past at start_batch time must fail the
// call with DEADLINE_EXCEEDED rather than issue a network op (spec.md
// §4.5, resolved in SPEC_FULL.md §4.5).
func (c *Call) IsPastDeadline() bool {
	if c.IsInfinite() {
		return false
	}
	return !c.Deadline.After(time.Now())
}

// BindStream records stream as the transport this Call drives I/O
// through, so a later Cancel (explicit, deadline-triggered, or
// channel/server shutdown-triggered) has something concrete to abort.
// Called by batch.Submit before dispatching each of a Call's batches.
func (c *Call) BindStream(stream resetter) {
	c.mu.Lock()
	c.boundStream = stream
	c.mu.Unlock()
}

// Cancel transitions both sides to Done (spec.md §4.3 "Cancellation
// transitions both sides to DONE") and resets the bound transport stream,
// so any op already blocked in the transport (a recv waiting on a frame
// that will never arrive) unblocks with an error instead of holding its
// batch's completion open forever (spec.md §4.5 "all pending ops
// complete with success=false", §5 "every outstanding batch eventually
// completes"). Idempotent.
func (c *Call) Cancel() {
	if c.cancelled.CompareAndSwap(false, true) {
		c.send.forceDone()
		c.recv.forceDone()
		c.mu.Lock()
		stream := c.boundStream
		c.mu.Unlock()
		if stream != nil {
			stream.Reset(ErrCancelled)
		}
	}
}

// Cancelled reports whether Cancel has been called (explicitly, via
// deadline expiry, or via channel/server shutdown — spec.md §4.5).
func (c *Call) Cancelled() bool { return c.cancelled.Load() }

// ValidateBatch checks ops against the legal-batch-composition rules of
// spec.md §4.3, without mutating any state. A rejected batch returns a
// specific error synchronously and produces no CQ event (spec.md §4.3,
// §4.4 step 1).
func (c *Call) ValidateBatch(ops []Op) error {
	seen := make(map[Op]bool, len(ops))
	hasSendInitialMD, hasSendMessage := false, false
	for _, op := range ops {
		if seen[op] {
			return fmt.Errorf("%w: %s", ErrDuplicateOp, op)
		}
		seen[op] = true

		if c.Direction == Client && op.isServerOnly() {
			return fmt.Errorf("%w: %s on a client call", ErrMixedDirectionOps, op)
		}
		if c.Direction == Server && op.isClientOnly() {
			return fmt.Errorf("%w: %s on a server call", ErrMixedDirectionOps, op)
		}

		switch op {
		case OpSendInitialMetadata:
			hasSendInitialMD = true
		case OpSendMessage:
			hasSendMessage = true
		}
	}

	// "send-initial-metadata must precede or be combined with the first
	// send-message" (spec.md §4.3): if this batch sends a message and the
	// send side hasn't already moved past Init, initial metadata must be
	// in this same batch.
	if hasSendMessage && !hasSendInitialMD && c.send.load() == stateInit {
		return fmt.Errorf("%w: send-message without a preceding or combined send-initial-metadata", ErrInvalidTransition)
	}

	for _, op := range ops {
		if err := c.validateOpAgainstState(op); err != nil {
			return err
		}
	}
	return nil
}

func (c *Call) validateOpAgainstState(op Op) error {
	switch op {
	case OpSendInitialMetadata:
		st := c.send.load()
		if st != stateInit {
			return fmt.Errorf("%w: %s", ErrInvalidTransition, op)
		}
	case OpSendMessage:
		st := c.send.load()
		if st == stateClosed || st == stateDone {
			return fmt.Errorf("%w: %s after send side closed", ErrInvalidTransition, op)
		}
	case OpSendCloseFromClient, OpSendTrailingStatusFromServer:
		st := c.send.load()
		if st == stateClosed || st == stateDone {
			return fmt.Errorf("%w: send side already closed", ErrInvalidTransition)
		}
	case OpRecvStatusOnClient:
		st := c.recv.load()
		if st == stateClosed || st == stateDone {
			return fmt.Errorf("%w: recv-status-on-client is terminal and already observed", ErrInvalidTransition)
		}
	case OpRecvCloseOnServer:
		st := c.recv.load()
		if st == stateClosed || st == stateDone {
			return fmt.Errorf("%w: recv-close-on-server already observed", ErrInvalidTransition)
		}
	}
	return nil
}

// Advance moves the send/recv side markers forward for an already-
// validated batch (spec.md §4.4 step 1: "advance 'submitted' markers").
// Must only be called after ValidateBatch has returned nil for the same
// ops.
func (c *Call) Advance(ops []Op) {
	for _, op := range ops {
		switch op {
		case OpSendInitialMetadata:
			ok := c.send.cas(stateInit, stateActive)
			debug.Assert(ok, "send-initial-metadata: unexpected prior state")
			c.sentInitialMD.Store(true)
		case OpSendMessage:
			if c.send.load() == stateInit {
				c.send.cas(stateInit, stateActive)
			}
		case OpSendCloseFromClient, OpSendTrailingStatusFromServer:
			prev := c.send.load()
			ok := c.send.cas(prev, stateClosed)
			debug.Assert(ok, "send-close: unexpected concurrent transition")
		case OpRecvInitialMetadata:
			c.recv.cas(stateInit, stateActive)
		case OpRecvMessage:
			if c.recv.load() == stateInit {
				c.recv.cas(stateInit, stateActive)
			}
		case OpRecvStatusOnClient, OpRecvCloseOnServer:
			prev := c.recv.load()
			ok := c.recv.cas(prev, stateClosed)
			debug.Assert(ok, "recv-close: unexpected concurrent transition")
		}
	}
}

// MarkSendDone / MarkRecvDone complete the final Closed -> Done transition
// once the batch executor has observed the terminal completion for that
// side (the terminal event: trailing status delivered/sent, or close
// observed).
func (c *Call) MarkSendDone() { c.send.cas(stateClosed, stateDone) }
func (c *Call) MarkRecvDone() { c.recv.cas(stateClosed, stateDone) }

// SetCredentials implements spec.md §4.6's set_credentials(call,
// creds|null). Legal only on client Calls and only before any
// send-initial-metadata has been dispatched (I4 covers the server-side
// rejection half of this).
func (c *Call) SetCredentials(creds credentials.PerCallCredentials) error {
	if c.Direction == Server {
		return ErrCredsOnServerCall
	}
	if creds != nil && creds.Kind() == credentials.Channel {
		return ErrChannelCredsOnCall
	}
	if c.sentInitialMD.Load() {
		return ErrCredsAfterInitialMD
	}
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	return nil
}

// Credentials returns the currently-bound per-call credentials, or nil.
func (c *Call) Credentials() credentials.PerCallCredentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// InjectCredentialMetadata mints and merges the bound credential's
// entries into md, if any credential is bound (spec.md §4.6 "Attach").
// Called by the batch executor exactly once, at the send-initial-metadata
// op.
func (c *Call) InjectCredentialMetadata(ctx context.Context, md *mdata.MD) error {
	creds := c.Credentials()
	if creds == nil {
		return nil
	}
	minted, err := creds.GetRequestMetadata(ctx, c.Authority, c.Method)
	if err != nil {
		return err
	}
	md.Merge(minted)
	return nil
}
