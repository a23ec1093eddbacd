/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package call

import "sync/atomic"

// A Call's send and recv sides (Call.send / Call.recv, each an fsm over
// sideState) are advanced independently (spec.md §4.3: "States
// are independent on the send side and receive side"). Both sides share
// the same four-stage shape: Init -> Active (first metadata/message
// submitted) -> Closed (terminal send/recv op submitted) -> Done (terminal
// completion observed).
type sideState int32

const (
	stateInit sideState = iota
	stateActive
	stateClosed
	stateDone
)

// fsm wraps an atomic.Int32 and CASes every transition, the
// same "advance via CAS, assert success" idiom as the teacher's
// MsgStream.terminate.
type fsm struct {
	v atomic.Int32
}

func (f *fsm) load() sideState { return sideState(f.v.Load()) }

func (f *fsm) cas(from, to sideState) bool {
	return f.v.CompareAndSwap(int32(from), int32(to))
}

func (f *fsm) forceDone() { f.v.Store(int32(stateDone)) }
