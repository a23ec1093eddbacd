// Package buffer implements spec.md §4.2's Byte Buffer & Slices: an opaque,
// reference-counted payload carrier the engine never interprets. The
// refcounting and pooled-arena shape is reconstructed from the teacher's
// memsys design (memsys/a_test.go's MMSA usage and transport.Extra.MMSA),
// since the teacher's own SGL/MMSA implementation was not present in the
// retrieval pack — only its test was.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/latticerpc/core/cmn/debug"
)

// arena is a size-bucketed sync.Pool, the engine's stand-in for the
// teacher's MMSA slab allocator: a small fixed set of buffer sizes, each
// backed by its own pool, so repeated sends of similarly-sized messages
// don't churn the GC.
var arena = newArena()

type sizedPool struct {
	size int
	pool sync.Pool
}

type arenaT struct {
	pools []*sizedPool // ascending by size
}

func newArena() *arenaT {
	sizes := []int{4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20}
	a := &arenaT{pools: make([]*sizedPool, len(sizes))}
	for i, sz := range sizes {
		sz := sz
		a.pools[i] = &sizedPool{size: sz, pool: sync.Pool{
			New: func() any { return make([]byte, sz) },
		}}
	}
	return a
}

func (a *arenaT) get(n int) []byte {
	for _, p := range a.pools {
		if n <= p.size {
			b := p.pool.Get().([]byte)
			return b[:n]
		}
	}
	return make([]byte, n) // larger than the biggest bucket: not pooled
}

func (a *arenaT) put(b []byte) {
	c := cap(b)
	for _, p := range a.pools {
		if c == p.size {
			p.pool.Put(b[:c])
			return
		}
	}
	// not a pooled size (borrowed slice, or an oversized allocation): drop it
}

// Slice is one reference-counted chunk of bytes (spec.md §4.2: "pointer-to-
// bytes, length, refcount-controller"). Slices are never mutated once
// shared; a send op transfers an owned reference and the caller must not
// mutate the underlying bytes during the batch's lifetime (spec.md §4.2).
type Slice struct {
	data   []byte
	refs   *int32
	pooled bool
}

// fromArena allocates a pooled Slice of length n, refcount 1.
func fromArena(n int) Slice {
	refs := int32(1)
	return Slice{data: arena.get(n), refs: &refs, pooled: true}
}

// NewFromBytes copies src into a new, independently-owned Slice. Use this
// when the caller's buffer will be reused or mutated after the call
// returns.
func NewFromBytes(src []byte) Slice {
	s := fromArena(len(src))
	copy(s.data, src)
	return s
}

// NewFromBorrowed wraps src without copying; refcount starts at 1. The
// caller transfers ownership and must not touch src again until the
// Slice's refcount drops to zero (Release has been called as many times
// as Ref/construction implies).
func NewFromBorrowed(src []byte) Slice {
	refs := int32(1)
	return Slice{data: src, refs: &refs, pooled: false}
}

// Bytes returns the underlying bytes. Do not retain beyond the Slice's
// lifetime without calling Ref first.
func (s Slice) Bytes() []byte { return s.data }

func (s Slice) Len() int { return len(s.data) }

// Ref bumps the refcount and returns s unchanged, for callers that want
// to hand the same Slice to more than one consumer (e.g. a send op whose
// completion is shared across a refcounted fan-out, mirroring the
// teacher's Obj.prc / doCmpl pattern in transport/api.go).
func (s Slice) Ref() Slice {
	if s.refs != nil {
		atomic.AddInt32(s.refs, 1)
	}
	return s
}

// Release drops one reference; once the count reaches zero the backing
// array is returned to the arena (if pooled). Calling Release more times
// than the Slice was referenced is a fatal programmer error (spec.md
// §7.4) and is caught by debug.Assert in -tags=debug builds.
func (s Slice) Release() {
	if s.refs == nil {
		return
	}
	n := atomic.AddInt32(s.refs, -1)
	debug.Assert(n >= 0, "Slice released more times than referenced")
	if n == 0 && s.pooled {
		arena.put(s.data)
	}
}
