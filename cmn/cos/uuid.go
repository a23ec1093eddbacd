// Package cos provides common low-level types and utilities shared across
// the engine's packages.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

// alphabet for generating call/batch ids, similar in shape to the
// teacher's shortid-based daemon/UUID alphabet
const idABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

func init() {
	sid = shortid.MustNew(4 /*worker*/, idABC, uint64(time.Now().UnixNano()))
}

// GenCallID returns a short, unique shortid-based identifier of the kind
// used for engine bookkeeping — distinct from the caller-supplied, opaque
// Tag that is echoed back on CQ events (spec.md §9 "opaque pointer tags").
// call.New does not use it: Call.ID comes from call's own shortid
// generator.
func GenCallID() string {
	return sid.MustGenerate()
}

// GenTie returns a short, cheap, monotonically-varying tie-breaker, used
// when two calls would otherwise collide on a bucket key.
func GenTie() string {
	tie := rtie.Add(1)
	return strconv.FormatUint(uint64(tie), 36)
}

// HashMethod hashes a method path + authority pair into a stable bucket
// key, used by the server's backlog (server.Server) to shard unmatched
// incoming streams before they are matched to a request_call intent.
func HashMethod(method, authority string) uint64 {
	h := xxhash.New64()
	_, _ = h.WriteString(authority)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(method)
	return h.Sum64()
}
