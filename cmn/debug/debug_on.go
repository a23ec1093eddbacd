//go:build debug

// Package debug provides invariant-checking helpers that compile away
// to no-ops unless the caller builds with -tags=debug.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"sync"
)

func ON() bool { return true }

func Func(f func()) { f() }

func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
	}
}

func AssertFunc(f func() bool, args ...any) { Assert(f(), args...) }

func AssertNoErr(err error) {
	if err != nil {
		panic("assertion failed: " + err.Error())
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}

// AssertMutexLocked best-effort checks that mu is currently held.
// sync.Mutex exposes no public API for this; TryLock is the only signal
// available without unsafe tricks, so the check is advisory only.
func AssertMutexLocked(mu *sync.Mutex) {
	Assert(!mu.TryLock())
}

func AssertRWMutexLocked(mu *sync.RWMutex) {
	Assert(!mu.TryLock())
}

func AssertRWMutexRLocked(mu *sync.RWMutex) {
	locked := !mu.TryLock()
	Assert(locked)
	if !locked {
		mu.Unlock()
	}
}
