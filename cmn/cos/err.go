// Package cos provides common low-level types and utilities shared across
// the engine's packages (IDs, error aggregation, fatal-exit helpers).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"fmt"
	"net"
	"os"
	"sync"
	ratomic "sync/atomic"

	"github.com/latticerpc/core/cmn/debug"
	"github.com/latticerpc/core/cmn/nlog"
	pkgerrors "github.com/pkg/errors"
)

type (
	// ErrNotFound is returned when a call, tag, or registered handler is
	// looked up and isn't there (e.g. a pluck on an unknown tag, an
	// unregistered method path).
	ErrNotFound struct {
		what string
	}

	// Errs aggregates up to maxErrs distinct errors, e.g. when a batch's
	// receive ops fail independently but must collapse into one
	// success=false completion (spec.md §4.8 "partial-failure semantics").
	Errs struct {
		errs []error
		cnt  int64
		mu   sync.Mutex
	}
)

const maxErrs = 4

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}

func (e *ErrNotFound) Error() string { return e.what + " does not exist" }

func IsErrNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

func (e *Errs) Add(err error) {
	debug.Assert(err != nil)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, pkgerrors.WithStack(err))
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

// Error implements error; it is nil-ish (empty string) until the first Add.
func (e *Errs) Error() (s string) {
	cnt := e.Cnt()
	if cnt == 0 {
		return ""
	}
	e.mu.Lock()
	first := e.errs[0]
	e.mu.Unlock()
	if cnt > 1 {
		return fmt.Sprintf("%v (and %d more error%s)", first, cnt-1, Plural(cnt-1))
	}
	return first.Error()
}

func Plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

//
// retriable-connection classification: reports whether err is a
// connection-refused, connection-reset or broken-pipe *net.OpError. No
// package in this module calls these helpers; the core itself never
// retries (spec.md §4.8/§7).
//

func IsErrConnectionRefused(err error) bool { return errIsSyscall(err, "connection refused") }
func IsErrConnectionReset(err error) bool   { return errIsSyscall(err, "connection reset") }
func IsErrBrokenPipe(err error) bool        { return errIsSyscall(err, "broken pipe") }

func IsRetriableConnErr(err error) bool {
	return IsErrConnectionRefused(err) || IsErrConnectionReset(err) || IsErrBrokenPipe(err)
}

func errIsSyscall(err error, substr string) bool {
	var nerr *net.OpError
	if ok := asNetOpError(err, &nerr); !ok {
		return false
	}
	return nerr.Err != nil && contains(nerr.Err.Error(), substr)
}

func asNetOpError(err error, target **net.OpError) bool {
	for err != nil {
		if oe, ok := err.(*net.OpError); ok {
			*target = oe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

//
// abnormal termination — fatal programmer errors (spec.md §7.4: double
// destroy, using destroyed handles, submit after shutdown) must be
// detected and reported; they are not retried or silently swallowed.
//

const fatalPrefix = "FATAL ERROR: "

// Exitf reports an unrecoverable programmer error and terminates the
// process. It is used only for conditions the engine defines as fatal
// (spec.md §7.4), never for ordinary call-level or queue-level failures.
func Exitf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	nlog.Errorln(msg)
	_exit(msg)
}

func _exit(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
