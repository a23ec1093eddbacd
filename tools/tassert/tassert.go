// Package tassert collects the small set of assertion helpers used across
// this module's package tests, reconstructed from call sites in the
// teacher's test suite (the helper implementations themselves were not
// present in the retrieval pack, only their usages).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package tassert

import (
	"fmt"
)

// TB is the subset of testing.TB this package needs, so callers can pass
// either a *testing.T or a *testing.B (tassert.CheckFatal(b, err) appears
// in benchmark code too).
type TB interface {
	Helper()
	Fatal(args ...any)
	Error(args ...any)
}

// CheckFatal fails the test immediately if err is non-nil.
func CheckFatal(tb TB, err error) {
	tb.Helper()
	if err != nil {
		tb.Fatal(err)
	}
}

// CheckError reports (without stopping the test) if err is non-nil.
func CheckError(tb TB, err error) {
	tb.Helper()
	if err != nil {
		tb.Error(err)
	}
}

// Errorf reports a failure with a formatted message when cond is false.
func Errorf(tb TB, cond bool, format string, args ...any) {
	tb.Helper()
	if !cond {
		tb.Error(fmt.Sprintf(format, args...))
	}
}

// Fatalf stops the test immediately with a formatted message when cond is
// false.
func Fatalf(tb TB, cond bool, format string, args ...any) {
	tb.Helper()
	if !cond {
		tb.Fatal(fmt.Sprintf(format, args...))
	}
}

// SelectErr drains errCh looking for an unexpected error; desc names the
// operation under test for the failure message. If failOnErr, any error
// found stops the test; otherwise it is merely reported.
func SelectErr(tb TB, errCh <-chan error, desc string, failOnErr bool) {
	tb.Helper()
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			msg := fmt.Sprintf("%s failed: %v", desc, err)
			if failOnErr {
				tb.Fatal(msg)
			} else {
				tb.Error(msg)
			}
		}
	default:
	}
}
