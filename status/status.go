// Package status carries a call's terminal result: a code from the closed
// set in spec.md §6, a details string, and trailing metadata. It reuses
// google.golang.org/grpc/codes verbatim instead of re-declaring an
// equivalent enum, since the set spec.md §6 enumerates is exactly that
// package's Code values.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package status

import (
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/latticerpc/core/mdata"
)

// Status is the Data Model's Status tuple (spec.md §3): code, details,
// trailing metadata. Unlike grpc/status.Status it also threads the
// engine's own ordered Metadata type, since spec.md requires order to be
// preserved for repeated keys end-to-end.
type Status struct {
	code     codes.Code
	details  string
	trailers mdata.MD
}

// New builds a Status. code must be one of the values in codes.Code;
// there is no validation beyond what the codes package itself enforces.
func New(code codes.Code, details string) *Status {
	return &Status{code: code, details: details}
}

// OK is the canonical success status with empty details/trailers.
func OK() *Status { return New(codes.OK, "") }

func (s *Status) Code() codes.Code     { return s.code }
func (s *Status) Details() string      { return s.details }
func (s *Status) Trailers() mdata.MD   { return s.trailers }
func (s *Status) SetTrailers(md mdata.MD) { s.trailers = md }

func (s *Status) IsOK() bool { return s.code == codes.OK }

func (s *Status) Error() string {
	if s.IsOK() {
		return ""
	}
	return fmt.Sprintf("rpc error: code = %s desc = %s", s.code, s.details)
}

// Err returns nil for OK, else an error wrapping this Status via
// grpc/status so callers that expect a grpc-shaped error (status.FromError)
// keep working across the transport boundary.
func (s *Status) Err() error {
	if s.IsOK() {
		return nil
	}
	return grpcstatus.Error(s.code, s.details)
}

// FromError maps an arbitrary error into a Status. Errors that already
// carry a grpc status (including ones produced by Err above) round-trip
// exactly; anything else becomes codes.Unknown, matching grpc/status's
// own FromError contract.
func FromError(err error) *Status {
	if err == nil {
		return OK()
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return New(codes.Unknown, err.Error())
	}
	return New(st.Code(), st.Message())
}
