// Package credentials implements spec.md §4.6's Credential Binding: the
// capability, consumed by the call engine, to request metadata entries for
// an outbound call given its authority and method. Token minting itself
// (TLS, bearer schemes) is explicitly out of the engine's scope (spec.md
// §1) — this package only defines the interface the engine depends on,
// plus one concrete provider (jwtcred) so the engine is runnable
// standalone.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package credentials

import (
	"context"

	"github.com/latticerpc/core/mdata"
)

// Kind distinguishes channel credentials (establish transport security,
// illegal on a Call) from call credentials (inject auth metadata per
// call, spec.md §3 "Credential"). set_credentials on a Call rejects Kind
// == Channel (spec.md §4.6).
type Kind int

const (
	Call Kind = iota
	Channel
)

// PerCallCredentials mints metadata entries for one outbound call. The
// engine invokes GetRequestMetadata once per send-initial-metadata op,
// merging the returned entries into the outbound initial metadata (spec.md
// §4.6 "Attach"). A non-nil error fails the send-initial-metadata op, so
// its batch completes with success=false and no headers are written; the
// engine does not turn the error into an UNAUTHENTICATED call status.
type PerCallCredentials interface {
	Kind() Kind
	GetRequestMetadata(ctx context.Context, authority, method string) (*mdata.MD, error)
}
