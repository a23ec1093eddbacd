/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package call_test

import (
	"testing"
	"time"

	"github.com/latticerpc/core/call"
	"github.com/latticerpc/core/tools/tassert"
)

func TestUnaryClientBatchSequence(t *testing.T) {
	c := call.New(call.Client, "/svc/Method", "localhost", call.Infinite)

	err := c.ValidateBatch([]call.Op{call.OpSendInitialMetadata, call.OpSendMessage})
	tassert.CheckFatal(t, err)
	c.Advance([]call.Op{call.OpSendInitialMetadata, call.OpSendMessage})

	err = c.ValidateBatch([]call.Op{call.OpSendCloseFromClient})
	tassert.CheckFatal(t, err)
	c.Advance([]call.Op{call.OpSendCloseFromClient})
	c.MarkSendDone()

	err = c.ValidateBatch([]call.Op{call.OpRecvStatusOnClient})
	tassert.CheckFatal(t, err)
	c.Advance([]call.Op{call.OpRecvStatusOnClient})
	c.MarkRecvDone()

	err = c.ValidateBatch([]call.Op{call.OpRecvStatusOnClient})
	tassert.Errorf(t, err != nil, "expected a second recv-status-on-client to be rejected")
}

func TestSendMessageWithoutInitialMetadataRejected(t *testing.T) {
	c := call.New(call.Client, "/svc/Method", "localhost", call.Infinite)
	err := c.ValidateBatch([]call.Op{call.OpSendMessage})
	tassert.Errorf(t, err != nil, "expected send-message without initial metadata to be rejected")
}

func TestDuplicateOpInBatchRejected(t *testing.T) {
	c := call.New(call.Client, "/svc/Method", "localhost", call.Infinite)
	err := c.ValidateBatch([]call.Op{call.OpSendInitialMetadata, call.OpSendInitialMetadata})
	tassert.Errorf(t, err != nil, "expected duplicate op in one batch to be rejected")
}

func TestMixedDirectionOpsRejected(t *testing.T) {
	c := call.New(call.Client, "/svc/Method", "localhost", call.Infinite)
	err := c.ValidateBatch([]call.Op{call.OpSendInitialMetadata, call.OpRecvCloseOnServer})
	tassert.Errorf(t, err != nil, "expected a server-only op on a client call to be rejected")
}

func TestCancelMovesBothSidesDone(t *testing.T) {
	c := call.New(call.Client, "/svc/Method", "localhost", call.Infinite)
	c.Cancel()
	tassert.Errorf(t, c.Cancelled(), "expected Cancelled() true after Cancel")

	err := c.ValidateBatch([]call.Op{call.OpSendInitialMetadata})
	tassert.Errorf(t, err != nil, "expected send-initial-metadata after cancel to be rejected")
}

func TestCredentialsRejectedOnServerCall(t *testing.T) {
	c := call.New(call.Server, "/svc/Method", "localhost", call.Infinite)
	err := c.SetCredentials(nil)
	tassert.Errorf(t, err != nil, "expected SetCredentials on a server call to be rejected")
}

func TestCredentialsRejectedAfterInitialMetadata(t *testing.T) {
	c := call.New(call.Client, "/svc/Method", "localhost", call.Infinite)
	c.Advance([]call.Op{call.OpSendInitialMetadata})

	err := c.SetCredentials(nil)
	tassert.Errorf(t, err != nil, "expected SetCredentials after send-initial-metadata to be rejected")
}

func TestDeadlineSentinels(t *testing.T) {
	inf := call.New(call.Client, "/svc/M", "a", call.Infinite)
	tassert.Errorf(t, inf.IsInfinite(), "expected Infinite deadline to report IsInfinite")
	tassert.Errorf(t, !inf.IsPastDeadline(), "infinite deadline must never be past")

	past := call.New(call.Client, "/svc/M", "a", call.Past())
	tassert.Errorf(t, past.IsPastDeadline(), "expected Past() deadline to report IsPastDeadline")

	future := call.New(call.Client, "/svc/M", "a", time.Now().Add(time.Hour))
	tassert.Errorf(t, !future.IsPastDeadline(), "future deadline must not report IsPastDeadline")
}
