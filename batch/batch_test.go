/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package batch_test

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/latticerpc/core/batch"
	"github.com/latticerpc/core/buffer"
	"github.com/latticerpc/core/call"
	"github.com/latticerpc/core/cq"
	"github.com/latticerpc/core/mdata"
	"github.com/latticerpc/core/status"
	"github.com/latticerpc/core/tools/tassert"
	"github.com/latticerpc/core/transport/faketransport"
)

func TestUnaryOKRoundTrip(t *testing.T) {
	clientStream, serverStream := faketransport.NewPipe()

	clientCall := call.New(call.Client, "/svc/Echo", "localhost", call.Infinite)
	serverCall := call.New(call.Server, "/svc/Echo", "localhost", call.Infinite)

	clientCQ := cq.New("client")
	serverCQ := cq.New("server")

	reqMD := mdata.New()
	reqMD.AppendString("x-req", "1")
	reqMsg := buffer.FromBytes([]byte("ping"))

	err := batch.Submit(context.Background(), clientCQ, clientCall, clientStream, []batch.Op{
		{Op: call.OpSendInitialMetadata, SendMD: reqMD},
		{Op: call.OpSendMessage, SendMsg: reqMsg},
		{Op: call.OpSendCloseFromClient},
	}, "client-send")
	tassert.CheckFatal(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := clientCQ.Pluck(ctx, "client-send")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected client send batch to succeed")

	// The server recv op set is message + close-on-server only (spec.md
	// §6); initial metadata is a transport-pairing concern the server
	// request loop hands the application directly (transport.StreamInfo),
	// so draining it here stands in for that loop.
	var recvMD *mdata.MD
	headersDone := make(chan struct{})
	serverStream.ReadHeaders(func(md *mdata.MD, err error) {
		recvMD = md
		close(headersDone)
	})
	<-headersDone

	var recvMsg *buffer.Buffer
	err = batch.Submit(context.Background(), serverCQ, serverCall, serverStream, []batch.Op{
		{Op: call.OpRecvMessage, RecvMsg: &recvMsg},
	}, "server-recv")
	tassert.CheckFatal(t, err)

	ev, err = serverCQ.Pluck(ctx, "server-recv")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected server recv batch to succeed")

	tassert.Fatalf(t, recvMD != nil, "expected initial metadata to be received")
	tassert.Errorf(t, len(recvMD.Get("x-req")) == 1, "expected x-req metadata entry to round-trip")
	tassert.Fatalf(t, recvMsg != nil, "expected message to be received")
	tassert.Errorf(t, string(recvMsg.Bytes()) == "ping", "expected message body to round-trip, got %q", string(recvMsg.Bytes()))

	// Server replies with a trailing status; client plucks it.
	okStatus := status.OK()
	err = batch.Submit(context.Background(), serverCQ, serverCall, serverStream, []batch.Op{
		{Op: call.OpSendTrailingStatusFromServer, SendStatus: okStatus},
	}, "server-send-status")
	tassert.CheckFatal(t, err)

	var recvStatus *status.Status
	err = batch.Submit(context.Background(), clientCQ, clientCall, clientStream, []batch.Op{
		{Op: call.OpRecvStatusOnClient, RecvStatus: &recvStatus},
	}, "client-recv-status")
	tassert.CheckFatal(t, err)

	ev, err = serverCQ.Pluck(ctx, "server-send-status")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected server send-status batch to succeed")

	ev, err = clientCQ.Pluck(ctx, "client-recv-status")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected client recv-status batch to succeed")
	tassert.Fatalf(t, recvStatus != nil, "expected a status to be received")
	tassert.Errorf(t, recvStatus.Code() == codes.OK, "expected OK status, got %s", recvStatus.Code())
}

func TestPastDeadlineRejectedSynchronously(t *testing.T) {
	clientStream, _ := faketransport.NewPipe()
	c := call.New(call.Client, "/svc/Echo", "localhost", call.Past())
	q := cq.New("past-deadline")

	err := batch.Submit(context.Background(), q, c, clientStream, []batch.Op{
		{Op: call.OpSendInitialMetadata},
	}, "tag")
	tassert.Errorf(t, err != nil, "expected a batch on an already-past deadline to be rejected synchronously")
}

func TestInvalidBatchProducesNoCQEvent(t *testing.T) {
	clientStream, _ := faketransport.NewPipe()
	c := call.New(call.Client, "/svc/Echo", "localhost", call.Infinite)
	q := cq.New("invalid-batch")

	err := batch.Submit(context.Background(), q, c, clientStream, []batch.Op{
		{Op: call.OpSendMessage},
	}, "tag")
	tassert.Errorf(t, err != nil, "expected send-message without initial metadata to be rejected")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ev, err := q.Pluck(ctx, "tag")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Type == cq.EventTimeout, "expected no event posted for a rejected batch")
}
