/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package http2transport_test

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
	"github.com/latticerpc/core/transport"
	"github.com/latticerpc/core/transport/http2transport"
)

func TestUnaryOKRoundTripOverHTTP2(t *testing.T) {
	ln, err := http2transport.Listen("127.0.0.1:0")
	tassert.CheckFatal(t, err)
	defer ln.Close()

	client, err := http2transport.Dial(ln.Addr().String())
	tassert.CheckFatal(t, err)
	defer client.Close()

	clientStream, err := client.OpenStream(context.Background(), "localhost", "/svc/Echo")
	tassert.CheckFatal(t, err)

	type acceptResult struct {
		stream transport.Stream
		info   transport.StreamInfo
		err    error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s, info, acceptErr := ln.Accept(ctx)
		acceptCh <- acceptResult{stream: s, info: info, err: acceptErr}
	}()

	clientCall := call.New(call.Client, "/svc/Echo", "localhost", call.Infinite)
	clientCQ := cq.New("http2-client")

	reqMD := mdata.New()
	reqMD.AppendString("x-req", "1")
	reqMsg := buffer.FromBytes([]byte("ping"))

	err = batch.Submit(context.Background(), clientCQ, clientCall, clientStream, []batch.Op{
		{Op: call.OpSendInitialMetadata, SendMD: reqMD},
		{Op: call.OpSendMessage, SendMsg: reqMsg},
		{Op: call.OpSendCloseFromClient},
	}, "client-send")
	tassert.CheckFatal(t, err)

	var accepted acceptResult
	select {
	case accepted = <-acceptCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted the incoming stream")
	}
	tassert.CheckFatal(t, accepted.err)
	serverStream := accepted.stream

	serverCall := call.New(call.Server, "/svc/Echo", "localhost", call.Infinite)
	serverCQ := cq.New("http2-server")

	// The server recv op set is message + close-on-server only (spec.md
	// §6); initial metadata arrived with the Accept pairing itself
	// (accepted.info.InitialMD), the way the server request loop hands
	// it to the application (spec.md §4.7).
	var recvMsg *buffer.Buffer
	err = batch.Submit(context.Background(), serverCQ, serverCall, serverStream, []batch.Op{
		{Op: call.OpRecvMessage, RecvMsg: &recvMsg},
	}, "server-recv")
	tassert.CheckFatal(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := clientCQ.Pluck(ctx, "client-send")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected the client send batch to succeed")

	ev, err = serverCQ.Pluck(ctx, "server-recv")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected the server recv batch to succeed")
	recvMD := accepted.info.InitialMD
	tassert.Fatalf(t, recvMD != nil, "expected initial metadata to arrive")
	tassert.Errorf(t, len(recvMD.Get("x-req")) == 1, "expected x-req to round-trip over the wire")
	tassert.Fatalf(t, recvMsg != nil, "expected the message to arrive")
	tassert.Errorf(t, string(recvMsg.Bytes()) == "ping", "expected message body to round-trip, got %q", string(recvMsg.Bytes()))

	err = batch.Submit(context.Background(), serverCQ, serverCall, serverStream, []batch.Op{
		{Op: call.OpSendTrailingStatusFromServer, SendStatus: status.OK()},
	}, "server-send-status")
	tassert.CheckFatal(t, err)

	var recvStatus *status.Status
	err = batch.Submit(context.Background(), clientCQ, clientCall, clientStream, []batch.Op{
		{Op: call.OpRecvStatusOnClient, RecvStatus: &recvStatus},
	}, "client-recv-status")
	tassert.CheckFatal(t, err)

	ev, err = serverCQ.Pluck(ctx, "server-send-status")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected the server send-status batch to succeed")

	ev, err = clientCQ.Pluck(ctx, "client-recv-status")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected the client recv-status batch to succeed")
	tassert.Fatalf(t, recvStatus != nil, "expected a status to be received")
	tassert.Errorf(t, recvStatus.Code() == codes.OK, "expected OK, got %s", recvStatus.Code())
}
