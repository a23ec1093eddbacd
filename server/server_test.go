/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/latticerpc/core/cq"
	"github.com/latticerpc/core/mdata"
	"github.com/latticerpc/core/server"
	"github.com/latticerpc/core/tools/tassert"
	"github.com/latticerpc/core/transport/faketransport"
)

func TestRequestCallThenIncomingStreamPairs(t *testing.T) {
	client, srvMux := faketransport.NewMultiplexerPair()
	defer client.Close()

	srv, err := server.New(0, 0)
	tassert.CheckFatal(t, err)
	srv.AddPort(server.NewPort(srvMux))

	q := cq.New("accept")
	tassert.CheckFatal(t, srv.RequestCall(q, "accept-1"))

	stream, err := client.OpenStream(context.Background(), "localhost", "/svc/M")
	tassert.CheckFatal(t, err)
	stream.WriteHeaders(nil, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := q.Pluck(ctx, "accept-1")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected request_call to succeed once a stream arrives")

	c, stream, info, ok := srv.TakeResult("accept-1")
	tassert.Fatalf(t, ok, "expected a delivered result for accept-1")
	tassert.Errorf(t, c != nil && stream != nil, "expected a non-nil call and stream")
	tassert.Errorf(t, info.Method == "/svc/M", "expected method to round-trip, got %q", info.Method)

	_, _, _, ok = srv.TakeResult("accept-1")
	tassert.Errorf(t, !ok, "expected TakeResult to clear the entry after the first take")

	srv.Forget(c)
}

func TestIncomingStreamThenRequestCallPairsFromBacklog(t *testing.T) {
	client, srvMux := faketransport.NewMultiplexerPair()
	defer client.Close()

	srv, err := server.New(0, 0)
	tassert.CheckFatal(t, err)
	srv.AddPort(server.NewPort(srvMux))

	stream, err := client.OpenStream(context.Background(), "localhost", "/svc/M")
	tassert.CheckFatal(t, err)
	stream.WriteHeaders(nil, 0, nil)

	// Give acceptLoop a chance to backlog the stream before request_call arrives.
	time.Sleep(20 * time.Millisecond)

	q := cq.New("accept")
	tassert.CheckFatal(t, srv.RequestCall(q, "accept-1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := q.Pluck(ctx, "accept-1")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected request_call to succeed by pairing with the backlogged stream")

	c, _, _, ok := srv.TakeResult("accept-1")
	tassert.Fatalf(t, ok, "expected a delivered result for accept-1")
	srv.Forget(c)
}

func TestBacklogOverflowRejectsWithUnavailable(t *testing.T) {
	client, srvMux := faketransport.NewMultiplexerPair()
	defer client.Close()

	srv, err := server.New(1, time.Minute)
	tassert.CheckFatal(t, err)
	srv.AddPort(server.NewPort(srvMux))

	first, err := client.OpenStream(context.Background(), "localhost", "/svc/First")
	tassert.CheckFatal(t, err)
	first.WriteHeaders(nil, 0, nil)
	time.Sleep(20 * time.Millisecond)

	second, err := client.OpenStream(context.Background(), "localhost", "/svc/Second")
	tassert.CheckFatal(t, err)
	second.WriteHeaders(nil, 0, nil)
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	second.ReadHeaders(func(md *mdata.MD, err error) {
		tassert.Errorf(t, err != nil, "expected reading from the overflow-rejected stream to observe a reset")
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected the second, over-capacity stream to be reset with UNAVAILABLE")
	}
}

func TestBacklogEntryEvictedAfterTTL(t *testing.T) {
	client, srvMux := faketransport.NewMultiplexerPair()
	defer client.Close()

	srv, err := server.New(0, 15*time.Millisecond)
	tassert.CheckFatal(t, err)
	srv.AddPort(server.NewPort(srvMux))

	stream, err := client.OpenStream(context.Background(), "localhost", "/svc/M")
	tassert.CheckFatal(t, err)
	stream.WriteHeaders(nil, 0, nil)

	time.Sleep(100 * time.Millisecond)

	// The backlogged stream should have been reset by TTL eviction; a
	// late request_call finds nothing to pair with and stays pending.
	q := cq.New("late")
	tassert.CheckFatal(t, srv.RequestCall(q, "late-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ev, err := q.Pluck(ctx, "late-1")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Type == cq.EventTimeout, "expected no pairing once the backlogged stream has been evicted")
}

func TestShutdownAndNotifyFailsOutstandingIntents(t *testing.T) {
	_, srvMux := faketransport.NewMultiplexerPair()

	srv, err := server.New(0, 0)
	tassert.CheckFatal(t, err)
	srv.AddPort(server.NewPort(srvMux))

	intentQ := cq.New("intent")
	tassert.CheckFatal(t, srv.RequestCall(intentQ, "never-paired"))

	shutdownQ := cq.New("shutdown")
	srv.ShutdownAndNotify(shutdownQ, "done")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := intentQ.Pluck(ctx, "never-paired")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, !ev.Success, "expected an outstanding intent to fail on shutdown")

	ev, err = shutdownQ.Pluck(ctx, "done")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected the shutdown notification to post once there are no active calls")

	err = srv.RequestCall(cq.New("after"), "too-late")
	tassert.Errorf(t, err == server.ErrShutdown, "expected request_call after shutdown to fail with ErrShutdown")
}

func TestShutdownWaitsForActiveCallsUntilForgotten(t *testing.T) {
	client, srvMux := faketransport.NewMultiplexerPair()
	defer client.Close()

	srv, err := server.New(0, 0)
	tassert.CheckFatal(t, err)
	srv.AddPort(server.NewPort(srvMux))

	q := cq.New("accept")
	tassert.CheckFatal(t, srv.RequestCall(q, "accept-1"))

	stream, err := client.OpenStream(context.Background(), "localhost", "/svc/M")
	tassert.CheckFatal(t, err)
	stream.WriteHeaders(nil, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := q.Pluck(ctx, "accept-1")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected the call to be delivered")

	c, _, _, ok := srv.TakeResult("accept-1")
	tassert.Fatalf(t, ok, "expected a delivered result")

	shutdownQ := cq.New("shutdown")
	srv.ShutdownAndNotify(shutdownQ, "done")

	// The active call hasn't been forgotten yet, so shutdown must not
	// post until the grace period elapses.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer shortCancel()
	ev, err = shutdownQ.Pluck(shortCtx, "done")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Type == cq.EventTimeout, "expected shutdown to wait while a call is still active")

	srv.Forget(c)

	ev, err = shutdownQ.Pluck(ctx, "done")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ev.Success, "expected shutdown to post once the active call was forgotten")
}
