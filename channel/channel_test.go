/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package channel_test

import (
	"context"
	"testing"
	"time"

	"github.com/latticerpc/core/call"
	"github.com/latticerpc/core/channel"
	"github.com/latticerpc/core/tools/tassert"
	"github.com/latticerpc/core/transport/faketransport"
)

func TestNewCallOpensStream(t *testing.T) {
	client, server := faketransport.NewMultiplexerPair()
	defer server.Close()
	ch := channel.New("localhost", client)

	c, stream, err := ch.NewCall(context.Background(), "/svc/M", call.Infinite)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, c != nil && stream != nil, "expected a non-nil call and stream")
	tassert.Errorf(t, c.Method == "/svc/M", "expected method to round-trip, got %q", c.Method)

	ch.Forget(c)
	tassert.CheckFatal(t, ch.Close())
}

func TestCloseCancelsOutstandingCalls(t *testing.T) {
	client, server := faketransport.NewMultiplexerPair()
	defer server.Close()
	ch := channel.New("localhost", client)

	c, _, err := ch.NewCall(context.Background(), "/svc/M", call.Infinite)
	tassert.CheckFatal(t, err)

	done := make(chan struct{})
	go func() {
		tassert.CheckFatal(t, ch.Close())
		close(done)
	}()

	// Close must wait for Forget; simulate the caller observing the
	// call's terminal completion shortly after Close begins cancelling.
	time.Sleep(10 * time.Millisecond)
	tassert.Errorf(t, c.Cancelled(), "expected Close to cancel outstanding calls")
	ch.Forget(c)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the last call was forgotten")
	}
}
