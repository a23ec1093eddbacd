// Package main is a minimal echo service exercising the whole engine end
// to end: an http2transport Listener/ClientConn pair, a Server pairing
// request_call intents with incoming streams, a Channel minting client
// Calls, and an Operation Batch Executor driving both sides of one RPC.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/latticerpc/core/batch"
	"github.com/latticerpc/core/buffer"
	"github.com/latticerpc/core/call"
	"github.com/latticerpc/core/channel"
	"github.com/latticerpc/core/cmn/cos"
	"github.com/latticerpc/core/cmn/nlog"
	"github.com/latticerpc/core/cq"
	"github.com/latticerpc/core/credentials/jwtcred"
	"github.com/latticerpc/core/mdata"
	"github.com/latticerpc/core/server"
	"github.com/latticerpc/core/status"
	"github.com/latticerpc/core/transport"
	"github.com/latticerpc/core/transport/http2transport"
)

const echoMethod = "/echo.Echo/Say"

var (
	addr       string
	configPath string
)

func init() {
	flag.StringVar(&addr, "addr", "127.0.0.1:0", "address the echo server listens on")
	flag.StringVar(&configPath, "config", "", "optional JSON config file (backlog_size, backlog_ttl, ...)")
}

func main() {
	flag.Parse()
	installSignalHandler()

	cfg, err := cos.LoadConfig(configPath)
	if err != nil {
		nlog.Errorf("echod: config load failed: %v", err)
		os.Exit(1)
	}

	ln, err := http2transport.Listen(addr)
	if err != nil {
		nlog.Errorf("echod: listen failed: %v", err)
		os.Exit(1)
	}
	defer ln.Close()
	nlog.Infof("echod: listening on %s", ln.Addr())

	srv, err := server.New(cfg.BacklogSize, cfg.BacklogTTL)
	if err != nil {
		nlog.Errorf("echod: server.New failed: %v", err)
		os.Exit(1)
	}
	srv.AddPort(server.NewPort(ln))
	go serveLoop(srv)

	if err := runClient(ln.Addr().String()); err != nil {
		nlog.Errorf("echod: client round trip failed: %v", err)
		os.Exit(1)
	}
	nlog.Infoln("echod: round trip succeeded")
}

// serveLoop repeatedly registers a request_call intent and, once the
// completion queue reports the pairing, hands that one call off to its
// own goroutine so the loop can go back to accepting the next caller.
func serveLoop(srv *server.Server) {
	q := cq.New("echod-server")
	var n int
	for {
		n++
		tag := n
		if err := srv.RequestCall(q, tag); err != nil {
			nlog.Warningf("echod: request_call stopped: %v", err)
			return
		}
		ev, err := q.Next(context.Background())
		if err != nil {
			nlog.Warningf("echod: completion queue stopped: %v", err)
			return
		}
		if !ev.Success {
			continue
		}
		c, stream, _, ok := srv.TakeResult(ev.Tag)
		if !ok {
			continue
		}
		go serveCall(srv, c, stream)
	}
}

// serveCall reads the request, echoes the message back as the response,
// and closes the call with an OK status.
func serveCall(srv *server.Server, c *call.Call, stream transport.Stream) {
	defer srv.Forget(c)

	q := cq.New("echod-call")
	var reqMsg *buffer.Buffer
	err := batch.Submit(context.Background(), q, c, stream, []batch.Op{
		{Op: call.OpRecvMessage, RecvMsg: &reqMsg},
	}, "recv")
	if err != nil {
		nlog.Warningf("echod: recv batch rejected: %v", err)
		return
	}
	if ev, err := q.Pluck(context.Background(), "recv"); err != nil || !ev.Success {
		nlog.Warningf("echod: recv failed: err=%v success=%v", err, ev.Success)
		return
	}

	respMD := mdata.New()
	respMD.AppendString("served-by", "echod")
	err = batch.Submit(context.Background(), q, c, stream, []batch.Op{
		{Op: call.OpSendInitialMetadata, SendMD: respMD},
		{Op: call.OpSendMessage, SendMsg: reqMsg},
		{Op: call.OpSendTrailingStatusFromServer, SendStatus: status.OK()},
	}, "send")
	if err != nil {
		nlog.Warningf("echod: send batch rejected: %v", err)
		return
	}
	if ev, err := q.Pluck(context.Background(), "send"); err != nil || !ev.Success {
		nlog.Warningf("echod: send failed: err=%v success=%v", err, ev.Success)
	}
}

// runClient dials target, calls echoMethod once with a signed bearer
// token attached via call credentials, and verifies the echoed reply.
func runClient(target string) error {
	conn, err := http2transport.Dial(target)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch := channel.New("localhost", conn)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, stream, err := ch.NewCall(ctx, echoMethod, call.Infinite)
	if err != nil {
		return err
	}
	defer ch.Forget(c)
	if err := c.SetCredentials(jwtcred.New([]byte("echod-demo-key"), time.Minute)); err != nil {
		return err
	}

	q := cq.New("echod-client")
	reqMD := mdata.New()
	reqMD.AppendString("x-demo", "1")
	reqMsg := buffer.FromBytes([]byte("hello from echod"))

	err = batch.Submit(ctx, q, c, stream, []batch.Op{
		{Op: call.OpSendInitialMetadata, SendMD: reqMD},
		{Op: call.OpSendMessage, SendMsg: reqMsg},
		{Op: call.OpSendCloseFromClient},
	}, "send")
	if err != nil {
		return err
	}

	var respMsg *buffer.Buffer
	var respStatus *status.Status
	err = batch.Submit(ctx, q, c, stream, []batch.Op{
		{Op: call.OpRecvInitialMetadata},
		{Op: call.OpRecvMessage, RecvMsg: &respMsg},
		{Op: call.OpRecvStatusOnClient, RecvStatus: &respStatus},
	}, "recv")
	if err != nil {
		return err
	}

	if ev, err := q.Pluck(ctx, "send"); err != nil || !ev.Success {
		return fmt.Errorf("send batch failed: err=%v success=%v", err, ev.Success)
	}
	if ev, err := q.Pluck(ctx, "recv"); err != nil || !ev.Success {
		return fmt.Errorf("recv batch failed: err=%v success=%v", err, ev.Success)
	}

	if respStatus != nil {
		nlog.Infof("echod: final status %s", respStatus.Code())
	}
	if respMsg != nil {
		nlog.Infof("echod: echoed back %q", string(respMsg.Bytes()))
	}
	if respMsg == nil || string(respMsg.Bytes()) != string(reqMsg.Bytes()) {
		return fmt.Errorf("echoed reply does not match the request")
	}
	return nil
}

func installSignalHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		nlog.Infoln("echod: signal received, exiting")
		os.Exit(0)
	}()
}
