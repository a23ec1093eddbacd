// Package http2transport is the reference transport.Multiplexer/Stream
// implementation spec.md §6 describes: one HTTP/2 stream per Call
// (golang.org/x/net/http2), a HEADERS frame carrying initial metadata and
// the wire deadline, DATA frames carrying messages, and a final HEADERS
// frame (net/http's Trailer mechanism) carrying the trailing status.
// Unlike faketransport (tests only), this is the transport a real
// Channel/Server pair dials/listens with.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package http2transport

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"

	"github.com/latticerpc/core/buffer"
	"github.com/latticerpc/core/mdata"
)

const (
	// timeoutHeader carries the remaining deadline in milliseconds,
	// literally implementing spec.md §6's grpc-timeout-equivalent header
	// (absent means no deadline, never 0-means-infinite).
	timeoutHeader = "X-Rpc-Timeout-Ms"

	// mdHeaderPrefix namespaces application metadata entries so they don't
	// collide with ordinary HTTP headers; every metadata value travels
	// base64-encoded regardless of whether the key is "-bin"-suffixed,
	// sidestepping net/http's restrictions on header value bytes.
	mdHeaderPrefix = "X-Rpc-Md-"

	// Trailer field names, sent via net/http's TrailerPrefix convention so
	// the server need not pre-declare them before writing the response
	// header.
	statusCodeTrailer    = "X-Rpc-Status-Code"
	statusMessageTrailer = "X-Rpc-Status-Message"

	frameFlagCompressed byte = 1 << 0
)

// mdToHeader encodes md's entries as HTTP headers, preserving per-key
// order (spec.md §3: ordering is only promised for identical keys, which
// http.Header's []string-per-key storage keeps intact).
func mdToHeader(md *mdata.MD, h http.Header) {
	for _, e := range md.Entries() {
		h.Add(mdHeaderPrefix+e.Key, base64.StdEncoding.EncodeToString(e.Value))
	}
}

// headerToMD decodes the metadata entries mdToHeader encoded, dropping
// everything else (transport-level headers the engine never interprets).
func headerToMD(h http.Header) *mdata.MD {
	md := mdata.New()
	for k, vv := range h {
		if !strings.HasPrefix(k, mdHeaderPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(k, mdHeaderPrefix))
		for _, v := range vv {
			raw, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				continue
			}
			md.Append(key, raw)
		}
	}
	return md
}

// deadlineMillisFromHeader parses timeoutHeader; 0 means absent/no
// deadline, matching transport.StreamInfo.DeadlineMillis's convention.
func deadlineMillisFromHeader(h http.Header) int64 {
	v := h.Get(timeoutHeader)
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	if ms == 0 {
		return 1 // a present header of 0 is an elapsed deadline, not "none"
	}
	return ms
}

// writeFrame encodes one message as [1-byte flags][4-byte big-endian
// length][payload], compressing first when flags requests it (spec.md
// §4.4's one interpreted per-op flag; buffer/compress.go does the actual
// lz4 work).
func writeFrame(w io.Writer, buf *buffer.Buffer, flags buffer.Flag) error {
	var frameFlags byte
	payload := buf
	if flags&buffer.FlagCompress != 0 {
		compressed, err := buffer.Compress(buf)
		if err != nil {
			return fmt.Errorf("http2transport: compress: %w", err)
		}
		payload = compressed
		frameFlags |= frameFlagCompressed
	}

	var hdr [5]byte
	hdr[0] = frameFlags
	binary.BigEndian.PutUint32(hdr[1:], uint32(payload.Len()))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, s := range payload.Slices() {
		if _, err := w.Write(s.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// readFrame decodes one writeFrame-encoded message. It returns (nil, nil)
// on a clean io.EOF at a frame boundary, matching
// transport.ReadMessageCallback's "stream ended cleanly" contract.
func readFrame(r io.Reader) (*buffer.Buffer, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	buf := buffer.FromBytes(payload)
	if hdr[0]&frameFlagCompressed != 0 {
		return buffer.Decompress(buf)
	}
	return buf, nil
}

// codeToHeaderValue/codeFromHeaderValue round-trip a grpc/codes.Code through a
// trailer header value; codes.Code already implements Stringer, but
// String() returns names like "NotFound" which codes.Code has no reverse
// parser for, so the wire form is the plain integer instead.
func codeToHeaderValue(c codes.Code) string { return strconv.Itoa(int(c)) }

func codeFromHeaderValue(v string) codes.Code {
	n, err := strconv.Atoi(v)
	if err != nil {
		return codes.Unknown
	}
	return codes.Code(n)
}
