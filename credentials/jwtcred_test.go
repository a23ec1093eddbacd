/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package jwtcred_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/latticerpc/core/call"
	"github.com/latticerpc/core/credentials"
	"github.com/latticerpc/core/credentials/jwtcred"
	"github.com/latticerpc/core/mdata"
	"github.com/latticerpc/core/tools/tassert"
)

func TestGetRequestMetadataMintsBearerToken(t *testing.T) {
	creds := jwtcred.New([]byte("test-signing-key"), time.Minute)
	md, err := creds.GetRequestMetadata(context.Background(), "localhost", "/svc/Method")
	tassert.CheckFatal(t, err)

	vals := md.Get("authorization")
	tassert.Fatalf(t, len(vals) == 1, "expected exactly one authorization entry, got %d", len(vals))
	tassert.Errorf(t, strings.HasPrefix(string(vals[0]), "Bearer "), "expected a Bearer-prefixed token")
}

func TestSetCredentialsOverrideAndClear(t *testing.T) {
	c := call.New(call.Client, "/svc/Method", "localhost", call.Infinite)

	first := jwtcred.New([]byte("key-one"), time.Minute)
	tassert.CheckFatal(t, c.SetCredentials(first))
	tassert.Errorf(t, c.Credentials() == credentials.PerCallCredentials(first), "expected Credentials() to return the just-bound creds")

	second := jwtcred.New([]byte("key-two"), time.Minute)
	tassert.CheckFatal(t, c.SetCredentials(second))
	tassert.Errorf(t, c.Credentials() == credentials.PerCallCredentials(second), "expected override to replace the prior binding")

	tassert.CheckFatal(t, c.SetCredentials(nil))
	tassert.Errorf(t, c.Credentials() == nil, "expected clear (SetCredentials(nil)) to remove the binding")
}

func TestInjectCredentialMetadataNoopWithoutBinding(t *testing.T) {
	c := call.New(call.Client, "/svc/Method", "localhost", call.Infinite)
	md := mdata.New()
	err := c.InjectCredentialMetadata(context.Background(), md)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, md.Len() == 0, "expected no metadata injected when no credential is bound")
}

func TestInjectCredentialMetadataMergesMintedEntries(t *testing.T) {
	c := call.New(call.Client, "/svc/Method", "localhost", call.Infinite)
	tassert.CheckFatal(t, c.SetCredentials(jwtcred.New([]byte("key"), time.Minute)))

	md := mdata.New()
	md.AppendString("x-existing", "v")
	err := c.InjectCredentialMetadata(context.Background(), md)
	tassert.CheckFatal(t, err)

	tassert.Errorf(t, len(md.Get("x-existing")) == 1, "expected prior entries preserved")
	tassert.Errorf(t, len(md.Get("authorization")) == 1, "expected minted authorization entry merged in")
}
