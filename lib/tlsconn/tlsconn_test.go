// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tlsconn

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cconnectd/cconnect/lib/certstore"
	"github.com/cconnectd/cconnect/lib/identity"
	"github.com/cconnectd/cconnect/lib/packet"
)

func parseLeaf(t *testing.T, rec *certstore.Record) *x509.Certificate {
	t.Helper()
	leaf, err := x509.ParseCertificate(rec.Cert.Certificate[0])
	require.NoError(t, err)
	return leaf
}

type fakeTrust struct {
	fingerprint string
	paired      bool
}

func (f fakeTrust) PinnedFingerprint(string) (string, bool) { return f.fingerprint, f.paired }

func TestDialAcceptHandshakeSucceeds(t *testing.T) {
	aRec, err := certstore.New(t.TempDir()).LoadOrGenerate("device-a")
	require.NoError(t, err)
	bRec, err := certstore.New(t.TempDir()).LoadOrGenerate("device-b")
	require.NoError(t, err)

	ln, err := Listen("127.0.0.1:0", Config{
		Cert:  *aRec,
		Self:  identity.Identity{DeviceID: "device-a", DeviceName: "A"},
		Trust: fakeTrust{},
	})
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		sess *Session
		peer identity.Identity
		err  error
	}
	acceptCh := make(chan result, 1)
	go func() {
		sess, peer, err := ln.Accept(context.Background())
		acceptCh <- result{sess, peer, err}
	}()

	dialed, peer, err := Dial(context.Background(), ln.Addr().String(), Config{
		Cert:  *bRec,
		Self:  identity.Identity{DeviceID: "device-b", DeviceName: "B"},
		Trust: fakeTrust{},
	})
	require.NoError(t, err)
	defer dialed.Close()
	require.Equal(t, "device-a", peer.DeviceID)

	accepted := <-acceptCh
	require.NoError(t, accepted.err)
	defer accepted.sess.Close()
	require.Equal(t, "device-b", accepted.peer.DeviceID)
	require.Equal(t, "device-b", accepted.sess.DeviceID)
	require.NotEmpty(t, accepted.sess.PeerFingerprint)
	require.NotEmpty(t, accepted.sess.PeerCertDER)
}

func TestSendReceivePacketRoundTrips(t *testing.T) {
	aRec, err := certstore.New(t.TempDir()).LoadOrGenerate("device-a")
	require.NoError(t, err)
	bRec, err := certstore.New(t.TempDir()).LoadOrGenerate("device-b")
	require.NoError(t, err)

	ln, err := Listen("127.0.0.1:0", Config{
		Cert:  *aRec,
		Self:  identity.Identity{DeviceID: "device-a"},
		Trust: fakeTrust{},
	})
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan *Session, 1)
	go func() {
		sess, _, err := ln.Accept(context.Background())
		require.NoError(t, err)
		acceptCh <- sess
	}()

	dialed, _, err := Dial(context.Background(), ln.Addr().String(), Config{
		Cert:  *bRec,
		Self:  identity.Identity{DeviceID: "device-b"},
		Trust: fakeTrust{},
	})
	require.NoError(t, err)
	defer dialed.Close()

	accepted := <-acceptCh
	defer accepted.Close()

	pkt, err := packet.New(1, "cconnect.ping", map[string]any{"keepalive": false})
	require.NoError(t, err)
	require.NoError(t, dialed.SendPacket(pkt))

	got, err := accepted.ReceivePacket()
	require.NoError(t, err)
	require.Equal(t, "cconnect.ping", got.Type)
}

func TestHandshakeFailsOnPinnedFingerprintMismatch(t *testing.T) {
	aRec, err := certstore.New(t.TempDir()).LoadOrGenerate("device-a")
	require.NoError(t, err)
	bRec, err := certstore.New(t.TempDir()).LoadOrGenerate("device-b")
	require.NoError(t, err)

	ln, err := Listen("127.0.0.1:0", Config{
		Cert:  *aRec,
		Self:  identity.Identity{DeviceID: "device-a"},
		Trust: fakeTrust{fingerprint: "not-the-real-fingerprint", paired: true},
	})
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		sess *Session
		err  error
	}
	acceptCh := make(chan result, 1)
	go func() {
		sess, _, err := ln.Accept(context.Background())
		acceptCh <- result{sess, err}
	}()

	_, _, dialErr := Dial(context.Background(), ln.Addr().String(), Config{
		Cert:  *bRec,
		Self:  identity.Identity{DeviceID: "device-b"},
		Trust: fakeTrust{},
	})
	require.Error(t, dialErr)

	accepted := <-acceptCh
	require.Error(t, accepted.err)
	require.Nil(t, accepted.sess)

	var pinErr *PinMismatchError
	require.True(t, errors.As(accepted.err, &pinErr))
	require.Equal(t, "device-b", pinErr.DeviceID)
	require.ErrorIs(t, accepted.err, ErrPinMismatch)
}

func TestHandshakeSucceedsWhenPinnedFingerprintMatches(t *testing.T) {
	aRec, err := certstore.New(t.TempDir()).LoadOrGenerate("device-a")
	require.NoError(t, err)
	bRec, err := certstore.New(t.TempDir()).LoadOrGenerate("device-b")
	require.NoError(t, err)

	leafFP := certstore.Fingerprint(parseLeaf(t, bRec))

	ln, err := Listen("127.0.0.1:0", Config{
		Cert:  *aRec,
		Self:  identity.Identity{DeviceID: "device-a"},
		Trust: fakeTrust{fingerprint: leafFP, paired: true},
	})
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan error, 1)
	go func() {
		sess, _, err := ln.Accept(context.Background())
		if sess != nil {
			defer sess.Close()
		}
		acceptCh <- err
	}()

	dialed, _, err := Dial(context.Background(), ln.Addr().String(), Config{
		Cert:  *bRec,
		Self:  identity.Identity{DeviceID: "device-b"},
		Trust: fakeTrust{},
	})
	require.NoError(t, err)
	defer dialed.Close()

	require.NoError(t, <-acceptCh)
}
