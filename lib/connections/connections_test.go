// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cconnectd/cconnect/lib/certstore"
	"github.com/cconnectd/cconnect/lib/events"
	"github.com/cconnectd/cconnect/lib/identity"
	"github.com/cconnectd/cconnect/lib/packet"
	"github.com/cconnectd/cconnect/lib/tlsconn"
)

// alwaysUnpaired never pins a fingerprint, so the TLS layer's TOFU check
// always accepts; enough to exercise the handshake in tests without a
// prior pairing ceremony.
type alwaysUnpaired struct{}

func (alwaysUnpaired) PinnedFingerprint(string) (string, bool) { return "", false }

func dialPair(t *testing.T, aID, bID string) (*tlsconn.Session, *tlsconn.Session) {
	t.Helper()
	dir := t.TempDir()

	aRec, err := certstore.New(dir).LoadOrGenerate(aID)
	require.NoError(t, err)
	bRec, err := certstore.New(t.TempDir()).LoadOrGenerate(bID)
	require.NoError(t, err)

	aIdentity := identity.Identity{DeviceID: aID, DeviceName: "A", ProtocolVersion: 8}
	bIdentity := identity.Identity{DeviceID: bID, DeviceName: "B", ProtocolVersion: 8}

	ln, err := tlsconn.Listen("127.0.0.1:0", tlsconn.Config{
		Cert:  *aRec,
		Self:  aIdentity,
		Trust: alwaysUnpaired{},
	})
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		sess *tlsconn.Session
		err  error
	}
	acceptCh := make(chan result, 1)
	go func() {
		sess, _, err := ln.Accept(context.Background())
		acceptCh <- result{sess, err}
	}()

	dialed, _, err := tlsconn.Dial(context.Background(), ln.Addr().String(), tlsconn.Config{
		Cert:  *bRec,
		Self:  bIdentity,
		Trust: alwaysUnpaired{},
	})
	require.NoError(t, err)

	accepted := <-acceptCh
	require.NoError(t, accepted.err)

	return accepted.sess, dialed
}

func TestAdoptSessionEmitsConnected(t *testing.T) {
	serverSide, clientSide := dialPair(t, "device-a", "device-b")
	defer clientSide.Close()

	bus := events.NewBus[events.ConnectionEvent]("connections-test")
	sub, ch := bus.Subscribe()
	defer sub.Unsubscribe()

	mgr := New(Config{Clock: clockwork.NewFakeClock()}, bus)
	mgr.AdoptSession(serverSide, identity.Identity{DeviceID: "device-b", DeviceName: "Bob's Phone", ProtocolVersion: 8})

	select {
	case env := <-ch:
		require.NotNil(t, env.Payload.Connected)
		require.Equal(t, "device-b", env.Payload.Connected.DeviceID)
		require.Equal(t, "Bob's Phone", env.Payload.Connected.Info.DeviceName)
		require.Equal(t, 8, env.Payload.Connected.Info.ProtocolVersion)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connected event")
	}

	require.ElementsMatch(t, []string{"device-b"}, mgr.ConnectedDeviceIDs())
}

func TestSendPacketRoundTrips(t *testing.T) {
	serverSide, clientSide := dialPair(t, "device-a", "device-b")
	bus := events.NewBus[events.ConnectionEvent]("connections-test")

	clientBus := events.NewBus[events.ConnectionEvent]("client-test")
	clientSub, clientCh := clientBus.Subscribe()
	defer clientSub.Unsubscribe()

	serverMgr := New(Config{Clock: clockwork.NewFakeClock()}, bus)
	serverMgr.AdoptSession(serverSide, identity.Identity{DeviceID: "device-b"})

	clientMgr := New(Config{Clock: clockwork.NewFakeClock()}, clientBus)
	clientMgr.AdoptSession(clientSide, identity.Identity{DeviceID: "device-a"})
	<-clientCh // Connected from the client adoption

	pkt, err := packetPing()
	require.NoError(t, err)
	require.NoError(t, serverMgr.SendPacket("device-b", pkt))

	select {
	case env := <-clientCh:
		require.NotNil(t, env.Payload.PacketReceived)
		require.Equal(t, "cconnect.ping", env.Payload.PacketReceived.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PacketReceived event")
	}
}

func TestSendPacketUnknownDevice(t *testing.T) {
	bus := events.NewBus[events.ConnectionEvent]("connections-test")
	mgr := New(Config{Clock: clockwork.NewFakeClock()}, bus)
	pkt, err := packetPing()
	require.NoError(t, err)
	require.ErrorIs(t, mgr.SendPacket("nobody", pkt), ErrDeviceNotConnected)
}

func TestSocketReplacementEmitsReplacedNotDisconnected(t *testing.T) {
	firstServer, firstClient := dialPair(t, "device-a", "device-b")
	defer firstClient.Close()
	secondServer, secondClient := dialPair(t, "device-a", "device-b")
	defer secondClient.Close()

	bus := events.NewBus[events.ConnectionEvent]("connections-test")
	sub, ch := bus.Subscribe()
	defer sub.Unsubscribe()

	mgr := New(Config{Clock: clockwork.NewFakeClock()}, bus)
	mgr.AdoptSession(firstServer, identity.Identity{DeviceID: "device-b"})
	<-ch // Connected from the first adoption

	mgr.AdoptSession(secondServer, identity.Identity{DeviceID: "device-b"})

	select {
	case env := <-ch:
		require.NotNil(t, env.Payload.SocketReplaced)
		require.Equal(t, "device-b", env.Payload.SocketReplaced.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SocketReplaced event")
	}

	require.ElementsMatch(t, []string{"device-b"}, mgr.ConnectedDeviceIDs())
}

func packetPing() (*packet.Packet, error) {
	return packet.New(1, "cconnect.ping", map[string]any{"keepalive": false})
}
