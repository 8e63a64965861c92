// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package pingplugin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cconnectd/cconnect/lib/packet"
	"github.com/cconnectd/cconnect/lib/plugins"
)

type fakeSink struct {
	sent []*packet.Packet
}

func (f *fakeSink) Send(p *packet.Packet) { f.sent = append(f.sent, p) }

func newStarted(t *testing.T) (*Instance, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	inst := Factory{}.Create().(*Instance)
	require.NoError(t, inst.Init(plugins.DeviceSnapshot{DeviceID: "dev1"}, sink))
	require.NoError(t, inst.Start())
	return inst, sink
}

func TestFactoryAdvertisesPingCapability(t *testing.T) {
	f := Factory{}
	require.Equal(t, "ping", f.Name())
	require.Equal(t, []string{PacketType}, f.IncomingCapabilities())
	require.Equal(t, []string{PacketType}, f.OutgoingCapabilities())
	require.NotSame(t, f.Create(), f.Create())
}

func TestHandlePacketCountsWithoutReplying(t *testing.T) {
	inst, sink := newStarted(t)

	for i := int64(1); i <= 3; i++ {
		p, err := packet.New(i, PacketType, pingBody{})
		require.NoError(t, err)
		require.NoError(t, inst.HandlePacket(p, nil))
		require.Equal(t, i, inst.Count())
	}
	require.Empty(t, sink.sent, "received pings must not be echoed")
}

func TestHandlePacketCountsKeepalives(t *testing.T) {
	inst, sink := newStarted(t)

	p, err := packet.New(1, PacketType, pingBody{Keepalive: true})
	require.NoError(t, err)
	require.NoError(t, inst.HandlePacket(p, nil))
	require.Equal(t, int64(1), inst.Count())
	require.Empty(t, sink.sent)
}

func TestSendPingGoesThroughOutboundSink(t *testing.T) {
	inst, sink := newStarted(t)

	require.NoError(t, inst.SendPing())
	require.Len(t, sink.sent, 1)
	require.Equal(t, PacketType, sink.sent[0].Type)
	require.NoError(t, inst.Stop())
}
