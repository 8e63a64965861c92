// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pingplugin is the reference plugin implementation: it counts
// every cconnect.ping received and can emit one on request, enough to
// exercise the full dispatch lifecycle in tests without pulling in a
// real feature plugin. Received pings are never answered with another
// ping; two devices both running this plugin would otherwise bounce a
// single ping between each other indefinitely.
package pingplugin

import (
	"sync/atomic"
	"time"

	"github.com/cconnectd/cconnect/lib/packet"
	"github.com/cconnectd/cconnect/lib/plugins"
)

// PacketType is the capability this plugin owns.
const PacketType = "cconnect.ping"

// Factory mints Instances. It owns PacketType on both the incoming and
// outgoing capability sets since a ping plugin both receives and sends
// pings.
type Factory struct{}

func (Factory) Name() string                   { return "ping" }
func (Factory) IncomingCapabilities() []string { return []string{PacketType} }
func (Factory) OutgoingCapabilities() []string { return []string{PacketType} }
func (Factory) Create() plugins.PluginInstance { return &Instance{} }

type pingBody struct {
	Keepalive bool `json:"keepalive,omitempty"`
}

// Instance is the per-device ping plugin state. The handled-packet
// counter is exposed via Count() so an integration test can observe it
// surviving a socket replacement.
type Instance struct {
	outbound plugins.OutboundSink
	count    atomic.Int64
}

func (i *Instance) Init(_ plugins.DeviceSnapshot, outbound plugins.OutboundSink) error {
	i.outbound = outbound
	return nil
}

func (i *Instance) Start() error { return nil }

func (i *Instance) Stop() error { return nil }

// HandlePacket counts the ping. Keep-alive pings (the connection
// manager's liveness probes) are counted too; a UI-bearing embedder
// would check the keepalive flag before surfacing anything.
func (i *Instance) HandlePacket(p *packet.Packet, _ *plugins.DeviceSnapshot) error {
	i.count.Add(1)
	return nil
}

// SendPing emits one user-initiated ping to the remote device through
// the outbound sink.
func (i *Instance) SendPing() error {
	pkt, err := packet.New(time.Now().UnixMilli(), PacketType, pingBody{})
	if err != nil {
		return err
	}
	i.outbound.Send(pkt)
	return nil
}

// Count returns the number of cconnect.ping packets this instance has
// handled, including keep-alives.
func (i *Instance) Count() int64 { return i.count.Load() }
