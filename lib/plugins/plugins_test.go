// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package plugins

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cconnectd/cconnect/lib/packet"
)

type fakeSender struct {
	mu  sync.Mutex
	out []*packet.Packet
}

func (f *fakeSender) SendPacket(_ string, p *packet.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, p)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

type echoInstance struct {
	mu       sync.Mutex
	handled  int
	outbound OutboundSink
	failInit bool
	failKind PluginErrorKind
	failOn   string
}

func (e *echoInstance) Init(_ DeviceSnapshot, outbound OutboundSink) error {
	if e.failInit {
		return errors.New("boom")
	}
	e.outbound = outbound
	return nil
}
func (e *echoInstance) Start() error { return nil }
func (e *echoInstance) Stop() error  { return nil }
func (e *echoInstance) HandlePacket(p *packet.Packet, _ *DeviceSnapshot) error {
	e.mu.Lock()
	e.handled++
	e.mu.Unlock()
	if e.failOn != "" && p.Type == e.failOn {
		return &PluginError{Kind: e.failKind, Err: errors.New("plugin failure")}
	}
	reply, _ := packet.New(1, p.Type, map[string]any{})
	e.outbound.Send(reply)
	return nil
}

type echoFactory struct {
	name     string
	incoming []string
	instance *echoInstance
}

func (f *echoFactory) Name() string                   { return f.name }
func (f *echoFactory) IncomingCapabilities() []string { return f.incoming }
func (f *echoFactory) OutgoingCapabilities() []string { return f.incoming }
func (f *echoFactory) Create() PluginInstance {
	if f.instance == nil {
		f.instance = &echoInstance{}
	}
	return f.instance
}

func TestRegisterFactoryRejectsDuplicateCapability(t *testing.T) {
	d := New(&fakeSender{})
	require.NoError(t, d.RegisterFactory(&echoFactory{name: "a", incoming: []string{"cconnect.ping"}}))
	err := d.RegisterFactory(&echoFactory{name: "b", incoming: []string{"cconnect.ping"}})
	require.ErrorIs(t, err, ErrDuplicateCapability)
}

func TestHandlePacketRoutesAndEchoes(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender)
	factory := &echoFactory{name: "ping", incoming: []string{"cconnect.ping"}}
	require.NoError(t, d.RegisterFactory(factory))

	d.InitDevicePlugins("dev1", DeviceSnapshot{DeviceID: "dev1"})

	pkt, err := packet.New(1, "cconnect.ping", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, d.HandlePacket("dev1", pkt, &DeviceSnapshot{DeviceID: "dev1"}))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandlePacketRewritesLegacyPrefixOnce(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender)
	factory := &echoFactory{name: "ping", incoming: []string{"cconnect.ping"}}
	require.NoError(t, d.RegisterFactory(factory))
	d.InitDevicePlugins("dev1", DeviceSnapshot{DeviceID: "dev1"})

	pkt, err := packet.New(1, "kdeconnect.ping", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, d.HandlePacket("dev1", pkt, &DeviceSnapshot{DeviceID: "dev1"}))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandlePacketUnknownCapabilityIsDroppedNotPropagated(t *testing.T) {
	d := New(&fakeSender{})
	pkt, err := packet.New(1, "cconnect.nonexistent", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, d.HandlePacket("dev1", pkt, &DeviceSnapshot{DeviceID: "dev1"}))
}

func TestCleanupStopsInstances(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender)
	factory := &echoFactory{name: "ping", incoming: []string{"cconnect.ping"}}
	require.NoError(t, d.RegisterFactory(factory))
	d.InitDevicePlugins("dev1", DeviceSnapshot{DeviceID: "dev1"})

	d.CleanupDevicePlugins("dev1")

	pkt, err := packet.New(1, "cconnect.ping", map[string]any{})
	require.NoError(t, err)
	// After cleanup there is no instance table for dev1; handling drops
	// silently rather than erroring.
	require.NoError(t, d.HandlePacket("dev1", pkt, &DeviceSnapshot{DeviceID: "dev1"}))
	require.Equal(t, 0, sender.count())
}

func TestFatalPluginErrorStopsOnlyThatInstance(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender)
	factory := &echoFactory{name: "flaky", incoming: []string{"cconnect.flaky"}}
	require.NoError(t, d.RegisterFactory(factory))
	d.InitDevicePlugins("dev1", DeviceSnapshot{DeviceID: "dev1"})
	factory.instance.failOn = "cconnect.flaky"
	factory.instance.failKind = Fatal

	pkt, err := packet.New(1, "cconnect.flaky", map[string]any{})
	require.NoError(t, err)
	require.Error(t, d.HandlePacket("dev1", pkt, &DeviceSnapshot{DeviceID: "dev1"}))

	// A second packet finds no instance left for this plugin.
	require.NoError(t, d.HandlePacket("dev1", pkt, &DeviceSnapshot{DeviceID: "dev1"}))
}
