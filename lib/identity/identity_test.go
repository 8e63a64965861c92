// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cconnectd/cconnect/lib/packet"
)

func sample() Identity {
	return Identity{
		DeviceID:             "dev-1",
		DeviceName:           "My Phone",
		DeviceType:           TypePhone,
		ProtocolVersion:      1,
		TCPPort:              1716,
		IncomingCapabilities: []string{"cconnect.ping"},
		OutgoingCapabilities: []string{"cconnect.ping", "cconnect.battery"},
	}
}

func TestToPacketFromPacketRoundTrip(t *testing.T) {
	id := sample()
	p, err := id.ToPacket(42)
	require.NoError(t, err)
	require.Equal(t, PacketType, p.Type)

	got, err := FromPacket(p)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestFromPacketRejectsWrongType(t *testing.T) {
	p, err := packet.New(1, "cconnect.ping", map[string]any{})
	require.NoError(t, err)

	_, err = FromPacket(p)
	require.Error(t, err)
}

func TestEqualIgnoresCapabilityOrder(t *testing.T) {
	a := sample()
	b := sample()
	b.OutgoingCapabilities = []string{"cconnect.battery", "cconnect.ping"}
	require.True(t, a.Equal(b))
}

func TestEqualDetectsFieldChange(t *testing.T) {
	a := sample()
	b := sample()
	b.DeviceName = "Renamed Phone"
	require.False(t, a.Equal(b))
}

func TestEqualDetectsCapabilityCountChange(t *testing.T) {
	a := sample()
	b := sample()
	b.OutgoingCapabilities = []string{"cconnect.ping"}
	require.False(t, a.Equal(b))
}

func TestToEventProjection(t *testing.T) {
	id := sample()
	ev := id.ToEvent()
	require.Equal(t, id.DeviceID, ev.DeviceID)
	require.Equal(t, id.DeviceName, ev.DeviceName)
	require.Equal(t, id.TCPPort, ev.TCPPort)
	require.ElementsMatch(t, id.IncomingCapabilities, ev.IncomingCapabilities)
	require.ElementsMatch(t, id.OutgoingCapabilities, ev.OutgoingCapabilities)
}
