// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package identity holds the device identity wire body shared
// by discovery (UDP) and the pre/post-TLS handshake exchange (TCP), so
// neither pulls in the other's package.
package identity

import (
	"slices"

	"github.com/cconnectd/cconnect/lib/events"
	"github.com/cconnectd/cconnect/lib/packet"
)

// PacketType is the distinguished identity packet type.
const PacketType = "cconnect.identity"

// Identity carries the full device identity fields.
type Identity struct {
	DeviceID             string   `json:"deviceId"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	ProtocolVersion      int      `json:"protocolVersion"`
	TCPPort              int      `json:"tcpPort"`
	IncomingCapabilities []string `json:"incomingCapabilities"`
	OutgoingCapabilities []string `json:"outgoingCapabilities"`
}

// Device type values.
const (
	TypeDesktop = "desktop"
	TypeLaptop  = "laptop"
	TypePhone   = "phone"
	TypeTablet  = "tablet"
	TypeTV      = "tv"
)

// ToPacket wraps id as a cconnect.identity packet.
func (id Identity) ToPacket(packetID int64) (*packet.Packet, error) {
	return packet.New(packetID, PacketType, id)
}

// FromPacket extracts the identity body of p, which must be of
// PacketType.
func FromPacket(p *packet.Packet) (Identity, error) {
	var id Identity
	if p.Type != PacketType {
		return id, errMismatch{p.Type}
	}
	if err := packet.UnmarshalBody(p, &id); err != nil {
		return id, err
	}
	return id, nil
}

type errMismatch struct{ got string }

func (e errMismatch) Error() string {
	return "identity: expected " + PacketType + " packet, got " + e.got
}

// Equal reports whether two identities advertise the same fields, used
// by discovery to decide DeviceDiscovered vs DeviceUpdated. Capability
// order is not significant.
func (id Identity) Equal(other Identity) bool {
	return id.DeviceID == other.DeviceID &&
		id.DeviceName == other.DeviceName &&
		id.DeviceType == other.DeviceType &&
		id.ProtocolVersion == other.ProtocolVersion &&
		id.TCPPort == other.TCPPort &&
		sameSet(id.IncomingCapabilities, other.IncomingCapabilities) &&
		sameSet(id.OutgoingCapabilities, other.OutgoingCapabilities)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	ac, bc := slices.Clone(a), slices.Clone(b)
	slices.Sort(ac)
	slices.Sort(bc)
	return slices.Equal(ac, bc)
}

// ToEvent projects an Identity into the events package's transport-free
// snapshot type.
func (id Identity) ToEvent() events.DeviceIdentity {
	return events.DeviceIdentity{
		DeviceID:             id.DeviceID,
		DeviceName:           id.DeviceName,
		DeviceType:           id.DeviceType,
		ProtocolVersion:      id.ProtocolVersion,
		TCPPort:              id.TCPPort,
		IncomingCapabilities: id.IncomingCapabilities,
		OutgoingCapabilities: id.OutgoingCapabilities,
	}
}
