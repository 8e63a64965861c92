// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package events

import "net"

// DeviceIdentity is the minimal identity projection carried on events;
// it mirrors the wire identity body without pulling in the packet
// package, to avoid an import cycle.
type DeviceIdentity struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	TCPPort              int
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

// --- Discovery family ---

type DeviceDiscovered struct {
	Info DeviceIdentity
	Addr net.Addr
}

type DeviceUpdated struct {
	Info DeviceIdentity
	Addr net.Addr
}

// DeviceTimeout is emitted when a device has not been heard from in the
// configured staleness window. It does not imply registry deletion.
type DeviceTimeout struct {
	DeviceID string
}

type DiscoveryEvent struct {
	Discovered *DeviceDiscovered
	Updated    *DeviceUpdated
	Timeout    *DeviceTimeout
}

// --- Connection family ---

// Connected carries the post-TLS identity exchanged during the
// handshake: this identity is authoritative and supersedes anything
// learned about the device from discovery.
type Connected struct {
	DeviceID   string
	RemoteAddr string
	Info       DeviceIdentity
}

type Disconnected struct {
	DeviceID  string
	Reason    error
	Reconnect bool // true iff this is a socket-replacement, not a real disconnect
}

type PacketReceived struct {
	DeviceID   string
	ID         int64
	Type       string
	Body       map[string]any
	RemoteAddr string
}

type SocketReplaced struct {
	DeviceID string
}

type ManagerStarted struct {
	Port int
}

type ManagerStopped struct{}

// FingerprintMismatch is the user-visible surface for a TOFU pin
// violation.
type FingerprintMismatch struct {
	DeviceID   string
	DeviceName string
}

type ConnectionEvent struct {
	Connected           *Connected
	Disconnected        *Disconnected
	PacketReceived      *PacketReceived
	SocketReplaced      *SocketReplaced
	ManagerStarted      *ManagerStarted
	ManagerStopped      *ManagerStopped
	FingerprintMismatch *FingerprintMismatch
}

// --- Pairing family ---

type PairRequestReceived struct {
	DeviceID        string
	TheirFingerprint string
}

type PairingAccepted struct {
	DeviceID string
}

type PairingRejected struct {
	DeviceID string
}

type PairingTimeout struct {
	DeviceID string
}

type DeviceUnpaired struct {
	DeviceID string
}

type PairingEvent struct {
	RequestReceived *PairRequestReceived
	Accepted        *PairingAccepted
	Rejected        *PairingRejected
	Timeout         *PairingTimeout
	Unpaired        *DeviceUnpaired
}
