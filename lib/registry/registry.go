// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package registry is the in-memory + persistent catalogue of known
// devices: one record per device id, mutated under a single RWMutex and
// flushed as a whole to devices.json when a durable field changes.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cconnectd/cconnect/lib/atomicfile"
)

// PairingStatus is a device's position in the pairing state machine.
type PairingStatus string

const (
	Unpaired  PairingStatus = "unpaired"
	Requested PairingStatus = "requested"
	Paired    PairingStatus = "paired"
	Rejected  PairingStatus = "rejected"
)

// ConnectionState mirrors the connection manager's authoritative state;
// the registry only ever caches it.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Failed       ConnectionState = "failed"
)

// Device is one known-device record.
type Device struct {
	DeviceID             string          `json:"deviceId"`
	DeviceName           string          `json:"deviceName"`
	DeviceType           string          `json:"deviceType"`
	ProtocolVersion      int             `json:"protocolVersion"`
	IncomingCapabilities []string        `json:"incomingCapabilities"`
	OutgoingCapabilities []string        `json:"outgoingCapabilities"`
	Host                 string          `json:"host"`
	LastSeen             time.Time       `json:"lastSeen"`
	PairingStatus        PairingStatus   `json:"pairingStatus"`
	PeerCertFingerprint  string          `json:"peerCertFingerprint,omitempty"`
	ConnectionState      ConnectionState `json:"connectionState"`
	Nickname             string          `json:"nickname,omitempty"`
	RequirePIN           bool            `json:"requirePin,omitempty"`
}

// DiscoverySnapshot is the subset of an Identity that discovery hands to
// the registry, kept separate so registry doesn't import identity and
// create a dependency cycle with plugins/daemon wiring.
type DiscoverySnapshot struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

var (
	// ErrNotFound is returned by mutators that target an unknown device.
	ErrNotFound = errors.New("registry: unknown device")
	// ErrInvariant signals an attempted transition that would violate the
	// PairingStatus/PeerCertFingerprint invariant.
	ErrInvariant = errors.New("registry: invalid pairing/fingerprint combination")
)

// Registry is the in-memory device catalogue, written as a whole to a
// single devices.json file whenever a durable field changes and on Flush.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	path    string
	log     *slog.Logger
}

// Open loads path if it exists, or starts with an empty catalogue.
func Open(path string) (*Registry, error) {
	r := &Registry{
		devices: make(map[string]*Device),
		path:    path,
		log:     slog.With("component", "registry"),
	}
	bs, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	var list []*Device
	if err := json.Unmarshal(bs, &list); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	for _, d := range list {
		r.devices[d.DeviceID] = d
	}
	return r, nil
}

// Get returns a copy of the device record, if known.
func (r *Registry) Get(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// All returns a snapshot of every known device.
func (r *Registry) All() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// Paired returns every device whose PairingStatus is Paired.
func (r *Registry) Paired() []Device {
	return r.filter(func(d *Device) bool { return d.PairingStatus == Paired })
}

// ConnectedDevices returns every device whose cached ConnectionState is
// Connected.
func (r *Registry) ConnectedDevices() []Device {
	return r.filter(func(d *Device) bool { return d.ConnectionState == Connected })
}

func (r *Registry) filter(pred func(*Device) bool) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Device
	for _, d := range r.devices {
		if pred(d) {
			out = append(out, *d)
		}
	}
	return out
}

// UpdateFromDiscovery creates the record on first sighting or refreshes
// last-seen and capabilities on subsequent ones. The daemon also calls
// this from the post-TLS Connected handler, since an inbound connection
// is as valid a "first sighting" as a discovery broadcast. Refreshes
// from either source are never persisted, to avoid I/O churn on every
// broadcast or reconnect.
func (r *Registry) UpdateFromDiscovery(info DiscoverySnapshot, host string) Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[info.DeviceID]
	if !ok {
		d = &Device{
			DeviceID:        info.DeviceID,
			PairingStatus:   Unpaired,
			ConnectionState: Disconnected,
		}
		r.devices[info.DeviceID] = d
	}
	d.DeviceName = info.DeviceName
	d.DeviceType = info.DeviceType
	d.ProtocolVersion = info.ProtocolVersion
	d.IncomingCapabilities = info.IncomingCapabilities
	d.OutgoingCapabilities = info.OutgoingCapabilities
	d.Host = host
	d.LastSeen = time.Now()
	return *d
}

// MarkConnected sets ConnectionState to Connected. Called by the
// connection manager's event handler; the registry's ConnectionState is
// only ever a cache of the manager's authoritative state.
func (r *Registry) MarkConnected(deviceID string) error {
	return r.mutate(deviceID, func(d *Device) (persist bool, err error) {
		d.ConnectionState = Connected
		d.LastSeen = time.Now()
		return false, nil
	})
}

// MarkDisconnected sets ConnectionState to Disconnected or Failed.
func (r *Registry) MarkDisconnected(deviceID string, failed bool) error {
	return r.mutate(deviceID, func(d *Device) (bool, error) {
		if failed {
			d.ConnectionState = Failed
		} else {
			d.ConnectionState = Disconnected
		}
		return false, nil
	})
}

// UpdatePairingStatus transitions PairingStatus. Moving to any status
// other than Paired clears the pinned fingerprint, keeping the
// PairingStatus==Paired <=> fingerprint-set invariant intact.
func (r *Registry) UpdatePairingStatus(deviceID string, status PairingStatus) error {
	return r.mutate(deviceID, func(d *Device) (bool, error) {
		if status == Paired && d.PeerCertFingerprint == "" {
			return false, fmt.Errorf("%w: cannot mark paired without a pinned fingerprint", ErrInvariant)
		}
		d.PairingStatus = status
		if status != Paired {
			d.PeerCertFingerprint = ""
		}
		return true, nil
	})
}

// SetPeerFingerprint pins the peer's certificate fingerprint and marks
// the device Paired in one step.
func (r *Registry) SetPeerFingerprint(deviceID, fingerprint string) error {
	return r.mutate(deviceID, func(d *Device) (bool, error) {
		d.PeerCertFingerprint = fingerprint
		d.PairingStatus = Paired
		return true, nil
	})
}

// SetNickname renames a device locally and persists the change.
func (r *Registry) SetNickname(deviceID, nickname string) error {
	return r.mutate(deviceID, func(d *Device) (bool, error) {
		d.Nickname = nickname
		return true, nil
	})
}

// ForgetDevice removes a device entirely. This only ever happens on
// explicit user action, never automatically.
func (r *Registry) ForgetDevice(deviceID string) error {
	r.mu.Lock()
	if _, ok := r.devices[deviceID]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.devices, deviceID)
	r.mu.Unlock()
	return r.persist()
}

func (r *Registry) mutate(deviceID string, fn func(*Device) (persist bool, err error)) error {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	persist, err := fn(d)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if persist {
		return r.persist()
	}
	return nil
}

// PinnedFingerprint implements tlsconn.TrustStore: it reports the
// pinned certificate fingerprint for a Paired device, so the TLS layer
// can enforce TOFU without importing the registry's full mutator API.
func (r *Registry) PinnedFingerprint(deviceID string) (fingerprint string, paired bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok || d.PairingStatus != Paired {
		return "", false
	}
	return d.PeerCertFingerprint, true
}

// Flush forces the current catalogue to disk even without a pending
// mutation. Called during daemon shutdown.
func (r *Registry) Flush() error {
	return r.persist()
}

// persist writes the whole catalogue atomically. Failures are logged:
// the in-memory state remains authoritative and the next mutation
// retries the write.
func (r *Registry) persist() error {
	r.mu.RLock()
	list := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, *d)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].DeviceID < list[j].DeviceID })

	bs, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		r.log.Warn("failed to marshal registry", "error", err)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		r.log.Warn("failed to create registry directory", "error", err)
		return err
	}
	if err := atomicfile.WriteFile(r.path, bs, 0o600); err != nil {
		r.log.Warn("failed to persist registry", "error", err)
		return err
	}
	return nil
}
