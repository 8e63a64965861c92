// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package plugins is the capability-driven dispatch core and the
// contract every plugin satisfies: a factory registry, a per-device
// instance table populated on connect and torn down on disconnect, and
// the routing of received packets to the instance owning their type.
package plugins

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cconnectd/cconnect/lib/packet"
)

// LegacyPrefix is rewritten to CurrentPrefix exactly once per lookup.
const (
	LegacyPrefix  = "kdeconnect."
	CurrentPrefix = "cconnect."
)

var (
	// ErrDuplicateCapability is returned by RegisterFactory when two
	// factories claim the same incoming capability.
	ErrDuplicateCapability = errors.New("plugins: capability already owned by another factory")
	// ErrUnknownCapability names the case where no plugin owns a packet's
	// type, even after the legacy-prefix retry. HandlePacket logs and
	// drops such packets and does not return this error.
	ErrUnknownCapability = errors.New("plugins: no plugin registered for capability")
	// ErrNoInstance names the case where the capability is known but no
	// instance exists for this device (it is not connected, or that plugin
	// failed init). HandlePacket logs and drops such packets and does not
	// return this error.
	ErrNoInstance = errors.New("plugins: no instance for device")
)

// PluginErrorKind classifies an error returned from a plugin lifecycle
// method.
type PluginErrorKind int

const (
	Recoverable PluginErrorKind = iota
	UserActionRequired
	Fatal
)

// PluginError wraps a plugin failure with its classification. Plugins
// should return one of these from Init/Start/Stop/HandlePacket; a plain
// error is treated as Recoverable.
type PluginError struct {
	Kind PluginErrorKind
	Err  error
}

func (e *PluginError) Error() string { return e.Err.Error() }
func (e *PluginError) Unwrap() error { return e.Err }

func kindOf(err error) PluginErrorKind {
	var pe *PluginError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Recoverable
}

// DeviceSnapshot is the minimal device context handed to a plugin
// instance at Init and on every HandlePacket call.
type DeviceSnapshot struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	Nickname   string
}

// OutboundSink is the write end plugins use to emit packets
// spontaneously. It is one-way so plugins hold no reference to the
// connection manager and the manager holds none to plugins.
type OutboundSink interface {
	Send(p *packet.Packet)
}

// PluginInstance is the contract every plugin satisfies.
type PluginInstance interface {
	Init(device DeviceSnapshot, outbound OutboundSink) error
	Start() error
	Stop() error
	HandlePacket(p *packet.Packet, device *DeviceSnapshot) error
}

// PluginFactory mints fresh PluginInstances and advertises the
// capability sets it owns.
type PluginFactory interface {
	Name() string
	IncomingCapabilities() []string
	OutgoingCapabilities() []string
	Create() PluginInstance
}

// Sender delivers a packet over a device's current control session.
// connections.Manager satisfies this.
type Sender interface {
	SendPacket(deviceID string, p *packet.Packet) error
}

type deviceInstances struct {
	mu        sync.Mutex // serializes HandlePacket per device so instances need no internal locking
	instances map[string]PluginInstance
	queue     *outboundQueue
}

// Dispatch routes received packets to plugin instances.
type Dispatch struct {
	sender Sender
	log    *slog.Logger

	mu            sync.RWMutex // guards factories/capabilityMap (writers are registration-time only)
	factories     map[string]PluginFactory
	capabilityMap map[string]string // packet type -> plugin name

	devicesMu sync.RWMutex // guards devices; lookups in HandlePacket take the read side
	devices   map[string]*deviceInstances
}

// New builds an empty Dispatch. sender is where drained outbound
// packets are routed (typically a connections.Manager).
func New(sender Sender) *Dispatch {
	return &Dispatch{
		sender:        sender,
		log:           slog.With("component", "plugins"),
		factories:     make(map[string]PluginFactory),
		capabilityMap: make(map[string]string),
		devices:       make(map[string]*deviceInstances),
	}
}

// RegisterFactory adds factory to the registry. Registering a factory
// whose incoming capability is already owned by another factory is an
// error and leaves the registry unchanged.
func (d *Dispatch) RegisterFactory(factory PluginFactory) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, capability := range factory.IncomingCapabilities() {
		if owner, ok := d.capabilityMap[capability]; ok {
			return fmt.Errorf("%w: %q already owned by %q", ErrDuplicateCapability, capability, owner)
		}
	}
	d.factories[factory.Name()] = factory
	for _, capability := range factory.IncomingCapabilities() {
		d.capabilityMap[capability] = factory.Name()
	}
	return nil
}

// InitDevicePlugins creates one fresh instance per registered factory
// for deviceID, calling Init then Start on each. A factory whose
// instance fails Init or Start is logged and omitted; the rest still
// run.
func (d *Dispatch) InitDevicePlugins(deviceID string, snapshot DeviceSnapshot) {
	d.mu.RLock()
	names := make([]string, 0, len(d.factories))
	for name := range d.factories {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic init order, useful for tests and logs

	di := &deviceInstances{instances: make(map[string]PluginInstance), queue: newOutboundQueue()}
	for _, name := range names {
		factory := d.factories[name]
		inst := factory.Create()
		if err := inst.Init(snapshot, di.queue); err != nil {
			d.log.Warn("plugin init failed, omitting", "device_id", deviceID, "plugin", name, "error", err)
			continue
		}
		if err := inst.Start(); err != nil {
			d.log.Warn("plugin start failed, omitting", "device_id", deviceID, "plugin", name, "error", err)
			continue
		}
		di.instances[name] = inst
	}
	d.mu.RUnlock()

	go di.queue.drain(d.sender, deviceID, d.log)

	d.devicesMu.Lock()
	d.devices[deviceID] = di
	d.devicesMu.Unlock()
}

// CleanupDevicePlugins stops and drops every instance for deviceID.
// Called only on a genuine disconnect; a socket replacement must never
// reach this.
func (d *Dispatch) CleanupDevicePlugins(deviceID string) {
	d.devicesMu.Lock()
	di, ok := d.devices[deviceID]
	delete(d.devices, deviceID)
	d.devicesMu.Unlock()
	if !ok {
		return
	}

	di.mu.Lock()
	for name, inst := range di.instances {
		if err := inst.Stop(); err != nil {
			d.log.Warn("plugin stop failed", "device_id", deviceID, "plugin", name, "error", err)
		}
	}
	di.mu.Unlock()
	di.queue.close()
}

// HandlePacket routes p to the plugin instance owning its type for
// deviceID. Protocol errors (unknown capability, no instance) are
// logged and dropped, never propagated; only a Fatal PluginError is
// returned to the caller.
func (d *Dispatch) HandlePacket(deviceID string, p *packet.Packet, device *DeviceSnapshot) error {
	name, ok := d.lookupCapability(p.Type)
	if !ok {
		d.log.Warn("dropping packet with unknown capability", "device_id", deviceID, "type", p.Type)
		return nil
	}

	d.devicesMu.RLock()
	di, ok := d.devices[deviceID]
	d.devicesMu.RUnlock()
	if !ok {
		d.log.Warn("dropping packet for device with no initialized plugins", "device_id", deviceID, "type", p.Type)
		return nil
	}

	di.mu.Lock()
	inst, ok := di.instances[name]
	di.mu.Unlock()
	if !ok {
		d.log.Warn("dropping packet: plugin not instantiated for device", "device_id", deviceID, "plugin", name)
		return nil
	}

	di.mu.Lock()
	err := inst.HandlePacket(p, device)
	di.mu.Unlock()
	if err == nil {
		return nil
	}

	switch kindOf(err) {
	case Fatal:
		d.log.Error("plugin returned fatal error, stopping instance", "device_id", deviceID, "plugin", name, "error", err)
		d.stopOne(deviceID, name)
		return err
	case UserActionRequired:
		d.log.Warn("plugin requires user action", "device_id", deviceID, "plugin", name, "error", err)
	default:
		d.log.Info("plugin reported recoverable error", "device_id", deviceID, "plugin", name, "error", err)
	}
	return nil
}

func (d *Dispatch) stopOne(deviceID, name string) {
	d.devicesMu.RLock()
	di, ok := d.devices[deviceID]
	d.devicesMu.RUnlock()
	if !ok {
		return
	}
	di.mu.Lock()
	inst, ok := di.instances[name]
	if ok {
		delete(di.instances, name)
	}
	di.mu.Unlock()
	if ok {
		_ = inst.Stop()
	}
}

// Capabilities reports the union of every registered factory's incoming
// and outgoing capability sets, sorted. The daemon folds this into the
// advertised identity body instead of requiring a hand-maintained
// list.
func (d *Dispatch) Capabilities() (incoming, outgoing []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for typ := range d.capabilityMap {
		incoming = append(incoming, typ)
	}
	seen := make(map[string]bool)
	for _, factory := range d.factories {
		for _, typ := range factory.OutgoingCapabilities() {
			if !seen[typ] {
				seen[typ] = true
				outgoing = append(outgoing, typ)
			}
		}
	}
	sort.Strings(incoming)
	sort.Strings(outgoing)
	return incoming, outgoing
}

// lookupCapability resolves a packet type to a plugin name, retrying
// once with the legacy prefix rewritten.
func (d *Dispatch) lookupCapability(typ string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if name, ok := d.capabilityMap[typ]; ok {
		return name, true
	}
	if strings.HasPrefix(typ, LegacyPrefix) {
		rewritten := CurrentPrefix + strings.TrimPrefix(typ, LegacyPrefix)
		if name, ok := d.capabilityMap[rewritten]; ok {
			return name, true
		}
	}
	return "", false
}
