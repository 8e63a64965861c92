// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package daemon wires the subsystems together into one running
// process: a façade that owns every component, plus suture.Supervisor
// trees for restart policy and staged shutdown.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/thejerf/suture/v4"

	"github.com/cconnectd/cconnect/lib/atomicfile"
	"github.com/cconnectd/cconnect/lib/certstore"
	"github.com/cconnectd/cconnect/lib/connections"
	"github.com/cconnectd/cconnect/lib/discovery"
	"github.com/cconnectd/cconnect/lib/events"
	"github.com/cconnectd/cconnect/lib/identity"
	"github.com/cconnectd/cconnect/lib/packet"
	"github.com/cconnectd/cconnect/lib/pairing"
	"github.com/cconnectd/cconnect/lib/plugins"
	"github.com/cconnectd/cconnect/lib/plugins/pingplugin"
	"github.com/cconnectd/cconnect/lib/registry"
	"github.com/cconnectd/cconnect/lib/tlsconn"
	"github.com/cconnectd/cconnect/lib/trustedcerts"
)

// protocolVersion is advertised in this device's identity. The count
// starts at 1 rather than claiming compatibility with any other
// implementation's revision numbering.
const protocolVersion = 1

// Config parameterizes one running daemon instance.
type Config struct {
	// Home is the per-user directory holding cert.pem, key.pem,
	// devices.json, device-id, and trusted/. Must be set by the caller;
	// cmd/cconnectd resolves it from CCONNECT_HOME.
	Home string
	// DeviceName is this device's human-readable name, advertised in
	// every identity broadcast and handshake.
	DeviceName string
	// DeviceType is one of identity.Type*. Defaults to identity.TypeDesktop.
	DeviceType string
	// Port is the shared UDP discovery / TCP control port. Defaults to
	// discovery.DefaultPort.
	Port int
}

func (c *Config) setDefaults() {
	if c.DeviceType == "" {
		c.DeviceType = identity.TypeDesktop
	}
	if c.Port == 0 {
		c.Port = discovery.DefaultPort
	}
}

// Daemon owns every subsystem for one device.
type Daemon struct {
	cfg Config
	log *slog.Logger

	self identity.Identity
	cert *certstore.Record

	registry *registry.Registry
	trusted  *trustedcerts.Store

	connBus      *events.Bus[events.ConnectionEvent]
	discoveryBus *events.Bus[events.DiscoveryEvent]
	pairingBus   *events.Bus[events.PairingEvent]

	connMgr      *connections.Manager
	discoverySvc *discovery.Service
	pairingSvc   *pairing.Service
	dispatch     *plugins.Dispatch

	tlsCfg   tlsconn.Config
	listener *tlsconn.Listener

	supDiscovery *suture.Supervisor
	supCore      *suture.Supervisor
}

// New builds every subsystem and binds the TCP listener, but starts
// nothing running; call Run to serve.
func New(cfg Config) (*Daemon, error) {
	cfg.setDefaults()
	if cfg.Home == "" {
		return nil, errors.New("daemon: Config.Home is required")
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("daemon: create home directory: %w", err)
	}

	deviceID, err := loadOrCreateDeviceID(filepath.Join(cfg.Home, "device-id"))
	if err != nil {
		return nil, err
	}

	cert, err := certstore.New(cfg.Home).LoadOrGenerate(deviceID)
	if err != nil {
		return nil, fmt.Errorf("daemon: identity: %w", err)
	}

	reg, err := registry.Open(filepath.Join(cfg.Home, "devices.json"))
	if err != nil {
		return nil, fmt.Errorf("daemon: registry: %w", err)
	}
	trustedDir := filepath.Join(cfg.Home, "trusted")
	if err := os.MkdirAll(trustedDir, 0o700); err != nil {
		return nil, fmt.Errorf("daemon: create trusted directory: %w", err)
	}
	trusted := trustedcerts.New(trustedDir)

	connBus := events.NewBus[events.ConnectionEvent]("connection")
	discoveryBus := events.NewBus[events.DiscoveryEvent]("discovery")
	pairingBus := events.NewBus[events.PairingEvent]("pairing")

	connMgr := connections.New(connections.Config{}, connBus)

	dispatch := plugins.New(connMgr)
	if err := dispatch.RegisterFactory(pingplugin.Factory{}); err != nil {
		return nil, fmt.Errorf("daemon: register ping plugin: %w", err)
	}
	incoming, outgoing := dispatch.Capabilities()

	self := identity.Identity{
		DeviceID:             deviceID,
		DeviceName:           cfg.DeviceName,
		DeviceType:           cfg.DeviceType,
		ProtocolVersion:      protocolVersion,
		TCPPort:              cfg.Port,
		IncomingCapabilities: incoming,
		OutgoingCapabilities: outgoing,
	}

	discoverySvc := discovery.New(discovery.Config{Port: cfg.Port, Self: self}, discoveryBus)
	pairingSvc := pairing.New(pairing.Config{}, reg, connMgr, connMgr, connMgr, trusted, pairingBus)

	tlsCfg := tlsconn.Config{Cert: *cert, Self: self, Trust: reg}
	listener, err := tlsconn.Listen(fmt.Sprintf(":%d", cfg.Port), tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("daemon: tcp listen: %w", err)
	}

	d := &Daemon{
		cfg:          cfg,
		log:          slog.With("component", "daemon"),
		self:         self,
		cert:         cert,
		registry:     reg,
		trusted:      trusted,
		connBus:      connBus,
		discoveryBus: discoveryBus,
		pairingBus:   pairingBus,
		connMgr:      connMgr,
		discoverySvc: discoverySvc,
		pairingSvc:   pairingSvc,
		dispatch:     dispatch,
		tlsCfg:       tlsCfg,
		listener:     listener,
		supDiscovery: suture.NewSimple("cconnectd-discovery"),
		supCore:      suture.NewSimple("cconnectd-core"),
	}

	d.supDiscovery.Add(discoverySvc)
	d.supCore.Add(acceptService{d})
	d.supCore.Add(dialService{d})
	d.supCore.Add(serviceFunc(d.pairingServe))
	d.supCore.Add(serviceFunc(d.routeConnectionEvents))
	d.supCore.Add(serviceFunc(d.routeDiscoveryEvents))
	d.supCore.Add(serviceFunc(d.routePairingEvents))

	return d, nil
}

// DeviceID returns this daemon's own device id.
func (d *Daemon) DeviceID() string { return d.self.DeviceID }

// Devices lists every device the registry has ever seen.
func (d *Daemon) Devices() []registry.Device { return d.registry.All() }

// RequestPair, AcceptPair, RejectPair, Unpair delegate to the pairing
// service, exposed at the daemon façade for an embedder to drive
// without reaching into lib/pairing directly.
func (d *Daemon) RequestPair(deviceID string) error { return d.pairingSvc.RequestPair(deviceID) }
func (d *Daemon) AcceptPair(deviceID string) error  { return d.pairingSvc.AcceptPair(deviceID) }
func (d *Daemon) RejectPair(deviceID string) error  { return d.pairingSvc.RejectPair(deviceID) }

// Unpair additionally drops the live session: the trust it was
// authenticated under is gone, and the peer sees an ordinary disconnect.
// The peer-initiated direction is handled in handlePairingEvent.
func (d *Daemon) Unpair(deviceID string) error {
	if err := d.pairingSvc.Unpair(deviceID); err != nil {
		return err
	}
	d.connMgr.Close(deviceID, nil)
	return nil
}

// Run serves every subsystem until ctx is cancelled, then performs a
// staged shutdown: stop discovery, then the rest of the core (which
// stops accepting/dialing connections), then close the connection
// manager, then flush the registry. The certificate store holds no
// live resource to release.
func (d *Daemon) Run(ctx context.Context) error {
	discCtx, cancelDisc := context.WithCancel(context.Background())
	coreCtx, cancelCore := context.WithCancel(context.Background())
	defer cancelDisc()
	defer cancelCore()

	d.connMgr.Start(d.cfg.Port)

	discErrCh := d.supDiscovery.ServeBackground(discCtx)
	coreErrCh := d.supCore.ServeBackground(coreCtx)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-discErrCh:
		runErr = fmt.Errorf("daemon: discovery supervisor exited: %w", err)
	case err := <-coreErrCh:
		runErr = fmt.Errorf("daemon: core supervisor exited: %w", err)
	}

	d.log.Info("shutting down")
	cancelDisc()
	<-discErrCh
	cancelCore()
	<-coreErrCh
	d.connMgr.Stop()
	d.listener.Close()
	if err := d.registry.Flush(); err != nil {
		d.log.Warn("failed to flush registry on shutdown", "error", err)
	}
	return runErr
}

// serviceFunc adapts a plain function to suture.Service.
type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Serve(ctx context.Context) error { return f(ctx) }

func (d *Daemon) pairingServe(ctx context.Context) error {
	return d.pairingSvc.Serve(ctx, d.connBus)
}

// acceptService runs the TCP accept loop, handing every successfully
// handshaken session to the connection manager.
type acceptService struct{ d *Daemon }

func (a acceptService) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.d.listener.Close()
	}()
	for {
		sess, peer, err := a.d.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.d.handleHandshakeFailure(err)
			continue
		}
		a.d.connMgr.AdoptSession(sess, peer)
	}
}

// dialService watches discovery for newly-seen devices and attempts an
// outbound connection to any that aren't already connected.
type dialService struct{ d *Daemon }

func (s dialService) Serve(ctx context.Context) error {
	sub, ch := s.d.discoveryBus.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			if env.Payload.Discovered != nil {
				s.d.maybeDial(ctx, env.Payload.Discovered.Info, env.Payload.Discovered.Addr)
			}
		}
	}
}

func (d *Daemon) maybeDial(ctx context.Context, info events.DeviceIdentity, addr net.Addr) {
	for _, id := range d.connMgr.ConnectedDeviceIDs() {
		if id == info.DeviceID {
			return
		}
	}
	target := net.JoinHostPort(hostOf(addr), strconv.Itoa(info.TCPPort))
	go func() {
		sess, peer, err := tlsconn.Dial(ctx, target, d.tlsCfg)
		if err != nil {
			d.handleHandshakeFailure(err)
			return
		}
		d.connMgr.AdoptSession(sess, peer)
	}()
}

func hostOf(addr net.Addr) string {
	return splitHost(addr.String())
}

func splitHost(s string) string {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return s
	}
	return host
}

// handleHandshakeFailure surfaces a pin mismatch as a security-visible
// event; every other handshake failure is logged and dropped, since a
// half-open session must never become visible.
func (d *Daemon) handleHandshakeFailure(err error) {
	var pinErr *tlsconn.PinMismatchError
	if errors.As(err, &pinErr) {
		dev, _ := d.registry.Get(pinErr.DeviceID)
		d.log.Warn("rejecting session: certificate fingerprint mismatch", "device_id", pinErr.DeviceID)
		d.connBus.Publish(events.ConnectionEvent{FingerprintMismatch: &events.FingerprintMismatch{
			DeviceID: pinErr.DeviceID, DeviceName: dev.DeviceName,
		}})
		return
	}
	d.log.Debug("handshake failed", "error", err)
}

func (d *Daemon) routeConnectionEvents(ctx context.Context) error {
	sub, ch := d.connBus.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			d.handleConnectionEvent(env.Payload)
		}
	}
}

func (d *Daemon) handleConnectionEvent(ev events.ConnectionEvent) {
	switch {
	case ev.Connected != nil:
		deviceID := ev.Connected.DeviceID
		// The post-TLS identity is authoritative: record it here so a
		// device seen only via an inbound connection, never via
		// discovery, still gets a registry entry before any pair request
		// from it is processed.
		d.registry.UpdateFromDiscovery(toSnapshot(ev.Connected.Info), splitHost(ev.Connected.RemoteAddr))
		if err := d.registry.MarkConnected(deviceID); err != nil {
			d.log.Warn("connected device unknown to registry", "device_id", deviceID, "error", err)
		}
		d.dispatch.InitDevicePlugins(deviceID, d.snapshotFor(deviceID))

	case ev.Disconnected != nil:
		deviceID := ev.Disconnected.DeviceID
		if ev.Disconnected.Reconnect {
			// Socket replacement: plugin state and cached connection
			// state are preserved.
			return
		}
		if err := d.registry.MarkDisconnected(deviceID, ev.Disconnected.Reason != nil); err != nil {
			d.log.Warn("disconnected device unknown to registry", "device_id", deviceID, "error", err)
		}
		d.dispatch.CleanupDevicePlugins(deviceID)

	case ev.SocketReplaced != nil:
		d.log.Info("socket replaced", "device_id", ev.SocketReplaced.DeviceID)

	case ev.PacketReceived != nil:
		d.handlePacketReceived(*ev.PacketReceived)

	case ev.FingerprintMismatch != nil:
		d.log.Warn("fingerprint mismatch", "device_id", ev.FingerprintMismatch.DeviceID, "device_name", ev.FingerprintMismatch.DeviceName)

	case ev.ManagerStarted != nil:
		d.log.Info("connection manager started", "port", ev.ManagerStarted.Port)

	case ev.ManagerStopped != nil:
		d.log.Info("connection manager stopped")
	}
}

// handlePacketReceived routes one packet to either the Pairing Service
// or the Plugin Dispatch Core. Pairing packets are handled by
// pairingServe's own subscription to connBus; this only has to skip them
// here to avoid acting on them twice.
func (d *Daemon) handlePacketReceived(pr events.PacketReceived) {
	if pr.Type == pairing.PacketType {
		return
	}
	body, err := json.Marshal(pr.Body)
	if err != nil {
		d.log.Warn("failed to re-marshal packet body", "device_id", pr.DeviceID, "type", pr.Type, "error", err)
		return
	}
	pkt := &packet.Packet{ID: pr.ID, Type: pr.Type, Body: body}
	snapshot := d.snapshotFor(pr.DeviceID)
	if err := d.dispatch.HandlePacket(pr.DeviceID, pkt, &snapshot); err != nil {
		d.log.Error("fatal plugin error", "device_id", pr.DeviceID, "type", pr.Type, "error", err)
	}
}

func (d *Daemon) snapshotFor(deviceID string) plugins.DeviceSnapshot {
	dev, _ := d.registry.Get(deviceID)
	return plugins.DeviceSnapshot{
		DeviceID:   deviceID,
		DeviceName: dev.DeviceName,
		DeviceType: dev.DeviceType,
		Nickname:   dev.Nickname,
	}
}

func (d *Daemon) routePairingEvents(ctx context.Context) error {
	sub, ch := d.pairingBus.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			d.handlePairingEvent(env.Payload)
		}
	}
}

// handlePairingEvent is the daemon's user-visible surface for pairing
// outcomes; an embedder wanting richer UI subscribes to the pairing bus
// itself.
func (d *Daemon) handlePairingEvent(ev events.PairingEvent) {
	switch {
	case ev.RequestReceived != nil:
		d.log.Info("pair request received", "device_id", ev.RequestReceived.DeviceID, "their_fingerprint", ev.RequestReceived.TheirFingerprint)
	case ev.Accepted != nil:
		d.log.Info("pairing accepted", "device_id", ev.Accepted.DeviceID)
	case ev.Rejected != nil:
		d.log.Info("pairing rejected", "device_id", ev.Rejected.DeviceID)
	case ev.Timeout != nil:
		d.log.Info("pairing request timed out", "device_id", ev.Timeout.DeviceID)
	case ev.Unpaired != nil:
		// Peer-initiated unpair; the session authenticated under the
		// revoked trust goes down with it.
		d.log.Info("unpaired by peer", "device_id", ev.Unpaired.DeviceID)
		d.connMgr.Close(ev.Unpaired.DeviceID, nil)
	}
}

func (d *Daemon) routeDiscoveryEvents(ctx context.Context) error {
	sub, ch := d.discoveryBus.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			d.handleDiscoveryEvent(env.Payload)
		}
	}
}

func (d *Daemon) handleDiscoveryEvent(ev events.DiscoveryEvent) {
	switch {
	case ev.Discovered != nil:
		d.registry.UpdateFromDiscovery(toSnapshot(ev.Discovered.Info), hostOf(ev.Discovered.Addr))
	case ev.Updated != nil:
		d.registry.UpdateFromDiscovery(toSnapshot(ev.Updated.Info), hostOf(ev.Updated.Addr))
	case ev.Timeout != nil:
		d.log.Info("device went stale", "device_id", ev.Timeout.DeviceID)
	}
}

func toSnapshot(info events.DeviceIdentity) registry.DiscoverySnapshot {
	return registry.DiscoverySnapshot{
		DeviceID:             info.DeviceID,
		DeviceName:           info.DeviceName,
		DeviceType:           info.DeviceType,
		ProtocolVersion:      info.ProtocolVersion,
		IncomingCapabilities: info.IncomingCapabilities,
		OutgoingCapabilities: info.OutgoingCapabilities,
	}
}

func loadOrCreateDeviceID(path string) (string, error) {
	bs, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(bs)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("daemon: read device id: %w", err)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("daemon: generate device id: %w", err)
	}
	id := hex.EncodeToString(buf)
	if err := atomicfile.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("daemon: persist device id: %w", err)
	}
	return id, nil
}
