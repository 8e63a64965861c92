// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pairing is the request/accept/reject state machine that
// establishes mutual trust between two devices: a small per-device
// state table driven by inbound packets and local calls, with a
// clockwork-driven timeout per pending entry.
package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cconnectd/cconnect/lib/events"
	"github.com/cconnectd/cconnect/lib/packet"
	"github.com/cconnectd/cconnect/lib/registry"
	"github.com/cconnectd/cconnect/lib/trustedcerts"
)

// PacketType is the pairing control packet.
const PacketType = "cconnect.pair"

var (
	// ErrNotFound is returned when acting on a device the registry has
	// never seen (e.g. no prior discovery or connection).
	ErrNotFound = errors.New("pairing: unknown device")
	// ErrNoPendingRequest is returned by AcceptPair/RejectPair when there
	// is no incoming request awaiting a local decision.
	ErrNoPendingRequest = errors.New("pairing: no pending incoming request")
	// ErrRequestInFlight is returned by RequestPair when one is already
	// outstanding for this device.
	ErrRequestInFlight = errors.New("pairing: request already in flight")
	// ErrNotConnected is returned when the action needs the current
	// session's peer fingerprint but no session is live.
	ErrNotConnected = errors.New("pairing: device not connected")
	// ErrNotPaired is returned by Unpair on a device that isn't Paired.
	ErrNotPaired = errors.New("pairing: device not paired")
)

// direction records which side initiated a Requested pairing, since
// registry.Registry only tracks the unified Requested status; the
// direction lives only in this service's memory.
type direction int

const (
	outgoing direction = iota
	incoming
)

type pendingEntry struct {
	dir   direction
	timer clockwork.Timer
}

// Sender delivers a packet over the device's current control session.
// connections.Manager satisfies this.
type Sender interface {
	SendPacket(deviceID string, p *packet.Packet) error
}

// FingerprintSource reports the TLS peer certificate fingerprint of a
// device's current session. connections.Manager satisfies this.
type FingerprintSource interface {
	PeerFingerprint(deviceID string) (fingerprint string, ok bool)
}

// CertSource reports the raw DER of the peer certificate presented on a
// device's current session. connections.Manager satisfies this.
type CertSource interface {
	PeerCertDER(deviceID string) (der []byte, ok bool)
}

// Config parameterizes the Pairing Service.
type Config struct {
	// Timeout bounds how long a Requested state waits for a peer
	// response before reverting to Unpaired. Default 30s.
	Timeout time.Duration
	// Clock is swappable for deterministic tests.
	Clock clockwork.Clock
}

func (c *Config) setDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// pairBody is the cconnect.pair packet body.
type pairBody struct {
	Pair bool `json:"pair"`
}

// Service runs the pairing state machine.
type Service struct {
	cfg      Config
	registry *registry.Registry
	sender   Sender
	fps      FingerprintSource
	certs    CertSource
	trusted  *trustedcerts.Store
	bus      *events.Bus[events.PairingEvent]
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// New builds a pairing Service. trusted may be nil, in which case
// pairing proceeds but the full peer certificate is not additionally
// persisted under trusted/ (only the fingerprint, via the registry).
func New(cfg Config, reg *registry.Registry, sender Sender, fps FingerprintSource, certs CertSource, trusted *trustedcerts.Store, bus *events.Bus[events.PairingEvent]) *Service {
	cfg.setDefaults()
	return &Service{
		cfg:      cfg,
		registry: reg,
		sender:   sender,
		fps:      fps,
		certs:    certs,
		trusted:  trusted,
		bus:      bus,
		log:      slog.With("component", "pairing"),
		pending:  make(map[string]*pendingEntry),
	}
}

// saveTrustedCert persists the peer's full certificate, best-effort.
func (s *Service) saveTrustedCert(deviceID string) {
	if s.trusted == nil || s.certs == nil {
		return
	}
	der, ok := s.certs.PeerCertDER(deviceID)
	if !ok {
		return
	}
	if err := s.trusted.Save(deviceID, der); err != nil {
		s.log.Warn("failed to persist trusted certificate", "device_id", deviceID, "error", err)
	}
}

// removeTrustedCert is the unpair-time counterpart to saveTrustedCert.
func (s *Service) removeTrustedCert(deviceID string) {
	if s.trusted == nil {
		return
	}
	if err := s.trusted.Remove(deviceID); err != nil {
		s.log.Warn("failed to remove trusted certificate", "device_id", deviceID, "error", err)
	}
}

// HandleConnectionEvent feeds one connection event to the service. The
// daemon subscribes this to the Connection event bus; only
// PacketReceived events of PacketType are acted on.
func (s *Service) HandleConnectionEvent(ev events.ConnectionEvent) {
	if ev.PacketReceived == nil || ev.PacketReceived.Type != PacketType {
		return
	}
	pr := ev.PacketReceived
	raw, err := json.Marshal(pr.Body)
	if err != nil {
		s.log.Warn("failed to re-marshal pair packet body", "device_id", pr.DeviceID, "error", err)
		return
	}
	var body pairBody
	if err := json.Unmarshal(raw, &body); err != nil {
		s.log.Warn("malformed pair packet", "device_id", pr.DeviceID, "error", err)
		return
	}
	s.onPairPacket(pr.DeviceID, body.Pair)
}

// Serve drains connBus for pairing packets until ctx is cancelled.
// Satisfies a suture.Service-compatible signature.
func (s *Service) Serve(ctx context.Context, connBus *events.Bus[events.ConnectionEvent]) error {
	sub, ch := connBus.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			s.HandleConnectionEvent(env.Payload)
		}
	}
}

// RequestPair starts an outgoing pairing request, moving Unpaired to
// Requested(outgoing). Idempotent no-op if already Paired.
func (s *Service) RequestPair(deviceID string) error {
	d, ok := s.registry.Get(deviceID)
	if !ok {
		return ErrNotFound
	}
	if d.PairingStatus == registry.Paired {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[deviceID]; exists {
		return ErrRequestInFlight
	}

	if err := s.send(deviceID, true); err != nil {
		return err
	}
	if err := s.registry.UpdatePairingStatus(deviceID, registry.Requested); err != nil {
		return err
	}
	s.pending[deviceID] = &pendingEntry{dir: outgoing, timer: s.startTimeout(deviceID)}
	return nil
}

// AcceptPair accepts a pending incoming request, moving
// Requested(incoming) to Paired.
func (s *Service) AcceptPair(deviceID string) error {
	s.mu.Lock()
	p, ok := s.pending[deviceID]
	if !ok || p.dir != incoming {
		s.mu.Unlock()
		return ErrNoPendingRequest
	}
	delete(s.pending, deviceID)
	p.timer.Stop()
	s.mu.Unlock()

	fingerprint, ok := s.fps.PeerFingerprint(deviceID)
	if !ok {
		return ErrNotConnected
	}
	if err := s.send(deviceID, true); err != nil {
		return err
	}
	if err := s.registry.SetPeerFingerprint(deviceID, fingerprint); err != nil {
		return err
	}
	s.saveTrustedCert(deviceID)
	s.bus.Publish(events.PairingEvent{Accepted: &events.PairingAccepted{DeviceID: deviceID}})
	return nil
}

// RejectPair declines a pending incoming request, moving
// Requested(incoming) back to Unpaired.
func (s *Service) RejectPair(deviceID string) error {
	s.mu.Lock()
	p, ok := s.pending[deviceID]
	if !ok || p.dir != incoming {
		s.mu.Unlock()
		return ErrNoPendingRequest
	}
	delete(s.pending, deviceID)
	p.timer.Stop()
	s.mu.Unlock()

	if err := s.send(deviceID, false); err != nil {
		return err
	}
	if err := s.registry.UpdatePairingStatus(deviceID, registry.Unpaired); err != nil {
		return err
	}
	s.bus.Publish(events.PairingEvent{Rejected: &events.PairingRejected{DeviceID: deviceID}})
	return nil
}

// Unpair tears down an existing pairing locally and notifies the peer.
func (s *Service) Unpair(deviceID string) error {
	d, ok := s.registry.Get(deviceID)
	if !ok {
		return ErrNotFound
	}
	if d.PairingStatus != registry.Paired {
		return ErrNotPaired
	}
	if err := s.send(deviceID, false); err != nil {
		return err
	}
	if err := s.registry.UpdatePairingStatus(deviceID, registry.Unpaired); err != nil {
		return err
	}
	s.removeTrustedCert(deviceID)
	return nil
}

func (s *Service) onPairPacket(deviceID string, pair bool) {
	d, known := s.registry.Get(deviceID)

	s.mu.Lock()
	p, hasPending := s.pending[deviceID]
	s.mu.Unlock()

	switch {
	case hasPending && p.dir == outgoing && pair:
		// Requested(outgoing), received pair:true -> Paired.
		s.clearPending(deviceID)
		fingerprint, ok := s.fps.PeerFingerprint(deviceID)
		if !ok {
			s.log.Warn("pairing accepted but no live session to capture fingerprint from", "device_id", deviceID)
			return
		}
		if err := s.registry.SetPeerFingerprint(deviceID, fingerprint); err != nil {
			s.log.Warn("failed to persist pairing", "device_id", deviceID, "error", err)
			return
		}
		s.saveTrustedCert(deviceID)
		s.bus.Publish(events.PairingEvent{Accepted: &events.PairingAccepted{DeviceID: deviceID}})

	case hasPending && p.dir == outgoing && !pair:
		// Requested(outgoing), received pair:false -> Unpaired.
		s.clearPending(deviceID)
		s.setUnpaired(deviceID)
		s.bus.Publish(events.PairingEvent{Rejected: &events.PairingRejected{DeviceID: deviceID}})

	case hasPending && p.dir == incoming:
		// Duplicate request while one is already awaiting a local
		// decision; ignore rather than restart the timer.
		s.log.Debug("duplicate pair request while one is pending", "device_id", deviceID)

	case known && d.PairingStatus == registry.Paired && !pair:
		// Paired, received pair:false -> Unpaired (peer-initiated unpair).
		s.setUnpaired(deviceID)
		s.bus.Publish(events.PairingEvent{Unpaired: &events.DeviceUnpaired{DeviceID: deviceID}})

	case known && d.PairingStatus == registry.Paired && pair:
		// Already paired; idempotent, no fingerprint rotation.

	case pair:
		// Unpaired, received pair:true -> Requested(incoming).
		fingerprint, _ := s.fps.PeerFingerprint(deviceID)
		if err := s.registry.UpdatePairingStatus(deviceID, registry.Requested); err != nil {
			s.log.Warn("failed to record incoming pair request", "device_id", deviceID, "error", err)
			return
		}
		s.mu.Lock()
		s.pending[deviceID] = &pendingEntry{dir: incoming, timer: s.startTimeout(deviceID)}
		s.mu.Unlock()
		s.bus.Publish(events.PairingEvent{RequestReceived: &events.PairRequestReceived{
			DeviceID: deviceID, TheirFingerprint: fingerprint,
		}})

	default:
		// pair:false with nothing pending and not Paired: nothing to do.
	}
}

func (s *Service) startTimeout(deviceID string) clockwork.Timer {
	return s.cfg.Clock.AfterFunc(s.cfg.Timeout, func() {
		s.mu.Lock()
		_, stillPending := s.pending[deviceID]
		if stillPending {
			delete(s.pending, deviceID)
		}
		s.mu.Unlock()
		if !stillPending {
			return
		}
		s.setUnpaired(deviceID)
		s.bus.Publish(events.PairingEvent{Timeout: &events.PairingTimeout{DeviceID: deviceID}})
	})
}

func (s *Service) clearPending(deviceID string) {
	s.mu.Lock()
	if p, ok := s.pending[deviceID]; ok {
		p.timer.Stop()
		delete(s.pending, deviceID)
	}
	s.mu.Unlock()
}

func (s *Service) setUnpaired(deviceID string) {
	if err := s.registry.UpdatePairingStatus(deviceID, registry.Unpaired); err != nil {
		s.log.Warn("failed to clear pairing status", "device_id", deviceID, "error", err)
		return
	}
	s.removeTrustedCert(deviceID)
}

func (s *Service) send(deviceID string, pair bool) error {
	pkt, err := packet.New(time.Now().UnixMilli(), PacketType, pairBody{Pair: pair})
	if err != nil {
		return fmt.Errorf("pairing: build packet: %w", err)
	}
	return s.sender.SendPacket(deviceID, pkt)
}
