// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discovery broadcasts this device's identity over UDP and
// tracks peers seen on the local network, emitting discovered, updated,
// and timeout events as their announcements come and go.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sys/unix"

	"github.com/cconnectd/cconnect/lib/events"
	"github.com/cconnectd/cconnect/lib/identity"
	"github.com/cconnectd/cconnect/lib/packet"
)

// DefaultPort is the well-known UDP discovery / TCP control port.
const DefaultPort = 1716

// Config parameterizes the discovery service.
type Config struct {
	// Port is the UDP port bound for broadcast and listen. Defaults to
	// DefaultPort.
	Port int
	// BroadcastInterval is how often the local identity is rebroadcast.
	// Defaults to 60s.
	BroadcastInterval time.Duration
	// StaleAfter is how long a device may go unheard from before a
	// DeviceTimeout is emitted. Defaults to 300s.
	StaleAfter time.Duration
	// Self is the identity this device advertises.
	Self identity.Identity
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.BroadcastInterval == 0 {
		c.BroadcastInterval = 60 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 300 * time.Second
	}
}

type seen struct {
	info identity.Identity
	addr net.Addr
}

// Service advertises this device over UDP broadcast and listens for
// peers. It implements suture.Service (Serve(ctx) error) so the daemon
// can supervise it alongside the other long-lived components.
type Service struct {
	cfg Config
	bus *events.Bus[events.DiscoveryEvent]
	log *slog.Logger

	cache *ttlcache.Cache[string, seen]
}

// New builds a discovery Service. Call Serve to run it.
func New(cfg Config, bus *events.Bus[events.DiscoveryEvent]) *Service {
	cfg.setDefaults()
	s := &Service{
		cfg: cfg,
		bus: bus,
		log: slog.With("component", "discovery"),
	}
	s.cache = ttlcache.New[string, seen](
		ttlcache.WithTTL[string, seen](cfg.StaleAfter),
	)
	s.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, seen]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		s.log.Info("device went stale", "device_id", item.Key())
		s.bus.Publish(events.DiscoveryEvent{Timeout: &events.DeviceTimeout{DeviceID: item.Key()}})
	})
	return s
}

// Serve binds the UDP socket and runs broadcast + listen loops until ctx
// is cancelled. Socket bind errors are retried with bounded exponential
// backoff; Serve returns once ctx is done, the backoff policy gives up,
// or the listen loop fails with a read error that is not a net.Error.
func (s *Service) Serve(ctx context.Context) error {
	go s.cache.Start()
	defer s.cache.Stop()

	conn, err := s.bindWithBackoff(ctx)
	if err != nil {
		return fmt.Errorf("discovery: giving up binding udp socket: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- s.broadcastLoop(ctx, conn) }()
	go func() { errCh <- s.listenLoop(ctx, conn) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Service) bindWithBackoff(ctx context.Context) (*net.UDPConn, error) {
	var conn *net.UDPConn

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	op := func() error {
		lc := net.ListenConfig{
			Control: func(_, _ string, c syscall.RawConn) error {
				var sockErr error
				err := c.Control(func(fd uintptr) {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
					if sockErr == nil {
						sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
					}
				})
				if err != nil {
					return err
				}
				return sockErr
			},
		}
		pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", s.cfg.Port))
		if err != nil {
			s.log.Warn("udp bind failed, retrying", "error", err)
			return err
		}
		conn = pc.(*net.UDPConn)
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Service) broadcastLoop(ctx context.Context, conn *net.UDPConn) error {
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.Port}

	send := func() {
		pkt, err := s.cfg.Self.ToPacket(time.Now().UnixMilli())
		if err != nil {
			s.log.Error("failed to build identity packet", "error", err)
			return
		}
		bs, err := packet.Encode(pkt)
		if err != nil {
			s.log.Error("failed to encode identity packet", "error", err)
			return
		}
		if _, err := conn.WriteTo(bs, dst); err != nil {
			s.log.Warn("broadcast send failed", "error", err)
		}
	}

	send()
	for {
		// ±10% jitter avoids lock-step collisions between daemons on the
		// same network.
		interval := jitter(s.cfg.BroadcastInterval, 0.10)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
			send()
		}
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	delta := float64(d) * frac
	return d + time.Duration((rand.Float64()*2-1)*delta)
}

func (s *Service) listenLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, packet.MaxLineSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) {
				s.log.Warn("discovery read error", "error", err)
				continue
			}
			return err
		}
		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Service) handleDatagram(data []byte, addr net.Addr) {
	p, err := packet.DecodeBytes(data)
	if err != nil {
		s.log.Warn("dropping malformed discovery datagram", "from", addr, "error", err)
		return
	}
	info, err := identity.FromPacket(p)
	if err != nil {
		s.log.Warn("dropping non-identity discovery datagram", "from", addr, "error", err)
		return
	}
	if info.DeviceID == s.cfg.Self.DeviceID {
		return
	}

	prior := s.cache.Get(info.DeviceID, ttlcache.WithDisableTouchOnHit[string, seen]())
	// Set overwrites an existing item in place, so the prior value must be
	// copied out before it.
	var priorInfo identity.Identity
	if prior != nil {
		priorInfo = prior.Value().info
	}
	s.cache.Set(info.DeviceID, seen{info: info, addr: addr}, ttlcache.DefaultTTL)

	switch {
	case prior == nil:
		s.log.Info("device discovered", "device_id", info.DeviceID, "addr", addr)
		s.bus.Publish(events.DiscoveryEvent{Discovered: &events.DeviceDiscovered{Info: info.ToEvent(), Addr: addr}})
	case !priorInfo.Equal(info):
		s.log.Info("device updated", "device_id", info.DeviceID, "addr", addr)
		s.bus.Publish(events.DiscoveryEvent{Updated: &events.DeviceUpdated{Info: info.ToEvent(), Addr: addr}})
	}
}
