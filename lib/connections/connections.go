// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connections owns every active Session: the per-session
// send/receive task, keep-alive, and socket replacement. The session
// table is a lock-free map since reads dominate, and the keep-alive
// ticker is driven by an injected clockwork.Clock so tests can steer it.
// The read deadline is a socket deadline and uses wall-clock time.
package connections

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/cconnectd/cconnect/lib/events"
	"github.com/cconnectd/cconnect/lib/identity"
	"github.com/cconnectd/cconnect/lib/packet"
	"github.com/cconnectd/cconnect/lib/tlsconn"
)

var (
	// ErrDeviceNotConnected is returned by SendPacket when there is no
	// live session for the device.
	ErrDeviceNotConnected = errors.New("connections: device not connected")
	// ErrQueueFull is returned by SendPacket when the per-session command
	// channel is saturated; the caller may retry.
	ErrQueueFull = errors.New("connections: send queue full")
)

// KeepAlivePacketType is the packet type used for keep-alive pings; it
// is the same type the ping plugin consumes, with a keepalive flag the
// peer may use to suppress UI surfacing.
const KeepAlivePacketType = "cconnect.ping"

// Config parameterizes the connection manager.
type Config struct {
	// KeepAliveInterval is how often a keep-alive ping is sent. Default 10s.
	KeepAliveInterval time.Duration
	// ConnectionTimeout closes a session if no bytes arrive this long. Default 60s.
	ConnectionTimeout time.Duration
	// MinConnectionDelay is the threshold under which a reconnect from
	// the same device only logs a warning. Default 1s.
	MinConnectionDelay time.Duration
	// CommandQueueSize bounds each session's command channel. Default 256.
	CommandQueueSize int
	// Clock is swappable for deterministic tests; defaults to the real clock.
	Clock clockwork.Clock
}

func (c *Config) setDefaults() {
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 10 * time.Second
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 60 * time.Second
	}
	if c.MinConnectionDelay == 0 {
		c.MinConnectionDelay = time.Second
	}
	if c.CommandQueueSize == 0 {
		c.CommandQueueSize = 256
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

type commandKind int

const (
	cmdSend commandKind = iota
	cmdClose
	cmdCloseForReplace
)

type command struct {
	kind   commandKind
	packet *packet.Packet
	reason error
}

type entry struct {
	session *tlsconn.Session
	cmdCh   chan command
	done    chan struct{}
}

// Manager owns every active Session.
type Manager struct {
	cfg Config
	bus *events.Bus[events.ConnectionEvent]
	log *slog.Logger

	sessions    *xsync.MapOf[string, *entry]
	lastConnect *xsync.MapOf[string, time.Time]

	replaceMu sync.Mutex // serializes table-swap + signal during socket replacement
}

// New builds a Manager. There is no serve loop to start; sessions are
// adopted individually via AdoptSession as the TLS layer accepts/dials
// them.
func New(cfg Config, bus *events.Bus[events.ConnectionEvent]) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:         cfg,
		bus:         bus,
		log:         slog.With("component", "connections"),
		sessions:    xsync.NewMapOf[string, *entry](),
		lastConnect: xsync.NewMapOf[string, time.Time](),
	}
}

// Start emits ManagerStarted. port is advisory, for the event payload.
func (m *Manager) Start(port int) {
	m.bus.Publish(events.ConnectionEvent{ManagerStarted: &events.ManagerStarted{Port: port}})
}

// Stop closes every session as a shutdown (not a replacement) and emits
// ManagerStopped.
func (m *Manager) Stop() {
	m.sessions.Range(func(deviceID string, e *entry) bool {
		m.signalClose(e, cmdClose, nil)
		return true
	})
	m.bus.Publish(events.ConnectionEvent{ManagerStopped: &events.ManagerStopped{}})
}

// AdoptSession registers a freshly handshaken Session, starting its
// per-session task. If a session already exists for this device, the
// new one replaces it atomically: the old task is signalled
// close-for-replace rather than closed normally, no Disconnected fires
// for it, and plugin state survives.
func (m *Manager) AdoptSession(sess *tlsconn.Session, peer identity.Identity) {
	m.replaceMu.Lock()
	defer m.replaceMu.Unlock()

	deviceID := sess.DeviceID

	if last, ok := m.lastConnect.Load(deviceID); ok {
		if time.Since(last) < m.cfg.MinConnectionDelay {
			m.log.Warn("device reconnected faster than min_connection_delay", "device_id", deviceID, "since", time.Since(last))
		}
	}
	m.lastConnect.Store(deviceID, time.Now())

	newEntry := &entry{
		session: sess,
		cmdCh:   make(chan command, m.cfg.CommandQueueSize),
		done:    make(chan struct{}),
	}

	old, hadOld := m.sessions.Load(deviceID)
	m.sessions.Store(deviceID, newEntry)

	if hadOld {
		m.log.Info("socket replacement", "device_id", deviceID)
		close(old.done) // prevents old's own close-path from double-publishing
		select {
		case old.cmdCh <- command{kind: cmdCloseForReplace}:
		default:
			go old.session.Close()
		}
		m.bus.Publish(events.ConnectionEvent{SocketReplaced: &events.SocketReplaced{DeviceID: deviceID}})
	} else {
		m.bus.Publish(events.ConnectionEvent{Connected: &events.Connected{
			DeviceID:   deviceID,
			RemoteAddr: sess.RemoteAddr,
			Info:       peer.ToEvent(),
		}})
	}

	go m.sessionLoop(deviceID, newEntry)
}

// SendPacket enqueues p for device deviceID. It never blocks on the
// socket: if the session is absent this returns ErrDeviceNotConnected;
// if the command channel is saturated it returns ErrQueueFull.
func (m *Manager) SendPacket(deviceID string, p *packet.Packet) error {
	e, ok := m.sessions.Load(deviceID)
	if !ok {
		return ErrDeviceNotConnected
	}
	select {
	case e.cmdCh <- command{kind: cmdSend, packet: p}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close requests an ordinary shutdown of the session for deviceID, if any.
func (m *Manager) Close(deviceID string, reason error) {
	if e, ok := m.sessions.Load(deviceID); ok {
		m.signalClose(e, cmdClose, reason)
	}
}

func (m *Manager) signalClose(e *entry, kind commandKind, reason error) {
	select {
	case e.cmdCh <- command{kind: kind, reason: reason}:
	default:
		// Queue saturated; close the socket directly to guarantee the
		// session task wakes up via a read error.
		e.session.Close()
	}
}

// PeerFingerprint returns the TLS peer certificate fingerprint of
// deviceID's current session, if any. The pairing service uses this to
// capture the fingerprint it pins at accept time.
func (m *Manager) PeerFingerprint(deviceID string) (string, bool) {
	e, ok := m.sessions.Load(deviceID)
	if !ok {
		return "", false
	}
	return e.session.PeerFingerprint, true
}

// PeerCertDER returns the raw DER certificate presented by deviceID's
// current session, if any. The pairing service persists this under
// trusted/<device_id>.pem when a pairing completes.
func (m *Manager) PeerCertDER(deviceID string) ([]byte, bool) {
	e, ok := m.sessions.Load(deviceID)
	if !ok {
		return nil, false
	}
	return e.session.PeerCertDER, true
}

// ConnectedDeviceIDs lists devices with a live session.
func (m *Manager) ConnectedDeviceIDs() []string {
	var ids []string
	m.sessions.Range(func(deviceID string, _ *entry) bool {
		ids = append(ids, deviceID)
		return true
	})
	return ids
}

type readResult struct {
	pkt *packet.Packet
	err error
}

// sessionLoop is the per-connection task: it multiplexes the command
// channel, the incoming packet stream, and the keep-alive tick.
func (m *Manager) sessionLoop(deviceID string, e *entry) {
	sess := e.session
	readCh := make(chan readResult, 1)
	loopDone := make(chan struct{})
	defer close(loopDone)

	go func() {
		for {
			sess.SetReadDeadline(time.Now().Add(m.cfg.ConnectionTimeout))
			pkt, err := sess.ReceivePacket()
			select {
			case readCh <- readResult{pkt, err}:
			case <-loopDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := m.cfg.Clock.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	var closeReason error
	reconnect := false

loop:
	for {
		select {
		case cmd := <-e.cmdCh:
			switch cmd.kind {
			case cmdSend:
				if err := sess.SendPacket(cmd.packet); err != nil {
					m.log.Warn("send failed, closing session", "device_id", deviceID, "error", err)
					closeReason = err
					break loop
				}
			case cmdClose:
				closeReason = cmd.reason
				break loop
			case cmdCloseForReplace:
				reconnect = true
				break loop
			}

		case res := <-readCh:
			if res.err != nil {
				closeReason = res.err
				break loop
			}
			m.dispatchReceived(deviceID, sess.RemoteAddr, res.pkt)

		case <-ticker.Chan():
			ping, _ := packet.New(m.cfg.Clock.Now().UnixMilli(), KeepAlivePacketType, map[string]any{"keepalive": true})
			if err := sess.SendPacket(ping); err != nil {
				closeReason = err
				break loop
			}
		}
	}

	sess.Close()

	// If this entry was already superseded by AdoptSession's socket
	// replacement (e.done closed), that call already published
	// SocketReplaced and must not see a second Disconnected here.
	select {
	case <-e.done:
		return
	default:
	}

	m.sessions.Compute(deviceID, func(cur *entry, loaded bool) (*entry, bool) {
		if loaded && cur == e {
			return nil, true // delete only if we're still the current session
		}
		return cur, !loaded // leave a newer session alone
	})

	if !reconnect {
		m.bus.Publish(events.ConnectionEvent{Disconnected: &events.Disconnected{
			DeviceID: deviceID, Reason: closeReason, Reconnect: false,
		}})
	}
}

func (m *Manager) dispatchReceived(deviceID, remoteAddr string, pkt *packet.Packet) {
	var body map[string]any
	_ = json.Unmarshal(pkt.Body, &body)
	m.bus.Publish(events.ConnectionEvent{PacketReceived: &events.PacketReceived{
		DeviceID:   deviceID,
		ID:         pkt.ID,
		Type:       pkt.Type,
		Body:       body,
		RemoteAddr: remoteAddr,
	}})
}
