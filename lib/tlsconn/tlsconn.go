// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tlsconn turns a raw TCP socket into a mutually-authenticated,
// certificate-pinned channel: a clear-text identity exchange, a mutual
// TLS handshake with no CA verification, and a trust decision made from
// the peer's leaf certificate fingerprint.
package tlsconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cconnectd/cconnect/lib/certstore"
	"github.com/cconnectd/cconnect/lib/identity"
	"github.com/cconnectd/cconnect/lib/packet"
)

var (
	// ErrHandshake covers any TLS-level failure, including a dial that
	// completes at TCP but fails at TLS against an unknown peer.
	ErrHandshake = errors.New("tlsconn: handshake failed")
	// ErrPinMismatch is returned when a Paired device's presented
	// certificate fingerprint does not match the pinned one.
	ErrPinMismatch = errors.New("tlsconn: peer certificate fingerprint does not match pinned value")
)

// PinMismatchError carries the device whose pinned fingerprint the
// presented certificate failed to match, so a caller with access to the
// event bus can surface a FingerprintMismatch event.
type PinMismatchError struct {
	DeviceID string
}

func (e *PinMismatchError) Error() string {
	return fmt.Sprintf("tlsconn: device %s presented a certificate that does not match its pinned fingerprint", e.DeviceID)
}

func (e *PinMismatchError) Unwrap() error { return ErrPinMismatch }

var (
	// ErrIdentityMissing covers a missing or malformed identity packet at
	// either exchange point.
	ErrIdentityMissing = errors.New("tlsconn: missing or malformed identity packet")
)

// TrustStore is the minimal view of the device registry the TLS layer
// needs for the TOFU decision. registry.Registry satisfies this.
type TrustStore interface {
	PinnedFingerprint(deviceID string) (fingerprint string, paired bool)
}

// Config carries everything a Listen/Dial call needs to perform the
// handshake protocol.
type Config struct {
	Cert              certstore.Record
	Self              identity.Identity
	Trust             TrustStore
	HandshakeTimeout  time.Duration
	IdentityIOTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.IdentityIOTimeout == 0 {
		c.IdentityIOTimeout = 10 * time.Second
	}
}

// Session is one live authenticated connection to a single peer.
type Session struct {
	DeviceID        string
	RemoteAddr      string
	PeerFingerprint string
	PeerCertDER     []byte
	conn            *tls.Conn
	dec             *packet.Decoder
	OpenedAt        time.Time
}

// SendPacket writes one packet to the session. Concurrent SendPacket
// calls on the same Session are not safe; callers (the Connection
// Manager) must serialize writes per session.
func (s *Session) SendPacket(p *packet.Packet) error {
	return packet.Write(s.conn, p)
}

// ReceivePacket blocks for the next packet off the session.
func (s *Session) ReceivePacket() (*packet.Packet, error) {
	return s.dec.Decode()
}

// SetReadDeadline exposes the underlying deadline so the Connection
// Manager can implement its own keep-alive timeout policy.
func (s *Session) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close tears down the TLS connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Listener accepts inbound connections and runs the handshake protocol
// on each.
type Listener struct {
	ln  net.Listener
	cfg Config
}

// Listen binds addr (host:port) for incoming sessions.
func Listen(addr string, cfg Config) (*Listener, error) {
	cfg.setDefaults()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tlsconn: listen: %w", err)
	}
	return &Listener{ln: ln, cfg: cfg}, nil
}

// Addr returns the bound address, useful when addr was ":0".
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept takes the next inbound TCP connection through the full
// handshake: clear-text identity exchange, mutual TLS, TOFU
// verification, and the authoritative post-TLS identity re-exchange.
//
// On any failure the partial socket is closed and nothing is ever
// recorded in a session table; a half-open session must never become
// visible to the rest of the daemon.
func (l *Listener) Accept(ctx context.Context) (*Session, identity.Identity, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, identity.Identity{}, fmt.Errorf("tlsconn: accept: %w", err)
	}
	return handshake(ctx, raw, l.cfg, false)
}

// Dial opens a new outbound session to addr.
func Dial(ctx context.Context, addr string, cfg Config) (*Session, identity.Identity, error) {
	cfg.setDefaults()
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, identity.Identity{}, fmt.Errorf("tlsconn: dial: %w", err)
	}
	return handshake(ctx, raw, cfg, true)
}

// handshake runs both identity exchanges around the TLS upgrade.
// isDialer picks who speaks first at each exchange point, so the two
// sides don't deadlock writing to each other simultaneously.
func handshake(ctx context.Context, raw net.Conn, cfg Config, isDialer bool) (*Session, identity.Identity, error) {
	log := slog.With("component", "tlsconn", "remote", raw.RemoteAddr().String())

	abort := func(err error) (*Session, identity.Identity, error) {
		raw.Close()
		return nil, identity.Identity{}, err
	}

	raw.SetDeadline(time.Now().Add(cfg.IdentityIOTimeout))
	preTLSPeer, err := exchangeIdentityClear(raw, cfg.Self, isDialer)
	if err != nil {
		return abort(fmt.Errorf("%w: pre-TLS identity: %v", ErrIdentityMissing, err))
	}
	raw.SetDeadline(time.Time{})

	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{cfg.Cert.Cert},
		InsecureSkipVerify: true, // no CA: trust is decided from the captured leaf below (TOFU).
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS12,
	}

	var tlsConn *tls.Conn
	if isDialer {
		tlsConn = tls.Client(raw, tlsConf)
	} else {
		tlsConn = tls.Server(raw, tlsConf)
	}

	hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return abort(fmt.Errorf("%w: %v", ErrHandshake, err))
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return abort(fmt.Errorf("%w: peer presented no certificate", ErrHandshake))
	}
	fingerprint := certstore.Fingerprint(state.PeerCertificates[0])

	if pinned, paired := cfg.Trust.PinnedFingerprint(preTLSPeer.DeviceID); paired && pinned != fingerprint {
		log.Warn("certificate fingerprint mismatch for paired device", "device_id", preTLSPeer.DeviceID)
		return abort(&PinMismatchError{DeviceID: preTLSPeer.DeviceID})
	}

	// One decoder for the lifetime of the tunnel: the post-TLS identity
	// re-exchange and all subsequent packet reads must share it, since a
	// fresh bufio.Reader could otherwise strand bytes already buffered
	// off the socket.
	dec := packet.NewDecoder(tlsConn)

	tlsConn.SetDeadline(time.Now().Add(cfg.IdentityIOTimeout))
	postTLSPeer, err := exchangeIdentityTunneled(tlsConn, dec, cfg.Self, isDialer)
	if err != nil {
		return abort(fmt.Errorf("%w: post-TLS identity: %v", ErrIdentityMissing, err))
	}
	tlsConn.SetDeadline(time.Time{})

	if postTLSPeer.DeviceID != preTLSPeer.DeviceID {
		log.Warn("post-TLS identity device id differs from pre-TLS claim", "pre", preTLSPeer.DeviceID, "post", postTLSPeer.DeviceID)
	}

	sess := &Session{
		DeviceID:        postTLSPeer.DeviceID,
		RemoteAddr:      raw.RemoteAddr().String(),
		PeerFingerprint: fingerprint,
		PeerCertDER:     state.PeerCertificates[0].Raw,
		conn:            tlsConn,
		dec:             dec,
		OpenedAt:        time.Now(),
	}
	return sess, postTLSPeer, nil
}

// exchangeIdentityClear performs the pre-TLS line-framed identity
// exchange over the raw TCP socket rw. It reads through a decoder of its
// own, which is safe here because neither side sends anything more until
// the exchange completes; the post-TLS re-exchange uses
// exchangeIdentityTunneled instead. The dialer writes first to avoid both
// ends blocking on a synchronous read simultaneously.
func exchangeIdentityClear(rw interface {
	Write([]byte) (int, error)
	Read([]byte) (int, error)
}, self identity.Identity, isDialer bool) (identity.Identity, error) {
	send := func() error {
		pkt, err := self.ToPacket(time.Now().UnixMilli())
		if err != nil {
			return err
		}
		return packet.Write(rw, pkt)
	}
	recv := func() (identity.Identity, error) {
		dec := packet.NewDecoder(rw)
		pkt, err := dec.Decode()
		if err != nil {
			return identity.Identity{}, err
		}
		return identity.FromPacket(pkt)
	}

	if isDialer {
		if err := send(); err != nil {
			return identity.Identity{}, err
		}
		return recv()
	}
	peer, err := recv()
	if err != nil {
		return identity.Identity{}, err
	}
	if err := send(); err != nil {
		return identity.Identity{}, err
	}
	return peer, nil
}

// exchangeIdentityTunneled is exchangeIdentityClear's twin for the
// post-TLS re-exchange, sharing the caller-owned packet.Decoder instead
// of building a fresh one, so no bytes already buffered off the TLS
// stream are stranded.
func exchangeIdentityTunneled(w interface{ Write([]byte) (int, error) }, dec *packet.Decoder, self identity.Identity, isDialer bool) (identity.Identity, error) {
	send := func() error {
		pkt, err := self.ToPacket(time.Now().UnixMilli())
		if err != nil {
			return err
		}
		return packet.Write(w, pkt)
	}
	recv := func() (identity.Identity, error) {
		pkt, err := dec.Decode()
		if err != nil {
			return identity.Identity{}, err
		}
		return identity.FromPacket(pkt)
	}

	if isDialer {
		if err := send(); err != nil {
			return identity.Identity{}, err
		}
		return recv()
	}
	peer, err := recv()
	if err != nil {
		return identity.Identity{}, err
	}
	if err := send(); err != nil {
		return identity.Identity{}, err
	}
	return peer, nil
}
