// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transfer is the ephemeral-port TLS side channel used to
// stream bulk bytes alongside a control packet. It carries the same
// mutual-TLS, fingerprint-pinned posture as lib/tlsconn, applied to a
// one-shot transfer instead of a long-lived control session.
package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cconnectd/cconnect/lib/certstore"
)

var (
	// ErrAcceptTimeout means the receiver never connected within
	// AcceptTimeout; the control session is unaffected.
	ErrAcceptTimeout = errors.New("transfer: no incoming connection before timeout")
	// ErrFingerprintMismatch means the peer on the ephemeral connection
	// is not the same device pinned on the control channel.
	ErrFingerprintMismatch = errors.New("transfer: peer certificate fingerprint does not match control session")
	// ErrShortTransfer means the stream closed before payloadSize bytes
	// were moved.
	ErrShortTransfer = errors.New("transfer: connection closed before payload fully transferred")
)

// Config carries the identity this side of the transfer presents.
type Config struct {
	Cert certstore.Record
	// AcceptTimeout bounds how long the sender's listener waits for the
	// one expected connection. Default 30s.
	AcceptTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.AcceptTimeout == 0 {
		c.AcceptTimeout = 30 * time.Second
	}
}

// Sender is the ephemeral one-shot listener opened by the side that has
// the bytes to send.
type Sender struct {
	ln                  net.Listener
	expectedFingerprint string
	cfg                 Config
}

// NewSender opens the ephemeral listener on port 0, on all interfaces
// (matching lib/tlsconn.Listen's bind, not loopback-only: the receiver
// dials this port from the control channel's remote host, which on a
// real LAN is not the sender itself), and returns immediately with the
// bound port, so the caller can attach it to the outgoing control
// packet's payloadTransferInfo before Serve is called.
func NewSender(cfg Config, expectedFingerprint string) (*Sender, error) {
	cfg.setDefaults()
	ln, err := tls.Listen("tcp", ":0", listenTLSConfig(cfg.Cert))
	if err != nil {
		return nil, fmt.Errorf("transfer: listen: %w", err)
	}
	return &Sender{ln: ln, expectedFingerprint: expectedFingerprint, cfg: cfg}, nil
}

// Port returns the ephemeral port bound by NewSender.
func (s *Sender) Port() uint16 {
	return uint16(s.ln.Addr().(*net.TCPAddr).Port)
}

// Close releases the listener without serving it, e.g. if the control
// packet was never actually sent.
func (s *Sender) Close() error { return s.ln.Close() }

// Serve accepts exactly one connection (or times out), verifies the
// peer's certificate fingerprint, streams exactly size bytes from r,
// and tears the listener down either way.
func (s *Sender) Serve(ctx context.Context, r io.Reader, size int64) error {
	defer s.ln.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan acceptResult, 1)
	go func() {
		conn, err := s.ln.Accept()
		resCh <- acceptResult{conn, err}
	}()

	// The listener closes on every exit path; if the accept lands just as
	// we give up, the connection is reaped here rather than leaked.
	reap := func() {
		s.ln.Close()
		if res := <-resCh; res.err == nil {
			res.conn.Close()
		}
	}

	var conn net.Conn
	select {
	case <-ctx.Done():
		reap()
		return ctx.Err()
	case <-time.After(s.cfg.AcceptTimeout):
		reap()
		return ErrAcceptTimeout
	case res := <-resCh:
		if res.err != nil {
			return fmt.Errorf("transfer: accept: %w", res.err)
		}
		conn = res.conn
	}
	defer conn.Close()

	tlsConn := conn.(*tls.Conn)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("transfer: handshake: %w", err)
	}
	if err := verifyPeer(tlsConn, s.expectedFingerprint); err != nil {
		return err
	}

	n, err := io.CopyN(tlsConn, r, size)
	if err != nil {
		return fmt.Errorf("transfer: send %d/%d bytes: %w", n, size, err)
	}
	return nil
}

// Receive dials the sender's ephemeral listener, verifies its
// certificate fingerprint, and reads exactly size bytes into w. EOF
// before size bytes is ErrShortTransfer.
func Receive(ctx context.Context, cfg Config, hostPort string, expectedFingerprint string, size int64, w io.Writer) error {
	cfg.setDefaults()

	dialer := tls.Dialer{Config: dialTLSConfig(cfg.Cert)}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return fmt.Errorf("transfer: dial: %w", err)
	}
	defer conn.Close()

	tlsConn := conn.(*tls.Conn)
	if err := verifyPeer(tlsConn, expectedFingerprint); err != nil {
		return err
	}

	n, err := io.CopyN(w, tlsConn, size)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: got %d/%d bytes", ErrShortTransfer, n, size)
		}
		return fmt.Errorf("transfer: receive %d/%d bytes: %w", n, size, err)
	}
	return nil
}

func verifyPeer(conn *tls.Conn, expectedFingerprint string) error {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("%w: peer presented no certificate", ErrFingerprintMismatch)
	}
	got := certstore.Fingerprint(state.PeerCertificates[0])
	if got != expectedFingerprint {
		return ErrFingerprintMismatch
	}
	return nil
}

func listenTLSConfig(cert certstore.Record) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert.Cert},
		InsecureSkipVerify: true, // TOFU: trust comes from the pinned fingerprint check, not a CA
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS12,
	}
}

func dialTLSConfig(cert certstore.Record) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert.Cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}
