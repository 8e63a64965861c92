// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package certstore generates, persists, and loads the per-device
// self-signed identity certificate.
package certstore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/cconnectd/cconnect/lib/atomicfile"
)

const (
	certFilename = "cert.pem"
	keyFilename  = "key.pem"
)

// Record is a loaded or freshly generated device identity. PrivateKey
// never leaves the process; only CertPEM is ever put on the wire.
type Record struct {
	Cert        tls.Certificate
	CertPEM     []byte
	KeyPEM      []byte
	Fingerprint string
}

// Store owns the cert.pem/key.pem pair under one directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. dir must already exist.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// LoadOrGenerate generates, on first call, a self-signed Ed25519
// certificate with CN=deviceID and persists it with 0600 on the key
// file; on later calls it loads the existing pair.
//
// If the key file exists but cannot be read or parsed, this fails loudly
// instead of silently regenerating: a fresh cert would invalidate every
// existing pairing's pinned fingerprint.
func (s *Store) LoadOrGenerate(deviceID string) (*Record, error) {
	certPath := filepath.Join(s.dir, certFilename)
	keyPath := filepath.Join(s.dir, keyFilename)

	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	switch {
	case certErr == nil && keyErr == nil:
		return s.load(certPath, keyPath)
	case os.IsNotExist(certErr) && os.IsNotExist(keyErr):
		return s.generate(deviceID, certPath, keyPath)
	default:
		return nil, fmt.Errorf("certstore: inconsistent or unreadable identity at %s: cert=%v key=%v", s.dir, certErr, keyErr)
	}
}

func (s *Store) load(certPath, keyPath string) (*Record, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("certstore: read cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("certstore: read key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("certstore: malformed identity: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("certstore: parse leaf: %w", err)
	}
	return &Record{
		Cert:        cert,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		Fingerprint: Fingerprint(leaf),
	}, nil
}

func (s *Store) generate(deviceID, certPath, keyPath string) (*Record, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certstore: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certstore: serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: deviceID},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Date(2099, 12, 31, 23, 59, 59, 0, time.UTC),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("certstore: create cert: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("certstore: marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	if err := atomicfile.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("certstore: write cert: %w", err)
	}
	if err := atomicfile.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("certstore: write key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("certstore: reload generated identity: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certstore: parse generated leaf: %w", err)
	}

	return &Record{
		Cert:        cert,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		Fingerprint: Fingerprint(leaf),
	}, nil
}

// Fingerprint computes the canonical peer-identity token: the SHA-256 of
// the DER-encoded certificate, as 64 lowercase hex characters.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// FingerprintDER is a convenience for callers that only have the raw DER
// bytes captured off a tls.ConnectionState, such as the TLS layer at
// handshake completion.
func FingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
