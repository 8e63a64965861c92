// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package trustedcerts persists the full peer certificate for every
// paired device under trusted/<device_id>.pem. The device registry
// only keeps the fingerprint; this
// is the supplementary on-disk record of the certificate that
// fingerprint was computed from, useful for diagnostics and for a future
// re-verification path that doesn't depend on re-deriving the
// fingerprint from a live handshake.
package trustedcerts

import (
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cconnectd/cconnect/lib/atomicfile"
)

// ErrInvalidDeviceID is returned when a device id cannot safely be used
// as a filename component, e.g. one containing a path separator, pulled
// out of a peer's identity packet.
var ErrInvalidDeviceID = errors.New("trustedcerts: invalid device id")

// Store owns the trusted/ directory of pinned peer certificates.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (typically <home>/trusted).
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(deviceID string) (string, error) {
	if deviceID == "" || deviceID == "." || deviceID == ".." || filepath.Base(deviceID) != deviceID {
		return "", fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	return filepath.Join(s.dir, deviceID+".pem"), nil
}

// Save PEM-encodes der and writes it atomically for deviceID.
func (s *Store) Save(deviceID string, der []byte) error {
	p, err := s.path(deviceID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return atomicfile.WriteFile(p, block, 0o600)
}

// Load returns the raw DER bytes pinned for deviceID, if present.
func (s *Store) Load(deviceID string) ([]byte, bool, error) {
	p, err := s.path(deviceID)
	if err != nil {
		return nil, false, err
	}
	bs, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	block, _ := pem.Decode(bs)
	if block == nil {
		return nil, false, nil
	}
	return block.Bytes, true, nil
}

// Remove deletes the pinned certificate for deviceID, if any. Removing a
// file that doesn't exist is not an error (unpair is idempotent here).
func (s *Store) Remove(deviceID string) error {
	p, err := s.path(deviceID)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
