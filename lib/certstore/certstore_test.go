// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package certstore

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCreatesThenReuses(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	first, err := s.LoadOrGenerate("device-a")
	require.NoError(t, err)
	require.NotEmpty(t, first.Fingerprint)

	info, err := os.Stat(filepath.Join(dir, keyFilename))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := s.LoadOrGenerate("device-a")
	require.NoError(t, err)
	require.Equal(t, first.Fingerprint, second.Fingerprint)
	require.Equal(t, first.CertPEM, second.CertPEM)
}

func TestLoadOrGenerateSetsCommonName(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir).LoadOrGenerate("my-device-id")
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(rec.Cert.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, "my-device-id", leaf.Subject.CommonName)
}

func TestLoadOrGenerateInconsistentPairIsAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, certFilename), []byte("not a real cert"), 0o644))

	_, err := New(dir).LoadOrGenerate("device-a")
	require.Error(t, err)
}

func TestFingerprintIsStableAndSensitiveToContent(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir).LoadOrGenerate("device-a")
	require.NoError(t, err)
	b, err := New(t.TempDir()).LoadOrGenerate("device-b")
	require.NoError(t, err)

	require.NotEqual(t, a.Fingerprint, b.Fingerprint)

	leaf, err := x509.ParseCertificate(a.Cert.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, a.Fingerprint, Fingerprint(leaf))
	require.Equal(t, a.Fingerprint, FingerprintDER(leaf.Raw))
}
