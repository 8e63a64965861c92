// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package trustedcerts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "trusted"))

	der := []byte("fake-der-bytes")
	require.NoError(t, s.Save("device-a", der))

	got, ok, err := s.Load("device-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, der, got)
}

func TestSaveWritesWithRestrictivePermissions(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save("device-a", []byte("der")))

	info, err := os.Stat(filepath.Join(dir, "device-a.pem"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadMissingReturnsNotOK(t *testing.T) {
	s := New(t.TempDir())
	_, ok, err := s.Load("unknown")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save("device-a", []byte("der")))

	require.NoError(t, s.Remove("device-a"))
	_, ok, err := s.Load("device-a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Remove("device-a"))
}

func TestSaveOverwritesPriorCertificate(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save("device-a", []byte("der-1")))
	require.NoError(t, s.Save("device-a", []byte("der-2")))

	got, ok, err := s.Load("device-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("der-2"), got)
}

func TestRejectsDeviceIDsThatEscapeTheDirectory(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "trusted"))

	for _, bad := range []string{"../escape", "a/../../escape", "/etc/passwd", "sub/dir", "", ".", ".."} {
		_, err := s.path(bad)
		require.ErrorIs(t, err, ErrInvalidDeviceID, "device id %q should be rejected", bad)

		require.ErrorIs(t, s.Save(bad, []byte("der")), ErrInvalidDeviceID)
		_, _, loadErr := s.Load(bad)
		require.ErrorIs(t, loadErr, ErrInvalidDeviceID)
		require.ErrorIs(t, s.Remove(bad), ErrInvalidDeviceID)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "no file should have been created outside the store directory")
}
