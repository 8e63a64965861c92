// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCreatesPersistedIdentity(t *testing.T) {
	home := t.TempDir()

	d, err := New(Config{Home: home, DeviceName: "Test Device", Port: 19876})
	require.NoError(t, err)
	defer d.listener.Close()

	require.NotEmpty(t, d.DeviceID())

	for _, name := range []string{"cert.pem", "key.pem", "device-id", "trusted"} {
		_, statErr := os.Stat(filepath.Join(home, name))
		require.NoError(t, statErr, "expected %s to be created under home", name)
	}
}

func TestNewIsIdempotentAcrossRestarts(t *testing.T) {
	home := t.TempDir()

	first, err := New(Config{Home: home, DeviceName: "Test Device", Port: 19877})
	require.NoError(t, err)
	first.listener.Close()

	second, err := New(Config{Home: home, DeviceName: "Test Device", Port: 19878})
	require.NoError(t, err)
	defer second.listener.Close()

	require.Equal(t, first.DeviceID(), second.DeviceID())
}

func TestNewRequiresHome(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	d, err := New(Config{Home: t.TempDir(), Port: 19879})
	require.NoError(t, err)
	defer d.listener.Close()

	require.Equal(t, "desktop", d.self.DeviceType)
	require.Equal(t, protocolVersion, d.self.ProtocolVersion)
}

func TestIdentityAdvertisesPingCapabilities(t *testing.T) {
	d, err := New(Config{Home: t.TempDir(), Port: 19880})
	require.NoError(t, err)
	defer d.listener.Close()

	require.Contains(t, d.self.IncomingCapabilities, "cconnect.ping")
	require.Contains(t, d.self.OutgoingCapabilities, "cconnect.ping")
}

func TestDevicesStartsEmpty(t *testing.T) {
	d, err := New(Config{Home: t.TempDir(), Port: 19881})
	require.NoError(t, err)
	defer d.listener.Close()

	require.Empty(t, d.Devices())
}

func TestPairingOperationsOnUnknownDeviceFail(t *testing.T) {
	d, err := New(Config{Home: t.TempDir(), Port: 19882})
	require.NoError(t, err)
	defer d.listener.Close()

	require.Error(t, d.RequestPair("nobody"))
	require.Error(t, d.AcceptPair("nobody"))
	require.Error(t, d.RejectPair("nobody"))
	require.Error(t, d.Unpair("nobody"))
}

func TestHostOfFallsBackToRawStringOnMalformedAddr(t *testing.T) {
	require.Equal(t, "not-a-host-port", hostOf(rawAddr("not-a-host-port")))
}

type rawAddr string

func (r rawAddr) Network() string { return "test" }
func (r rawAddr) String() string  { return string(r) }
