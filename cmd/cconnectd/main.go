// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command cconnectd runs one cconnect daemon process. It reads its
// directory and logging knobs from the environment and wires the rest
// through lib/daemon.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/cconnectd/cconnect/lib/daemon"
)

func main() {
	setupLogging()

	home, err := homeDir()
	if err != nil {
		slog.Error("failed to resolve home directory", "error", err)
		os.Exit(1)
	}

	d, err := daemon.New(daemon.Config{
		Home:       home,
		DeviceName: deviceName(),
	})
	if err != nil {
		slog.Error("failed to start daemon", "error", err)
		os.Exit(1)
	}
	slog.Info("cconnectd starting", "device_id", d.DeviceID(), "home", home)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if raw := os.Getenv("CCONNECT_LOG_LEVEL"); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			slog.Warn("ignoring unparseable CCONNECT_LOG_LEVEL", "value", raw)
			level = slog.LevelInfo
		}
	}

	var handler slog.Handler
	if os.Getenv("CCONNECT_LOG_JSON") == "1" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func homeDir() (string, error) {
	if home := os.Getenv("CCONNECT_HOME"); home != "" {
		return home, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return dir + "/cconnect", nil
}

func deviceName() string {
	if name := os.Getenv("CCONNECT_DEVICE_NAME"); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "cconnect-device"
}
