// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package atomicfile provides write-temp-then-rename semantics so a
// crash or concurrent reader never observes a half-written cert, key, or
// registry file.
package atomicfile

import (
	"os"
	"path/filepath"
)

// TempPrefix marks in-progress files so a directory listing doesn't
// confuse them with finished ones.
const TempPrefix = ".cconnect.tmp."

// WriteFile writes data to a temp file in the same directory as path,
// fsyncs it, then renames it into place. mode is applied before any data
// is written, so the final file never has a wider mode than requested.
func WriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, TempPrefix)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
