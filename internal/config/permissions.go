// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// WarnInsecurePermissions checks whether the given file is group- or
// world-readable and logs a warning if so. Keywarden stores secret values in
// plain form, so both the config file and the data file should be 0600.
// Best-effort: the check never fails startup.
func WarnInsecurePermissions(path string) {
	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// Missing or inaccessible; nothing useful to report here.
		slog.Debug("could not stat file for permission check", "path", path, "error", err)
		return
	}

	mode := info.Mode()
	perm := mode.Perm()

	const groupRead fs.FileMode = 0o040
	const otherRead fs.FileMode = 0o004

	if perm&(groupRead|otherRead) != 0 {
		slog.Warn(
			"file has insecure permissions, secret values may be exposed to other users",
			"path", path,
			"mode", mode,
			"recommended", "0600",
		)
	}
}
