// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package sqlite

import (
	"github.com/keywarden-dev/keywarden/internal/vault"
)

func init() {
	vault.RegisterBackend("sqlite", func(opts vault.Options) (vault.Collection, error) {
		return Open(opts)
	})
}
