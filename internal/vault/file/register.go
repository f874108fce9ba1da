// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package file

import (
	"github.com/keywarden-dev/keywarden/internal/vault"
)

func init() {
	vault.RegisterBackend("file", func(opts vault.Options) (vault.Collection, error) {
		return Open(opts)
	})
}
