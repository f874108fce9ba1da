// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package vault

import (
	"regexp"

	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

// secretNamePattern matches the names the emulated vault service accepts:
// 1-127 alphanumerics and dashes.
var secretNamePattern = regexp.MustCompile(`^[0-9a-zA-Z-]{1,127}$`)

// ValidateSecretName checks a secret name against the service's naming rule.
func ValidateSecretName(name string) error {
	if name == "" {
		return wardenerr.New(wardenerr.CodeVaultInvalidInput, "secret: name is required")
	}
	if !secretNamePattern.MatchString(name) {
		return wardenerr.Errorf(wardenerr.CodeVaultInvalidInput,
			"secret: name %q must be 1-127 alphanumerics or dashes", name)
	}
	return nil
}

// Validate checks that the record is internally consistent. Collections call
// this on Insert and Update so malformed records never reach storage.
func (r *SecretRecord) Validate() error {
	if r == nil {
		return wardenerr.New(wardenerr.CodeVaultInvalidInput, "record: nil record")
	}
	if err := ValidateSecretName(r.Name); err != nil {
		return err
	}
	if len(r.Versions) == 0 {
		return wardenerr.New(wardenerr.CodeVaultInvalidInput, "record: at least one version is required")
	}
	seen := make(map[string]struct{}, len(r.Versions))
	for _, v := range r.Versions {
		if v == nil || v.ID == "" {
			return wardenerr.New(wardenerr.CodeVaultInvalidInput, "record: version ID is required")
		}
		if _, dup := seen[v.ID]; dup {
			return wardenerr.Errorf(wardenerr.CodeVaultInvalidInput, "record: duplicate version ID %q", v.ID)
		}
		seen[v.ID] = struct{}{}
	}
	if r.Deleted {
		if r.DeletedAt == nil {
			return wardenerr.New(wardenerr.CodeVaultInvalidInput, "record: DeletedAt is required on a tombstone")
		}
		if r.RecoveryID == "" {
			return wardenerr.New(wardenerr.CodeVaultInvalidInput, "record: RecoveryID is required on a tombstone")
		}
	}
	return nil
}
