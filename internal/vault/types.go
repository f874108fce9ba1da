// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package vault

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// --- Version types ---

// VersionAttributes is the revisable metadata of a secret version. The
// timestamps are bookkeeping: CreatedAt is set once when the version is
// written, UpdatedAt moves on every attribute or tag revision.
type VersionAttributes struct {
	Enabled   bool       `json:"enabled"`
	NotBefore *time.Time `json:"not_before,omitempty"`
	Expires   *time.Time `json:"expires,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SecretVersion is one immutable value snapshot of a secret. The Value and
// ID never change after creation; only Attributes and Tags may be revised.
type SecretVersion struct {
	ID          string            `json:"id"`
	Value       string            `json:"value"`
	ContentType string            `json:"content_type,omitempty"`
	Attributes  VersionAttributes `json:"attributes"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Clone returns a deep copy of the version.
func (v *SecretVersion) Clone() *SecretVersion {
	if v == nil {
		return nil
	}
	out := *v
	out.Tags = cloneTags(v.Tags)
	if v.Attributes.NotBefore != nil {
		nb := *v.Attributes.NotBefore
		out.Attributes.NotBefore = &nb
	}
	if v.Attributes.Expires != nil {
		exp := *v.Attributes.Expires
		out.Attributes.Expires = &exp
	}
	return &out
}

// VersionList is the ordered version history of a secret, oldest first.
// Position in the list is the creation order; version IDs carry no ordering.
type VersionList []*SecretVersion

// Latest returns the most recently created version, or nil for an empty list.
func (l VersionList) Latest() *SecretVersion {
	if len(l) == 0 {
		return nil
	}
	return l[len(l)-1]
}

// ByID returns the version with the given ID, or nil when absent.
func (l VersionList) ByID(id string) *SecretVersion {
	for _, v := range l {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// IndexOf returns the creation-order position of the given version ID, or -1.
func (l VersionList) IndexOf(id string) int {
	for i, v := range l {
		if v.ID == id {
			return i
		}
	}
	return -1
}

// IDs returns the version IDs in creation order.
func (l VersionList) IDs() []string {
	ids := make([]string, len(l))
	for i, v := range l {
		ids[i] = v.ID
	}
	return ids
}

// Clone returns a deep copy of the list.
func (l VersionList) Clone() VersionList {
	if l == nil {
		return nil
	}
	out := make(VersionList, len(l))
	for i, v := range l {
		out[i] = v.Clone()
	}
	return out
}

// --- Record types ---

// SecretRecord is the unit of persistence: one record per secret name,
// holding the full version history and the tombstone state. Exactly one
// record exists per name at any time; deletion tombstones the record in
// place rather than removing it.
type SecretRecord struct {
	Name       string      `json:"name"`
	Versions   VersionList `json:"versions"`
	Deleted    bool        `json:"deleted,omitempty"`
	DeletedAt  *time.Time  `json:"deleted_at,omitempty"`
	RecoveryID string      `json:"recovery_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the record. Collections return clones so
// callers never alias backend-owned state.
func (r *SecretRecord) Clone() *SecretRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Versions = r.Versions.Clone()
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		out.DeletedAt = &at
	}
	return &out
}

// --- Operation parameters ---

// SetSecretParams carries the inputs for writing a new secret version.
// A nil Enabled means enabled; the zero value of the optional fields
// leaves them unset on the new version.
type SetSecretParams struct {
	Value       string
	ContentType string
	Tags        map[string]string
	Enabled     *bool
	NotBefore   *time.Time
	Expires     *time.Time
}

// UpdateSecretParams patches the revisable metadata of an existing version.
// Nil pointer fields are left untouched; a non-nil Tags map replaces the
// version's tags wholesale. The value itself is not updatable.
type UpdateSecretParams struct {
	Enabled   *bool
	NotBefore *time.Time
	Expires   *time.Time
	Tags      map[string]string
}

// --- View types ---

// SecretItem is the listing projection of an active secret: the identity and
// metadata of its latest version, without the value.
type SecretItem struct {
	Name        string            `json:"name"`
	VersionID   string            `json:"version_id"`
	ContentType string            `json:"content_type,omitempty"`
	Attributes  VersionAttributes `json:"attributes"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// VersionItem is the listing projection of one version: metadata without
// the value.
type VersionItem struct {
	ID          string            `json:"id"`
	ContentType string            `json:"content_type,omitempty"`
	Attributes  VersionAttributes `json:"attributes"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// DeletedSecret is the tombstone view of a deleted secret: recovery
// identity plus the metadata of the version that was latest at delete time.
type DeletedSecret struct {
	Name        string            `json:"name"`
	RecoveryID  string            `json:"recovery_id"`
	DeletedAt   time.Time         `json:"deleted_at"`
	VersionID   string            `json:"version_id"`
	ContentType string            `json:"content_type,omitempty"`
	Attributes  VersionAttributes `json:"attributes"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// SecretPage is one page of a secret listing. NextMarker is the name of the
// last item, or empty when the listing is exhausted.
type SecretPage struct {
	Items      []*SecretItem `json:"items"`
	NextMarker string        `json:"next_marker,omitempty"`
}

// VersionPage is one page of a version listing. NextMarker is the ID of the
// last item, or empty when the listing is exhausted.
type VersionPage struct {
	Items      []*VersionItem `json:"items"`
	NextMarker string         `json:"next_marker,omitempty"`
}

// DeletedSecretPage is one page of a deleted-secret listing.
type DeletedSecretPage struct {
	Items      []*DeletedSecret `json:"items"`
	NextMarker string           `json:"next_marker,omitempty"`
}

// --- Identifiers ---

// NewVersionID returns a fresh version identifier: 32 lowercase hex
// characters. IDs are unique, never reused within a record, and carry no
// ordering; creation order lives in the VersionList.
func NewVersionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRecoveryID returns an opaque identifier bound to one deletion event.
func NewRecoveryID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func cloneTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
