// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keywarden-dev/keywarden/internal/vault"
)

// Wire shapes follow the emulated vault protocol: attribute timestamps are
// unix seconds, ids are request-relative URLs, listings carry value/nextLink.

type secretAttributes struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	NotBefore *int64 `json:"nbf,omitempty"`
	Expires   *int64 `json:"exp,omitempty"`
	Created   int64  `json:"created,omitempty"`
	Updated   int64  `json:"updated,omitempty"`
}

type setSecretRequest struct {
	Value       string            `json:"value"`
	ContentType string            `json:"contentType,omitempty"`
	Attributes  *secretAttributes `json:"attributes,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

type updateSecretRequest struct {
	Attributes *secretAttributes `json:"attributes,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

type secretBundle struct {
	ID          string            `json:"id"`
	Value       string            `json:"value,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Attributes  secretAttributes  `json:"attributes"`
	Tags        map[string]string `json:"tags,omitempty"`
}

type deletedSecretBundle struct {
	ID          string            `json:"id"`
	RecoveryID  string            `json:"recoveryId"`
	DeletedDate int64             `json:"deletedDate"`
	ContentType string            `json:"contentType,omitempty"`
	Attributes  secretAttributes  `json:"attributes"`
	Tags        map[string]string `json:"tags,omitempty"`
}

type listResponse[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"nextLink,omitempty"`
}

func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req setSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	params := vault.SetSecretParams{
		Value:       req.Value,
		ContentType: req.ContentType,
		Tags:        req.Tags,
	}
	if req.Attributes != nil {
		params.Enabled = req.Attributes.Enabled
		params.NotBefore = timeFromUnix(req.Attributes.NotBefore)
		params.Expires = timeFromUnix(req.Attributes.Expires)
	}

	version, err := s.store.SetSecret(name, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, bundleFromVersion(r, name, version, true))
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	versionID := chi.URLParam(r, "version")

	version, err := s.store.GetSecret(name, versionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, bundleFromVersion(r, name, version, true))
}

func (s *Server) handleUpdateSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	versionID := chi.URLParam(r, "version")

	var req updateSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	params := vault.UpdateSecretParams{Tags: req.Tags}
	if req.Attributes != nil {
		params.Enabled = req.Attributes.Enabled
		params.NotBefore = timeFromUnix(req.Attributes.NotBefore)
		params.Expires = timeFromUnix(req.Attributes.Expires)
	}

	version, err := s.store.UpdateSecret(name, versionID, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The update response carries metadata only, never the value.
	writeJSON(w, http.StatusOK, bundleFromVersion(r, name, version, false))
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	deleted, err := s.store.DeleteSecret(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, bundleFromDeleted(r, deleted))
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	maxResults, marker, err := listParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.store.ListSecrets(maxResults, marker)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := listResponse[secretBundle]{Value: make([]secretBundle, 0, len(page.Items))}
	for _, item := range page.Items {
		out.Value = append(out.Value, secretBundle{
			ID:          secretIDURL(r, item.Name, item.VersionID),
			ContentType: item.ContentType,
			Attributes:  attributesFrom(item.Attributes),
			Tags:        item.Tags,
		})
	}
	out.NextLink = nextLink(r, page.NextMarker)

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSecretVersions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	maxResults, marker, err := listParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.store.ListSecretVersions(name, maxResults, marker)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := listResponse[secretBundle]{Value: make([]secretBundle, 0, len(page.Items))}
	for _, item := range page.Items {
		out.Value = append(out.Value, secretBundle{
			ID:          secretIDURL(r, name, item.ID),
			ContentType: item.ContentType,
			Attributes:  attributesFrom(item.Attributes),
			Tags:        item.Tags,
		})
	}
	out.NextLink = nextLink(r, page.NextMarker)

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDeletedSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	deleted, err := s.store.GetDeletedSecret(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, bundleFromDeleted(r, deleted))
}

func (s *Server) handleListDeletedSecrets(w http.ResponseWriter, r *http.Request) {
	maxResults, marker, err := listParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.store.ListDeletedSecrets(maxResults, marker)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := listResponse[deletedSecretBundle]{Value: make([]deletedSecretBundle, 0, len(page.Items))}
	for _, item := range page.Items {
		out.Value = append(out.Value, bundleFromDeleted(r, item))
	}
	out.NextLink = nextLink(r, page.NextMarker)

	writeJSON(w, http.StatusOK, out)
}

func bundleFromVersion(r *http.Request, name string, v *vault.SecretVersion, withValue bool) secretBundle {
	b := secretBundle{
		ID:          secretIDURL(r, name, v.ID),
		ContentType: v.ContentType,
		Attributes:  attributesFrom(v.Attributes),
		Tags:        v.Tags,
	}
	if withValue {
		b.Value = v.Value
	}
	return b
}

func bundleFromDeleted(r *http.Request, d *vault.DeletedSecret) deletedSecretBundle {
	return deletedSecretBundle{
		ID:          secretIDURL(r, d.Name, d.VersionID),
		RecoveryID:  d.RecoveryID,
		DeletedDate: d.DeletedAt.Unix(),
		ContentType: d.ContentType,
		Attributes:  attributesFrom(d.Attributes),
		Tags:        d.Tags,
	}
}

func attributesFrom(a vault.VersionAttributes) secretAttributes {
	enabled := a.Enabled
	return secretAttributes{
		Enabled:   &enabled,
		NotBefore: unixFromTime(a.NotBefore),
		Expires:   unixFromTime(a.Expires),
		Created:   a.CreatedAt.Unix(),
		Updated:   a.UpdatedAt.Unix(),
	}
}

func unixFromTime(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	sec := t.Unix()
	return &sec
}

func timeFromUnix(sec *int64) *time.Time {
	if sec == nil {
		return nil
	}
	t := time.Unix(*sec, 0).UTC()
	return &t
}
