// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

// maxRequestBody bounds PUT/PATCH bodies. Secret values are short strings;
// anything near this limit is a misbehaving client.
const maxRequestBody = 1 << 20

type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := wardenerr.HTTPStatus(err)
	code := wardenerr.CodeOf(err)
	if code == "" {
		code = wardenerr.CodeServerInternalFailure
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected",
			"method", r.Method, "path", r.URL.Path, "status", status, "code", string(code))
	}

	writeJSON(w, status, errorEnvelope{Error: errorDetail{
		Code:    string(code),
		Message: err.Error(),
	}})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeServerRequestInvalid, "decoding request body")
	}
	return nil
}

// listParams reads the maxresults and marker query parameters. A missing
// maxresults is zero, which the store clamps to its default page size.
func listParams(r *http.Request) (int, string, error) {
	q := r.URL.Query()
	marker := q.Get("marker")

	raw := q.Get("maxresults")
	if raw == "" {
		return 0, marker, nil
	}

	maxResults, err := strconv.Atoi(raw)
	if err != nil || maxResults <= 0 {
		return 0, "", wardenerr.New(wardenerr.CodeServerRequestInvalid,
			"maxresults must be a positive integer")
	}

	return maxResults, marker, nil
}

func secretIDURL(r *http.Request, name, versionID string) string {
	u := url.URL{
		Scheme: requestScheme(r),
		Host:   r.Host,
		Path:   "/secrets/" + name + "/" + versionID,
	}
	return u.String()
}

// nextLink rebuilds the listing URL with the continuation marker, keeping the
// caller's maxresults. Empty when the listing is exhausted.
func nextLink(r *http.Request, marker string) string {
	if marker == "" {
		return ""
	}

	q := url.Values{}
	if raw := r.URL.Query().Get("maxresults"); raw != "" {
		q.Set("maxresults", raw)
	}
	q.Set("marker", marker)

	u := url.URL{
		Scheme:   requestScheme(r),
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
