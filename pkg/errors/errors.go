// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error. Codes follow
// "<area>.<entity>.<operation>.<reason>"; the trailing reason segment drives
// the Is* classifiers and the HTTP status mapping.
type Code string

const (
	CodeVaultSecretGetNotFound     Code = "vault.secret.get.not_found"
	CodeVaultSecretSetConflict     Code = "vault.secret.set.conflict"
	CodeVaultSecretUpdateNotFound  Code = "vault.secret.update.not_found"
	CodeVaultSecretUpdateConflict  Code = "vault.secret.update.conflict"
	CodeVaultSecretDeleteNotFound  Code = "vault.secret.delete.not_found"
	CodeVaultVersionGetNotFound    Code = "vault.version.get.not_found"
	CodeVaultVersionListNotFound   Code = "vault.version.list.not_found"
	CodeVaultDeletedGetNotFound    Code = "vault.deleted_secret.get.not_found"
	CodeVaultRecordInsertDuplicate Code = "vault.record.insert.duplicate_key"
	CodeVaultRecordGetNotFound     Code = "vault.record.get.not_found"
	CodeVaultRecordUpdateNotFound  Code = "vault.record.update.not_found"
	CodeVaultRecordRemoveNotFound  Code = "vault.record.remove.not_found"
	CodeVaultCollectionClosed      Code = "vault.collection.closed.io_failure"
	CodeVaultLifecycleIllegalState Code = "vault.lifecycle.illegal_state"
	CodeVaultStorageIOFailure      Code = "vault.storage.io_failure"
	CodeVaultBackendUnsupported    Code = "vault.backend.unsupported"
	CodeVaultInvalidInput          Code = "vault.invalid_input"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"

	CodeCLIInputInvalid Code = "cli.input.invalid"
	CodeCLISetupFailure Code = "cli.setup.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldSecretName(value string) Attr {
	return Field("secret_name", value)
}

func FieldVersionID(value string) Attr {
	return Field("version_id", value)
}

func FieldBackend(value string) Attr {
	return Field("backend", value)
}

func FieldPath(value string) Attr {
	return Field("path", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain, preserving the
// original code when one is present.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsDuplicateKey(err error) bool {
	return reason(CodeOf(err)) == "duplicate_key"
}

func IsIllegalState(err error) bool {
	return reason(CodeOf(err)) == "illegal_state"
}

func IsStorageIO(err error) bool {
	return reason(CodeOf(err)) == "io_failure"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

// HTTPStatus maps an error to the status the REST surface reports.
// DuplicateKey joins Conflict at 409: both mean the write lost to an
// existing row. IllegalState is 503 because it only surfaces when the
// store is not open for traffic.
func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err), IsDuplicateKey(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsIllegalState(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
