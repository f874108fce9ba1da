// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package vault

import (
	"log/slog"
	"time"
)

const (
	// DefaultBackend is the collection backend used when none is configured.
	DefaultBackend = "file"

	// DefaultAutosaveInterval bounds how long a committed mutation may sit
	// in memory before the backend persists it. On abnormal termination the
	// loss window is at most one interval.
	DefaultAutosaveInterval = 5 * time.Second
)

// Collection is the record persistence surface the store builds on. One
// collection instance exclusively owns its backing path; concurrent access
// coordination above single-call atomicity is the store's job.
//
// Implementations enforce name uniqueness, persist asynchronously under an
// autosave policy (unless their medium is synchronous), and return deep
// copies so callers never alias backend-owned state.
type Collection interface {
	// Insert adds a new record. Fails with a duplicate_key error when a
	// record with the same name already exists.
	Insert(rec *SecretRecord) error

	// Update replaces the stored record with the same name. Fails with a
	// not_found error when no such record exists.
	Update(rec *SecretRecord) error

	// FindByName returns the record with the given name, or a not_found
	// error. Tombstoned records are returned like any other; filtering by
	// deletion state is the caller's concern.
	FindByName(name string) (*SecretRecord, error)

	// RemoveByName permanently removes the record with the given name, or
	// fails with a not_found error.
	RemoveByName(name string) error

	// Enumerate returns every record in the collection, active and
	// tombstoned, in no particular order.
	Enumerate() ([]*SecretRecord, error)

	// Flush persists all pending state and returns once it is durable.
	Flush() error

	// Close flushes and releases the collection. Further calls on a closed
	// collection fail.
	Close() error

	// Destroy irreversibly removes the backing storage. Only valid after
	// Close.
	Destroy() error
}

// Options configures the opening of a collection backend.
type Options struct {
	// Backend names the registered backend; empty means DefaultBackend.
	Backend string

	// Path is the backing location, a single file path for all bundled
	// backends.
	Path string

	// AutosaveInterval overrides DefaultAutosaveInterval when positive.
	// Backends with synchronous durability ignore it.
	AutosaveInterval time.Duration

	// Logger receives backend diagnostics; nil means slog.Default().
	Logger *slog.Logger
}

func (o Options) autosaveInterval() time.Duration {
	if o.AutosaveInterval > 0 {
		return o.AutosaveInterval
	}
	return DefaultAutosaveInterval
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
