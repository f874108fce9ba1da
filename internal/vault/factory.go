// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package vault

import (
	"sort"
	"sync"

	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

// CollectionFactory opens a collection for a backend. Factories receive
// normalized Options: Backend, AutosaveInterval, and Logger are always set.
type CollectionFactory func(opts Options) (Collection, error)

var (
	factories   = map[string]CollectionFactory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a collection factory under a backend name.
// Backend packages call this from init(). Goroutine-safe.
func RegisterBackend(name string, factory CollectionFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveBackend returns the effective backend name, defaulting to
// DefaultBackend.
func resolveBackend(opts Options) string {
	if opts.Backend == "" {
		return DefaultBackend
	}
	return opts.Backend
}

// OpenCollection resolves the configured backend and opens its collection.
func OpenCollection(opts Options) (Collection, error) {
	backend := resolveBackend(opts)

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, wardenerr.Errorf(wardenerr.CodeVaultBackendUnsupported,
			"unsupported storage backend %q (registered: %v)", backend, Backends())
	}

	opts.Backend = backend
	opts.AutosaveInterval = opts.autosaveInterval()
	opts.Logger = opts.logger()

	return factory(opts)
}
