// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

// Package file is the default collection backend: all records live in
// memory and persist as a single JSON snapshot document. Mutations mark the
// collection dirty; a background autosaver rewrites the snapshot on a fixed
// cadence, so at most one interval of committed mutations is lost on
// abnormal termination.
package file

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/keywarden-dev/keywarden/internal/vault"
	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

// snapshot is the on-disk document: every record, active and tombstoned,
// in one JSON file.
type snapshot struct {
	Records []*vault.SecretRecord `json:"records"`
}

// Collection is a file-snapshot record collection. One instance exclusively
// owns its snapshot path; opening the same path twice is unsupported.
type Collection struct {
	mu      sync.Mutex
	path    string
	records map[string]*vault.SecretRecord
	dirty   bool
	closed  bool

	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

var _ vault.Collection = (*Collection)(nil)

// Open loads the snapshot at opts.Path, or starts empty when the file does
// not exist yet, and begins the autosave loop.
func Open(opts vault.Options) (*Collection, error) {
	if opts.Path == "" {
		return nil, wardenerr.New(wardenerr.CodeVaultInvalidInput, "file: snapshot path is required")
	}

	c := &Collection{
		path:     opts.Path,
		records:  make(map[string]*vault.SecretRecord),
		logger:   opts.Logger,
		interval: opts.AutosaveInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := c.load(); err != nil {
		return nil, err
	}

	go c.autosave()
	return c, nil
}

func (c *Collection) load() error {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		// First run: the snapshot appears on the first flush.
		return nil
	}
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"reading snapshot", wardenerr.FieldPath(c.path))
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"decoding snapshot", wardenerr.FieldPath(c.path))
	}
	for _, rec := range snap.Records {
		// Records were validated on the way in, so a failure here means the
		// snapshot was corrupted or edited by hand.
		if err := rec.Validate(); err != nil {
			return wardenerr.Errorf(wardenerr.CodeVaultStorageIOFailure,
				"validating snapshot record: %v", err)
		}
		c.records[rec.Name] = rec
	}
	return nil
}

func (c *Collection) Insert(rec *vault.SecretRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return closedErr(c.path)
	}

	if _, exists := c.records[rec.Name]; exists {
		return wardenerr.New(wardenerr.CodeVaultRecordInsertDuplicate,
			"record name already exists", wardenerr.FieldSecretName(rec.Name))
	}
	c.records[rec.Name] = rec.Clone()
	c.dirty = true
	return nil
}

func (c *Collection) Update(rec *vault.SecretRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return closedErr(c.path)
	}

	if _, exists := c.records[rec.Name]; !exists {
		return wardenerr.New(wardenerr.CodeVaultRecordUpdateNotFound,
			"record not found", wardenerr.FieldSecretName(rec.Name))
	}
	c.records[rec.Name] = rec.Clone()
	c.dirty = true
	return nil
}

func (c *Collection) FindByName(name string) (*vault.SecretRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, closedErr(c.path)
	}

	rec, exists := c.records[name]
	if !exists {
		return nil, wardenerr.New(wardenerr.CodeVaultRecordGetNotFound,
			"record not found", wardenerr.FieldSecretName(name))
	}
	return rec.Clone(), nil
}

func (c *Collection) RemoveByName(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return closedErr(c.path)
	}

	if _, exists := c.records[name]; !exists {
		return wardenerr.New(wardenerr.CodeVaultRecordRemoveNotFound,
			"record not found", wardenerr.FieldSecretName(name))
	}
	delete(c.records, name)
	c.dirty = true
	return nil
}

func (c *Collection) Enumerate() ([]*vault.SecretRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, closedErr(c.path)
	}

	out := make([]*vault.SecretRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Flush rewrites the snapshot unconditionally and clears the dirty flag.
func (c *Collection) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return closedErr(c.path)
	}
	return c.flushLocked()
}

// flushLocked writes the snapshot via a temp file and an atomic rename, so
// readers never observe a partially written document. Caller holds mu.
func (c *Collection) flushLocked() error {
	snap := snapshot{Records: make([]*vault.SecretRecord, 0, len(c.records))}
	names := make([]string, 0, len(c.records))
	for name := range c.records {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		snap.Records = append(snap.Records, c.records[name])
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"encoding snapshot", wardenerr.FieldPath(c.path))
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"writing snapshot", wardenerr.FieldPath(c.path))
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"replacing snapshot", wardenerr.FieldPath(c.path))
	}

	c.dirty = false
	return nil
}

// Close stops the autosaver, performs a final flush, and marks the
// collection closed.
func (c *Collection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return closedErr(c.path)
	}

	close(c.stop)
	err := c.flushLocked()
	c.closed = true
	c.mu.Unlock()

	<-c.done
	return err
}

// Destroy removes the snapshot file. Only valid after Close.
func (c *Collection) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return wardenerr.New(wardenerr.CodeVaultLifecycleIllegalState,
			"destroy requires a closed collection", wardenerr.FieldPath(c.path))
	}

	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"removing snapshot", wardenerr.FieldPath(c.path))
	}
	return nil
}

func (c *Collection) autosave() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			if !c.dirty {
				c.mu.Unlock()
				continue
			}
			err := c.flushLocked()
			c.mu.Unlock()
			if err != nil {
				// Mutations stay committed in memory; the next tick retries.
				c.logger.Warn("file: autosave flush failed", "path", c.path, "error", err)
			}
		case <-c.stop:
			return
		}
	}
}

func closedErr(path string) error {
	return wardenerr.New(wardenerr.CodeVaultCollectionClosed,
		"collection is closed", wardenerr.FieldPath(path))
}
