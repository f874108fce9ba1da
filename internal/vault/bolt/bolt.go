// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

// Package bolt is a bbolt-backed collection. Records are JSON documents
// keyed by secret name in a single bucket. The database runs with NoSync:
// logical commits do not fsync, and a background autosaver syncs the file
// on a fixed cadence, giving the same bounded loss window as the file
// backend while keeping reads and writes transactional.
package bolt

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/keywarden-dev/keywarden/internal/vault"
	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

var bucketSecrets = []byte("secrets")

// openTimeout bounds how long Open waits for the bbolt file lock, so a
// second process opening the same path fails instead of hanging.
const openTimeout = time.Second

// Collection is a bbolt record collection.
type Collection struct {
	db     *bbolt.DB
	path   string
	logger *slog.Logger

	dirty  atomic.Bool
	closed atomic.Bool

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

var _ vault.Collection = (*Collection)(nil)

// Open opens or creates the database at opts.Path and begins the autosave
// loop.
func Open(opts vault.Options) (*Collection, error) {
	if opts.Path == "" {
		return nil, wardenerr.New(wardenerr.CodeVaultInvalidInput, "bolt: database path is required")
	}

	db, err := bbolt.Open(opts.Path, 0o600, &bbolt.Options{
		NoSync:  true,
		Timeout: openTimeout,
	})
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"opening database", wardenerr.FieldPath(opts.Path))
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSecrets)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"creating secrets bucket", wardenerr.FieldPath(opts.Path))
	}

	c := &Collection{
		db:       db,
		path:     opts.Path,
		logger:   opts.Logger,
		interval: opts.AutosaveInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go c.autosave()
	return c, nil
}

func (c *Collection) Insert(rec *vault.SecretRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if c.closed.Load() {
		return closedErr(c.path)
	}

	err := c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSecrets)
		key := []byte(rec.Name)
		if bucket.Get(key) != nil {
			return wardenerr.New(wardenerr.CodeVaultRecordInsertDuplicate,
				"record name already exists", wardenerr.FieldSecretName(rec.Name))
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "encoding record")
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return ioWrap(err, c.path)
	}
	c.dirty.Store(true)
	return nil
}

func (c *Collection) Update(rec *vault.SecretRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if c.closed.Load() {
		return closedErr(c.path)
	}

	err := c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSecrets)
		key := []byte(rec.Name)
		if bucket.Get(key) == nil {
			return wardenerr.New(wardenerr.CodeVaultRecordUpdateNotFound,
				"record not found", wardenerr.FieldSecretName(rec.Name))
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "encoding record")
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return ioWrap(err, c.path)
	}
	c.dirty.Store(true)
	return nil
}

func (c *Collection) FindByName(name string) (*vault.SecretRecord, error) {
	if c.closed.Load() {
		return nil, closedErr(c.path)
	}

	var rec *vault.SecretRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSecrets).Get([]byte(name))
		if data == nil {
			return wardenerr.New(wardenerr.CodeVaultRecordGetNotFound,
				"record not found", wardenerr.FieldSecretName(name))
		}
		rec = &vault.SecretRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "decoding record")
		}
		// A record that decodes but fails validation means the stored
		// document was corrupted or edited by hand.
		if err := rec.Validate(); err != nil {
			return wardenerr.Errorf(wardenerr.CodeVaultStorageIOFailure,
				"validating record: %v", err)
		}
		return nil
	})
	if err != nil {
		return nil, ioWrap(err, c.path)
	}
	return rec, nil
}

func (c *Collection) RemoveByName(name string) error {
	if c.closed.Load() {
		return closedErr(c.path)
	}

	err := c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSecrets)
		key := []byte(name)
		if bucket.Get(key) == nil {
			return wardenerr.New(wardenerr.CodeVaultRecordRemoveNotFound,
				"record not found", wardenerr.FieldSecretName(name))
		}
		return bucket.Delete(key)
	})
	if err != nil {
		return ioWrap(err, c.path)
	}
	c.dirty.Store(true)
	return nil
}

func (c *Collection) Enumerate() ([]*vault.SecretRecord, error) {
	if c.closed.Load() {
		return nil, closedErr(c.path)
	}

	var out []*vault.SecretRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(_, v []byte) error {
			rec := &vault.SecretRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "decoding record")
			}
			if err := rec.Validate(); err != nil {
				return wardenerr.Errorf(wardenerr.CodeVaultStorageIOFailure,
					"validating record: %v", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, ioWrap(err, c.path)
	}
	return out, nil
}

// Flush fsyncs the database file.
func (c *Collection) Flush() error {
	if c.closed.Load() {
		return closedErr(c.path)
	}
	if err := c.db.Sync(); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"syncing database", wardenerr.FieldPath(c.path))
	}
	c.dirty.Store(false)
	return nil
}

// Close stops the autosaver, performs a final sync, and closes the database.
func (c *Collection) Close() error {
	if c.closed.Swap(true) {
		return closedErr(c.path)
	}

	close(c.stop)
	<-c.done

	syncErr := c.db.Sync()
	closeErr := c.db.Close()
	if syncErr != nil {
		return wardenerr.Wrap(syncErr, wardenerr.CodeVaultStorageIOFailure,
			"syncing database", wardenerr.FieldPath(c.path))
	}
	if closeErr != nil {
		return wardenerr.Wrap(closeErr, wardenerr.CodeVaultStorageIOFailure,
			"closing database", wardenerr.FieldPath(c.path))
	}
	return nil
}

// Destroy removes the database file. Only valid after Close.
func (c *Collection) Destroy() error {
	if !c.closed.Load() {
		return wardenerr.New(wardenerr.CodeVaultLifecycleIllegalState,
			"destroy requires a closed collection", wardenerr.FieldPath(c.path))
	}

	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"removing database", wardenerr.FieldPath(c.path))
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
			if c.closed.Load() {
				return
			}
			if !c.dirty.Swap(false) {
				continue
			}
			if err := c.db.Sync(); err != nil {
				// Commits stay in the page cache; the next tick retries.
				c.dirty.Store(true)
				c.logger.Warn("bolt: autosave sync failed", "path", c.path, "error", err)
			}
		case <-c.stop:
			return
		}
	}
}

// ioWrap passes coded errors through and wraps raw bbolt failures as
// storage IO.
func ioWrap(err error, path string) error {
	if wardenerr.CodeOf(err) != "" {
		return err
	}
	return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
		"database operation failed", wardenerr.FieldPath(path))
}

func closedErr(path string) error {
	return wardenerr.New(wardenerr.CodeVaultCollectionClosed,
		"collection is closed", wardenerr.FieldPath(path))
}
