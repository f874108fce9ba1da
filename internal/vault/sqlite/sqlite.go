// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

// Package sqlite is a SQLite-backed collection. Records map onto a secrets
// row plus ordered secret_versions rows; the schema is managed by embedded
// goose migrations. SQLite commits synchronously, so this backend has no
// autosave loop and no loss window: Flush is a no-op, strictly stronger
// than the durability contract requires.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/keywarden-dev/keywarden/internal/vault"
	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Compile-time interface check.
var _ vault.Collection = (*Collection)(nil)

// Collection implements vault.Collection backed by SQLite.
type Collection struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// Open opens (or creates) the database at opts.Path and applies pending
// migrations.
func Open(opts vault.Options) (*Collection, error) {
	if opts.Path == "" {
		return nil, wardenerr.New(wardenerr.CodeVaultInvalidInput, "sqlite: database path is required")
	}

	db, err := sql.Open("sqlite3", opts.Path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"opening database", wardenerr.FieldPath(opts.Path))
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"pinging database", wardenerr.FieldPath(opts.Path))
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"migrating database", wardenerr.FieldPath(opts.Path))
	}

	return &Collection{db: db, path: opts.Path}, nil
}

func migrate(db *sql.DB) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	return goose.Up(db, "migrations")
}

func (c *Collection) Insert(rec *vault.SecretRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if c.closed.Load() {
		return closedErr(c.path)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO secrets (name, deleted, deleted_at, recovery_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`

	_, err = tx.Exec(q,
		rec.Name,
		rec.Deleted,
		formatTimePtr(rec.DeletedAt),
		rec.RecoveryID,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isConstraintErr(err) {
			return wardenerr.New(wardenerr.CodeVaultRecordInsertDuplicate,
				"record name already exists", wardenerr.FieldSecretName(rec.Name))
		}
		return wardenerr.Wrapf(err, wardenerr.CodeVaultStorageIOFailure, "inserting record %s", rec.Name)
	}

	if err := insertVersions(tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "committing insert")
	}
	return nil
}

func (c *Collection) Update(rec *vault.SecretRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if c.closed.Load() {
		return closedErr(c.path)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	const q = `UPDATE secrets SET deleted = ?, deleted_at = ?, recovery_id = ?, created_at = ?, updated_at = ?
WHERE name = ?`

	result, err := tx.Exec(q,
		rec.Deleted,
		formatTimePtr(rec.DeletedAt),
		rec.RecoveryID,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
		rec.Name,
	)
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeVaultStorageIOFailure, "updating record %s", rec.Name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeVaultStorageIOFailure, "checking rows affected for %s", rec.Name)
	}
	if rows == 0 {
		return wardenerr.New(wardenerr.CodeVaultRecordUpdateNotFound,
			"record not found", wardenerr.FieldSecretName(rec.Name))
	}

	// The update replaces the full record state, so the version rows are
	// rewritten wholesale in creation order.
	if _, err := tx.Exec(`DELETE FROM secret_versions WHERE secret_name = ?`, rec.Name); err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeVaultStorageIOFailure, "clearing versions for %s", rec.Name)
	}
	if err := insertVersions(tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "committing update")
	}
	return nil
}

func (c *Collection) FindByName(name string) (*vault.SecretRecord, error) {
	if c.closed.Load() {
		return nil, closedErr(c.path)
	}

	const q = `SELECT name, deleted, deleted_at, recovery_id, created_at, updated_at
FROM secrets WHERE name = ?`

	rec, err := scanRecord(c.db.QueryRow(q, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wardenerr.New(wardenerr.CodeVaultRecordGetNotFound,
			"record not found", wardenerr.FieldSecretName(name))
	}
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeVaultStorageIOFailure, "getting record %s", name)
	}

	versions, err := c.loadVersions(name)
	if err != nil {
		return nil, err
	}
	rec.Versions = versions

	// Writers validate before every insert and update, so an invalid row
	// arrangement here means the database was corrupted or edited by hand.
	if err := rec.Validate(); err != nil {
		return nil, wardenerr.Errorf(wardenerr.CodeVaultStorageIOFailure,
			"validating record %s: %v", name, err)
	}
	return rec, nil
}

func (c *Collection) RemoveByName(name string) error {
	if c.closed.Load() {
		return closedErr(c.path)
	}

	result, err := c.db.Exec(`DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeVaultStorageIOFailure, "removing record %s", name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeVaultStorageIOFailure, "checking rows affected for %s", name)
	}
	if rows == 0 {
		return wardenerr.New(wardenerr.CodeVaultRecordRemoveNotFound,
			"record not found", wardenerr.FieldSecretName(name))
	}
	return nil
}

func (c *Collection) Enumerate() ([]*vault.SecretRecord, error) {
	if c.closed.Load() {
		return nil, closedErr(c.path)
	}

	const q = `SELECT name, deleted, deleted_at, recovery_id, created_at, updated_at
FROM secrets ORDER BY name`

	rows, err := c.db.Query(q)
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "listing records")
	}
	defer rows.Close()

	var out []*vault.SecretRecord
	byName := make(map[string]*vault.SecretRecord)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "scanning record row")
		}
		out = append(out, rec)
		byName[rec.Name] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "iterating record rows")
	}

	const vq = `SELECT secret_name, id, value, content_type, enabled, not_before, expires, tags, created_at, updated_at
FROM secret_versions ORDER BY secret_name, position`

	vrows, err := c.db.Query(vq)
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "listing versions")
	}
	defer vrows.Close()

	for vrows.Next() {
		var owner string
		version, err := scanVersion(vrows, &owner)
		if err != nil {
			return nil, wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "scanning version row")
		}
		if rec, ok := byName[owner]; ok {
			rec.Versions = append(rec.Versions, version)
		}
	}
	if err := vrows.Err(); err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "iterating version rows")
	}

	for _, rec := range out {
		if err := rec.Validate(); err != nil {
			return nil, wardenerr.Errorf(wardenerr.CodeVaultStorageIOFailure,
				"validating record %s: %v", rec.Name, err)
		}
	}
	return out, nil
}

// Flush is a no-op: every committed transaction is already durable.
func (c *Collection) Flush() error {
	if c.closed.Load() {
		return closedErr(c.path)
	}
	return nil
}

// Close closes the database connection.
func (c *Collection) Close() error {
	if c.closed.Swap(true) {
		return closedErr(c.path)
	}
	if err := c.db.Close(); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
			"closing database", wardenerr.FieldPath(c.path))
	}
	return nil
}

// Destroy removes the database and its WAL siblings. Only valid after Close.
func (c *Collection) Destroy() error {
	if !c.closed.Load() {
		return wardenerr.New(wardenerr.CodeVaultLifecycleIllegalState,
			"destroy requires a closed collection", wardenerr.FieldPath(c.path))
	}

	for _, p := range []string{c.path, c.path + "-wal", c.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure,
				"removing database", wardenerr.FieldPath(p))
		}
	}
	return nil
}

func insertVersions(tx *sql.Tx, rec *vault.SecretRecord) error {
	const q = `INSERT INTO secret_versions (secret_name, position, id, value, content_type, enabled, not_before, expires, tags, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for i, v := range rec.Versions {
		tags, err := marshalTags(v.Tags)
		if err != nil {
			return wardenerr.Wrapf(err, wardenerr.CodeVaultStorageIOFailure, "encoding tags for %s", rec.Name)
		}
		if _, err := tx.Exec(q,
			rec.Name,
			i,
			v.ID,
			v.Value,
			v.ContentType,
			v.Attributes.Enabled,
			formatTimePtr(v.Attributes.NotBefore),
			formatTimePtr(v.Attributes.Expires),
			tags,
			formatTime(v.Attributes.CreatedAt),
			formatTime(v.Attributes.UpdatedAt),
		); err != nil {
			return wardenerr.Wrapf(err, wardenerr.CodeVaultStorageIOFailure, "inserting version %s/%s", rec.Name, v.ID)
		}
	}
	return nil
}

func (c *Collection) loadVersions(name string) (vault.VersionList, error) {
	const q = `SELECT secret_name, id, value, content_type, enabled, not_before, expires, tags, created_at, updated_at
FROM secret_versions WHERE secret_name = ? ORDER BY position`

	rows, err := c.db.Query(q, name)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeVaultStorageIOFailure, "listing versions for %s", name)
	}
	defer rows.Close()

	var versions vault.VersionList
	for rows.Next() {
		var owner string
		version, err := scanVersion(rows, &owner)
		if err != nil {
			return nil, wardenerr.Wrap(err, wardenerr.CodeVaultStorageIOFailure, "scanning version row")
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeVaultStorageIOFailure, "iterating versions for %s", name)
	}
	return versions, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*vault.SecretRecord, error) {
	var rec vault.SecretRecord
	var deletedAt, createdAt, updatedAt string
	if err := row.Scan(
		&rec.Name,
		&rec.Deleted,
		&deletedAt,
		&rec.RecoveryID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	rec.DeletedAt = parseTimePtr(deletedAt)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func scanVersion(row rowScanner, owner *string) (*vault.SecretVersion, error) {
	var v vault.SecretVersion
	var notBefore, expires, tagsJSON, createdAt, updatedAt string
	if err := row.Scan(
		owner,
		&v.ID,
		&v.Value,
		&v.ContentType,
		&v.Attributes.Enabled,
		&notBefore,
		&expires,
		&tagsJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	v.Attributes.NotBefore = parseTimePtr(notBefore)
	v.Attributes.Expires = parseTimePtr(expires)
	v.Attributes.CreatedAt = parseTime(createdAt)
	v.Attributes.UpdatedAt = parseTime(updatedAt)

	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return nil, err
	}
	v.Tags = tags
	return &v, nil
}

func marshalTags(tags map[string]string) (string, error) {
	if len(tags) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalTags(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var tags map[string]string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// formatTime serialises a time.Time to RFC3339 with nanosecond precision.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime deserialises a time string stored in the database.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
}

func closedErr(path string) error {
	return wardenerr.New(wardenerr.CodeVaultCollectionClosed,
		"collection is closed", wardenerr.FieldPath(path))
}
