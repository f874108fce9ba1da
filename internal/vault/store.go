// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package vault

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

// State is the lifecycle phase of a Store. A store moves strictly forward:
// Uninitialized -> Initialized -> Closed. Closed is terminal; reopening the
// same data requires a fresh instance.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateClosed        State = "closed"
)

const (
	// DefaultPageSize is the page length used when a listing caller passes
	// no maxResults.
	DefaultPageSize = 25

	// MaxPageSize caps maxResults, matching the page bound of the emulated
	// vault service.
	MaxPageSize = 25
)

// Operation labels reported to the Observer.
const (
	opSetSecret          = "set_secret"
	opUpdateSecret       = "update_secret"
	opDeleteSecret       = "delete_secret"
	opGetSecret          = "get_secret"
	opListSecrets        = "list_secrets"
	opListVersions       = "list_secret_versions"
	opGetDeletedSecret   = "get_deleted_secret"
	opListDeletedSecrets = "list_deleted_secrets"
	opFlush              = "flush"
)

// Observer receives store activity for instrumentation. Implementations must
// be safe for concurrent use.
type Observer interface {
	// ObserveOp records one completed store operation.
	ObserveOp(op string, err error, elapsed time.Duration)

	// SetRecordCounts reports the current number of active and tombstoned
	// records.
	SetRecordCounts(active, deleted int)
}

type noopObserver struct{}

func (noopObserver) ObserveOp(string, error, time.Duration) {}
func (noopObserver) SetRecordCounts(int, int)               {}

// StoreOptions configures a Store.
type StoreOptions struct {
	// Storage selects and configures the collection backend.
	Storage Options

	// Observer receives operation and record-count instrumentation.
	// Nil means no instrumentation.
	Observer Observer

	// Logger receives lifecycle and failure diagnostics; nil means
	// slog.Default().
	Logger *slog.Logger
}

// Store is the versioned secret store. It owns its collection exclusively:
// callers interact with secrets only through Store methods, and every
// returned record, version, or view is detached from store-internal state.
//
// A single RWMutex serializes read-modify-write sequences, so lookups and
// their dependent writes execute as one atomic step with respect to other
// store calls. Queries share the read lock.
type Store struct {
	mu       sync.RWMutex
	state    State
	coll     Collection
	storage  Options
	observer Observer
	logger   *slog.Logger

	// Record counts mirror collection contents for gauge reporting.
	// Maintained under mu.
	activeCount  int
	deletedCount int

	// now is the timestamp source, replaceable in tests.
	now func() time.Time
}

// NewStore creates a store in the Uninitialized state. No storage is touched
// until Open.
func NewStore(opts StoreOptions) *Store {
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		state:    StateUninitialized,
		storage:  opts.Storage,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// State returns the current lifecycle phase.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Open resolves the configured backend, loads or creates the collection, and
// persists the baseline so a first run leaves a durable empty store behind.
// Open is valid exactly once, on an Uninitialized store.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return wardenerr.Errorf(wardenerr.CodeVaultLifecycleIllegalState,
			"open requires an uninitialized store, store is %s", s.state)
	}

	coll, err := OpenCollection(s.storage)
	if err != nil {
		return err
	}
	if err := coll.Flush(); err != nil {
		_ = coll.Close()
		return err
	}

	s.coll = coll
	s.state = StateInitialized

	if err := s.recountLocked(); err != nil {
		s.logger.Warn("vault: counting records after open failed", "error", err)
	}

	s.logger.Info("vault store opened",
		"backend", resolveBackend(s.storage), "path", s.storage.Path,
		"active", s.activeCount, "deleted", s.deletedCount)
	return nil
}

// Close closes the collection and transitions to Closed, returning any
// final-flush error. The transition happens even on failure: the collection
// rejects all further operations once Close has run, and Clean stays
// available on the Closed store. Closing twice is an illegal-state error.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInitialized {
		return wardenerr.Errorf(wardenerr.CodeVaultLifecycleIllegalState,
			"close requires an initialized store, store is %s", s.state)
	}

	err := s.coll.Close()
	s.state = StateClosed
	if err != nil {
		s.logger.Warn("vault store closed with flush failure", "path", s.storage.Path, "error", err)
		return err
	}

	s.logger.Info("vault store closed", "path", s.storage.Path)
	return nil
}

// Clean irreversibly erases the backing storage. Valid only on a Closed
// store; the guard makes storage destruction impossible while any operation
// could still be admitted.
func (s *Store) Clean() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateClosed {
		return wardenerr.Errorf(wardenerr.CodeVaultLifecycleIllegalState,
			"clean requires a closed store, store is %s", s.state)
	}

	if err := s.coll.Destroy(); err != nil {
		return err
	}

	s.activeCount, s.deletedCount = 0, 0
	s.observer.SetRecordCounts(0, 0)
	s.logger.Info("vault store cleaned", "path", s.storage.Path)
	return nil
}

// Flush forces pending state to storage ahead of the autosave cadence.
func (s *Store) Flush() (err error) {
	start := time.Now()
	defer func() { s.observer.ObserveOp(opFlush, err, time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.requireInitialized(); err != nil {
		return err
	}
	return s.coll.Flush()
}

// --- Mutations ---

// SetSecret writes a value under a name: it creates the record on first use
// and appends a new version on every later call. Existing versions are never
// rewritten. Writing to a tombstoned name is a conflict; the tombstone keeps
// its recovery identity until purged.
func (s *Store) SetSecret(name string, params SetSecretParams) (version *SecretVersion, err error) {
	start := time.Now()
	defer func() { s.observer.ObserveOp(opSetSecret, err, time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.requireInitialized(); err != nil {
		return nil, err
	}
	if err = ValidateSecretName(name); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	version = newVersion(params, now)

	rec, ferr := s.coll.FindByName(name)
	switch {
	case ferr == nil:
		if rec.Deleted {
			err = wardenerr.New(wardenerr.CodeVaultSecretSetConflict,
				"secret is deleted and cannot accept new versions",
				wardenerr.FieldSecretName(name))
			return nil, err
		}
		rec.Versions = append(rec.Versions, version)
		rec.UpdatedAt = now
		if err = s.coll.Update(rec); err != nil {
			return nil, err
		}
	case wardenerr.IsNotFound(ferr):
		rec = &SecretRecord{
			Name:      name,
			Versions:  VersionList{version},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err = s.coll.Insert(rec); err != nil {
			return nil, err
		}
		s.activeCount++
		s.observer.SetRecordCounts(s.activeCount, s.deletedCount)
	default:
		err = ferr
		return nil, err
	}

	return version, nil
}

// UpdateSecret revises the attributes and tags of one existing version.
// versionID empty selects the latest version. The value is immutable; only
// the metadata carried by params changes.
func (s *Store) UpdateSecret(name, versionID string, params UpdateSecretParams) (version *SecretVersion, err error) {
	start := time.Now()
	defer func() { s.observer.ObserveOp(opUpdateSecret, err, time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.requireInitialized(); err != nil {
		return nil, err
	}

	rec, ferr := s.coll.FindByName(name)
	if ferr != nil {
		if wardenerr.IsNotFound(ferr) {
			err = wardenerr.New(wardenerr.CodeVaultSecretUpdateNotFound,
				"secret not found", wardenerr.FieldSecretName(name))
			return nil, err
		}
		err = ferr
		return nil, err
	}
	if rec.Deleted {
		err = wardenerr.New(wardenerr.CodeVaultSecretUpdateConflict,
			"secret is deleted and cannot be updated", wardenerr.FieldSecretName(name))
		return nil, err
	}

	target := rec.Versions.Latest()
	if versionID != "" {
		target = rec.Versions.ByID(versionID)
	}
	if target == nil {
		err = wardenerr.New(wardenerr.CodeVaultSecretUpdateNotFound,
			"secret version not found",
			wardenerr.FieldSecretName(name), wardenerr.FieldVersionID(versionID))
		return nil, err
	}

	now := s.now().UTC()
	if params.Enabled != nil {
		target.Attributes.Enabled = *params.Enabled
	}
	if params.NotBefore != nil {
		nb := *params.NotBefore
		target.Attributes.NotBefore = &nb
	}
	if params.Expires != nil {
		exp := *params.Expires
		target.Attributes.Expires = &exp
	}
	if params.Tags != nil {
		target.Tags = cloneTags(params.Tags)
	}
	target.Attributes.UpdatedAt = now
	rec.UpdatedAt = now

	if err = s.coll.Update(rec); err != nil {
		return nil, err
	}
	return target, nil
}

// DeleteSecret tombstones an active secret: the record keeps its full version
// history but leaves every non-deleted query path, gains a deletion timestamp
// and a recovery identifier, and is returned as its deleted view. Deleting a
// missing or already-deleted secret is not found.
func (s *Store) DeleteSecret(name string) (deleted *DeletedSecret, err error) {
	start := time.Now()
	defer func() { s.observer.ObserveOp(opDeleteSecret, err, time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.requireInitialized(); err != nil {
		return nil, err
	}

	rec, ferr := s.coll.FindByName(name)
	if ferr != nil || rec.Deleted {
		if ferr != nil && !wardenerr.IsNotFound(ferr) {
			err = ferr
			return nil, err
		}
		err = wardenerr.New(wardenerr.CodeVaultSecretDeleteNotFound,
			"secret not found", wardenerr.FieldSecretName(name))
		return nil, err
	}

	now := s.now().UTC()
	at := now
	rec.Deleted = true
	rec.DeletedAt = &at
	rec.RecoveryID = NewRecoveryID()
	rec.UpdatedAt = now

	if err = s.coll.Update(rec); err != nil {
		return nil, err
	}

	s.activeCount--
	s.deletedCount++
	s.observer.SetRecordCounts(s.activeCount, s.deletedCount)

	return deletedView(rec), nil
}

// --- Queries ---

// GetSecret returns one version of an active secret: the latest when
// versionID is empty, otherwise the identified version. Tombstoned secrets
// are not found on this path.
func (s *Store) GetSecret(name, versionID string) (version *SecretVersion, err error) {
	start := time.Now()
	defer func() { s.observer.ObserveOp(opGetSecret, err, time.Since(start)) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err = s.requireInitialized(); err != nil {
		return nil, err
	}

	rec, ferr := s.coll.FindByName(name)
	if ferr != nil || rec.Deleted {
		if ferr != nil && !wardenerr.IsNotFound(ferr) {
			err = ferr
			return nil, err
		}
		err = wardenerr.New(wardenerr.CodeVaultSecretGetNotFound,
			"secret not found", wardenerr.FieldSecretName(name))
		return nil, err
	}

	target := rec.Versions.Latest()
	if versionID != "" {
		target = rec.Versions.ByID(versionID)
	}
	if target == nil {
		err = wardenerr.New(wardenerr.CodeVaultVersionGetNotFound,
			"secret version not found",
			wardenerr.FieldSecretName(name), wardenerr.FieldVersionID(versionID))
		return nil, err
	}
	return target, nil
}

// ListSecrets returns one page of active secrets ordered by name. The marker
// is the name of the last item of the previous page; each call re-reads,
// re-filters, and re-sorts the live collection, then slices strictly after
// the marker, so positions at or beyond the marker stay stable under
// interleaved writes. An empty NextMarker means the listing is exhausted.
func (s *Store) ListSecrets(maxResults int, marker string) (page *SecretPage, err error) {
	start := time.Now()
	defer func() { s.observer.ObserveOp(opListSecrets, err, time.Since(start)) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err = s.requireInitialized(); err != nil {
		return nil, err
	}

	recs, ferr := s.coll.Enumerate()
	if ferr != nil {
		err = ferr
		return nil, err
	}

	active := recs[:0:0]
	for _, rec := range recs {
		if !rec.Deleted {
			active = append(active, rec)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Name < active[j].Name })

	from := 0
	if marker != "" {
		from = sort.Search(len(active), func(i int) bool { return active[i].Name > marker })
	}
	to := min(from+clampPageSize(maxResults), len(active))

	page = &SecretPage{Items: make([]*SecretItem, 0, to-from)}
	for _, rec := range active[from:to] {
		page.Items = append(page.Items, secretItem(rec))
	}
	if to < len(active) && len(page.Items) > 0 {
		page.NextMarker = page.Items[len(page.Items)-1].Name
	}
	return page, nil
}

// ListSecretVersions returns one page of a secret's versions in creation
// order. The marker is the ID of the last item of the previous page and is
// resolved to its position in the history; versions are append-only, so the
// position of a known ID never moves. An unknown marker is not found.
func (s *Store) ListSecretVersions(name string, maxResults int, marker string) (page *VersionPage, err error) {
	start := time.Now()
	defer func() { s.observer.ObserveOp(opListVersions, err, time.Since(start)) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err = s.requireInitialized(); err != nil {
		return nil, err
	}

	rec, ferr := s.coll.FindByName(name)
	if ferr != nil || rec.Deleted {
		if ferr != nil && !wardenerr.IsNotFound(ferr) {
			err = ferr
			return nil, err
		}
		err = wardenerr.New(wardenerr.CodeVaultVersionListNotFound,
			"secret not found", wardenerr.FieldSecretName(name))
		return nil, err
	}

	from := 0
	if marker != "" {
		idx := rec.Versions.IndexOf(marker)
		if idx == -1 {
			err = wardenerr.New(wardenerr.CodeVaultVersionListNotFound,
				"marker version not found",
				wardenerr.FieldSecretName(name), wardenerr.FieldVersionID(marker))
			return nil, err
		}
		from = idx + 1
	}
	to := min(from+clampPageSize(maxResults), len(rec.Versions))

	page = &VersionPage{Items: make([]*VersionItem, 0, to-from)}
	for _, v := range rec.Versions[from:to] {
		page.Items = append(page.Items, versionItem(v))
	}
	if to < len(rec.Versions) && len(page.Items) > 0 {
		page.NextMarker = page.Items[len(page.Items)-1].ID
	}
	return page, nil
}

// GetDeletedSecret returns the deleted view of a tombstoned secret. Active
// and unknown names are not found on this path.
func (s *Store) GetDeletedSecret(name string) (deleted *DeletedSecret, err error) {
	start := time.Now()
	defer func() { s.observer.ObserveOp(opGetDeletedSecret, err, time.Since(start)) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err = s.requireInitialized(); err != nil {
		return nil, err
	}

	rec, ferr := s.coll.FindByName(name)
	if ferr != nil || !rec.Deleted {
		if ferr != nil && !wardenerr.IsNotFound(ferr) {
			err = ferr
			return nil, err
		}
		err = wardenerr.New(wardenerr.CodeVaultDeletedGetNotFound,
			"deleted secret not found", wardenerr.FieldSecretName(name))
		return nil, err
	}
	return deletedView(rec), nil
}

// ListDeletedSecrets returns one page of tombstoned secrets ordered by name,
// under the same marker contract as ListSecrets.
func (s *Store) ListDeletedSecrets(maxResults int, marker string) (page *DeletedSecretPage, err error) {
	start := time.Now()
	defer func() { s.observer.ObserveOp(opListDeletedSecrets, err, time.Since(start)) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err = s.requireInitialized(); err != nil {
		return nil, err
	}

	recs, ferr := s.coll.Enumerate()
	if ferr != nil {
		err = ferr
		return nil, err
	}

	tombstoned := recs[:0:0]
	for _, rec := range recs {
		if rec.Deleted {
			tombstoned = append(tombstoned, rec)
		}
	}
	sort.Slice(tombstoned, func(i, j int) bool { return tombstoned[i].Name < tombstoned[j].Name })

	from := 0
	if marker != "" {
		from = sort.Search(len(tombstoned), func(i int) bool { return tombstoned[i].Name > marker })
	}
	to := min(from+clampPageSize(maxResults), len(tombstoned))

	page = &DeletedSecretPage{Items: make([]*DeletedSecret, 0, to-from)}
	for _, rec := range tombstoned[from:to] {
		page.Items = append(page.Items, deletedView(rec))
	}
	if to < len(tombstoned) && len(page.Items) > 0 {
		page.NextMarker = page.Items[len(page.Items)-1].Name
	}
	return page, nil
}

// --- Internals ---

// requireInitialized is the state guard every data operation passes first.
// Callers hold mu in at least read mode.
func (s *Store) requireInitialized() error {
	if s.state != StateInitialized {
		return wardenerr.Errorf(wardenerr.CodeVaultLifecycleIllegalState,
			"operation requires an initialized store, store is %s", s.state)
	}
	return nil
}

// recountLocked refreshes the record counters from the collection. Caller
// holds mu.
func (s *Store) recountLocked() error {
	recs, err := s.coll.Enumerate()
	if err != nil {
		return err
	}
	active, deleted := 0, 0
	for _, rec := range recs {
		if rec.Deleted {
			deleted++
		} else {
			active++
		}
	}
	s.activeCount, s.deletedCount = active, deleted
	s.observer.SetRecordCounts(active, deleted)
	return nil
}

func newVersion(params SetSecretParams, now time.Time) *SecretVersion {
	attrs := VersionAttributes{
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if params.Enabled != nil {
		attrs.Enabled = *params.Enabled
	}
	if params.NotBefore != nil {
		nb := *params.NotBefore
		attrs.NotBefore = &nb
	}
	if params.Expires != nil {
		exp := *params.Expires
		attrs.Expires = &exp
	}
	return &SecretVersion{
		ID:          NewVersionID(),
		Value:       params.Value,
		ContentType: params.ContentType,
		Attributes:  attrs,
		Tags:        cloneTags(params.Tags),
	}
}

func secretItem(rec *SecretRecord) *SecretItem {
	latest := rec.Versions.Latest().Clone()
	return &SecretItem{
		Name:        rec.Name,
		VersionID:   latest.ID,
		ContentType: latest.ContentType,
		Attributes:  latest.Attributes,
		Tags:        latest.Tags,
	}
}

func versionItem(v *SecretVersion) *VersionItem {
	c := v.Clone()
	return &VersionItem{
		ID:          c.ID,
		ContentType: c.ContentType,
		Attributes:  c.Attributes,
		Tags:        c.Tags,
	}
}

// deletedView projects a tombstoned record onto its deleted-secret shape:
// recovery identity plus the metadata of the version that was latest when
// the delete happened.
func deletedView(rec *SecretRecord) *DeletedSecret {
	latest := rec.Versions.Latest().Clone()
	view := &DeletedSecret{
		Name:        rec.Name,
		RecoveryID:  rec.RecoveryID,
		VersionID:   latest.ID,
		ContentType: latest.ContentType,
		Attributes:  latest.Attributes,
		Tags:        latest.Tags,
	}
	if rec.DeletedAt != nil {
		view.DeletedAt = *rec.DeletedAt
	}
	return view
}

func clampPageSize(maxResults int) int {
	if maxResults <= 0 {
		return DefaultPageSize
	}
	if maxResults > MaxPageSize {
		return MaxPageSize
	}
	return maxResults
}
