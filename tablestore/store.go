package tablestore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/configmesh/tablesync/cache"
	"github.com/configmesh/tablesync/codec"
	"github.com/configmesh/tablesync/logger"
	"github.com/configmesh/tablesync/origin"
	"github.com/configmesh/tablesync/resilience"
)

var (
	// ErrNoData means neither the cache nor the origin holds a blob for the
	// collection yet.
	ErrNoData = errors.New("tablestore: no data for collection")
	// ErrNoPendingChanges is returned by Commit when nothing was staged.
	ErrNoPendingChanges = errors.New("tablestore: no pending changes")
)

// snapshot is one immutable decoded blob. Readers get the snapshot pointer
// atomically, so a refresh never blocks a read and a read never observes a
// half-written collection.
type snapshot struct {
	collection *Collection
	meta       codec.Metadata
}

// Publisher notifies interested parties that a collection changed. Commit
// uses it to emit change notifications; failures are logged, not fatal,
// because the sync engine converges from the version numbers regardless.
type Publisher interface {
	CollectionChanged(ctx context.Context, collection string, version int64) error
}

// Store is the caller-facing API for one collection: typed reads off the
// cache-backed snapshot, staged writes committed as a whole new blob version.
type Store struct {
	name    string
	origin  origin.Backend
	cache   cache.Store
	log     logger.Logger
	retry   resilience.RetryConfig
	pub     Publisher
	strict  bool
	current atomic.Pointer[snapshot]

	mu     sync.Mutex
	staged *Collection
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPublisher attaches a change-notification publisher to Commit.
func WithPublisher(p Publisher) StoreOption {
	return func(s *Store) { s.pub = p }
}

// WithRetry overrides the retry policy for backend I/O.
func WithRetry(cfg resilience.RetryConfig) StoreOption {
	return func(s *Store) { s.retry = cfg }
}

// WithStrictCommit makes Commit fail with a version conflict when another
// writer committed first, instead of retrying at the next version. Callers
// that need read-modify-write semantics use this and re-read on conflict.
func WithStrictCommit() StoreOption {
	return func(s *Store) { s.strict = true }
}

// NewStore creates a store for one collection.
func NewStore(name string, backend origin.Backend, cacheStore cache.Store, log logger.Logger, opts ...StoreOption) (*Store, error) {
	if !tableNamePattern.MatchString(name) {
		return nil, errors.Wrapf(ErrBadName, "collection name %q must match %s", name, tableNamePattern.String())
	}
	s := &Store{
		name:   name,
		origin: backend,
		cache:  cacheStore,
		log:    log.With(map[string]interface{}{"component": "tablestore", "collection": name}),
		retry:  resilience.DefaultRetryConfig(),
	}
	s.retry.Retryable = func(err error) bool {
		return errors.Is(err, origin.ErrUnavailable) || errors.Is(err, cache.ErrUnavailable)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the collection name.
func (s *Store) Name() string {
	return s.name
}

// Version returns the version of the snapshot currently serving reads, or 0
// when nothing is loaded yet.
func (s *Store) Version() int64 {
	if snap := s.current.Load(); snap != nil {
		return snap.meta.Version
	}
	return 0
}

// GetTable returns a table from the current snapshot. The returned table is
// shared with other readers and must be treated as read-only; use UpdateRow
// to change data. The snapshot is loaded from the cache on first access.
func (s *Store) GetTable(ctx context.Context, table string) (*Table, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.collection.Table(table)
}

// FindRow returns the row with the given canonical key.
func (s *Store) FindRow(ctx context.Context, table, key string) (Row, error) {
	t, err := s.GetTable(ctx, table)
	if err != nil {
		return nil, err
	}
	row, ok := t.Get(key)
	if !ok {
		return nil, errors.Wrapf(ErrRowNotFound, "table %q key %q", table, key)
	}
	return row, nil
}

func (s *Store) snapshot(ctx context.Context) (*snapshot, error) {
	if snap := s.current.Load(); snap != nil {
		return snap, nil
	}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	if snap := s.current.Load(); snap != nil {
		return snap, nil
	}
	return nil, errors.Wrapf(ErrNoData, "collection %q", s.name)
}

// Refresh reloads the snapshot from the cache, falling back to the origin
// when the cache has no entry yet (and priming the cache with what it finds).
// The snapshot only ever moves forward in version.
func (s *Store) Refresh(ctx context.Context) error {
	var entry cache.Entry
	var found bool
	err := resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
		var err error
		entry, found, err = s.cache.Get(ctx, s.name)
		return err
	})
	if err != nil {
		return err
	}

	if !found {
		return s.refreshFromOrigin(ctx)
	}

	meta, payload, err := codec.Decode(entry.Payload)
	if err != nil {
		// Never serve a corrupt entry; the origin copy is authoritative.
		s.log.Error("cached blob failed verification: %v", err)
		return err
	}
	collection, err := UnmarshalCollection(payload)
	if err != nil {
		return err
	}
	s.install(&snapshot{collection: collection, meta: meta})
	return nil
}

// refreshFromOrigin is the cold-start path: the cache is empty, so read the
// origin directly and prime the cache for the next reader.
func (s *Store) refreshFromOrigin(ctx context.Context) error {
	var latest int64
	err := resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
		var err error
		latest, err = s.origin.Latest(ctx, s.name)
		return err
	})
	if err != nil {
		if errors.Is(err, origin.ErrNotFound) {
			return errors.Wrapf(ErrNoData, "collection %q", s.name)
		}
		return err
	}

	var blob []byte
	err = resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
		var err error
		blob, err = s.origin.Get(ctx, s.name, latest)
		return err
	})
	if err != nil {
		return err
	}

	meta, payload, err := codec.Decode(blob)
	if err != nil {
		return err
	}
	collection, err := UnmarshalCollection(payload)
	if err != nil {
		return err
	}

	// Best effort: a losing CAS just means a refresh beat us to it.
	if _, err := s.cache.CompareAndSet(ctx, s.name, 0, cache.Entry{
		Version:  latest,
		Payload:  blob,
		Checksum: meta.Checksum,
	}); err != nil {
		s.log.Warn("priming cache failed: %v", err)
	}

	s.install(&snapshot{collection: collection, meta: meta})
	return nil
}

// install publishes a snapshot for readers unless a newer one is already
// being served.
func (s *Store) install(snap *snapshot) {
	for {
		cur := s.current.Load()
		if cur != nil && cur.meta.Version >= snap.meta.Version {
			return
		}
		if s.current.CompareAndSwap(cur, snap) {
			return
		}
	}
}

// AddTable stages a new table in the working copy.
func (s *Store) AddTable(ctx context.Context, table string, primaryKey ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStaged(ctx); err != nil {
		return err
	}
	_, err := s.staged.AddTable(table, primaryKey...)
	return err
}

// EnsureTable stages a new table unless the collection already has one with
// that name, making table creation idempotent for callers that cannot know
// whether the table exists yet.
func (s *Store) EnsureTable(ctx context.Context, table string, primaryKey ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStaged(ctx); err != nil {
		return err
	}
	if _, err := s.staged.Table(table); err == nil {
		return nil
	}
	_, err := s.staged.AddTable(table, primaryKey...)
	return err
}

// UpdateRow stages a change: the fields are merged into the row with the
// given key (creating it when absent). Nothing is visible to readers until
// Commit succeeds.
func (s *Store) UpdateRow(ctx context.Context, table, key string, fields Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStaged(ctx); err != nil {
		return err
	}
	t, err := s.staged.Table(table)
	if err != nil {
		return err
	}
	return t.Update(key, fields)
}

// RemoveRow stages a row deletion.
func (s *Store) RemoveRow(ctx context.Context, table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStaged(ctx); err != nil {
		return err
	}
	t, err := s.staged.Table(table)
	if err != nil {
		return err
	}
	if !t.Remove(key) {
		return errors.Wrapf(ErrRowNotFound, "table %q key %q", table, key)
	}
	return nil
}

// Pending reports whether there are staged changes awaiting Commit.
func (s *Store) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged != nil
}

// Discard drops all staged changes.
func (s *Store) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = nil
}

// ensureStaged lazily creates the working copy from the current snapshot,
// or from an empty collection when this is a brand new collection.
// Callers hold s.mu.
func (s *Store) ensureStaged(ctx context.Context) error {
	if s.staged != nil {
		return nil
	}
	snap, err := s.snapshot(ctx)
	if err == nil {
		s.staged = snap.collection.Clone()
		return nil
	}
	if errors.Is(err, ErrNoData) {
		collection, cerr := NewCollection(s.name)
		if cerr != nil {
			return cerr
		}
		s.staged = collection
		return nil
	}
	return err
}

// Commit encodes the full working copy (never a delta) as the next blob
// version and writes it to the origin. Concurrent commits race on version
// assignment; by default the loser retries at the following number, which is
// last-writer-wins at collection granularity. After a successful put the
// cache is advanced best-effort and a change notification is published.
func (s *Store) Commit(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged == nil {
		return 0, ErrNoPendingChanges
	}

	payload, err := s.staged.Marshal()
	if err != nil {
		return 0, err
	}
	tags, err := s.staged.Checksums()
	if err != nil {
		return 0, err
	}

	var version int64
	var blob []byte
	var meta codec.Metadata
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var latest int64
		err := resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
			var err error
			latest, err = s.origin.Latest(ctx, s.name)
			if errors.Is(err, origin.ErrNotFound) {
				latest = 0
				return nil
			}
			return err
		})
		if err != nil {
			return 0, err
		}
		version = latest + 1

		meta = codec.Metadata{Name: s.name, Version: version, CreatedAt: time.Now().UTC(), Tags: tags}
		blob, err = codec.Encode(meta, payload)
		if err != nil {
			return 0, err
		}
		meta.Checksum = codec.Checksum(payload)

		err = resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
			return s.origin.PutVersion(ctx, s.name, version, blob)
		})
		if err == nil {
			break
		}
		if errors.Is(err, origin.ErrVersionConflict) {
			if s.strict {
				return 0, err
			}
			s.log.Debug("version %d claimed by another writer, retrying", version)
			continue
		}
		return 0, err
	}

	// Advance the cache so readers converge without waiting for a trigger.
	// Losing the CAS race is fine: whoever won wrote a version >= ours or
	// the sync engine will catch up.
	entry, found, err := s.cache.Get(ctx, s.name)
	var expected int64
	if err == nil && found {
		expected = entry.Version
	}
	if err == nil {
		if _, err := s.cache.CompareAndSet(ctx, s.name, expected, cache.Entry{
			Version:  version,
			Payload:  blob,
			Checksum: meta.Checksum,
		}); err != nil {
			s.log.Warn("cache advance after commit failed: %v", err)
		}
	} else {
		s.log.Warn("cache read after commit failed: %v", err)
	}

	s.install(&snapshot{collection: s.staged, meta: meta})
	s.staged = nil

	if s.pub != nil {
		if err := s.pub.CollectionChanged(ctx, s.name, version); err != nil {
			s.log.Warn("change notification failed: %v", err)
		}
	}

	s.log.Info("committed v%d", version)
	return version, nil
}
