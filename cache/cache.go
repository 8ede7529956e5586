// Package cache provides the low-latency projection of the latest blob per
// collection, plus the lease primitives used to coordinate refreshes across
// process instances.
//
// Entries are only ever mutated through CompareAndSet, so a reader never
// observes a half-written blob and versions never move backwards. The lease
// is the only exclusion mechanism in the system; it is time-bounded so a
// crashed holder cannot lock a collection out forever.
package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrUnavailable wraps transient cache I/O failures. Callers may retry with backoff.
var ErrUnavailable = errors.New("cache: unavailable")

// Entry is the cached projection of one collection: the full blob bytes of
// some version that existed in the origin.
type Entry struct {
	Version  int64
	Payload  []byte
	Checksum string
}

// Store is the cache backend. CompareAndSet is the only mutation path for
// entries; leases guard the refresh critical section.
type Store interface {
	// Get returns the entry for the key, reporting whether one exists.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// CompareAndSet replaces the entry only when the current version equals
	// expected (0 means "no entry yet") and the new version is higher.
	// It returns false on conflict, which callers treat as "another refresh
	// already advanced the entry".
	CompareAndSet(ctx context.Context, key string, expected int64, e Entry) (bool, error)

	// Invalidate removes the entry, reporting whether one existed. The entry
	// is a rebuildable projection, so this is never data loss.
	Invalidate(ctx context.Context, key string) (bool, error)

	// AcquireLease grants the holder a time-bounded exclusive right to
	// refresh the key. Denied means another refresh is in progress.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// RenewLease extends the lease if the holder still owns it.
	RenewLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease if the holder still owns it. Releasing a
	// lease that expired or was taken over is not an error.
	ReleaseLease(ctx context.Context, key, holder string) error

	// Close shuts down the store.
	Close() error
}

// DefaultQueryTimeout is the per-operation timeout for stores that perform
// I/O. Prevents indefinite hangs on slow or unresponsive storage.
const DefaultQueryTimeout = 5 * time.Second

// config holds the resolved configuration for a store implementation.
type config struct {
	queryTimeout time.Duration
	prefix       string
}

// Option configures a Store implementation.
type Option func(*config)

func applyOptions(opts []Option) config {
	cfg := config{queryTimeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed stores.
// Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithPrefix sets the key prefix for namespacing multiple deployments on the
// same store. Defaults to empty (no prefix).
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}
