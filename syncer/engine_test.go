package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configmesh/tablesync/cache"
	"github.com/configmesh/tablesync/codec"
	"github.com/configmesh/tablesync/logger"
	"github.com/configmesh/tablesync/origin"
	"github.com/configmesh/tablesync/resilience"
)

func testConfig() Config {
	return Config{
		LeaseTTL: time.Second,
		Retry: resilience.RetryConfig{
			MaxRetries:        2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}
}

// putBlob encodes a payload and stores it at an explicit origin version.
func putBlob(t *testing.T, backend origin.Backend, collection string, version int64, payload []byte) {
	t.Helper()
	blob, err := codec.Encode(codec.Metadata{Name: collection, Version: version}, payload)
	require.NoError(t, err)
	require.NoError(t, backend.PutVersion(context.Background(), collection, version, blob))
}

// countingBackend wraps an origin backend and counts blob fetches.
type countingBackend struct {
	origin.Backend
	gets atomic.Int64
}

func (c *countingBackend) Get(ctx context.Context, collection string, version int64) ([]byte, error) {
	c.gets.Add(1)
	return c.Backend.Get(ctx, collection, version)
}

// flakyBackend fails every call with a transient error.
type flakyBackend struct {
	origin.Backend
	calls atomic.Int64
}

func (f *flakyBackend) Latest(ctx context.Context, collection string) (int64, error) {
	f.calls.Add(1)
	return 0, errors.Wrap(origin.ErrUnavailable, "induced outage")
}

func TestSyncRefreshesEmptyCache(t *testing.T) {
	ctx := context.Background()
	backend := origin.NewMemory()
	store := cache.NewMemory()
	putBlob(t, backend, "features", 1, []byte("payload-v1"))

	engine := New(backend, store, logger.NewTestLogger(), testConfig())
	res, err := engine.Sync(ctx, "features")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Equal(t, int64(0), res.FromVersion)
	assert.Equal(t, int64(1), res.ToVersion)

	entry, found, err := store.Get(ctx, "features")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), entry.Version)

	meta, payload, err := codec.Decode(entry.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-v1"), payload)
	assert.Equal(t, meta.Checksum, entry.Checksum)
}

func TestSyncNoOpWhenCurrent(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Backend: origin.NewMemory()}
	store := cache.NewMemory()
	putBlob(t, backend, "features", 1, []byte("v1"))

	engine := New(backend, store, logger.NewTestLogger(), testConfig())
	res, err := engine.Sync(ctx, "features")
	require.NoError(t, err)
	require.Equal(t, OutcomeSynced, res.Outcome)

	res, err = engine.Sync(ctx, "features")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCurrent, res.Outcome)
	assert.Equal(t, int64(1), res.FromVersion)
	assert.Equal(t, int64(1), res.ToVersion)
	assert.Equal(t, int64(1), backend.gets.Load(), "a current cache must not refetch the blob")
}

func TestSyncNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	backend := origin.NewMemory()
	store := cache.NewMemory()
	putBlob(t, backend, "features", 1, []byte("v1"))

	// Cache already ahead of the origin (e.g. origin listing lagging behind
	// a concurrent writer).
	blob, err := codec.Encode(codec.Metadata{Name: "features", Version: 5}, []byte("v5"))
	require.NoError(t, err)
	ok, err := store.CompareAndSet(ctx, "features", 0, cache.Entry{Version: 5, Payload: blob})
	require.NoError(t, err)
	require.True(t, ok)

	engine := New(backend, store, logger.NewTestLogger(), testConfig())
	res, err := engine.Sync(ctx, "features")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCurrent, res.Outcome)

	entry, _, err := store.Get(ctx, "features")
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.Version)
}

func TestSyncLeaseDenied(t *testing.T) {
	ctx := context.Background()
	backend := origin.NewMemory()
	store := cache.NewMemory()
	putBlob(t, backend, "features", 1, []byte("v1"))

	// Someone else is mid-refresh.
	granted, err := store.AcquireLease(ctx, "features", "other-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, granted)

	engine := New(backend, store, logger.NewTestLogger(), testConfig())
	res, err := engine.Sync(ctx, "features")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, res.Outcome)

	// Nothing was written.
	_, found, err := store.Get(ctx, "features")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSyncReleasesLeaseAfterRefresh(t *testing.T) {
	ctx := context.Background()
	backend := origin.NewMemory()
	store := cache.NewMemory()
	putBlob(t, backend, "features", 1, []byte("v1"))

	engine := New(backend, store, logger.NewTestLogger(), testConfig())
	_, err := engine.Sync(ctx, "features")
	require.NoError(t, err)

	granted, err := store.AcquireLease(ctx, "features", "someone-else", time.Minute)
	require.NoError(t, err)
	assert.True(t, granted, "lease must be released after a refresh completes")
}

func TestSyncOriginNotFound(t *testing.T) {
	engine := New(origin.NewMemory(), cache.NewMemory(), logger.NewTestLogger(), testConfig())
	_, err := engine.Sync(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, origin.ErrNotFound))
	assert.False(t, errors.Is(err, ErrSyncFailed), "not-found is a caller error, not a retry exhaustion")
}

func TestSyncRetryBudgetExhausted(t *testing.T) {
	backend := &flakyBackend{Backend: origin.NewMemory()}
	engine := New(backend, cache.NewMemory(), logger.NewTestLogger(), testConfig())

	_, err := engine.Sync(context.Background(), "features")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSyncFailed))
	assert.Equal(t, int64(3), backend.calls.Load(), "transient failures retry up to the budget")
}

func TestSyncChecksumMismatchNotBlindlyRetried(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Backend: origin.NewMemory()}
	store := cache.NewMemory()

	// Store a blob whose payload was corrupted after encoding.
	blob, err := codec.Encode(codec.Metadata{Name: "features", Version: 1}, []byte("good payload"))
	require.NoError(t, err)
	blob[len(blob)-3] ^= 0xff
	require.NoError(t, backend.PutVersion(ctx, "features", 1, blob))

	engine := New(backend, store, logger.NewTestLogger(), testConfig())
	_, err = engine.Sync(ctx, "features")
	require.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrChecksumMismatch))
	// One fresh fetch is permitted, nothing more.
	assert.Equal(t, int64(2), backend.gets.Load())

	// The corrupt blob never reached the cache.
	_, found, err := store.Get(ctx, "features")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConcurrentSyncsSingleWinner(t *testing.T) {
	ctx := context.Background()
	backend := origin.NewMemory()
	store := cache.NewMemory()
	putBlob(t, backend, "features", 1, []byte("v1"))

	const workers = 8
	var wg sync.WaitGroup
	var synced atomic.Int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine := New(backend, store, logger.NewTestLogger(), testConfig())
			res, err := engine.Sync(ctx, "features")
			if assert.NoError(t, err) && res.Outcome == OutcomeSynced {
				synced.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), synced.Load(), "exactly one concurrent refresh may win")
	entry, found, err := store.Get(ctx, "features")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), entry.Version)
}

func TestGuardRenewsDuringSlowRefresh(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	guard := NewGuard(store, "slow", "holder-a", 60*time.Millisecond, logger.NewTestLogger())

	granted, err := guard.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, granted)

	// Well past the original TTL, the renew loop must have kept the lease.
	time.Sleep(150 * time.Millisecond)
	denied, err := store.AcquireLease(ctx, "slow", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, denied, "lease must still be held while the guard renews")

	guard.Release()
	granted, err = store.AcquireLease(ctx, "slow", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, granted)
}
