// Package syncer keeps the cache converged with the origin. The engine
// compares the cached version of a collection against the origin's latest,
// and when the origin is ahead it refreshes the cache entry under a
// distributed lease, using compare-and-set so concurrent refreshes can never
// move a collection backwards.
package syncer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/configmesh/tablesync/cache"
	"github.com/configmesh/tablesync/codec"
	"github.com/configmesh/tablesync/logger"
	"github.com/configmesh/tablesync/origin"
	"github.com/configmesh/tablesync/resilience"
)

// ErrSyncFailed is returned when a refresh exhausts its retry budget. The
// wrapped cause explains which backend gave out.
var ErrSyncFailed = errors.New("syncer: sync failed")

// Outcome describes what a Sync invocation did.
type Outcome int

const (
	// OutcomeCurrent means the cache already reflected the origin's latest
	// version, or another refresh advanced it first. Nothing was written.
	OutcomeCurrent Outcome = iota
	// OutcomeSynced means this invocation advanced the cache entry.
	OutcomeSynced
	// OutcomeInProgress means the lease was denied: another refresh is
	// running and the caller should proceed with the stale cache or poll.
	OutcomeInProgress
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCurrent:
		return "current"
	case OutcomeSynced:
		return "synced"
	case OutcomeInProgress:
		return "in-progress"
	default:
		return "unknown"
	}
}

// Result reports the observed versions of a Sync invocation.
type Result struct {
	Outcome     Outcome
	FromVersion int64
	ToVersion   int64
}

// Config tunes the refresh behavior.
type Config struct {
	// LeaseTTL bounds the exclusive refresh section. It must exceed the
	// expected fetch duration; the guard renews at TTL/3 for slow fetches.
	LeaseTTL time.Duration
	// Retry governs transient backend failures (ErrUnavailable only).
	Retry resilience.RetryConfig
	// Breaker optionally guards origin fetches. Nil disables it.
	Breaker *resilience.CircuitBreaker
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		LeaseTTL: 30 * time.Second,
		Retry:    resilience.DefaultRetryConfig(),
	}
}

// Engine drives cache refreshes for collections.
type Engine struct {
	origin origin.Backend
	store  cache.Store
	cfg    Config
	holder string
	log    logger.Logger
}

// New creates an engine. Each engine instance gets a unique lease holder id.
func New(backend origin.Backend, store cache.Store, log logger.Logger, cfg Config) *Engine {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = isTransient
	}
	return &Engine{
		origin: backend,
		store:  store,
		cfg:    cfg,
		holder: uuid.NewString(),
		log:    log.With(map[string]interface{}{"component": "syncer"}),
	}
}

// isTransient reports whether an error is worth retrying with backoff.
// Not-found, corruption and lease denials are surfaced immediately.
func isTransient(err error) bool {
	return errors.Is(err, origin.ErrUnavailable) || errors.Is(err, cache.ErrUnavailable)
}

// Sync refreshes the cache entry for a collection if the origin has a newer
// version. It is safe to invoke concurrently from any number of processes:
// the lease serializes refreshes and the CAS makes racing writes benign.
func (e *Engine) Sync(ctx context.Context, collection string) (Result, error) {
	log := e.log.With(map[string]interface{}{"collection": collection})

	cachedVersion, err := e.cachedVersion(ctx, collection)
	if err != nil {
		return Result{}, errors.Wrapf(ErrSyncFailed, "read cache version: %v", err)
	}

	latest, err := e.originLatest(ctx, collection)
	if err != nil {
		if errors.Is(err, origin.ErrNotFound) {
			return Result{}, err
		}
		return Result{}, errors.Wrapf(ErrSyncFailed, "read origin version: %v", err)
	}

	if latest <= cachedVersion {
		log.Debug("cache already current at v%d", cachedVersion)
		return Result{Outcome: OutcomeCurrent, FromVersion: cachedVersion, ToVersion: cachedVersion}, nil
	}

	guard := NewGuard(e.store, collection, e.holder, e.cfg.LeaseTTL, log)
	granted, err := guard.Acquire(ctx)
	if err != nil {
		return Result{}, errors.Wrapf(ErrSyncFailed, "acquire lease: %v", err)
	}
	if !granted {
		log.Debug("refresh already in progress elsewhere (cache v%d, origin v%d)", cachedVersion, latest)
		return Result{Outcome: OutcomeInProgress, FromVersion: cachedVersion, ToVersion: latest}, nil
	}
	defer guard.Release()

	blob, meta, err := e.fetchVerified(ctx, log, collection, latest)
	if err != nil {
		return Result{}, err
	}

	entry := cache.Entry{Version: latest, Payload: blob, Checksum: meta.Checksum}
	var swapped bool
	err = resilience.Retry(ctx, e.cfg.Retry, func(ctx context.Context) error {
		var casErr error
		swapped, casErr = e.store.CompareAndSet(ctx, collection, cachedVersion, entry)
		return casErr
	})
	if err != nil {
		return Result{}, errors.Wrapf(ErrSyncFailed, "cas cache entry: %v", err)
	}
	if !swapped {
		// Another refresh advanced the entry to >= latest first. Our fetch
		// is discarded; the cache is current either way.
		log.Debug("cas conflict: entry already advanced past v%d", cachedVersion)
		return Result{Outcome: OutcomeCurrent, FromVersion: cachedVersion, ToVersion: latest}, nil
	}

	log.Info("refreshed cache v%d -> v%d", cachedVersion, latest)
	return Result{Outcome: OutcomeSynced, FromVersion: cachedVersion, ToVersion: latest}, nil
}

// cachedVersion reads the current cache entry version; absent counts as 0.
func (e *Engine) cachedVersion(ctx context.Context, collection string) (int64, error) {
	var version int64
	err := resilience.Retry(ctx, e.cfg.Retry, func(ctx context.Context) error {
		entry, found, err := e.store.Get(ctx, collection)
		if err != nil {
			return err
		}
		if found {
			version = entry.Version
		}
		return nil
	})
	return version, err
}

func (e *Engine) originLatest(ctx context.Context, collection string) (int64, error) {
	var latest int64
	err := resilience.Retry(ctx, e.cfg.Retry, func(ctx context.Context) error {
		return e.throughBreaker(ctx, func(ctx context.Context) error {
			var err error
			latest, err = e.origin.Latest(ctx, collection)
			return err
		})
	})
	return latest, err
}

// fetchVerified fetches a blob version and checksum-verifies it. A checksum
// mismatch is corruption and is not blindly retried; one fresh fetch is
// permitted in case the first read was the corrupt one.
func (e *Engine) fetchVerified(ctx context.Context, log logger.Logger, collection string, version int64) ([]byte, codec.Metadata, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		var blob []byte
		err := resilience.Retry(ctx, e.cfg.Retry, func(ctx context.Context) error {
			return e.throughBreaker(ctx, func(ctx context.Context) error {
				var err error
				blob, err = e.origin.Get(ctx, collection, version)
				return err
			})
		})
		if err != nil {
			return nil, codec.Metadata{}, errors.Wrapf(ErrSyncFailed, "fetch %s v%d: %v", collection, version, err)
		}

		meta, _, err := codec.Decode(blob)
		if err == nil {
			if meta.Version != version {
				log.Warn("blob at v%d carries metadata version %d; trusting origin numbering", version, meta.Version)
			}
			return blob, meta, nil
		}
		lastErr = err
		if !errors.Is(err, codec.ErrChecksumMismatch) {
			return nil, codec.Metadata{}, err
		}
		log.Error("checksum mismatch on %s v%d (attempt %d)", collection, version, attempt+1)
	}
	return nil, codec.Metadata{}, lastErr
}

func (e *Engine) throughBreaker(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.cfg.Breaker == nil {
		return fn(ctx)
	}
	return e.cfg.Breaker.Execute(ctx, fn)
}
