// Package tablesync distributes versioned configuration tables: writers
// commit immutable blob versions to a durable origin, a sync engine projects
// the latest version into a fast cache, and readers serve lookups from the
// cache without ever touching the origin on the hot path.
//
// The Runtime is the explicit composition root: it builds the configured
// backends once and hands out stores, the sync engine and the trigger
// handler that share them. Create it, use it, and Close it; there is no
// package-level state.
package tablesync

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/configmesh/tablesync/cache"
	"github.com/configmesh/tablesync/config"
	"github.com/configmesh/tablesync/eventing"
	"github.com/configmesh/tablesync/logger"
	"github.com/configmesh/tablesync/origin"
	"github.com/configmesh/tablesync/resilience"
	"github.com/configmesh/tablesync/syncer"
	"github.com/configmesh/tablesync/tablestore"
	"github.com/configmesh/tablesync/trigger"
)

// Runtime wires the configured backends together with an explicit lifecycle.
type Runtime struct {
	cfg     config.Config
	log     logger.Logger
	origin  origin.Backend
	cache   cache.Store
	rdb     *redis.Client
	bus     eventing.Client
	engine  *syncer.Engine
	handler *trigger.Handler
}

// New builds a runtime from configuration. Close must be called when done.
func New(ctx context.Context, cfg config.Config, log logger.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{cfg: cfg, log: log}

	backend, err := buildOrigin(ctx, cfg.Origin)
	if err != nil {
		return nil, err
	}
	r.origin = backend

	cacheStore, rdb, err := buildCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	r.cache = cacheStore
	r.rdb = rdb

	bus, err := buildBus(ctx, cfg.Eventing, log, rdb)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.bus = bus

	r.engine = syncer.New(backend, cacheStore, log, syncerConfig(cfg.Sync))

	handlerOpts := []trigger.HandlerOption{
		trigger.WithDeadLetter(deadLetter(cfg.Eventing, log, rdb)),
	}
	if w := cfg.Eventing.DedupeWindow.Std(); w > 0 {
		handlerOpts = append(handlerOpts, trigger.WithDedupeWindow(w))
	}
	r.handler = trigger.NewHandler(r.engine, log, handlerOpts...)

	return r, nil
}

// Store returns a table store for one collection, wired to publish change
// notifications on commit.
func (r *Runtime) Store(collection string) (*tablestore.Store, error) {
	notifier := trigger.NewNotifier(r.bus, r.cfg.Eventing.Subject, r.cfg.ServiceName)
	return tablestore.NewStore(collection, r.origin, r.cache, r.log,
		tablestore.WithPublisher(notifier))
}

// Engine returns the shared sync engine.
func (r *Runtime) Engine() *syncer.Engine {
	return r.engine
}

// Handler returns the shared trigger handler.
func (r *Runtime) Handler() *trigger.Handler {
	return r.handler
}

// Listen starts consuming change notifications from the bus, dispatching
// them to the trigger handler until the context is cancelled.
func (r *Runtime) Listen(ctx context.Context) (*trigger.Listener, error) {
	// Commits publish on the queue path, so listeners always join a group.
	queue := r.cfg.Eventing.Queue
	if queue == "" {
		queue = "tablesync-workers"
	}
	opts := []trigger.ListenerOption{trigger.WithQueue(queue)}
	if r.cfg.Eventing.MaxInFlight > 0 {
		opts = append(opts, trigger.WithMaxInFlight(r.cfg.Eventing.MaxInFlight))
	}
	return trigger.Listen(ctx, r.bus, r.cfg.Eventing.Subject, r.handler, r.log, opts...)
}

// Close releases every resource the runtime owns. Safe to call more than
// once and on a partially constructed runtime.
func (r *Runtime) Close() error {
	var errs []error
	if r.handler != nil {
		r.handler.Close()
		r.handler = nil
	}
	if r.bus != nil {
		errs = append(errs, r.bus.Close())
		r.bus = nil
	}
	if r.cache != nil {
		errs = append(errs, r.cache.Close())
		r.cache = nil
	}
	if r.rdb != nil {
		errs = append(errs, r.rdb.Close())
		r.rdb = nil
	}
	return errors.Join(errs...)
}

func buildOrigin(ctx context.Context, cfg config.OriginConfig) (origin.Backend, error) {
	switch cfg.Kind {
	case "s3":
		client, err := origin.NewS3Client(ctx, origin.S3ClientConfig{
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			AccessKey:    cfg.AccessKey,
			SecretKey:    cfg.SecretKey,
			UsePathStyle: cfg.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		var opts []origin.S3Option
		if cfg.Prefix != "" {
			opts = append(opts, origin.WithPrefix(cfg.Prefix))
		}
		return origin.NewS3(client, cfg.Bucket, opts...), nil
	case "file":
		return origin.NewFile(cfg.Dir)
	case "memory":
		return origin.NewMemory(), nil
	default:
		return nil, errors.Newf("unknown origin kind %q", cfg.Kind)
	}
}

func buildCache(cfg config.CacheConfig) (cache.Store, *redis.Client, error) {
	var opts []cache.Option
	if cfg.Prefix != "" {
		opts = append(opts, cache.WithPrefix(cfg.Prefix))
	}
	if cfg.QueryTimeout.Std() > 0 {
		opts = append(opts, cache.WithQueryTimeout(cfg.QueryTimeout.Std()))
	}
	switch cfg.Kind {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		return cache.NewRedis(rdb, opts...), rdb, nil
	case "memory":
		return cache.NewMemory(opts...), nil, nil
	default:
		return nil, nil, errors.Newf("unknown cache kind %q", cfg.Kind)
	}
}

func buildBus(ctx context.Context, cfg config.EventingConfig, log logger.Logger, rdb *redis.Client) (eventing.Client, error) {
	switch cfg.Kind {
	case "redis":
		return eventing.NewRedisClient(ctx, log, rdb)
	case "", "memory":
		return eventing.NewMemoryClient(), nil
	default:
		return nil, errors.Newf("unknown eventing kind %q", cfg.Kind)
	}
}

func deadLetter(cfg config.EventingConfig, log logger.Logger, rdb *redis.Client) trigger.DeadLetter {
	if cfg.DeadLetterStream != "" && rdb != nil {
		return trigger.NewRedisDeadLetter(rdb, cfg.DeadLetterStream)
	}
	return trigger.NewLogDeadLetter(log)
}

func syncerConfig(cfg config.SyncConfig) syncer.Config {
	out := syncer.DefaultConfig()
	if cfg.LeaseTTL.Std() > 0 {
		out.LeaseTTL = cfg.LeaseTTL.Std()
	}
	retry := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	if cfg.InitialBackoff.Std() > 0 {
		retry.InitialBackoff = cfg.InitialBackoff.Std()
	}
	if cfg.MaxBackoff.Std() > 0 {
		retry.MaxBackoff = cfg.MaxBackoff.Std()
	}
	if cfg.BackoffMultiplier >= 1 {
		retry.BackoffMultiplier = cfg.BackoffMultiplier
	}
	out.Retry = retry

	if cfg.BreakerMaxFailures > 0 {
		breakerCfg := resilience.DefaultCircuitBreakerConfig()
		breakerCfg.MaxFailures = cfg.BreakerMaxFailures
		if cfg.BreakerTimeout.Std() > 0 {
			breakerCfg.Timeout = cfg.BreakerTimeout.Std()
		}
		out.Breaker = resilience.NewCircuitBreaker(breakerCfg)
	}
	return out
}
