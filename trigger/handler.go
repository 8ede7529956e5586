package trigger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jellydator/ttlcache/v3"

	"github.com/configmesh/tablesync/logger"
	"github.com/configmesh/tablesync/syncer"
)

// DefaultDedupeWindow is how long a processed event id short-circuits
// replays. Purely an optimization: correctness comes from the engine's
// version comparison, so a small window is fine.
const DefaultDedupeWindow = 5 * time.Minute

// Syncer is the slice of the sync engine the handler needs.
type Syncer interface {
	Sync(ctx context.Context, collection string) (syncer.Result, error)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithDedupeWindow overrides how long processed events are remembered.
func WithDedupeWindow(d time.Duration) HandlerOption {
	return func(h *Handler) { h.window = d }
}

// WithDeadLetter routes events that exhaust the sync retry budget to a
// dead-letter sink instead of only logging them.
func WithDeadLetter(dl DeadLetter) HandlerOption {
	return func(h *Handler) { h.deadLetter = dl }
}

// Handler processes change notifications idempotently. It is safe for
// concurrent use; bursts of duplicate notifications for one collection
// collapse to a single refresh.
type Handler struct {
	engine     Syncer
	log        logger.Logger
	window     time.Duration
	seen       *ttlcache.Cache[string, struct{}]
	deadLetter DeadLetter
}

// NewHandler creates a handler around a sync engine. Call Close when done to
// stop the dedupe cache's eviction loop.
func NewHandler(engine Syncer, log logger.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		engine: engine,
		log:    log.With(map[string]interface{}{"component": "trigger"}),
		window: DefaultDedupeWindow,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.seen = ttlcache.New(
		ttlcache.WithTTL[string, struct{}](h.window),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go h.seen.Start()
	return h
}

// Close stops the dedupe cache.
func (h *Handler) Close() {
	h.seen.Stop()
}

// Handle processes one notification. Replays of an already-processed event
// return OutcomeCurrent without touching any backend. A sync that exhausts
// its retry budget goes to the dead-letter path and the error is returned.
func (h *Handler) Handle(ctx context.Context, event ChangeEvent) (syncer.Result, error) {
	log := h.log.With(map[string]interface{}{"collection": event.Collection})

	key := event.dedupeKey()
	if key != "" && h.seen.Has(key) {
		log.Debug("duplicate notification %s suppressed", key)
		return syncer.Result{Outcome: syncer.OutcomeCurrent}, nil
	}

	res, err := h.engine.Sync(ctx, event.Collection)
	if err != nil {
		if errors.Is(err, syncer.ErrSyncFailed) {
			h.toDeadLetter(ctx, log, event, err)
		} else {
			log.Error("sync for %s failed: %v", event.Collection, err)
		}
		return syncer.Result{}, err
	}

	// Remember the event only once it was actually processed: a lease denial
	// means someone else was mid-refresh, and if that refresh dies before
	// its CAS the redelivery of this very notification is what heals the
	// cache. Failed attempts are likewise left for redelivery.
	if key != "" && res.Outcome != syncer.OutcomeInProgress {
		h.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)
	}

	log.Debug("notification handled: %s (v%d -> v%d)", res.Outcome, res.FromVersion, res.ToVersion)
	return res, nil
}

func (h *Handler) toDeadLetter(ctx context.Context, log logger.Logger, event ChangeEvent, cause error) {
	log.Error("retry budget exhausted for %s: %v", event.Collection, cause)
	if h.deadLetter == nil {
		return
	}
	if err := h.deadLetter.Deliver(ctx, event, cause); err != nil {
		log.Error("dead-letter delivery failed: %v", err)
	}
}
