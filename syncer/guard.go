package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/configmesh/tablesync/cache"
	"github.com/configmesh/tablesync/logger"
)

// Guard coordinates the exclusive refresh section for one collection using
// a time-bounded lease in the cache store. At most one holder across all
// process instances may refresh a collection at a time; the TTL guarantees
// eventual release when a holder crashes.
type Guard struct {
	store  cache.Store
	key    string
	holder string
	ttl    time.Duration
	log    logger.Logger

	mu       sync.Mutex
	held     bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewGuard creates a guard for one collection. The holder id must be unique
// per process instance.
func NewGuard(store cache.Store, key, holder string, ttl time.Duration, log logger.Logger) *Guard {
	return &Guard{
		store:  store,
		key:    key,
		holder: holder,
		ttl:    ttl,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Acquire attempts to take the lease. A denial is not an error: it means
// another refresh is already in progress and the caller should back off.
// On grant, a background loop renews the lease at a third of the TTL so a
// slow origin fetch does not outlive its exclusivity.
func (g *Guard) Acquire(ctx context.Context) (bool, error) {
	granted, err := g.store.AcquireLease(ctx, g.key, g.holder, g.ttl)
	if err != nil || !granted {
		return false, err
	}
	g.mu.Lock()
	g.held = true
	g.mu.Unlock()
	go g.renewLoop()
	return true, nil
}

func (g *Guard) renewLoop() {
	defer close(g.done)
	interval := g.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			// Renewal failure means the lease expired or was taken over;
			// the refresh still completes and its CAS settles the outcome.
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			renewed, err := g.store.RenewLease(ctx, g.key, g.holder, g.ttl)
			cancel()
			if err != nil {
				g.log.Warn("lease renewal failed for %q: %v", g.key, err)
			} else if !renewed {
				g.log.Warn("lease for %q lost before refresh completed", g.key)
				return
			}
		}
	}
}

// Release drops the lease. It is safe to call multiple times and always
// runs, success or failure, as the guaranteed cleanup step of a refresh.
// It uses its own deadline so a cancelled refresh context cannot leave the
// lease to dangle for a full TTL.
func (g *Guard) Release() {
	g.mu.Lock()
	held := g.held
	g.held = false
	g.mu.Unlock()
	if !held {
		return
	}
	g.stopOnce.Do(func() { close(g.stop) })
	<-g.done

	ctx, cancel := context.WithTimeout(context.Background(), cache.DefaultQueryTimeout)
	defer cancel()
	if err := g.store.ReleaseLease(ctx, g.key, g.holder); err != nil {
		// TTL expiry will clean up; the next refresh just waits a bit longer.
		g.log.Warn("lease release failed for %q: %v", g.key, err)
	}
}
