package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// casScript performs the conditional entry replacement atomically. The entry
// is a hash {v, p, c}; the script rejects the write unless the current
// version equals the expected one and the new version moves forward.
var casScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'v') or '0')
local expected = tonumber(ARGV[1])
local new = tonumber(ARGV[2])
if cur ~= expected or new <= cur then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'p', ARGV[3], 'c', ARGV[4])
return 1
`)

// renewScript extends the lease only for its current holder.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript drops the lease only for its current holder, so a holder
// whose lease expired cannot delete a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type redisStore struct {
	client *redis.Client
	cfg    config
}

var _ Store = (*redisStore)(nil)

// NewRedis returns a Store backed by Redis. The caller owns the redis.Client
// lifecycle — Close is a no-op on the client.
func NewRedis(client *redis.Client, opts ...Option) Store {
	return &redisStore{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *redisStore) entryKey(key string) string {
	if s.cfg.prefix == "" {
		return "entry:" + key
	}
	return s.cfg.prefix + ":entry:" + key
}

func (s *redisStore) leaseKey(key string) string {
	if s.cfg.prefix == "" {
		return "lease:" + key
	}
	return s.cfg.prefix + ":lease:" + key
}

func (s *redisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	fields, err := s.client.HMGet(qctx, s.entryKey(key), "v", "p", "c").Result()
	if err != nil {
		return Entry{}, false, errors.Wrapf(ErrUnavailable, "get %q: %v", key, err)
	}
	if fields[0] == nil {
		return Entry{}, false, nil
	}
	version, err := strconv.ParseInt(fields[0].(string), 10, 64)
	if err != nil {
		return Entry{}, false, errors.Wrapf(ErrUnavailable, "get %q: bad version field: %v", key, err)
	}
	e := Entry{Version: version}
	if p, ok := fields[1].(string); ok {
		e.Payload = []byte(p)
	}
	if c, ok := fields[2].(string); ok {
		e.Checksum = c
	}
	return e, true, nil
}

func (s *redisStore) CompareAndSet(ctx context.Context, key string, expected int64, e Entry) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := casScript.Run(qctx, s.client, []string{s.entryKey(key)},
		expected, e.Version, e.Payload, e.Checksum).Int()
	if err != nil {
		return false, errors.Wrapf(ErrUnavailable, "cas %q: %v", key, err)
	}
	return res == 1, nil
}

func (s *redisStore) Invalidate(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := s.client.Del(qctx, s.entryKey(key)).Result()
	if err != nil {
		return false, errors.Wrapf(ErrUnavailable, "invalidate %q: %v", key, err)
	}
	return n > 0, nil
}

func (s *redisStore) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	granted, err := s.client.SetNX(qctx, s.leaseKey(key), holder, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(ErrUnavailable, "acquire lease %q: %v", key, err)
	}
	if granted {
		return true, nil
	}
	// Re-acquiring our own live lease counts as granted; it just resets the clock.
	renewed, err := s.RenewLease(ctx, key, holder, ttl)
	if err != nil {
		return false, err
	}
	return renewed, nil
}

func (s *redisStore) RenewLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := renewScript.Run(qctx, s.client, []string{s.leaseKey(key)},
		holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(ErrUnavailable, "renew lease %q: %v", key, err)
	}
	return res == 1, nil
}

func (s *redisStore) ReleaseLease(ctx context.Context, key, holder string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if _, err := releaseScript.Run(qctx, s.client, []string{s.leaseKey(key)}, holder).Int(); err != nil {
		return errors.Wrapf(ErrUnavailable, "release lease %q: %v", key, err)
	}
	return nil
}

// Close is a no-op — the caller owns the redis.Client lifecycle.
func (s *redisStore) Close() error {
	return nil
}
