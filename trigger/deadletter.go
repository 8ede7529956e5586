package trigger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/configmesh/tablesync/logger"
)

// DeadLetter receives events whose sync exhausted the retry budget. A missed
// refresh otherwise leaves the cache stale until the next notification, so
// these must land somewhere observable.
type DeadLetter interface {
	Deliver(ctx context.Context, event ChangeEvent, cause error) error
}

// logDeadLetter records failed events at error level. The fallback when no
// durable sink is configured.
type logDeadLetter struct {
	log logger.Logger
}

var _ DeadLetter = (*logDeadLetter)(nil)

// NewLogDeadLetter creates a dead-letter sink that only logs.
func NewLogDeadLetter(log logger.Logger) DeadLetter {
	return &logDeadLetter{log: log.With(map[string]interface{}{"component": "dead-letter"})}
}

func (d *logDeadLetter) Deliver(ctx context.Context, event ChangeEvent, cause error) error {
	d.log.Error("event for %s dead-lettered: %v", event.Collection, cause)
	return nil
}

// redisDeadLetter appends failed events to a Redis stream so an operator or
// replayer can inspect and reprocess them.
type redisDeadLetter struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

var _ DeadLetter = (*redisDeadLetter)(nil)

// NewRedisDeadLetter creates a dead-letter sink writing to the given stream.
func NewRedisDeadLetter(rdb *redis.Client, stream string) DeadLetter {
	return &redisDeadLetter{rdb: rdb, stream: stream, maxLen: 10000}
}

func (d *redisDeadLetter) Deliver(ctx context.Context, event ChangeEvent, cause error) error {
	payload, err := event.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal dead-letter event")
	}
	err = d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Approx: true,
		MaxLen: d.maxLen,
		Values: map[string]interface{}{
			"event":     payload,
			"error":     cause.Error(),
			"failed_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return errors.Wrap(err, "append dead-letter entry")
	}
	return nil
}
