package config

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
service_name: tablesync-prod
log_level: debug
origin:
  kind: s3
  bucket: config-blobs
  prefix: tablesync
  region: us-east-1
cache:
  kind: redis
  addr: localhost:6379
  prefix: ts
  query_timeout: 2s
sync:
  lease_ttl: 30s
  max_retries: 5
  initial_backoff: 100ms
  max_backoff: 5s
  backoff_multiplier: 2.0
eventing:
  kind: redis
  subject: tablesync.changes
  queue: workers
  dedupe_window: 10m
`))
	require.NoError(t, err)
	assert.Equal(t, "tablesync-prod", cfg.ServiceName)
	assert.Equal(t, "s3", cfg.Origin.Kind)
	assert.Equal(t, "config-blobs", cfg.Origin.Bucket)
	assert.Equal(t, 2*time.Second, cfg.Cache.QueryTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Sync.LeaseTTL.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Sync.InitialBackoff.Std())
	assert.Equal(t, 10*time.Minute, cfg.Eventing.DedupeWindow.Std())
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
origin:
  kind: memory
cache:
  kind: memory
`))
	require.NoError(t, err)
	assert.Equal(t, "tablesync", cfg.ServiceName)
	assert.Equal(t, "tablesync.changes", cfg.Eventing.Subject)
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("TS_REDIS_ADDR", "redis.internal:6379")

	cfg, err := Parse([]byte(`
origin:
  kind: file
  dir: ${TS_DATA_DIR:-/var/lib/tablesync}
cache:
  kind: redis
  addr: ${TS_REDIS_ADDR}
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tablesync", cfg.Origin.Dir)
	assert.Equal(t, "redis.internal:6379", cfg.Cache.Addr)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown origin kind", "origin:\n  kind: dynamo\ncache:\n  kind: memory\n"},
		{"s3 without bucket", "origin:\n  kind: s3\ncache:\n  kind: memory\n"},
		{"redis cache without addr", "origin:\n  kind: memory\ncache:\n  kind: redis\n"},
		{"unknown cache kind", "origin:\n  kind: memory\ncache:\n  kind: sqlite\n"},
		{"redis eventing on memory cache", "origin:\n  kind: memory\ncache:\n  kind: memory\neventing:\n  kind: redis\n"},
		{"bad backoff multiplier", "origin:\n  kind: memory\ncache:\n  kind: memory\nsync:\n  backoff_multiplier: 0.5\n"},
		{"bad duration", "origin:\n  kind: memory\ncache:\n  kind: memory\nsync:\n  lease_ttl: soon\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestInterpolate(t *testing.T) {
	lookup := func(m map[string]string) LookupFunc {
		return func(name string) (string, bool) {
			v, ok := m[name]
			return v, ok
		}
	}

	env := map[string]string{"HOST": "redis-1", "EMPTY": ""}

	assert.Equal(t, "addr: redis-1:6379", Interpolate("addr: ${HOST}:6379", lookup(env)))
	assert.Equal(t, "fallback", Interpolate("${MISSING:-fallback}", lookup(env)))
	assert.Equal(t, "fallback", Interpolate("${EMPTY:-fallback}", lookup(env)))
	assert.Equal(t, "${MISSING}", Interpolate("${MISSING}", lookup(env)), "unset without default is preserved")
	assert.Equal(t, "${unclosed", Interpolate("${unclosed", lookup(env)))
	assert.Equal(t, "plain text", Interpolate("plain text", lookup(env)))
	assert.Equal(t, "${}", Interpolate("${}", lookup(env)))
}
