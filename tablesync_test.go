package tablesync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configmesh/tablesync/config"
	"github.com/configmesh/tablesync/logger"
	"github.com/configmesh/tablesync/tablestore"
)

func memoryConfig() config.Config {
	cfg := config.Default()
	cfg.Origin = config.OriginConfig{Kind: "memory"}
	cfg.Cache = config.CacheConfig{Kind: "memory"}
	return cfg
}

func TestRuntimeLifecycle(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx, memoryConfig(), logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close(), "Close is idempotent")
}

func TestRuntimeRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Origin.Kind = "dynamo"
	_, err := New(context.Background(), cfg, logger.NewTestLogger())
	require.Error(t, err)
}

func TestRuntimeCommitNotifiesListener(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx, memoryConfig(), logger.NewTestLogger())
	require.NoError(t, err)
	defer rt.Close()

	listener, err := rt.Listen(ctx)
	require.NoError(t, err)

	writer, err := rt.Store("features")
	require.NoError(t, err)
	require.NoError(t, writer.AddTable(ctx, "features"))
	require.NoError(t, writer.UpdateRow(ctx, "features", "x", tablestore.Row{"value": true}))
	version, err := writer.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	require.NoError(t, listener.Close())

	// Commit already advanced the cache; the notification path must at most
	// confirm it, never regress it.
	res, err := rt.Engine().Sync(ctx, "features")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ToVersion)

	reader, err := rt.Store("features")
	require.NoError(t, err)
	row, err := reader.FindRow(ctx, "features", "x")
	require.NoError(t, err)
	assert.Equal(t, true, row["value"])
}

func TestRuntimeEndToEndConvergence(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.Sync.LeaseTTL = config.Duration(time.Second)
	rt, err := New(ctx, cfg, logger.NewTestLogger())
	require.NoError(t, err)
	defer rt.Close()

	writer, err := rt.Store("features")
	require.NoError(t, err)
	require.NoError(t, writer.AddTable(ctx, "features"))
	require.NoError(t, writer.UpdateRow(ctx, "features", "x", tablestore.Row{"value": false}))
	_, err = writer.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, writer.UpdateRow(ctx, "features", "x", tablestore.Row{"value": true}))
	v, err := writer.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	reader, err := rt.Store("features")
	require.NoError(t, err)
	require.NoError(t, reader.Refresh(ctx))
	row, err := reader.FindRow(ctx, "features", "x")
	require.NoError(t, err)
	assert.Equal(t, true, row["value"])
	assert.Equal(t, int64(2), reader.Version())
}
