package eventing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configmesh/tablesync/logger"
)

func newRedisTestClient(t *testing.T) Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	client, err := NewRedisClient(context.Background(), logger.NewTestLogger(), rdb)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	client := newRedisTestClient(t)

	received := make(chan Message, 1)
	sub, err := client.Subscribe(ctx, "changes", func(ctx context.Context, msg Message) {
		received <- msg
	})
	require.NoError(t, err)
	defer sub.Close()

	// The subscription goroutine needs a beat to attach.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Publish(ctx, "changes", []byte("features v2"), WithHeader("event-id", "e1")))

	select {
	case msg := <-received:
		assert.Equal(t, []byte("features v2"), msg.Data())
		assert.Equal(t, "e1", msg.Headers().Get("event-id"))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRedisSubscriberCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	client := newRedisTestClient(t)

	received := make(chan Message, 4)
	sub, err := client.Subscribe(ctx, "changes", func(ctx context.Context, msg Message) {
		received <- msg
	})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sub.Close())

	require.NoError(t, client.Publish(ctx, "changes", []byte("late")))
	select {
	case <-received:
		t.Fatal("closed subscriber must not receive messages")
	case <-time.After(100 * time.Millisecond):
	}
}
