package eventing

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		h := Headers{"key": "value"}
		assert.Equal(t, "value", h.Get("key"))
		assert.Equal(t, "", h.Get("nonexistent"))
	})

	t.Run("Set", func(t *testing.T) {
		h := Headers{}
		h.Set("key", "value")
		assert.Equal(t, "value", h.Get("key"))

		h.Set("key", "new-value")
		assert.Equal(t, "new-value", h.Get("key"))
	})

	t.Run("Keys", func(t *testing.T) {
		h := Headers{"key1": "value1", "key2": "value2"}
		keys := h.Keys()
		assert.Len(t, keys, 2)
		assert.Contains(t, keys, "key1")
		assert.Contains(t, keys, "key2")
	})
}

func TestWithHeader(t *testing.T) {
	opts := &publishOptions{}

	WithHeader("key1", "value1")(opts)
	assert.Len(t, opts.Headers, 1)
	assert.Equal(t, []string{"key1", "value1"}, opts.Headers[0])

	WithHeader("key2", "value2")(opts)
	assert.Len(t, opts.Headers, 2)
	assert.Equal(t, []string{"key2", "value2"}, opts.Headers[1])
}

func TestMemoryBroadcast(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	defer client.Close()

	var mu sync.Mutex
	var received []string
	for i := 0; i < 3; i++ {
		_, err := client.Subscribe(ctx, "changes", func(ctx context.Context, msg Message) {
			mu.Lock()
			received = append(received, string(msg.Data()))
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	require.NoError(t, client.Publish(ctx, "changes", []byte("v2"), WithHeader("origin", "writer-1")))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 3, "every subscriber sees a broadcast")
}

func TestMemoryQueueDeliversToOneMember(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	defer client.Close()

	var mu sync.Mutex
	counts := make([]int, 2)
	for i := 0; i < 2; i++ {
		i := i
		_, err := client.QueueSubscribe(ctx, "changes", "workers", func(ctx context.Context, msg Message) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		require.NoError(t, client.QueuePublish(ctx, "changes", []byte("ping")))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, counts[0]+counts[1], "each message goes to exactly one group member")
}

func TestMemoryUnsubscribe(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	defer client.Close()

	var delivered int
	sub, err := client.Subscribe(ctx, "changes", func(ctx context.Context, msg Message) {
		delivered++
	})
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, "changes", []byte("one")))
	require.NoError(t, sub.Close())
	require.NoError(t, client.Publish(ctx, "changes", []byte("two")))

	assert.Equal(t, 1, delivered)
}

func TestHeadersReachSubscribers(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	defer client.Close()

	var got Headers
	_, err := client.Subscribe(ctx, "changes", func(ctx context.Context, msg Message) {
		got = msg.Headers()
	})
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "changes", []byte("x"), WithHeader("event-id", "abc")))
	require.Equal(t, "abc", got.Get("event-id"))
}
