package origin

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendUnderTest lets memory and file backends share one suite.
func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()
	fileBackend, err := NewFile(t.TempDir())
	require.NoError(t, err)
	return map[string]Backend{
		"memory": NewMemory(),
		"file":   fileBackend,
	}
}

func TestPutAssignsMonotonicVersions(t *testing.T) {
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			v1, err := b.Put(ctx, "features", []byte("one"))
			require.NoError(t, err)
			assert.Equal(t, int64(1), v1)

			v2, err := b.Put(ctx, "features", []byte("two"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), v2)

			latest, err := b.Latest(ctx, "features")
			require.NoError(t, err)
			assert.Equal(t, int64(2), latest)

			versions, err := b.ListVersions(ctx, "features")
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2}, versions)
		})
	}
}

func TestReadAfterWrite(t *testing.T) {
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			v, err := b.Put(ctx, "c", []byte("payload"))
			require.NoError(t, err)

			data, err := b.Get(ctx, "c", v)
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), data)
		})
	}
}

func TestMissingCollectionAndVersion(t *testing.T) {
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := b.Latest(ctx, "nope")
			assert.True(t, errors.Is(err, ErrNotFound))

			_, err = b.Get(ctx, "nope", 1)
			assert.True(t, errors.Is(err, ErrNotFound))

			_, err = b.ListVersions(ctx, "nope")
			assert.True(t, errors.Is(err, ErrNotFound))

			_, err = b.Put(ctx, "c", []byte("x"))
			require.NoError(t, err)
			_, err = b.Get(ctx, "c", 42)
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestBlobsAreImmutableCopies(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	payload := []byte("original")
	v, err := b.Put(ctx, "c", payload)
	require.NoError(t, err)

	payload[0] = 'X' // caller mutating its buffer must not affect the stored blob

	data, err := b.Get(ctx, "c", v)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data)

	data[0] = 'Y' // nor should a reader mutating the returned buffer
	again, err := b.Get(ctx, "c", v)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestConcurrentWritersGetDistinctVersions(t *testing.T) {
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const writers = 8
			var wg sync.WaitGroup
			versions := make([]int64, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					v, err := b.Put(ctx, "racy", []byte{byte(i)})
					assert.NoError(t, err)
					versions[i] = v
				}(i)
			}
			wg.Wait()

			seen := make(map[int64]bool)
			for _, v := range versions {
				assert.False(t, seen[v], "version %d assigned twice", v)
				seen[v] = true
			}
			latest, err := b.Latest(ctx, "racy")
			require.NoError(t, err)
			assert.Equal(t, int64(writers), latest)
		})
	}
}

func TestPutVersionConflict(t *testing.T) {
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.PutVersion(ctx, "c", 1, []byte("first")))

			err := b.PutVersion(ctx, "c", 1, []byte("second"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrVersionConflict))

			// The losing write did not clobber the blob.
			data, err := b.Get(ctx, "c", 1)
			require.NoError(t, err)
			assert.Equal(t, []byte("first"), data)

			// Put continues past the claimed version.
			v, err := b.Put(ctx, "c", []byte("third"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), v)
		})
	}
}

func TestParseVersionFilename(t *testing.T) {
	v, ok := parseVersionFilename("v000000000042.blob")
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)

	for _, bad := range []string{"v.blob", "x000000000042.blob", "v000000000042.tmp", ".put-123", "v-00001.blob"} {
		_, ok := parseVersionFilename(bad)
		assert.False(t, ok, "expected %q to be rejected", bad)
	}
}
