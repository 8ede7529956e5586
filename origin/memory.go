package origin

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

type memoryBackend struct {
	mu    sync.RWMutex
	blobs map[string]map[int64][]byte
}

var _ Backend = (*memoryBackend)(nil)

// NewMemory returns an in-process Backend. Used by tests and as a scratch
// origin for single-process tooling; contents are lost on restart.
func NewMemory() Backend {
	return &memoryBackend{
		blobs: make(map[string]map[int64][]byte),
	}
}

func (b *memoryBackend) Put(_ context.Context, collection string, payload []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	versions, ok := b.blobs[collection]
	if !ok {
		versions = make(map[int64][]byte)
		b.blobs[collection] = versions
	}
	var next int64 = 1
	for v := range versions {
		if v >= next {
			next = v + 1
		}
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	versions[next] = buf
	return next, nil
}

func (b *memoryBackend) PutVersion(_ context.Context, collection string, version int64, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	versions, ok := b.blobs[collection]
	if !ok {
		versions = make(map[int64][]byte)
		b.blobs[collection] = versions
	}
	if _, exists := versions[version]; exists {
		return errors.Wrapf(ErrVersionConflict, "collection %q version %d", collection, version)
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	versions[version] = buf
	return nil
}

func (b *memoryBackend) Get(_ context.Context, collection string, version int64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	versions, ok := b.blobs[collection]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "collection %q", collection)
	}
	payload, ok := versions[version]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "collection %q version %d", collection, version)
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return buf, nil
}

func (b *memoryBackend) Latest(_ context.Context, collection string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	versions, ok := b.blobs[collection]
	if !ok || len(versions) == 0 {
		return 0, errors.Wrapf(ErrNotFound, "collection %q", collection)
	}
	var latest int64
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

func (b *memoryBackend) ListVersions(_ context.Context, collection string) ([]int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	versions, ok := b.blobs[collection]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "collection %q", collection)
	}
	out := make([]int64, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
