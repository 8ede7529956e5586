package cache

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	holder string
	expiry time.Time
}

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	leases  map[string]memoryLease
	cfg     config
}

var _ Store = (*memoryStore)(nil)

// NewMemory returns an in-process Store. It mirrors the Redis semantics
// exactly, including lease expiry, so tests and single-process deployments
// behave the same way.
func NewMemory(opts ...Option) Store {
	return &memoryStore{
		entries: make(map[string]Entry),
		leases:  make(map[string]memoryLease),
		cfg:     applyOptions(opts),
	}
}

func (s *memoryStore) key(key string) string {
	if s.cfg.prefix == "" {
		return key
	}
	return s.cfg.prefix + ":" + key
}

func (s *memoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[s.key(key)]
	if !ok {
		return Entry{}, false, nil
	}
	payload := make([]byte, len(e.Payload))
	copy(payload, e.Payload)
	e.Payload = payload
	return e, true, nil
}

func (s *memoryStore) CompareAndSet(_ context.Context, key string, expected int64, e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(key)
	var current int64
	if cur, ok := s.entries[k]; ok {
		current = cur.Version
	}
	if current != expected || e.Version <= current {
		return false, nil
	}
	payload := make([]byte, len(e.Payload))
	copy(payload, e.Payload)
	e.Payload = payload
	s.entries[k] = e
	return true, nil
}

func (s *memoryStore) Invalidate(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(key)
	_, ok := s.entries[k]
	delete(s.entries, k)
	return ok, nil
}

func (s *memoryStore) AcquireLease(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(key)
	if lease, ok := s.leases[k]; ok && lease.expiry.After(time.Now()) && lease.holder != holder {
		return false, nil
	}
	s.leases[k] = memoryLease{holder: holder, expiry: time.Now().Add(ttl)}
	return true, nil
}

func (s *memoryStore) RenewLease(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(key)
	lease, ok := s.leases[k]
	if !ok || lease.holder != holder || !lease.expiry.After(time.Now()) {
		return false, nil
	}
	lease.expiry = time.Now().Add(ttl)
	s.leases[k] = lease
	return true, nil
}

func (s *memoryStore) ReleaseLease(_ context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(key)
	if lease, ok := s.leases[k]; ok && lease.holder == holder {
		delete(s.leases, k)
	}
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
