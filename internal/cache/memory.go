package cache

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memItem struct {
	v       []byte
	expires time.Time
	noexp   bool
}

func (it memItem) expired(now time.Time) bool {
	return !it.noexp && !it.expires.IsZero() && now.After(it.expires)
}

// MemoryStore is a process-local Store and Locker, used when no redis address
// is configured. Locks only exclude callers within the same process.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memItem{}}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if it.expired(time.Now()) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return clone(it.v), true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = ctx
	s.mu.Lock()
	s.items[key] = newItem(value, ttl)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key]; ok && !it.expired(time.Now()) {
		return false, nil
	}
	s.items[key] = newItem([]byte(token), ttl)
	return true, nil
}

func (s *MemoryStore) Unlock(ctx context.Context, key, token string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key]; ok && bytes.Equal(it.v, []byte(token)) {
		delete(s.items, key)
	}
	return nil
}

func newItem(value []byte, ttl time.Duration) memItem {
	it := memItem{v: clone(value)}
	if ttl <= 0 {
		it.noexp = true
	} else {
		it.expires = time.Now().Add(ttl)
	}
	return it
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var _ LockStore = (*MemoryStore)(nil)
