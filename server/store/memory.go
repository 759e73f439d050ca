package store

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is the in-process fallback used when no Redis host is
// configured, and the fixture for state-machine tests. TTL semantics match
// Redis: expired keys read as absent even before the cleanup pass removes
// them.
type MemoryStore struct {
	items   map[string]*memoryItem
	sets    map[string]map[string]struct{}
	mutex   sync.RWMutex
	cleanup *time.Ticker
	stopCh  chan struct{}
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		items:  make(map[string]*memoryItem),
		sets:   make(map[string]map[string]struct{}),
		stopCh: make(chan struct{}),
	}

	s.cleanup = time.NewTicker(time.Second)
	go s.cleanupExpired()

	return s
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	item := &memoryItem{value: value}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mutex.RLock()
	item, exists := s.items[key]
	s.mutex.RUnlock()

	if !exists || item.expired() {
		return nil, ErrNotFound
	}
	return item.value, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	item, exists := s.items[key]
	return exists && !item.expired(), nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	item, exists := s.items[key]
	if !exists || item.expired() {
		return 0, ErrNotFound
	}
	if item.expiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(item.expiresAt), nil
}

func (s *MemoryStore) AddToSet(ctx context.Context, set, member string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.sets[set] == nil {
		s.sets[set] = make(map[string]struct{})
	}
	s.sets[set][member] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveFromSet(ctx context.Context, set, member string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.sets[set], member)
	return nil
}

func (s *MemoryStore) SetMembers(ctx context.Context, set string) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	members := make([]string, 0, len(s.sets[set]))
	for member := range s.sets[set] {
		members = append(members, member)
	}
	return members, nil
}

func (s *MemoryStore) Close() error {
	if s.cleanup != nil {
		s.cleanup.Stop()
	}
	close(s.stopCh)
	return nil
}

// Expire forces a key to expire immediately. Test hook: simulates TTL expiry
// without waiting wall-clock time.
func (s *MemoryStore) Expire(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.items, key)
}

func (item *memoryItem) expired() bool {
	return !item.expiresAt.IsZero() && time.Now().After(item.expiresAt)
}

func (s *MemoryStore) cleanupExpired() {
	for {
		select {
		case <-s.cleanup.C:
			s.mutex.Lock()
			for key, item := range s.items {
				if item.expired() {
					delete(s.items, key)
				}
			}
			s.mutex.Unlock()
		case <-s.stopCh:
			return
		}
	}
}
