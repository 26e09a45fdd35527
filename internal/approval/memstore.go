package approval

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a map-backed Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Item)}
}

func (s *MemoryStore) Create(ctx context.Context, item Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.RequestID]; exists {
		return false, nil
	}
	s.items[item.RequestID] = item
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, requestID string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[requestID]
	if !exists {
		return Item{}, ErrNotFound
	}
	return item, nil
}

func (s *MemoryStore) Update(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.RequestID]; !exists {
		return ErrNotFound
	}
	s.items[item.RequestID] = item
	return nil
}

func (s *MemoryStore) List(ctx context.Context, status Status) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []Item
	for _, item := range s.items {
		if status == "" || item.Status == status {
			items = append(items, item)
		}
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
