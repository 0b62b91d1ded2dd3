package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agenticwork/awchat/internal/storage"
)

// MemoryKeyStore is an in-memory key store for tests and local runs.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

// NewMemoryKeyStore creates an empty in-memory store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryKeyStore) Insert(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.ID]; exists {
		return fmt.Errorf("api key %s already exists", key.ID)
	}
	s.keys[key.ID] = cloneKey(key)
	return nil
}

func (s *MemoryKeyStore) FindByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*APIKey
	for _, key := range s.keys {
		if key.Prefix == prefix {
			out = append(out, cloneKey(key))
		}
	}
	return out, nil
}

func (s *MemoryKeyStore) ListByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*APIKey
	for _, key := range s.keys {
		if key.UserID == userID {
			out = append(out, cloneKey(key))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryKeyStore) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[id]
	if !ok || key.UserID != userID {
		return fmt.Errorf("delete api key %s: %w", id, storage.ErrNotFound)
	}
	delete(s.keys, id)
	return nil
}

func (s *MemoryKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[id]; ok {
		key.LastUsedAt = &at
	}
	return nil
}
