package admin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agenticwork/awchat/internal/storage"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu       sync.RWMutex
	config   map[string]ConfigEntry
	requests map[string]AccessRequest
	users    map[string]AllowlistEntry
	domains  map[string]AllowlistEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		config:   make(map[string]ConfigEntry),
		requests: make(map[string]AccessRequest),
		users:    make(map[string]AllowlistEntry),
		domains:  make(map[string]AllowlistEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) GetConfig(_ context.Context, key string) (*ConfigEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.config[key]
	if !ok {
		return nil, fmt.Errorf("runtime config %s: %w", key, storage.ErrNotFound)
	}
	clone := cloneConfigEntry(entry)
	return &clone, nil
}

func (s *MemoryStore) SetConfig(_ context.Context, entry *ConfigEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[entry.Key] = cloneConfigEntry(*entry)
	return nil
}

func (s *MemoryStore) ListConfig(_ context.Context) ([]ConfigEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]ConfigEntry, 0, len(s.config))
	for _, entry := range s.config {
		entries = append(entries, cloneConfigEntry(entry))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *MemoryStore) CreateAccessRequest(_ context.Context, req *AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return fmt.Errorf("access request %s already exists", req.ID)
	}
	s.requests[req.ID] = cloneAccessRequest(*req)
	return nil
}

func (s *MemoryStore) GetAccessRequest(_ context.Context, id string) (*AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("access request %s: %w", id, storage.ErrNotFound)
	}
	clone := cloneAccessRequest(req)
	return &clone, nil
}

func (s *MemoryStore) FindPendingRequest(_ context.Context, email string) (*AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *AccessRequest
	for id := range s.requests {
		req := s.requests[id]
		if req.Email != email || req.Status != StatusPending {
			continue
		}
		if oldest == nil || req.CreatedAt.Before(oldest.CreatedAt) {
			clone := cloneAccessRequest(req)
			oldest = &clone
		}
	}
	if oldest == nil {
		return nil, fmt.Errorf("pending access request for %s: %w", email, storage.ErrNotFound)
	}
	return oldest, nil
}

func (s *MemoryStore) ListAccessRequests(_ context.Context, status RequestStatus) ([]AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var reqs []AccessRequest
	for _, req := range s.requests {
		if status != "" && req.Status != status {
			continue
		}
		reqs = append(reqs, cloneAccessRequest(req))
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.After(reqs[j].CreatedAt) })
	return reqs, nil
}

func (s *MemoryStore) DecideAccessRequest(_ context.Context, id string, status RequestStatus, decidedBy string, decidedAt time.Time) (*AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("access request %s: %w", id, storage.ErrNotFound)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("decide access request %s: %w", id, ErrAlreadyDecided)
	}
	req.Status = status
	req.DecidedBy = decidedBy
	req.DecidedAt = &decidedAt
	s.requests[id] = req
	clone := cloneAccessRequest(req)
	return &clone, nil
}

func (s *MemoryStore) AddAllowedUser(_ context.Context, email, addedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return nil
	}
	s.users[email] = AllowlistEntry{Value: email, AddedBy: addedBy, CreatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) RemoveAllowedUser(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; !ok {
		return fmt.Errorf("allowed user %s: %w", email, storage.ErrNotFound)
	}
	delete(s.users, email)
	return nil
}

func (s *MemoryStore) ListAllowedUsers(_ context.Context) ([]AllowlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedAllowlist(s.users), nil
}

func (s *MemoryStore) AllowedUserExists(_ context.Context, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[email]
	return ok, nil
}

func (s *MemoryStore) AddAllowedDomain(_ context.Context, domain, addedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[domain]; ok {
		return nil
	}
	s.domains[domain] = AllowlistEntry{Value: domain, AddedBy: addedBy, CreatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) RemoveAllowedDomain(_ context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[domain]; !ok {
		return fmt.Errorf("allowed domain %s: %w", domain, storage.ErrNotFound)
	}
	delete(s.domains, domain)
	return nil
}

func (s *MemoryStore) ListAllowedDomains(_ context.Context) ([]AllowlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedAllowlist(s.domains), nil
}

func (s *MemoryStore) AllowedDomainExists(_ context.Context, domain string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.domains[domain]
	return ok, nil
}

func sortedAllowlist(m map[string]AllowlistEntry) []AllowlistEntry {
	entries := make([]AllowlistEntry, 0, len(m))
	for _, entry := range m {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Value < entries[j].Value })
	return entries
}

func cloneConfigEntry(entry ConfigEntry) ConfigEntry {
	clone := entry
	clone.Value = append([]byte(nil), entry.Value...)
	return clone
}

func cloneAccessRequest(req AccessRequest) AccessRequest {
	clone := req
	if req.DecidedAt != nil {
		at := *req.DecidedAt
		clone.DecidedAt = &at
	}
	return clone
}
