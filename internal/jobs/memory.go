package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticwork/awchat/internal/storage"
)

// MemoryStore keeps jobs in memory, for tests and single-node setups
// without a database.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	keys []string
}

// NewMemoryStore returns an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.keys = append(s.keys, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("update job %s: %w", job.ID, storage.ErrNotFound)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, storage.ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, userID string, limit, offset int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Insertion order is creation order; newest first mirrors the
	// database store.
	var matched []*Job
	for i := len(s.keys) - 1; i >= 0; i-- {
		job, ok := s.jobs[s.keys[i]]
		if !ok {
			continue
		}
		if userID != "" && job.UserID != userID {
			continue
		}
		matched = append(matched, job)
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*Job, 0, end-offset)
	for _, job := range matched[offset:end] {
		out = append(out, job.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var pruned int64
	kept := s.keys[:0]
	for _, id := range s.keys {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			pruned++
			continue
		}
		kept = append(kept, id)
	}
	s.keys = kept
	return pruned, nil
}
