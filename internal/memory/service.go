// Package memory serves ranked user memories from the vector index.
//
// Memories live in two semantic tiers: conversation summaries (tier 2),
// ranked by query relevance alone, and long-term knowledge (tier 3),
// ranked by a composite of stored importance and query relevance. Recent
// turns (tier 1) are not memories at all; the session store serves those
// by recency.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agenticwork/awchat/internal/contextbudget"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/vectorindex"
	"github.com/agenticwork/awchat/internal/vectorindex/embed"
	"github.com/agenticwork/awchat/pkg/models"
)

const (
	defaultLimit     = 10
	defaultThreshold = 0.3
)

// Index is the slice of the vector gateway the service depends on.
type Index interface {
	Insert(ctx context.Context, collection string, docs []vectorindex.Document) error
	Search(ctx context.Context, collection string, q vectorindex.Query) ([]vectorindex.Hit, error)
	Delete(ctx context.Context, collection string, f vectorindex.DeleteFilter) (int64, error)
}

// Filters narrows a memory search.
type Filters struct {
	// Types restricts results to the given memory types. Empty means all.
	Types []models.MemoryType
	// Threshold drops hits below the given similarity. Zero applies the
	// service default.
	Threshold float64
	// Since drops memories created before the given time.
	Since time.Time
}

// Service retrieves and maintains per-user memories.
type Service struct {
	index    Index
	embedder embed.Embedder
	logger   *observability.Logger
}

// NewService creates a memory service over the given index and embedder.
func NewService(index Index, embedder embed.Embedder, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{index: index, embedder: embedder, logger: logger}
}

// Search returns the user's memories most relevant to the query, ranked by
// tier: summaries by similarity, long-term items by composite score. Results
// from both tiers are interleaved in score order and capped at limit.
func (s *Service) Search(ctx context.Context, userID, query string, filters Filters, limit int) ([]*models.Memory, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	threshold := filters.Threshold
	if threshold == 0 {
		threshold = defaultThreshold
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	q := vectorindex.Query{
		Embedding: vec,
		K:         fetchK(filters, limit),
		Threshold: threshold,
		UserID:    userID,
	}
	// A single requested type is pushed down to the index; broader type
	// sets are filtered after the fetch.
	if len(filters.Types) == 1 {
		q.Metadata = map[string]string{"type": string(filters.Types[0])}
	}

	hits, err := s.index.Search(ctx, vectorindex.CollectionUserMemory, q)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	memories := make([]*models.Memory, 0, len(hits))
	for _, hit := range hits {
		mem := memoryFromHit(hit)
		if !matchesFilters(mem, filters) {
			continue
		}
		memories = append(memories, mem)
	}

	sort.SliceStable(memories, func(i, j int) bool {
		return rankScore(memories[i]) > rankScore(memories[j])
	})
	if len(memories) > limit {
		memories = memories[:limit]
	}

	s.logger.Debug(ctx, "memory search",
		"user_id", userID,
		"hits", len(hits),
		"returned", len(memories))
	return memories, nil
}

// Save embeds and stores a memory for the user. A missing ID is generated
// and a missing token count estimated.
func (s *Service) Save(ctx context.Context, userID string, mem *models.Memory) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if mem.Content == "" {
		return fmt.Errorf("memory content is required")
	}
	if mem.Type == "" {
		mem.Type = models.MemoryDomainKnowledge
	}
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	if mem.TokenCount == 0 {
		mem.TokenCount = contextbudget.EstimateMemory(mem)
	}

	vec, err := s.embedder.Embed(ctx, embedText(mem))
	if err != nil {
		return fmt.Errorf("embed memory: %w", err)
	}

	doc := vectorindex.Document{
		ID:        mem.ID,
		UserID:    userID,
		Content:   mem.Content,
		Metadata:  metadataFromMemory(mem),
		Embedding: vec,
	}
	if err := s.index.Insert(ctx, vectorindex.CollectionUserMemory, []vectorindex.Document{doc}); err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	return nil
}

// Forget deletes the user's memories with the given IDs and reports how
// many were removed.
func (s *Service) Forget(ctx context.Context, userID string, ids []string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return s.index.Delete(ctx, vectorindex.CollectionUserMemory, vectorindex.DeleteFilter{
		IDs:    ids,
		UserID: userID,
	})
}

// fetchK widens the fetch when type filtering happens after the search.
func fetchK(filters Filters, limit int) int {
	if len(filters.Types) > 1 || !filters.Since.IsZero() {
		return limit * 2
	}
	return limit
}

// rankScore orders mixed-tier results: composite for long-term memories,
// plain relevance for summaries.
func rankScore(mem *models.Memory) float64 {
	if mem.IsSummary() {
		return mem.Relevance
	}
	return mem.CompositeScore()
}

func matchesFilters(mem *models.Memory, filters Filters) bool {
	if len(filters.Types) > 0 {
		found := false
		for _, t := range filters.Types {
			if mem.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !filters.Since.IsZero() && mem.CreatedAt.Before(filters.Since) {
		return false
	}
	return true
}

// embedText is the text indexed for a memory. The summary is included so
// summary-phrased queries land on the memory even when the raw content is
// verbose.
func embedText(mem *models.Memory) string {
	if mem.Summary != "" {
		return mem.Summary + "\n" + mem.Content
	}
	return mem.Content
}

func metadataFromMemory(mem *models.Memory) map[string]any {
	meta := map[string]any{
		"type":       string(mem.Type),
		"created_at": mem.CreatedAt.UTC().Format(time.RFC3339),
	}
	if mem.Summary != "" {
		meta["summary"] = mem.Summary
	}
	if mem.Importance > 0 {
		meta["importance"] = mem.Importance
	}
	if mem.TokenCount > 0 {
		meta["token_count"] = mem.TokenCount
	}
	if len(mem.Entities) > 0 {
		entities := make([]any, len(mem.Entities))
		for i, e := range mem.Entities {
			entities[i] = e
		}
		meta["entities"] = entities
	}
	return meta
}

// memoryFromHit projects a vector hit back into a memory. Metadata decoded
// from JSONB arrives as map[string]any with float64 numbers.
func memoryFromHit(hit vectorindex.Hit) *models.Memory {
	mem := &models.Memory{
		ID:        hit.ID,
		Content:   hit.Content,
		Relevance: hit.Score,
	}
	if v, ok := hit.Metadata["type"].(string); ok {
		mem.Type = models.MemoryType(v)
	}
	if v, ok := hit.Metadata["summary"].(string); ok {
		mem.Summary = v
	}
	if v, ok := hit.Metadata["importance"].(float64); ok {
		mem.Importance = v
	}
	if v, ok := hit.Metadata["token_count"].(float64); ok {
		mem.TokenCount = int(v)
	}
	if v, ok := hit.Metadata["entities"].([]any); ok {
		for _, e := range v {
			if s, ok := e.(string); ok {
				mem.Entities = append(mem.Entities, s)
			}
		}
	}
	if v, ok := hit.Metadata["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			mem.CreatedAt = t
		}
	}
	return mem
}
