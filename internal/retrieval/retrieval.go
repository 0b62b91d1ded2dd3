// Package retrieval fans a query out across the vector collections and
// merges the hits into a single ranked result set.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/vectorindex"
	"github.com/agenticwork/awchat/internal/vectorindex/embed"
)

// ResultType identifies which collection family a result came from.
type ResultType string

const (
	ResultMemory   ResultType = "memory"
	ResultArtifact ResultType = "artifact"
	ResultDocument ResultType = "document"
)

// Result is a unified search hit across all collection families.
type Result struct {
	ID        string     `json:"id"`
	Type      ResultType `json:"type"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Score     float64    `json:"score"`
	Source    string     `json:"source"`
	UserID    string     `json:"user_id,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Reasons   []string   `json:"reasons,omitempty"`
}

// Options narrows a unified search. When none of the include flags are set
// all families are searched.
type Options struct {
	IncludeMemories  bool              `json:"include_memories"`
	IncludeArtifacts bool              `json:"include_artifacts"`
	IncludeDocuments bool              `json:"include_documents"`
	Types            []string          `json:"types,omitempty"`
	Limit            int               `json:"limit"`
	Threshold        float64           `json:"threshold"`
	Since            time.Time         `json:"since"`
	Until            time.Time         `json:"until"`
	MetadataFilters  map[string]string `json:"metadata_filters,omitempty"`
}

// SearchLog is the analytics record for one unified search.
type SearchLog struct {
	UserID      string
	Query       string
	Collections []string
	ResultCount int
	TopScore    float64
	Duration    time.Duration
}

// SearchLogger persists search analytics rows. Logging is best-effort;
// failures never fail the search.
type SearchLogger interface {
	LogSearch(ctx context.Context, entry SearchLog) error
}

// Searcher is the slice of the vector gateway the orchestrator uses.
type Searcher interface {
	Search(ctx context.Context, collection string, q vectorindex.Query) ([]vectorindex.Hit, error)
}

type family struct {
	typ        ResultType
	collection string
	// scopeUser restricts the vector query to the caller. Documents are
	// shared, so they search unscoped and apply the privacy check per hit.
	scopeUser bool
}

// Service is the unified retrieval orchestrator.
type Service struct {
	index     Searcher
	embedder  embed.Embedder
	logs      SearchLogger
	logger    *observability.Logger
	limit     int
	threshold float64
}

// NewService creates the orchestrator. logs may be nil to disable search
// analytics.
func NewService(index Searcher, embedder embed.Embedder, logs SearchLogger, cfg config.RetrievalConfig, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	limit := cfg.DefaultLimit
	if limit <= 0 {
		limit = 10
	}
	threshold := cfg.ScoreThreshold
	if threshold == 0 {
		threshold = 0.3
	}
	return &Service{
		index:     index,
		embedder:  embedder,
		logs:      logs,
		logger:    logger,
		limit:     limit,
		threshold: threshold,
	}
}

// Search embeds the query once, searches every selected collection family
// concurrently, and returns the merged hits sorted by descending score. A
// failing family degrades the result set; the search fails only when every
// family fails.
func (s *Service) Search(ctx context.Context, userID, query string, opts Options) ([]Result, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	start := time.Now()

	limit := opts.Limit
	if limit <= 0 {
		limit = s.limit
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = s.threshold
	}
	families := selectFamilies(opts)

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var (
		mu      sync.Mutex
		results []Result
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, fam := range families {
		fam := fam
		g.Go(func() error {
			q := vectorindex.Query{
				Embedding: vec,
				K:         limit * 2,
				Threshold: threshold,
				Metadata:  opts.MetadataFilters,
			}
			if fam.scopeUser {
				q.UserID = userID
			}
			hits, err := s.index.Search(gctx, fam.collection, q)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", fam.collection, err))
				return nil
			}
			for _, hit := range hits {
				if r, ok := convert(fam, hit, userID, opts); ok {
					results = append(results, r)
				}
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // family errors are collected under the mutex

	if len(errs) == len(families) {
		return nil, fmt.Errorf("search failed: %w", errors.Join(errs...))
	}
	for _, ferr := range errs {
		s.logger.Warn(ctx, "retrieval family degraded", "error", ferr)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}

	s.recordLog(ctx, userID, query, families, results, time.Since(start))
	return results, nil
}

func selectFamilies(opts Options) []family {
	all := !opts.IncludeMemories && !opts.IncludeArtifacts && !opts.IncludeDocuments
	var fams []family
	if all || opts.IncludeMemories {
		fams = append(fams, family{typ: ResultMemory, collection: vectorindex.CollectionUserMemory, scopeUser: true})
	}
	if all || opts.IncludeArtifacts {
		fams = append(fams, family{typ: ResultArtifact, collection: vectorindex.CollectionUserArtifacts, scopeUser: true})
	}
	if all || opts.IncludeDocuments {
		fams = append(fams, family{typ: ResultDocument, collection: vectorindex.CollectionAppDocs})
	}
	return fams
}

// convert applies the per-hit predicates and builds the unified result.
func convert(fam family, hit vectorindex.Hit, userID string, opts Options) (Result, bool) {
	if isPrivate(hit) && hit.UserID != userID {
		return Result{}, false
	}
	if len(opts.Types) > 0 {
		typ, _ := hit.Metadata["type"].(string)
		if !contains(opts.Types, typ) {
			return Result{}, false
		}
	}
	createdAt := createdAtOf(hit)
	if !opts.Since.IsZero() && createdAt != nil && createdAt.Before(opts.Since) {
		return Result{}, false
	}
	if !opts.Until.IsZero() && createdAt != nil && createdAt.After(opts.Until) {
		return Result{}, false
	}

	return Result{
		ID:        hit.ID,
		Type:      fam.typ,
		Title:     titleOf(hit),
		Content:   hit.Content,
		Score:     hit.Score,
		Source:    fam.collection,
		UserID:    hit.UserID,
		CreatedAt: createdAt,
		Reasons:   []string{fmt.Sprintf("semantic match (%.2f) in %s", hit.Score, fam.collection)},
	}, true
}

func isPrivate(hit vectorindex.Hit) bool {
	v, ok := hit.Metadata["is_private"].(bool)
	return ok && v
}

func createdAtOf(hit vectorindex.Hit) *time.Time {
	v, ok := hit.Metadata["created_at"].(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

// titleOf prefers explicit metadata titles, falling back to the first line
// of the content.
func titleOf(hit vectorindex.Hit) string {
	for _, key := range []string{"title", "filename", "name"} {
		if v, ok := hit.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	title := hit.Content
	for i, r := range title {
		if r == '\n' {
			title = title[:i]
			break
		}
	}
	runes := []rune(title)
	if len(runes) > 80 {
		title = string(runes[:80])
	}
	return title
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func (s *Service) recordLog(ctx context.Context, userID, query string, families []family, results []Result, elapsed time.Duration) {
	if s.logs == nil {
		return
	}
	collections := make([]string, len(families))
	for i, fam := range families {
		collections[i] = fam.collection
	}
	entry := SearchLog{
		UserID:      userID,
		Query:       query,
		Collections: collections,
		ResultCount: len(results),
		Duration:    elapsed,
	}
	if len(results) > 0 {
		entry.TopScore = results[0].Score
	}
	if err := s.logs.LogSearch(ctx, entry); err != nil {
		s.logger.Warn(ctx, "search log write failed", "error", err)
	}
}
