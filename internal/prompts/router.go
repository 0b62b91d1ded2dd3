package prompts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/internal/infra"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/vectorindex"
	"github.com/agenticwork/awchat/internal/vectorindex/embed"
	"github.com/agenticwork/awchat/pkg/models"
)

// TemplateCollection is the vector collection holding template embeddings.
const TemplateCollection = "prompt-templates"

// Scoring weights. Trigger matches dominate similarity on purpose: an
// operator who attached a phrase to a template wants it to fire.
const (
	triggerWeight = 2.0
	groupBonus    = 0.5
	defaultBonus  = 0.1

	candidateCount = 8
)

// Index is the slice of the vector gateway the router uses.
type Index interface {
	EnsureCollection(ctx context.Context, name string, schema vectorindex.Schema) error
	Insert(ctx context.Context, collection string, docs []vectorindex.Document) error
	Search(ctx context.Context, collection string, q vectorindex.Query) ([]vectorindex.Hit, error)
	Delete(ctx context.Context, collection string, f vectorindex.DeleteFilter) (int64, error)
}

// GroupResolver reports the groups a user belongs to. A nil resolver means
// group bonuses never apply.
type GroupResolver interface {
	GroupsFor(ctx context.Context, userID string) ([]string, error)
}

// RouterStats reports router state for the admin surface.
type RouterStats struct {
	StoreCounts
	Cache infra.CacheStats `json:"cache"`
}

// Router selects the system-prompt template for each query.
type Router struct {
	store    Store
	index    Index
	embedder embed.Embedder
	groups   GroupResolver
	logger   *observability.Logger
	metrics  *observability.Metrics

	threshold   float64
	contextMsgs int
	cache       *infra.TTLCache[string, *models.PromptTemplate]
}

// NewRouter creates a template router. groups may be nil.
func NewRouter(store Store, index Index, embedder embed.Embedder, groups GroupResolver, cfg config.TemplatesConfig, logger *observability.Logger, metrics *observability.Metrics) *Router {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsWithRegistry(nil)
	}
	return &Router{
		store:       store,
		index:       index,
		embedder:    embedder,
		groups:      groups,
		logger:      logger,
		metrics:     metrics,
		threshold:   cfg.ScoreThreshold,
		contextMsgs: cfg.ContextMessages,
		cache: infra.NewTTLCache[string, *models.PromptTemplate](infra.CacheConfig{
			DefaultTTL: cfg.CacheTTL,
			MaxSize:    4096,
		}),
	}
}

// Close stops the router's cache janitor.
func (r *Router) Close() {
	r.cache.Stop()
}

// SelectTemplateForQuery picks the template for the user's query. An
// explicit assignment wins outright; otherwise candidates from the
// semantic index are scored with trigger, group, and default bonuses, and
// the default template backstops everything.
func (r *Router) SelectTemplateForQuery(ctx context.Context, userID, query string, conversationContext []*models.Message) (*models.PromptTemplate, error) {
	key := cacheKey(userID, query)
	if t, ok := r.cache.Get(key); ok {
		r.metrics.RecordTemplateCache("hit")
		return t, nil
	}
	r.metrics.RecordTemplateCache("miss")

	t, err := r.route(ctx, userID, query, conversationContext)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, t)
	return t, nil
}

func (r *Router) route(ctx context.Context, userID, query string, conversationContext []*models.Message) (*models.PromptTemplate, error) {
	if assigned, err := r.store.AssignedTemplate(ctx, userID); err == nil {
		return assigned, nil
	} else if !errors.Is(err, ErrTemplateNotFound) {
		r.logger.Warn(ctx, "assignment lookup failed", "user_id", userID, "error", err)
	}

	candidates, err := r.semanticCandidates(ctx, query, conversationContext)
	if err != nil {
		r.logger.Warn(ctx, "template search degraded to default", "error", err)
		return r.store.GetDefault(ctx)
	}
	if len(candidates) == 0 {
		return r.store.GetDefault(ctx)
	}

	var userGroups []string
	if r.groups != nil {
		userGroups, err = r.groups.GroupsFor(ctx, userID)
		if err != nil {
			r.logger.Warn(ctx, "group lookup failed", "user_id", userID, "error", err)
		}
	}

	best, bestScore := (*models.PromptTemplate)(nil), 0.0
	for _, cand := range candidates {
		score := r.scoreCandidate(cand.template, cand.similarity, query, userGroups)
		if best == nil || score > bestScore {
			best, bestScore = cand.template, score
		}
	}
	if best == nil {
		return r.store.GetDefault(ctx)
	}

	r.logger.Debug(ctx, "template routed",
		"user_id", userID,
		"template", best.Name,
		"score", bestScore)
	return best, nil
}

type candidate struct {
	template   *models.PromptTemplate
	similarity float64
}

func (r *Router) semanticCandidates(ctx context.Context, query string, conversationContext []*models.Message) ([]candidate, error) {
	text := query
	if n := r.contextMsgs; n > 0 && len(conversationContext) > 0 {
		recent := conversationContext
		if len(recent) > n {
			recent = recent[len(recent)-n:]
		}
		var b strings.Builder
		for _, msg := range recent {
			if msg.Content == "" {
				continue
			}
			b.WriteString(msg.Content)
			b.WriteString("\n")
		}
		b.WriteString(query)
		text = b.String()
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.index.Search(ctx, TemplateCollection, vectorindex.Query{
		Embedding: vec,
		K:         candidateCount,
		Threshold: r.threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("search templates: %w", err)
	}

	candidates := make([]candidate, 0, len(hits))
	for _, hit := range hits {
		t, err := r.store.Get(ctx, hit.ID)
		if err != nil {
			// Index and store can drift; a stale hit is skipped.
			continue
		}
		if !t.IsActive {
			continue
		}
		candidates = append(candidates, candidate{template: t, similarity: hit.Score})
	}
	return candidates, nil
}

func (r *Router) scoreCandidate(t *models.PromptTemplate, similarity float64, query string, userGroups []string) float64 {
	score := similarity
	lowered := strings.ToLower(query)
	for _, trigger := range t.Triggers {
		if trigger == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(trigger)) {
			score += triggerWeight
		}
	}
	if len(t.Groups) > 0 && t.AllowsGroup(userGroups) {
		score += groupBonus
	}
	if t.IsDefault {
		score += defaultBonus
	}
	return score
}

// GetDefault returns the active default template.
func (r *Router) GetDefault(ctx context.Context) (*models.PromptTemplate, error) {
	return r.store.GetDefault(ctx)
}

// Create stores a template and indexes its embedding.
func (r *Router) Create(ctx context.Context, t *models.PromptTemplate) error {
	if err := r.store.Create(ctx, t); err != nil {
		return err
	}
	if err := r.indexTemplate(ctx, t); err != nil {
		r.logger.Warn(ctx, "template indexing failed", "template", t.Name, "error", err)
	}
	r.cache.Clear()
	return nil
}

// Update rewrites a template and its embedding.
func (r *Router) Update(ctx context.Context, t *models.PromptTemplate) error {
	if err := r.store.Update(ctx, t); err != nil {
		return err
	}
	if err := r.indexTemplate(ctx, t); err != nil {
		r.logger.Warn(ctx, "template indexing failed", "template", t.Name, "error", err)
	}
	r.cache.Clear()
	return nil
}

// Delete removes a template, its embedding, and any assignments (cascade).
func (r *Router) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	if _, err := r.index.Delete(ctx, TemplateCollection, vectorindex.DeleteFilter{IDs: []string{id}}); err != nil {
		r.logger.Warn(ctx, "template deindexing failed", "template_id", id, "error", err)
	}
	r.cache.Clear()
	return nil
}

// Get returns one template by id.
func (r *Router) Get(ctx context.Context, id string) (*models.PromptTemplate, error) {
	return r.store.Get(ctx, id)
}

// List returns all templates, optionally only active ones.
func (r *Router) List(ctx context.Context, activeOnly bool) ([]*models.PromptTemplate, error) {
	return r.store.List(ctx, activeOnly)
}

// Assign pins a template to a user.
func (r *Router) Assign(ctx context.Context, userID, templateID, assignedBy string) error {
	if _, err := r.store.Get(ctx, templateID); err != nil {
		return err
	}
	if err := r.store.Assign(ctx, userID, templateID, assignedBy); err != nil {
		return err
	}
	r.cache.Clear()
	return nil
}

// Unassign removes a pinned template from a user.
func (r *Router) Unassign(ctx context.Context, userID, templateID string) error {
	if err := r.store.Unassign(ctx, userID, templateID); err != nil {
		return err
	}
	r.cache.Clear()
	return nil
}

// GetStats reports inventory and cache statistics.
func (r *Router) GetStats(ctx context.Context) (RouterStats, error) {
	counts, err := r.store.Counts(ctx)
	if err != nil {
		return RouterStats{}, err
	}
	return RouterStats{StoreCounts: counts, Cache: r.cache.Stats()}, nil
}

// Reindex ensures the template collection exists and rewrites every
// active template's embedding. Called at startup and after bulk imports.
func (r *Router) Reindex(ctx context.Context) (int, error) {
	if err := r.index.EnsureCollection(ctx, TemplateCollection, vectorindex.Schema{}); err != nil {
		return 0, fmt.Errorf("ensure template collection: %w", err)
	}
	templates, err := r.store.List(ctx, true)
	if err != nil {
		return 0, err
	}
	for _, t := range templates {
		if err := r.indexTemplate(ctx, t); err != nil {
			return 0, fmt.Errorf("index template %s: %w", t.Name, err)
		}
	}
	return len(templates), nil
}

// indexTemplate embeds the routable surface of a template: its name,
// triggers, category, and content.
func (r *Router) indexTemplate(ctx context.Context, t *models.PromptTemplate) error {
	parts := []string{t.Name}
	if t.Category != "" {
		parts = append(parts, t.Category)
	}
	parts = append(parts, t.Triggers...)
	parts = append(parts, t.Content)

	vec, err := r.embedder.Embed(ctx, strings.Join(parts, "\n"))
	if err != nil {
		return err
	}
	return r.index.Insert(ctx, TemplateCollection, []vectorindex.Document{{
		ID:      t.ID,
		Content: t.Content,
		Metadata: map[string]any{
			"name":     t.Name,
			"category": t.Category,
		},
		Embedding: vec,
	}})
}

func cacheKey(userID, query string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(query))
	return fmt.Sprintf("%s:%016x", userID, h.Sum64())
}
