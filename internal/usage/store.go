// Package usage persists per-turn prompt usage and search analytics.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agenticwork/awchat/internal/retrieval"
	"github.com/agenticwork/awchat/pkg/models"
)

// Stats aggregates a user's usage over a period.
type Stats struct {
	Turns            int64 `json:"turns"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Store writes usage_records and search_logs rows.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts one usage row for an assistant turn. A missing ID or
// timestamp is filled in.
func (s *Store) Record(ctx context.Context, rec *models.UsageRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	sources, err := marshalJSONB(rec.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	metadata, err := marshalJSONB(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO usage_records
		 (id, user_id, session_id, message_id, base_template, domain_template,
		  techniques, sources, prompt_tokens, completion_tokens, total_tokens,
		  metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID,
		rec.UserID,
		rec.SessionID,
		rec.MessageID,
		rec.BaseTemplate,
		rec.DomainTemplate,
		pq.Array(rec.Techniques),
		sources,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		metadata,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// LogSearch inserts one search analytics row. Implements
// retrieval.SearchLogger.
func (s *Store) LogSearch(ctx context.Context, entry retrieval.SearchLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO search_logs
		 (id, user_id, query, query_hash, collections, result_count, top_score, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(),
		entry.UserID,
		entry.Query,
		hashQuery(entry.Query),
		pq.Array(entry.Collections),
		entry.ResultCount,
		entry.TopScore,
		entry.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert search log: %w", err)
	}
	return nil
}

// UserStats aggregates the user's turns and token consumption since the
// given time.
func (s *Store) UserStats(ctx context.Context, userID string, since time.Time) (Stats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT count(*),
		        COALESCE(sum(prompt_tokens), 0),
		        COALESCE(sum(completion_tokens), 0),
		        COALESCE(sum(total_tokens), 0)
		 FROM usage_records
		 WHERE user_id = $1 AND created_at >= $2`,
		userID, since)

	var stats Stats
	if err := row.Scan(&stats.Turns, &stats.PromptTokens, &stats.CompletionTokens, &stats.TotalTokens); err != nil {
		return Stats{}, fmt.Errorf("aggregate usage: %w", err)
	}
	return stats, nil
}

// marshalJSONB returns nil for empty maps so the column stays NULL.
func marshalJSONB[M ~map[string]V, V any](m M) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func hashQuery(query string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(query))
	return fmt.Sprintf("%016x", h.Sum64())
}
