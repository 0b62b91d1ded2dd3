// Package vectorindex fronts the pgvector-backed semantic store shared by
// memory, retrieval, prompt routing, and the coding-agent collections.
//
// Collections are typed: every collection is registered with a fixed
// embedding dimension before use, writes validate vectors against that
// dimension, and idempotent reads are retried with bounded backoff when
// the backend is unreachable.
package vectorindex

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/agenticwork/awchat/internal/backoff"
	"github.com/agenticwork/awchat/internal/observability"
)

var (
	// ErrDimensionMismatch indicates an embedding whose length does not
	// match the collection's declared dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrInvalidVector indicates an embedding containing NaN or infinite
	// values.
	ErrInvalidVector = errors.New("embedding contains non-finite values")
	// ErrCollectionMissing indicates an unregistered or dropped collection.
	ErrCollectionMissing = errors.New("vector collection missing")
	// ErrBackendUnavailable indicates the vector backend could not be
	// reached. Reads wrap it so callers can retry.
	ErrBackendUnavailable = errors.New("vector backend unavailable")
)

const (
	defaultK     = 10
	readAttempts = 3
)

// Document is a row stored in a collection. Duplicate IDs overwrite.
type Document struct {
	ID        string
	UserID    string
	Content   string
	Metadata  map[string]any
	Embedding []float32
}

// Hit is a single search result with cosine similarity in [0, 1].
type Hit struct {
	ID         string
	UserID     string
	Content    string
	Metadata   map[string]any
	Score      float64
	Collection string
}

// Query narrows a similarity search. UserID and Metadata entries are
// conjunctive equality filters; Threshold drops hits below a minimum
// similarity.
type Query struct {
	Embedding []float32
	K         int
	Threshold float64
	UserID    string
	Metadata  map[string]string
}

// DeleteFilter selects documents to remove. At least one field must be
// set; the gateway refuses unfiltered deletes.
type DeleteFilter struct {
	IDs    []string
	UserID string
}

// Stats summarizes a collection.
type Stats struct {
	Collection string
	Documents  int64
	Dimension  int
}

// Config configures the gateway. Either DSN or DB must be set; when DB is
// provided the caller keeps ownership of the handle.
type Config struct {
	DSN          string
	DB           *sql.DB
	MaxOpenConns int

	// Dimension and CentroidLists apply to collections created without an
	// explicit schema.
	Dimension     int
	CentroidLists int

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Gateway mediates all pgvector access.
type Gateway struct {
	db       *sql.DB
	ownsDB   bool
	logger   *observability.Logger
	metrics  *observability.Metrics
	policy   backoff.Policy
	defaults Schema

	mu          sync.RWMutex
	collections map[string]Schema
}

// New opens the gateway. A fresh connection is pinged before use; an
// injected DB is trusted as-is.
func New(cfg Config) (*Gateway, error) {
	db := cfg.DB
	ownsDB := false
	if db == nil {
		if cfg.DSN == "" {
			return nil, fmt.Errorf("vectorindex: either DSN or DB must be provided")
		}
		opened, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open vector database: %w", err)
		}
		maxConns := cfg.MaxOpenConns
		if maxConns <= 0 {
			maxConns = 10
		}
		opened.SetMaxOpenConns(maxConns)
		opened.SetMaxIdleConns(maxConns / 2)
		opened.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := opened.PingContext(ctx); err != nil {
			opened.Close()
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		db = opened
		ownsDB = true
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsWithRegistry(nil)
	}

	return &Gateway{
		db:          db,
		ownsDB:      ownsDB,
		logger:      logger,
		metrics:     metrics,
		policy:      backoff.DefaultPolicy(),
		defaults:    Schema{Dimension: cfg.Dimension, Lists: cfg.CentroidLists}.withDefaults(),
		collections: make(map[string]Schema),
	}, nil
}

// Close releases the database handle if the gateway opened it.
func (g *Gateway) Close() error {
	if g.ownsDB {
		return g.db.Close()
	}
	return nil
}

// EnsureCollection creates the collection's table and indexes if absent
// and registers its schema. Safe to call repeatedly.
func (g *Gateway) EnsureCollection(ctx context.Context, name string, schema Schema) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	schema = schema.withDefaults()
	table := tableName(name)

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, schema.Dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`, table, table, schema.Lists),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_user_idx ON %s (user_id)`, table, table),
	}
	for _, stmt := range stmts {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure collection %s: %w", name, classify(err))
		}
	}

	g.mu.Lock()
	g.collections[name] = schema
	g.mu.Unlock()

	g.logger.Debug(ctx, "vector collection ready",
		"collection", name,
		"dimension", schema.Dimension,
		"lists", schema.Lists)
	return nil
}

// EnsureAll provisions every default collection with the configured
// dimension and centroid count.
func (g *Gateway) EnsureAll(ctx context.Context) error {
	for _, name := range DefaultCollections() {
		if err := g.EnsureCollection(ctx, name, g.defaults); err != nil {
			return err
		}
	}
	return nil
}

// Insert upserts documents into a collection. Every embedding is validated
// before any row is written; duplicate IDs overwrite existing rows.
func (g *Gateway) Insert(ctx context.Context, collection string, docs []Document) error {
	table, schema, err := g.resolve(collection)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("insert into %s: document id is required", collection)
		}
		if err := validateEmbedding(d.Embedding, schema.Dimension); err != nil {
			return fmt.Errorf("document %s: %w", d.ID, err)
		}
	}

	start := time.Now()
	defer func() {
		g.metrics.RecordVectorQuery(collection, "insert", time.Since(start).Seconds())
	}()

	upsert := fmt.Sprintf(`INSERT INTO %s (id, user_id, content, metadata, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5::vector, now())
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			updated_at = now()`, table)

	stmt, err := g.db.PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("prepare upsert for %s: %w", collection, classify(err))
	}
	defer stmt.Close()

	for _, d := range docs {
		meta := d.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		encoded, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", d.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, d.ID, d.UserID, d.Content, encoded, pgvector.NewVector(d.Embedding)); err != nil {
			return fmt.Errorf("upsert %s into %s: %w", d.ID, collection, classify(err))
		}
	}
	return nil
}

// Search returns up to K hits ordered by descending cosine similarity.
// Transient backend failures are retried; all other errors surface on the
// first attempt.
func (g *Gateway) Search(ctx context.Context, collection string, q Query) ([]Hit, error) {
	table, schema, err := g.resolve(collection)
	if err != nil {
		return nil, err
	}
	if err := validateEmbedding(q.Embedding, schema.Dimension); err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	start := time.Now()
	hits, err := backoff.RetryIf(ctx, g.policy, readAttempts, isTransient, func(int) ([]Hit, error) {
		return g.searchOnce(ctx, collection, table, q)
	})
	g.metrics.RecordVectorQuery(collection, "search", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	g.logger.Debug(ctx, "vector search complete",
		"collection", collection,
		"hits", len(hits))
	return hits, nil
}

func (g *Gateway) searchOnce(ctx context.Context, collection, table string, q Query) ([]Hit, error) {
	k := q.K
	if k <= 0 {
		k = defaultK
	}

	args := []any{pgvector.NewVector(q.Embedding)}
	conds := make([]string, 0, 2+len(q.Metadata))
	idx := 2
	if q.UserID != "" {
		conds = append(conds, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, q.UserID)
		idx++
	}
	for _, key := range sortedKeys(q.Metadata) {
		conds = append(conds, fmt.Sprintf("metadata->>$%d = $%d", idx, idx+1))
		args = append(args, key, q.Metadata[key])
		idx += 2
	}
	if q.Threshold > 0 {
		conds = append(conds, fmt.Sprintf("1 - (embedding <=> $1::vector) >= $%d", idx))
		args = append(args, q.Threshold)
		idx++
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	query := fmt.Sprintf(`SELECT id, user_id, content, metadata, 1 - (embedding <=> $1::vector) AS similarity
		FROM %s
		%s
		ORDER BY embedding <=> $1::vector ASC
		LIMIT $%d`, table, where, idx)
	args = append(args, k)

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, classify(err))
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var rawMeta []byte
		if err := rows.Scan(&h.ID, &h.UserID, &h.Content, &rawMeta, &h.Score); err != nil {
			return nil, fmt.Errorf("scan hit from %s: %w", collection, err)
		}
		h.Collection = collection
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &h.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", h.ID, err)
			}
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, classify(err))
	}
	return hits, nil
}

// Delete removes documents matching the filter and reports how many rows
// went away.
func (g *Gateway) Delete(ctx context.Context, collection string, filter DeleteFilter) (int64, error) {
	table, _, err := g.resolve(collection)
	if err != nil {
		return 0, err
	}

	conds := make([]string, 0, 2)
	args := make([]any, 0, 2)
	idx := 1
	if len(filter.IDs) > 0 {
		conds = append(conds, fmt.Sprintf("id = ANY($%d)", idx))
		args = append(args, pq.Array(filter.IDs))
		idx++
	}
	if filter.UserID != "" {
		conds = append(conds, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, filter.UserID)
		idx++
	}
	if len(conds) == 0 {
		return 0, fmt.Errorf("delete from %s: filter must name ids or a user", collection)
	}

	start := time.Now()
	res, err := g.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.Join(conds, " AND ")), args...)
	g.metrics.RecordVectorQuery(collection, "delete", time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", collection, classify(err))
	}
	return res.RowsAffected()
}

// Stats reports document count and dimension for a collection. The count
// is retried on transient failures.
func (g *Gateway) Stats(ctx context.Context, collection string) (Stats, error) {
	table, schema, err := g.resolve(collection)
	if err != nil {
		return Stats{}, err
	}

	start := time.Now()
	count, err := backoff.RetryIf(ctx, g.policy, readAttempts, isTransient, func(int) (int64, error) {
		var n int64
		row := g.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table))
		if err := row.Scan(&n); err != nil {
			return 0, fmt.Errorf("count %s: %w", collection, classify(err))
		}
		return n, nil
	})
	g.metrics.RecordVectorQuery(collection, "stats", time.Since(start).Seconds())
	if err != nil {
		return Stats{}, err
	}
	return Stats{Collection: collection, Documents: count, Dimension: schema.Dimension}, nil
}

func (g *Gateway) resolve(name string) (string, Schema, error) {
	g.mu.RLock()
	schema, ok := g.collections[name]
	g.mu.RUnlock()
	if !ok {
		return "", Schema{}, fmt.Errorf("%w: %s", ErrCollectionMissing, name)
	}
	return tableName(name), schema, nil
}

func validateEmbedding(embedding []float32, dimension int) error {
	if len(embedding) != dimension {
		return fmt.Errorf("%w: got %d values, want %d", ErrDimensionMismatch, len(embedding), dimension)
	}
	for i, v := range embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: index %d", ErrInvalidVector, i)
		}
	}
	return nil
}

func isTransient(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// classify maps driver errors onto the gateway's sentinel errors. Undefined
// tables become ErrCollectionMissing; connection-class failures become
// ErrBackendUnavailable so reads can retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42P01":
			return fmt.Errorf("%w: %s", ErrCollectionMissing, pqErr.Message)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return err
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
