// Package prompts stores system-prompt templates and routes queries to
// the best-matching one.
package prompts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agenticwork/awchat/pkg/models"
)

var (
	// ErrTemplateNotFound means no template matches the given id or name.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrNoDefaultTemplate means no active template is flagged as default.
	ErrNoDefaultTemplate = errors.New("no default template configured")

	// ErrTemplateNotAllowed means the template exists but is inactive or
	// restricted to groups the caller is not in.
	ErrTemplateNotAllowed = errors.New("template not allowed")
)

const templateColumns = `id, name, content, category, triggers, "groups", preferred_models, is_default, is_active, created_at, updated_at`

// Store persists prompt templates and per-user assignments.
type Store interface {
	Create(ctx context.Context, t *models.PromptTemplate) error
	Update(ctx context.Context, t *models.PromptTemplate) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.PromptTemplate, error)
	GetByName(ctx context.Context, name string) (*models.PromptTemplate, error)
	List(ctx context.Context, activeOnly bool) ([]*models.PromptTemplate, error)
	GetDefault(ctx context.Context) (*models.PromptTemplate, error)

	Assign(ctx context.Context, userID, templateID, assignedBy string) error
	Unassign(ctx context.Context, userID, templateID string) error
	AssignedTemplate(ctx context.Context, userID string) (*models.PromptTemplate, error)

	Counts(ctx context.Context) (StoreCounts, error)
}

// StoreCounts aggregates template inventory for stats reporting.
type StoreCounts struct {
	Templates   int64            `json:"templates"`
	Active      int64            `json:"active"`
	Assignments int64            `json:"assignments"`
	ByCategory  map[string]int64 `json:"by_category"`
}

// PostgresStore is the production template store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, t *models.PromptTemplate) error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if t.Content == "" {
		return fmt.Errorf("template content is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_templates
		 (id, name, content, category, triggers, "groups", preferred_models, is_default, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Name, t.Content, t.Category,
		pq.Array(t.Triggers), pq.Array(t.Groups), pq.Array(t.PreferredModels),
		t.IsDefault, t.IsActive, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, t *models.PromptTemplate) error {
	if t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE prompt_templates
		 SET name = $2, content = $3, category = $4, triggers = $5, "groups" = $6,
		     preferred_models = $7, is_default = $8, is_active = $9, updated_at = $10
		 WHERE id = $1`,
		t.ID, t.Name, t.Content, t.Category,
		pq.Array(t.Triggers), pq.Array(t.Groups), pq.Array(t.PreferredModels),
		t.IsDefault, t.IsActive, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM prompt_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.PromptTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM prompt_templates WHERE id = $1`, id)
	return scanTemplate(row)
}

func (s *PostgresStore) GetByName(ctx context.Context, name string) (*models.PromptTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM prompt_templates WHERE name = $1`, name)
	return scanTemplate(row)
}

func (s *PostgresStore) List(ctx context.Context, activeOnly bool) ([]*models.PromptTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM prompt_templates`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*models.PromptTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDefault(ctx context.Context) (*models.PromptTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+`
		 FROM prompt_templates
		 WHERE is_default AND is_active
		 ORDER BY updated_at DESC
		 LIMIT 1`)
	t, err := scanTemplate(row)
	if errors.Is(err, ErrTemplateNotFound) {
		return nil, ErrNoDefaultTemplate
	}
	return t, err
}

func (s *PostgresStore) Assign(ctx context.Context, userID, templateID, assignedBy string) error {
	if userID == "" || templateID == "" {
		return fmt.Errorf("user id and template id are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO template_assignments (user_id, template_id, assigned_by, created_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id, template_id)
		 DO UPDATE SET assigned_by = EXCLUDED.assigned_by, created_at = now()`,
		userID, templateID, assignedBy,
	)
	if err != nil {
		return fmt.Errorf("assign template: %w", err)
	}
	return nil
}

func (s *PostgresStore) Unassign(ctx context.Context, userID, templateID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM template_assignments WHERE user_id = $1 AND template_id = $2`,
		userID, templateID,
	)
	if err != nil {
		return fmt.Errorf("unassign template: %w", err)
	}
	return nil
}

// AssignedTemplate returns the user's most recently assigned active
// template, or ErrTemplateNotFound when the user has none.
func (s *PostgresStore) AssignedTemplate(ctx context.Context, userID string) (*models.PromptTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+`
		 FROM prompt_templates t
		 JOIN template_assignments a ON a.template_id = t.id
		 WHERE a.user_id = $1 AND t.is_active
		 ORDER BY a.created_at DESC
		 LIMIT 1`, userID)
	return scanTemplate(row)
}

func (s *PostgresStore) Counts(ctx context.Context) (StoreCounts, error) {
	counts := StoreCounts{ByCategory: make(map[string]int64)}

	row := s.db.QueryRowContext(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE is_active),
		        (SELECT count(*) FROM template_assignments)
		 FROM prompt_templates`)
	if err := row.Scan(&counts.Templates, &counts.Active, &counts.Assignments); err != nil {
		return StoreCounts{}, fmt.Errorf("count templates: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT category, count(*) FROM prompt_templates GROUP BY category`)
	if err != nil {
		return StoreCounts{}, fmt.Errorf("count categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return StoreCounts{}, err
		}
		counts.ByCategory[category] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*models.PromptTemplate, error) {
	var t models.PromptTemplate
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Content,
		&t.Category,
		pq.Array(&t.Triggers),
		pq.Array(&t.Groups),
		pq.Array(&t.PreferredModels),
		&t.IsDefault,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	return &t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTemplateNotFound
	}
	return nil
}
