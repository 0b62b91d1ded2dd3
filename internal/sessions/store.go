// Package sessions persists conversations and their message history.
//
// The message store doubles as the tier-1 recency source for context
// assembly: Messages fetches newest-first under the limit and reverses,
// so a bounded read always returns the latest turns in chronological
// order.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agenticwork/awchat/internal/storage"
	"github.com/agenticwork/awchat/pkg/models"
)

// Store is the interface for session and message persistence.
type Store interface {
	// Create inserts a new session, filling ID and timestamps when unset.
	Create(ctx context.Context, session *models.Session) error

	// Get returns a live session, or storage.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Session, error)

	// List returns the user's live sessions, most recently updated first.
	List(ctx context.Context, userID string, opts ListOptions) ([]models.Session, error)

	// SetTitle renames a live session.
	SetTitle(ctx context.Context, id, title string) error

	// Delete soft-deletes a session. Its messages are kept.
	Delete(ctx context.Context, id string) error

	// HardDelete removes a session and, by cascade, its messages.
	HardDelete(ctx context.Context, id string) error

	// AppendMessages inserts the messages and touches the session's
	// updated_at in one transaction. Appending to a deleted or missing
	// session fails with storage.ErrNotFound and inserts nothing.
	AppendMessages(ctx context.Context, sessionID string, msgs ...*models.Message) error

	// Messages returns up to limit of the session's most recent live
	// messages in chronological order.
	Messages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)

	// DeleteMessages removes the named messages from a session. Used to
	// unwind a partially committed turn; ids that do not exist are
	// ignored.
	DeleteMessages(ctx context.Context, sessionID string, ids ...string) error
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultHistoryLimit bounds a Messages read when the caller passes no
// limit.
const DefaultHistoryLimit = 200

// PostgresStore is the production session store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	if session.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.UserID, session.Title, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM sessions
		 WHERE id = $1 AND deleted_at IS NULL`, id)

	session, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

func (s *PostgresStore) List(ctx context.Context, userID string, opts ListOptions) ([]models.Session, error) {
	query := `SELECT id, user_id, title, created_at, updated_at
		 FROM sessions
		 WHERE user_id = $1 AND deleted_at IS NULL
		 ORDER BY updated_at DESC`
	args := []any{userID}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) SetTitle(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = $1, updated_at = now()
		 WHERE id = $2 AND deleted_at IS NULL`, title, id)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	return requireRow(result, id)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(result, id)
}

func (s *PostgresStore) HardDelete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("hard delete session: %w", err)
	}
	return requireRow(result, id)
}

func (s *PostgresStore) AppendMessages(ctx context.Context, sessionID string, msgs ...*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	// Batch timestamps are offset by a microsecond each so a bounded
	// newest-first read preserves the append order.
	base := time.Now().UTC()
	for i, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		}
		msg.SessionID = sessionID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, msg := range msgs {
		toolCalls, err := marshalColumn(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		attachments, err := marshalColumn(msg.Attachments)
		if err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
		var usage []byte
		if msg.Usage != nil {
			if usage, err = json.Marshal(msg.Usage); err != nil {
				return fmt.Errorf("marshal usage: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages
			 (id, session_id, role, content, tool_call_id, tool_calls, attachments, usage, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.ToolCallID,
			toolCalls, attachments, usage, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		base, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := requireRow(result, sessionID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) Messages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_call_id, tool_calls, attachments, usage, created_at
		 FROM messages
		 WHERE session_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg         models.Message
			role        string
			toolCalls   []byte
			attachments []byte
			usage       []byte
		)
		err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content,
			&msg.ToolCallID, &toolCalls, &attachments, &usage, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)

		if err := unmarshalColumn(toolCalls, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
		if err := unmarshalColumn(attachments, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
		if err := unmarshalColumn(usage, &msg.Usage); err != nil {
			return nil, fmt.Errorf("unmarshal usage: %w", err)
		}

		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *PostgresStore) DeleteMessages(ctx context.Context, sessionID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = $1 AND id = ANY($2)`,
		sessionID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (models.Session, error) {
	var s models.Session
	err := scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// requireRow converts a zero-row update into storage.ErrNotFound.
func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// marshalColumn returns nil for empty slices so the column stays NULL.
func marshalColumn[S ~[]E, E any](s S) ([]byte, error) {
	if len(s) == 0 {
		return nil, nil
	}
	return json.Marshal(s)
}

// unmarshalColumn skips NULL and literal-null columns.
func unmarshalColumn(data []byte, dest any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dest)
}
