package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenticwork/awchat/internal/storage"
	"github.com/agenticwork/awchat/pkg/models"
)

// PostgresStore is the production job store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	resultJSON, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO background_jobs
			(id, user_id, session_id, tool_name, tool_call_id, status,
			 created_at, started_at, finished_at, result, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.UserID, job.SessionID, job.ToolName, job.ToolCallID,
		string(job.Status), job.CreatedAt, nullTime(job.StartedAt),
		nullTime(job.FinishedAt), resultJSON, nullString(job.Error),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, job *Job) error {
	resultJSON, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = $2, started_at = $3, finished_at = $4, result = $5,
			error_message = $6
		WHERE id = $1`,
		job.ID, string(job.Status), nullTime(job.StartedAt),
		nullTime(job.FinishedAt), resultJSON, nullString(job.Error),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, tool_name, tool_call_id, status,
			created_at, started_at, finished_at, result, error_message
		FROM background_jobs
		WHERE id = $1`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) List(ctx context.Context, userID string, limit, offset int) ([]*Job, error) {
	query := `
		SELECT id, user_id, session_id, tool_name, tool_call_id, status,
			created_at, started_at, finished_at, result, error_message
		FROM background_jobs`
	args := []any{}
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(" WHERE user_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM background_jobs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return pruned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		job         Job
		status      string
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
		resultBytes []byte
		errMessage  sql.NullString
	)
	if err := scanner.Scan(
		&job.ID, &job.UserID, &job.SessionID, &job.ToolName, &job.ToolCallID,
		&status, &job.CreatedAt, &startedAt, &finishedAt, &resultBytes,
		&errMessage,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	if len(resultBytes) > 0 {
		var result models.ToolResult
		if err := json.Unmarshal(resultBytes, &result); err != nil {
			return nil, fmt.Errorf("unmarshal job result: %w", err)
		}
		job.Result = &result
	}
	if errMessage.Valid {
		job.Error = errMessage.String
	}
	return &job, nil
}

func marshalResult(result *models.ToolResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal job result: %w", err)
	}
	return encoded, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}
