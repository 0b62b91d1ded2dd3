package usage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/agenticwork/awchat/internal/retrieval"
	"github.com/agenticwork/awchat/pkg/models"
)

// setupMockDB creates a new mock database for testing.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Store) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, NewStore(db)
}

func TestRecordInsertsRow(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	rec := &models.UsageRecord{
		UserID:           "user-1",
		SessionID:        "sess-1",
		MessageID:        "msg-1",
		BaseTemplate:     "default",
		Techniques:       []string{"retrieval", "memory"},
		Sources:          map[string]int{"memory": 3},
		PromptTokens:     1200,
		CompletionTokens: 300,
		TotalTokens:      1500,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_records")).
		WithArgs(
			sqlmock.AnyArg(), // generated id
			"user-1",
			"sess-1",
			"msg-1",
			"default",
			"",
			pq.Array([]string{"retrieval", "memory"}),
			[]byte(`{"memory":3}`),
			1200,
			300,
			1500,
			sqlmock.AnyArg(), // metadata NULL
			sqlmock.AnyArg(), // generated created_at
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if rec.ID == "" {
		t.Error("expected generated record id")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordRequiresUser(t *testing.T) {
	db, _, store := setupMockDB(t)
	defer db.Close()

	if err := store.Record(context.Background(), &models.UsageRecord{}); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestLogSearchInsertsRow(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO search_logs")).
		WithArgs(
			sqlmock.AnyArg(),
			"user-1",
			"release notes",
			hashQuery("release notes"),
			pq.Array([]string{"user-memory", "user-artifacts"}),
			7,
			0.92,
			int64(41),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.LogSearch(context.Background(), retrieval.SearchLog{
		UserID:      "user-1",
		Query:       "release notes",
		Collections: []string{"user-memory", "user-artifacts"},
		ResultCount: 7,
		TopScore:    0.92,
		Duration:    41 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("LogSearch failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLogSearchPropagatesError(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO search_logs")).
		WillReturnError(errors.New("connection reset"))

	if err := store.LogSearch(context.Background(), retrieval.SearchLog{UserID: "u"}); err == nil {
		t.Fatal("expected insert error to propagate")
	}
}

func TestUserStatsAggregates(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	since := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"count", "prompt", "completion", "total"}).
		AddRow(12, 24000, 6000, 30000)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*)")).
		WithArgs("user-1", since).
		WillReturnRows(rows)

	stats, err := store.UserStats(context.Background(), "user-1", since)
	if err != nil {
		t.Fatalf("UserStats failed: %v", err)
	}
	if stats.Turns != 12 {
		t.Errorf("expected 12 turns, got %d", stats.Turns)
	}
	if stats.TotalTokens != 30000 {
		t.Errorf("expected 30000 total tokens, got %d", stats.TotalTokens)
	}
}

func TestHashQueryStable(t *testing.T) {
	a := hashQuery("release notes")
	b := hashQuery("release notes")
	if a != b {
		t.Errorf("expected stable hash, got %s and %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("expected 16 hex chars, got %q", a)
	}
	if hashQuery("other") == a {
		t.Error("expected distinct queries to hash differently")
	}
}
