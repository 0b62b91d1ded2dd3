package identity

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/agenticwork/awchat/internal/storage"
	"github.com/agenticwork/awchat/pkg/models"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestPostgresGetDecodesRow(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "email", "name", "groups", "is_admin", "created_at", "updated_at"}).
		AddRow("u1", "u1@corp.example", "U One", `{"eng","ops"}`, true, created, created)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, email, name, groups, is_admin, created_at, updated_at FROM users WHERE id = $1`)).
		WithArgs("u1").
		WillReturnRows(rows)

	user, err := store.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if user.Email != "u1@corp.example" || !user.IsAdmin {
		t.Errorf("user = %+v", user)
	}
	if len(user.Groups) != 2 || user.Groups[0] != "eng" {
		t.Errorf("groups = %v", user.Groups)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresGetByEmailNormalizes(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "email", "name", "groups", "is_admin", "created_at", "updated_at"}).
		AddRow("u1", "u1@corp.example", "", "{}", false, created, created)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE email = $1`)).
		WithArgs("u1@corp.example").
		WillReturnRows(rows)

	user, err := store.GetByEmail(context.Background(), "  U1@Corp.Example ")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if user.ID != "u1" {
		t.Errorf("user = %+v", user)
	}
}

func TestPostgresUpsertWritesNormalizedFields(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users`)).
		WithArgs("u1", "u1@corp.example", "U One", pq.Array([]string{"eng"}), false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Upsert(context.Background(), &models.User{
		ID:     "u1",
		Email:  "U1@CORP.EXAMPLE",
		Name:   " U One ",
		Groups: []string{"eng"},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestUpsertRequiresID(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Upsert(context.Background(), &models.User{Email: "x@y.example"}); err == nil {
		t.Error("expected an error for a user without an id")
	}
	if err := store.Upsert(context.Background(), nil); err == nil {
		t.Error("expected an error for a nil user")
	}
}

func TestMemoryDirectoryRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Upsert(ctx, &models.User{ID: "u1", Email: "U1@Corp.Example", Name: "U One"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	byID, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if byID.Email != "u1@corp.example" {
		t.Errorf("email = %q, want normalized", byID.Email)
	}

	byEmail, err := store.GetByEmail(ctx, "u1@CORP.example")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if byEmail.ID != "u1" {
		t.Errorf("user = %+v", byEmail)
	}

	if _, err := store.Get(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing user err = %v, want ErrNotFound", err)
	}

	// Re-upsert keeps the creation time and bumps the update time.
	created := byID.CreatedAt
	if err := store.Upsert(ctx, &models.User{ID: "u1", Email: "u1@corp.example", IsAdmin: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	again, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !again.CreatedAt.Equal(created) {
		t.Error("creation time changed on update")
	}
	if !again.IsAdmin {
		t.Error("admin flag not updated")
	}
}
