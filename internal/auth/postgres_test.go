package auth

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/agenticwork/awchat/internal/storage"
)

var keyTestColumns = []string{
	"id", "user_id", "name", "prefix", "key_hash", "is_system", "tier",
	"per_minute", "per_hour", "burst", "active", "last_used_at", "created_at",
}

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestPostgresInsertKey(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresKeyStore(db)

	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO api_keys`)).
		WithArgs("k1", "u1", "ci deploys", "awc_abababab", "bcrypt-hash", false, "standard", 0, 0, 0, true, created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Insert(context.Background(), &APIKey{
		ID:        "k1",
		UserID:    "u1",
		Name:      "ci deploys",
		Prefix:    "awc_abababab",
		Tier:      "standard",
		Active:    true,
		CreatedAt: created,
		hash:      "bcrypt-hash",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresFindByPrefix(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresKeyStore(db)

	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	lastUsed := created.Add(time.Hour)
	rows := sqlmock.NewRows(keyTestColumns).
		AddRow("k1", "u1", "ci", "awc_abababab", "hash-1", false, "standard", 0, 0, 0, true, lastUsed, created).
		AddRow("k2", "u2", "", "awc_abababab", "hash-2", true, "elevated", 600, 10000, 50, false, nil, created)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, name, prefix, key_hash, is_system, tier, per_minute, per_hour, burst, active, last_used_at, created_at FROM api_keys WHERE prefix = $1`)).
		WithArgs("awc_abababab").
		WillReturnRows(rows)

	keys, err := store.FindByPrefix(context.Background(), "awc_abababab")
	if err != nil {
		t.Fatalf("FindByPrefix: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	if keys[0].hash != "hash-1" || keys[0].LastUsedAt == nil || !keys[0].LastUsedAt.Equal(lastUsed) {
		t.Errorf("first key = %+v", keys[0])
	}
	if !keys[1].IsSystem || keys[1].Active || keys[1].LastUsedAt != nil {
		t.Errorf("second key = %+v", keys[1])
	}
	if keys[1].PerMinute != 600 || keys[1].Burst != 50 {
		t.Errorf("second key overrides = %+v", keys[1])
	}
}

func TestPostgresListByUser(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresKeyStore(db)

	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(keyTestColumns).
		AddRow("k2", "u1", "newer", "awc_cdcdcdcd", "hash-2", false, "standard", 0, 0, 0, true, nil, created.Add(time.Hour)).
		AddRow("k1", "u1", "older", "awc_abababab", "hash-1", false, "standard", 0, 0, 0, true, nil, created)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`)).
		WithArgs("u1").
		WillReturnRows(rows)

	keys, err := store.ListByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(keys) != 2 || keys[0].ID != "k2" || keys[1].ID != "k1" {
		t.Errorf("keys = %+v", keys)
	}
}

func TestPostgresDeleteKeyNotOwned(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresKeyStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM api_keys WHERE id = $1 AND user_id = $2`)).
		WithArgs("k1", "u2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Delete(context.Background(), "u2", "k1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresTouchLastUsed(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewPostgresKeyStore(db)

	at := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`)).
		WithArgs("k1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.TouchLastUsed(context.Background(), "k1", at); err != nil {
		t.Fatalf("TouchLastUsed: %v", err)
	}
}
