package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agenticwork/awchat/internal/storage"
	"github.com/agenticwork/awchat/pkg/models"
)

func TestMemoryStoreCreateFillsDefaults(t *testing.T) {
	store := NewMemoryStore()

	job := &Job{ToolName: "search_web"}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if job.ID == "" {
		t.Error("expected generated job id")
	}
	if job.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
	if job.Status != StatusQueued {
		t.Errorf("status = %q, want %q", job.Status, StatusQueued)
	}
}

func TestMemoryStoreUpdateUnknownJob(t *testing.T) {
	store := NewMemoryStore()

	err := store.Update(context.Background(), &Job{ID: "missing"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Update error = %v, want storage.ErrNotFound", err)
	}
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get error = %v, want storage.ErrNotFound", err)
	}
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, j := range []*Job{
		{ID: "j1", UserID: "u1", ToolName: "a"},
		{ID: "j2", UserID: "u2", ToolName: "b"},
		{ID: "j3", UserID: "u1", ToolName: "c"},
	} {
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create %s failed: %v", j.ID, err)
		}
	}

	all, err := store.List(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if got := ids(all); len(got) != 3 || got[0] != "j3" || got[2] != "j1" {
		t.Errorf("List order = %v, want [j3 j2 j1]", got)
	}

	mine, err := store.List(ctx, "u1", 0, 0)
	if err != nil {
		t.Fatalf("List by user failed: %v", err)
	}
	if got := ids(mine); len(got) != 2 || got[0] != "j3" || got[1] != "j1" {
		t.Errorf("List(u1) = %v, want [j3 j1]", got)
	}

	page, err := store.List(ctx, "", 1, 1)
	if err != nil {
		t.Fatalf("List page failed: %v", err)
	}
	if got := ids(page); len(got) != 1 || got[0] != "j2" {
		t.Errorf("List(limit=1, offset=1) = %v, want [j2]", got)
	}

	if empty, _ := store.List(ctx, "", 10, 99); empty != nil {
		t.Errorf("List past end = %v, want nil", ids(empty))
	}
}

func TestMemoryStoreCopiesOnReadAndWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	job := &Job{ID: "j1", ToolName: "search", Result: &models.ToolResult{Content: "original"}}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	job.Result.Content = "mutated"
	job.Status = StatusFailed

	got, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Result.Content != "original" {
		t.Errorf("stored result = %q, want %q", got.Result.Content, "original")
	}
	if got.Status != StatusQueued {
		t.Errorf("stored status = %q, want %q", got.Status, StatusQueued)
	}

	// Nor must mutating a read copy.
	got.Result.Content = "again"
	fresh, _ := store.Get(ctx, "j1")
	if fresh.Result.Content != "original" {
		t.Errorf("stored result after read mutation = %q, want %q", fresh.Result.Content, "original")
	}
}

func TestMemoryStorePrune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	for _, j := range []*Job{
		{ID: "old-1", ToolName: "a", CreatedAt: old},
		{ID: "old-2", ToolName: "b", CreatedAt: old},
		{ID: "fresh", ToolName: "c"},
	} {
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create %s failed: %v", j.ID, err)
		}
	}

	pruned, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned = %d, want 2", pruned)
	}

	left, _ := store.List(ctx, "", 0, 0)
	if got := ids(left); len(got) != 1 || got[0] != "fresh" {
		t.Errorf("remaining = %v, want [fresh]", got)
	}
	if _, err := store.Get(ctx, "old-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get pruned job error = %v, want storage.ErrNotFound", err)
	}
}

func ids(jobs []*Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
