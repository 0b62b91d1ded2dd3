package server

import (
	"net/http"
	"testing"

	"github.com/agenticwork/awchat/pkg/models"
)

func TestTemplateLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, env.root)

	create := map[string]any{
		"name":     "code-review",
		"content":  "You are a meticulous reviewer.",
		"category": "engineering",
		"triggers": []string{"review", "diff"},
	}
	rec := env.do(t, http.MethodPost, "/api/templates", token, create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body %s", rec.Code, rec.Body.String())
	}
	var created models.PromptTemplate
	decodeResponse(t, rec, &created)
	if created.ID == "" {
		t.Fatal("created template has no id")
	}
	if !created.IsActive {
		t.Error("new templates should default to active")
	}

	rec = env.do(t, http.MethodGet, "/api/templates/"+created.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d; body %s", rec.Code, rec.Body.String())
	}

	update := map[string]any{
		"name":      "code-review",
		"content":   "You are a terse reviewer.",
		"category":  "engineering",
		"is_active": false,
	}
	rec = env.do(t, http.MethodPut, "/api/templates/"+created.ID, token, update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d; body %s", rec.Code, rec.Body.String())
	}
	var updated models.PromptTemplate
	decodeResponse(t, rec, &updated)
	if updated.Content != "You are a terse reviewer." {
		t.Errorf("content = %q", updated.Content)
	}
	if updated.IsActive {
		t.Error("update should have deactivated the template")
	}

	// active=true filters the deactivated template out.
	rec = env.do(t, http.MethodGet, "/api/templates?active=true", token, nil)
	var filtered struct {
		Templates []models.PromptTemplate `json:"templates"`
	}
	decodeResponse(t, rec, &filtered)
	if len(filtered.Templates) != 0 {
		t.Errorf("active list = %+v, want empty", filtered.Templates)
	}
	rec = env.do(t, http.MethodGet, "/api/templates", token, nil)
	var all struct {
		Templates []models.PromptTemplate `json:"templates"`
	}
	decodeResponse(t, rec, &all)
	if len(all.Templates) != 1 {
		t.Errorf("full list has %d templates, want 1", len(all.Templates))
	}

	rec = env.do(t, http.MethodDelete, "/api/templates/"+created.ID, token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/templates/"+created.ID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCreateTemplateValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, env.root)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"content": "text"}},
		{"missing content", map[string]any{"name": "bare"}},
		{"blank name", map[string]any{"name": "   ", "content": "text"}},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, "/api/templates", token, tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestUpdateMissingTemplate(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, env.root)

	body := map[string]any{"name": "x", "content": "y"}
	rec := env.do(t, http.MethodPut, "/api/templates/no-such-id", token, body)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
