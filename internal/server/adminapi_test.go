package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/agenticwork/awchat/internal/admin"
	"github.com/agenticwork/awchat/pkg/models"
)

func TestConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, env.root)

	value := `{"eng":"gpt-4o","*":"gpt-4o-mini"}`
	rec := env.doRaw(t, http.MethodPut, "/api/admin/config/model_roles", token, strings.NewReader(value))
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d; body %s", rec.Code, rec.Body.String())
	}
	var entry admin.ConfigEntry
	decodeResponse(t, rec, &entry)
	if entry.Key != "model_roles" {
		t.Errorf("key = %q", entry.Key)
	}
	if entry.UpdatedBy != env.root.ID {
		t.Errorf("updated_by = %q, want %q", entry.UpdatedBy, env.root.ID)
	}

	rec = env.do(t, http.MethodGet, "/api/admin/config/model_roles", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d; body %s", rec.Code, rec.Body.String())
	}
	decodeResponse(t, rec, &entry)
	if string(entry.Value) != value {
		t.Errorf("value = %s, want %s", entry.Value, value)
	}

	rec = env.do(t, http.MethodGet, "/api/admin/config", token, nil)
	var list struct {
		Entries []admin.ConfigEntry `json:"entries"`
	}
	decodeResponse(t, rec, &list)
	if len(list.Entries) != 1 {
		t.Errorf("config list has %d entries, want 1", len(list.Entries))
	}
}

func TestSetConfigRejectsInvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, env.root)

	rec := env.doRaw(t, http.MethodPut, "/api/admin/config/model_roles", token, strings.NewReader(`{"eng":`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if msg := errorMessage(t, rec); msg != "value must be valid JSON" {
		t.Errorf("error = %q", msg)
	}
}

func TestGetMissingConfig(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/admin/config/unset_key", env.token(t, env.root), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestAccessRequestFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	adminToken := env.token(t, env.root)

	// Filing a request needs no credentials.
	rec := env.do(t, http.MethodPost, "/api/access-requests", "", map[string]string{
		"email":  "newcomer@example.com",
		"reason": "joining the data team",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("request status = %d; body %s", rec.Code, rec.Body.String())
	}
	var filed struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeResponse(t, rec, &filed)
	if filed.ID == "" || filed.Status != "pending" {
		t.Fatalf("filed = %+v", filed)
	}

	rec = env.do(t, http.MethodGet, "/api/admin/access-requests?status=pending", adminToken, nil)
	var pending struct {
		Requests []admin.AccessRequest `json:"requests"`
	}
	decodeResponse(t, rec, &pending)
	if len(pending.Requests) != 1 || pending.Requests[0].ID != filed.ID {
		t.Fatalf("pending = %+v, want the filed request", pending.Requests)
	}

	rec = env.do(t, http.MethodPost, "/api/admin/access-requests/"+filed.ID+"/approve", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d; body %s", rec.Code, rec.Body.String())
	}
	var decided admin.AccessRequest
	decodeResponse(t, rec, &decided)
	if decided.Status != admin.StatusApproved {
		t.Errorf("status = %q, want %q", decided.Status, admin.StatusApproved)
	}
	if decided.DecidedBy != env.root.ID {
		t.Errorf("decided_by = %q", decided.DecidedBy)
	}

	// Approval lands the email on the user allowlist.
	rec = env.do(t, http.MethodGet, "/api/admin/allowlist/users", adminToken, nil)
	var allowed struct {
		Users []admin.AllowlistEntry `json:"users"`
	}
	decodeResponse(t, rec, &allowed)
	found := false
	for _, entry := range allowed.Users {
		if entry.Value == "newcomer@example.com" {
			found = true
		}
	}
	if !found {
		t.Errorf("allowlist = %+v, want the approved email", allowed.Users)
	}

	// Deciding twice conflicts.
	rec = env.do(t, http.MethodPost, "/api/admin/access-requests/"+filed.ID+"/deny", adminToken, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second decision status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestRequestAccessAlreadyAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, env.root)

	rec := env.do(t, http.MethodPost, "/api/admin/allowlist/users", token, map[string]string{"email": "in@example.com"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("allow status = %d; body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/access-requests", "", map[string]string{"email": "in@example.com"})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestAllowlistUserValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, env.root)

	rec := env.do(t, http.MethodPost, "/api/admin/allowlist/users", token, map[string]string{"email": "not-an-email"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
	if msg := errorMessage(t, rec); !strings.Contains(msg, "valid email") {
		t.Errorf("error = %q, want a validation message", msg)
	}
}

func TestAllowlistDomains(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, env.root)

	rec := env.do(t, http.MethodPost, "/api/admin/allowlist/domains", token, map[string]string{"domain": "example.com"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("add status = %d; body %s", rec.Code, rec.Body.String())
	}

	// An email is not a domain.
	rec = env.do(t, http.MethodPost, "/api/admin/allowlist/domains", token, map[string]string{"domain": "user@example.com"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("email-shaped domain status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = env.do(t, http.MethodGet, "/api/admin/allowlist/domains", token, nil)
	var list struct {
		Domains []admin.AllowlistEntry `json:"domains"`
	}
	decodeResponse(t, rec, &list)
	if len(list.Domains) != 1 || list.Domains[0].Value != "example.com" {
		t.Fatalf("domains = %+v", list.Domains)
	}

	rec = env.do(t, http.MethodDelete, "/api/admin/allowlist/domains/example.com", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/admin/allowlist/domains", token, nil)
	decodeResponse(t, rec, &list)
	if len(list.Domains) != 0 {
		t.Errorf("domains after removal = %+v", list.Domains)
	}
}

func TestRemoveAllowedUser(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, env.root)

	env.do(t, http.MethodPost, "/api/admin/allowlist/users", token, map[string]string{"email": "gone@example.com"})
	rec := env.do(t, http.MethodDelete, "/api/admin/allowlist/users/gone@example.com", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove status = %d; body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/admin/allowlist/users", token, nil)
	var list struct {
		Users []admin.AllowlistEntry `json:"users"`
	}
	decodeResponse(t, rec, &list)
	if len(list.Users) != 0 {
		t.Errorf("users after removal = %+v", list.Users)
	}
}

func TestHardDeleteSession(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.sessions.seed(&models.Session{UserID: env.alice.ID})
	token := env.token(t, env.root)

	// The confirmation string must repeat the session id.
	rec := env.do(t, http.MethodDelete, "/api/admin/sessions/"+session.ID, token, map[string]string{"confirm": "wrong"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("mismatched confirm status = %d; body %s", rec.Code, rec.Body.String())
	}
	if env.sessions.raw(session.ID) == nil {
		t.Fatal("session deleted despite failed confirmation")
	}

	rec = env.do(t, http.MethodDelete, "/api/admin/sessions/"+session.ID, token, map[string]string{"confirm": session.ID})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	if env.sessions.raw(session.ID) != nil {
		t.Error("session should be gone")
	}

	rec = env.do(t, http.MethodDelete, "/api/admin/sessions/no-such-id", token, map[string]string{"confirm": "no-such-id"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
