package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/agenticwork/awchat/internal/blob"
)

func localBlobBackend(t *testing.T) blob.Backend {
	t.Helper()
	backend, err := blob.NewLocal(blob.LocalConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return backend
}

var attachmentKeyShape = regexp.MustCompile(`^\d{4}/\d{2}/[A-Za-z0-9_-]+/`)

func TestAttachmentRoundTrip(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Blobs = localBlobBackend(t)
	})
	payload := []byte("quarterly report body")

	req := httptest.NewRequest(http.MethodPost, "/api/attachments?prefix=report", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+env.token(t, env.alice))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	var uploaded struct {
		Key         string `json:"key"`
		Size        int64  `json:"size"`
		ContentType string `json:"content_type"`
	}
	decodeResponse(t, rec, &uploaded)
	if !attachmentKeyShape.MatchString(uploaded.Key) {
		t.Fatalf("key %q does not match the date/user shape", uploaded.Key)
	}
	if !strings.Contains(uploaded.Key, "/report_") {
		t.Errorf("key %q should carry the requested prefix", uploaded.Key)
	}
	if uploaded.Size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", uploaded.Size, len(payload))
	}
	if uploaded.ContentType != "text/plain" {
		t.Errorf("content_type = %q, want text/plain", uploaded.ContentType)
	}

	got := env.doRaw(t, http.MethodGet, "/api/attachments/"+uploaded.Key, env.token(t, env.alice), nil)
	if got.Code != http.StatusOK {
		t.Fatalf("get status = %d, body %s", got.Code, got.Body.String())
	}
	if !bytes.Equal(got.Body.Bytes(), payload) {
		t.Errorf("downloaded body = %q, want %q", got.Body.Bytes(), payload)
	}

	// The key is the capability: another authenticated user holding it
	// can read the blob.
	asBob := env.doRaw(t, http.MethodGet, "/api/attachments/"+uploaded.Key, env.token(t, env.bob), nil)
	if asBob.Code != http.StatusOK {
		t.Errorf("key-holder read status = %d, want 200", asBob.Code)
	}
}

func TestUploadAttachmentValidation(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Blobs = localBlobBackend(t)
	})

	rec := env.doRaw(t, http.MethodPost, "/api/attachments", env.token(t, env.alice), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty upload status = %d, want 400", rec.Code)
	}
	if msg := errorMessage(t, rec); !strings.Contains(msg, "body is required") {
		t.Errorf("error = %q", msg)
	}
}

func TestGetMissingAttachment(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Blobs = localBlobBackend(t)
	})

	rec := env.doRaw(t, http.MethodGet, "/api/attachments/2026/01/nobody/upload_1_feedface00000000", env.token(t, env.alice), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteAttachmentOwnership(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Blobs = localBlobBackend(t)
	})
	aliceToken := env.token(t, env.alice)

	up := env.doRaw(t, http.MethodPost, "/api/attachments", aliceToken, strings.NewReader("owned by alice"))
	if up.Code != http.StatusCreated {
		t.Fatalf("upload status = %d", up.Code)
	}
	var uploaded struct {
		Key string `json:"key"`
	}
	decodeResponse(t, up, &uploaded)

	foreign := env.doRaw(t, http.MethodDelete, "/api/attachments/"+uploaded.Key, env.token(t, env.bob), nil)
	if foreign.Code != http.StatusNotFound {
		t.Fatalf("foreign delete status = %d, want 404", foreign.Code)
	}
	if still := env.doRaw(t, http.MethodGet, "/api/attachments/"+uploaded.Key, aliceToken, nil); still.Code != http.StatusOK {
		t.Fatalf("blob should survive a foreign delete, got %d", still.Code)
	}

	// Admins may delete anyone's blob.
	byAdmin := env.doRaw(t, http.MethodDelete, "/api/attachments/"+uploaded.Key, env.token(t, env.root), nil)
	if byAdmin.Code != http.StatusNoContent {
		t.Fatalf("admin delete status = %d, want 204", byAdmin.Code)
	}
	if gone := env.doRaw(t, http.MethodGet, "/api/attachments/"+uploaded.Key, aliceToken, nil); gone.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", gone.Code)
	}

	second := env.doRaw(t, http.MethodDelete, "/api/attachments/"+uploaded.Key, env.token(t, env.root), nil)
	if second.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", second.Code)
	}

	// Owners delete their own uploads without admin rights.
	bobToken := env.token(t, env.bob)
	own := env.doRaw(t, http.MethodPost, "/api/attachments", bobToken, strings.NewReader("owned by bob"))
	if own.Code != http.StatusCreated {
		t.Fatalf("bob upload status = %d", own.Code)
	}
	var bobBlob struct {
		Key string `json:"key"`
	}
	decodeResponse(t, own, &bobBlob)
	if del := env.doRaw(t, http.MethodDelete, "/api/attachments/"+bobBlob.Key, bobToken, nil); del.Code != http.StatusNoContent {
		t.Errorf("owner delete status = %d, want 204", del.Code)
	}
}

func TestAttachmentsRequireBackend(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.doRaw(t, http.MethodPost, "/api/attachments", env.token(t, env.alice), strings.NewReader("x"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
