package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"egobackend/internal/catalog"
	"egobackend/internal/registry"
	"egobackend/internal/transcript"
)

func TestHandleLoginSeedsCounter(t *testing.T) {
	reg := registry.New()
	ts := transcript.New()
	cat := catalog.New(reg, ts)
	h := NewAuthHandler(reg, cat, nil)

	const userID = "user-1"
	body := strings.NewReader(`{"last_upstream_session_id":42}`)
	req := httptest.NewRequest(http.MethodPost, "/api/login", body)
	req = req.WithContext(registry.WithUser(req.Context(), userID))
	rec := httptest.NewRecorder()

	h.HandleLogin(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := reg.LastUpstreamSessionID(userID); got != 42 {
		t.Fatalf("LastUpstreamSessionID = %d, want 42", got)
	}
	// NextLocal must mint above the seeded cursor, not from zero.
	if next := cat.NextLocal(userID); next != 43 {
		t.Fatalf("NextLocal after seed = %d, want 43", next)
	}
}

func TestHandleLogoutFlushesCatalog(t *testing.T) {
	reg := registry.New()
	ts := transcript.New()
	cat := catalog.New(reg, ts)
	h := NewAuthHandler(reg, cat, nil)

	const userID = "user-2"
	cat.Upsert(userID, 1, "chat-1", "hello", "local")
	if len(cat.List(userID)) != 1 {
		t.Fatalf("setup: expected one session before logout")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req = req.WithContext(registry.WithUser(req.Context(), userID))
	rec := httptest.NewRecorder()

	h.HandleLogout(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(cat.List(userID)) != 0 {
		t.Fatalf("expected catalog flushed after logout, still has entries")
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "logged out" {
		t.Fatalf("unexpected response body: %v", resp)
	}
}

func TestHandleLoginUnauthorizedWithoutUser(t *testing.T) {
	reg := registry.New()
	ts := transcript.New()
	cat := catalog.New(reg, ts)
	h := NewAuthHandler(reg, cat, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	rec := httptest.NewRecorder()

	h.HandleLogin(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
