package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/johnwfy/flamingo/internal/chat"
	"github.com/johnwfy/flamingo/internal/store"
)

func newTestAPI(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	core := chat.NewServer(st, chat.Config{})
	return New(core, st), st
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, st := newTestAPI(t)
	st.RegisterUser("alice", "Alice", "p")

	rec := get(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body: %v", err)
	}
	if resp.Status != "ok" || resp.Users != 1 || resp.Sessions != 0 {
		t.Fatalf("unexpected health: %+v", resp)
	}
}

func TestOnlineEmpty(t *testing.T) {
	s, _ := newTestAPI(t)

	rec := get(t, s, "/api/online")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp OnlineResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body: %v", err)
	}
	if resp.Count != 0 {
		t.Fatalf("count: got %d", resp.Count)
	}
}

func TestGetUser(t *testing.T) {
	s, st := newTestAPI(t)
	id, _ := st.RegisterUser("bob", "Bob", "p")

	rec := get(t, s, "/api/users/"+strconv.FormatInt(int64(id), 10))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp UserResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body: %v", err)
	}
	if resp.Username != "bob" || resp.Online {
		t.Fatalf("unexpected user: %+v", resp)
	}

	if rec := get(t, s, "/api/users/99999"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing user status: got %d", rec.Code)
	}
	if rec := get(t, s, "/api/users/abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status: got %d", rec.Code)
	}
}

func TestErrorsAreProtocolShaped(t *testing.T) {
	s, _ := newTestAPI(t)

	rec := get(t, s, "/api/users/99999")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d", rec.Code)
	}
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body.Code != http.StatusNotFound || body.Msg == "" {
		t.Fatalf("unexpected error body: %+v", body)
	}

	rec = get(t, s, "/api/users/abc")
	body = ErrorBody{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body.Code != http.StatusBadRequest {
		t.Fatalf("bad-request body: %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestAPI(t)

	rec := get(t, s, "/api/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var snap chat.MetricsSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("body: %v", err)
	}
}
