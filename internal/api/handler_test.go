package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/halowatch/internal/credential"
	"github.com/kalambet/halowatch/internal/health"
	"github.com/kalambet/halowatch/internal/storage"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockStatuses struct {
	statuses map[string]credential.Status
}

func (m *mockStatuses) Status(userID string) (credential.Status, bool) {
	s, ok := m.statuses[userID]
	return s, ok
}

func (m *mockStatuses) Statuses() []credential.Status {
	var out []credential.Status
	for _, s := range m.statuses {
		out = append(out, s)
	}
	return out
}

type mockHealth struct {
	jobs    []health.JobStatus
	healthy bool
}

func (m *mockHealth) Report() []health.JobStatus { return m.jobs }
func (m *mockHealth) Healthy() bool              { return m.healthy }

type mockRoster struct {
	mu     sync.Mutex
	synced []string
	err    error
	done   chan struct{}
}

func (m *mockRoster) SyncUser(_ context.Context, userID string) error {
	m.mu.Lock()
	m.synced = append(m.synced, userID)
	m.mu.Unlock()
	if m.done != nil {
		m.done <- struct{}{}
	}
	return m.err
}

// --- helpers ---

func setupAppHandler(t *testing.T) (http.Handler, AppDeps) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	deps := AppDeps{
		Store: store,
		Credentials: &mockStatuses{statuses: map[string]credential.Status{
			"u1": {UserID: "u1", State: credential.Active},
		}},
		Health: &mockHealth{healthy: true, jobs: []health.JobStatus{{Name: "announcements"}}},
		Token:  testToken,
	}
	return NewAppHandler(deps), deps
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// --- tests ---

func TestAuthRequired(t *testing.T) {
	h, _ := setupAppHandler(t)
	for _, token := range []string{"", "wrong"} {
		rr := serve(h, authReq(http.MethodGet, "/credentials", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestAuthSchemeAndChallenge(t *testing.T) {
	h, _ := setupAppHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/credentials", nil)
	req.Header.Set("Authorization", "bearer "+testToken)
	if rr := serve(h, req); rr.Code != http.StatusOK {
		t.Errorf("lowercase scheme: status = %d, want 200", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/credentials", nil)
	req.Header.Set("Authorization", "Basic "+testToken)
	rr := serve(h, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("basic scheme: status = %d, want 401", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}
}

func TestEmptyTokenLocksAdminRoutes(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with empty configured token")
	}))
	req := httptest.NewRequest(http.MethodGet, "/credentials", nil)
	req.Header.Set("Authorization", "Bearer ")
	if rr := serve(h, req); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	h, deps := setupAppHandler(t)
	deps.Store.PutSnapshot(context.Background(), "grades", "c1/u1", []byte("[]"))

	rr := serve(h, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp HealthResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Status != "ok" || len(resp.Jobs) != 1 || resp.Snapshots["grades"] != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHealthDegraded(t *testing.T) {
	h, deps := setupAppHandler(t)
	deps.Health.(*mockHealth).healthy = false

	rr := serve(h, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestCredentialStatus(t *testing.T) {
	h, _ := setupAppHandler(t)

	rr := serve(h, authReq(http.MethodGet, "/credentials/u1", "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"state":"ACTIVE"`) {
		t.Errorf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodGet, "/credentials/ghost", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d, want 404", rr.Code)
	}
}

func TestLinkAndUnlinkCredential(t *testing.T) {
	h, deps := setupAppHandler(t)
	ctx := context.Background()

	rr := serve(h, authReq(http.MethodPut, "/credentials/u2", `{"auth":"a","context":"c"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("link status = %d; body = %s", rr.Code, rr.Body.String())
	}
	c, err := deps.Store.GetCredential(ctx, "u2")
	if err != nil || c.Auth != "a" || c.Context != "c" {
		t.Errorf("stored = %+v, %v", c, err)
	}

	rr = serve(h, authReq(http.MethodDelete, "/credentials/u2", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("unlink status = %d", rr.Code)
	}
	if _, err := deps.Store.GetCredential(ctx, "u2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("credential still stored: %v", err)
	}

	rr = serve(h, authReq(http.MethodDelete, "/credentials/u2", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second unlink status = %d, want 404", rr.Code)
	}
}

func TestLinkValidation(t *testing.T) {
	h, _ := setupAppHandler(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"auth":`},
		{"missing context", `{"auth":"a"}`},
		{"empty", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, authReq(http.MethodPut, "/credentials/u1", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestLinkTriggersRosterSync(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	roster := &mockRoster{done: make(chan struct{}, 1)}
	h := NewAppHandler(AppDeps{Store: store, Credentials: &mockStatuses{}, Health: &mockHealth{}, Roster: roster, Token: testToken})

	serve(h, authReq(http.MethodPut, "/credentials/u3", `{"auth":"a","context":"c"}`, testToken))
	select {
	case <-roster.done:
	case <-time.After(2 * time.Second):
		t.Fatal("roster sync not triggered")
	}
	if roster.synced[0] != "u3" {
		t.Errorf("synced = %v", roster.synced)
	}
}

func TestClassAndMemberRoutes(t *testing.T) {
	h, deps := setupAppHandler(t)
	ctx := context.Background()

	rr := serve(h, authReq(http.MethodPut, "/classes/c1", `{"slug_id":"CS-101-O500","course_code":"CS-101","name":"Intro"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("put class status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var saved storage.Class
	json.NewDecoder(rr.Body).Decode(&saved)
	if saved.ID != "c1" || saved.Stage != storage.StageCurrent {
		t.Errorf("saved = %+v", saved)
	}

	rr = serve(h, authReq(http.MethodPut, "/classes/c1/members/u1", `{"grade_notifications":false}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("put member status = %d; body = %s", rr.Code, rr.Body.String())
	}
	members, _ := deps.Store.Members(ctx, "c1")
	if len(members) != 1 || members[0].GradeNotifications || members[0].Status != storage.MemberActive {
		t.Errorf("members = %+v", members)
	}

	rr = serve(h, authReq(http.MethodGet, "/classes", "", testToken))
	var classes []storage.Class
	json.NewDecoder(rr.Body).Decode(&classes)
	if len(classes) != 1 || classes[0].SlugID != "CS-101-O500" {
		t.Errorf("classes = %+v", classes)
	}

	rr = serve(h, authReq(http.MethodGet, "/classes/c1/members", "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"user_id":"u1"`) {
		t.Errorf("members body = %s", rr.Body.String())
	}
}

func TestMemberUnknownClass(t *testing.T) {
	h, _ := setupAppHandler(t)
	rr := serve(h, authReq(http.MethodPut, "/classes/nope/members/u1", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestPutClassRejectsUnknownStage(t *testing.T) {
	h, _ := setupAppHandler(t)
	rr := serve(h, authReq(http.MethodPut, "/classes/c1", `{"stage":"ARCHIVED"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestPutForum(t *testing.T) {
	h, deps := setupAppHandler(t)
	rr := serve(h, authReq(http.MethodPut, "/users/u1/forums/f1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	forums, _ := deps.Store.InboxForums(context.Background())
	if len(forums) != 1 || forums[0].ForumID != "f1" {
		t.Errorf("forums = %+v", forums)
	}
}

func TestSyncUserRoute(t *testing.T) {
	h, _ := setupAppHandler(t)
	rr := serve(h, authReq(http.MethodPost, "/users/u1/sync", "", testToken))
	if rr.Code != http.StatusNotImplemented {
		t.Errorf("status without roster = %d, want 501", rr.Code)
	}
}
