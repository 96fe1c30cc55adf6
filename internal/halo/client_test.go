package halo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var testCred = Credential{Auth: "auth-token", Context: "ctx-token"}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Endpoints{
		Gateway:  srv.URL + "/gateway",
		Refresh:  srv.URL + "/refresh-token",
		Validate: srv.URL + "/token-validate/",
	}, WithRetry(3, time.Millisecond))
}

func decodeOp(t *testing.T, r *http.Request) graphqlRequest {
	t.Helper()
	var req graphqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decoding request body: %v", err)
	}
	return req
}

func TestClassAnnouncements(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer auth-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Contexttoken"); got != "Bearer ctx-token" {
			t.Errorf("Contexttoken = %q", got)
		}
		req := decodeOp(t, r)
		if req.OperationName != "GetAnnouncementsStudent" {
			t.Errorf("operationName = %q", req.OperationName)
		}
		if req.Variables["courseClassId"] != "class-1" {
			t.Errorf("courseClassId = %v", req.Variables["courseClassId"])
		}
		w.Write([]byte(`{"data":{"announcements":{"posts":[
			{"id":"a1","title":"Welcome","postStatus":"PUBLISHED"},
			{"id":"a2","title":"Draft","postStatus":"DRAFT"},
			{"id":"a3","title":"Week 2","postStatus":"PUBLISHED"}
		]}}}`))
	})

	posts, err := c.ClassAnnouncements(context.Background(), testCred, "class-1")
	if err != nil {
		t.Fatalf("ClassAnnouncements: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2 published", len(posts))
	}
	for _, p := range posts {
		if p.CourseClassID != "class-1" {
			t.Errorf("CourseClassID = %q, want class-1", p.CourseClassID)
		}
		if p.PostStatus != Published {
			t.Errorf("unpublished post %q returned", p.ID)
		}
	}
}

func TestGraphQL401IsSessionInvalid(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"Response not successful: Received status code 401"}]}`))
	})

	_, err := c.ClassAnnouncements(context.Background(), testCred, "class-1")
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("err = %v, want ErrSessionInvalid", err)
	}
	var se *SessionError
	if !errors.As(err, &se) || se.Op != "GetAnnouncementsStudent" {
		t.Errorf("SessionError op = %+v", se)
	}
}

func TestHTTP401IsSessionInvalid(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.InboxPosts(context.Background(), testCred, "f1")
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("err = %v, want ErrSessionInvalid", err)
	}
}

func TestOtherGraphQLErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"internal failure"}]}`))
	})

	_, err := c.ClassGrades(context.Background(), testCred, "slug")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrSessionInvalid) {
		t.Errorf("transient error classified as session invalid: %v", err)
	}
}

func TestServerErrorIncludesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	})

	_, err := c.ClassAnnouncements(context.Background(), testCred, "c")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want status 502 mentioned", err)
	}
}

func TestRateLimitRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":{"inboxForums":[{"id":"f1","title":"Inbox"}]}}`))
	})

	forums, err := c.InboxForums(context.Background(), testCred)
	if err != nil {
		t.Fatalf("InboxForums: %v", err)
	}
	if len(forums) != 1 || forums[0].ID != "f1" {
		t.Errorf("forums = %+v", forums)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.InboxForums(context.Background(), testCred)
	if err == nil {
		t.Fatal("expected error")
	}
	if !isRateLimit(err) {
		t.Errorf("err = %v, want wrapped rate limit error", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClassGrades(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeOp(t, r)
		if req.Variables["courseClassSlugId"] != "CS-101-O500" {
			t.Errorf("slug = %v", req.Variables["courseClassSlugId"])
		}
		w.Write([]byte(`{"data":{"gradeOverview":[{"grades":[
			{"id":"g1","status":"PUBLISHED","userLastSeenDate":null,"finalPoints":95,"assessment":{"id":"as1"}},
			{"id":"g2","status":"DRAFT","assessment":{"id":"as2"}},
			{"id":"g3","status":"PUBLISHED","userLastSeenDate":"2024-01-01T00:00:00Z","assessment":{"id":"as3"}}
		]}]}}`))
	})

	grades, err := c.ClassGrades(context.Background(), testCred, "CS-101-O500")
	if err != nil {
		t.Fatalf("ClassGrades: %v", err)
	}
	if len(grades) != 2 {
		t.Fatalf("got %d grades, want 2", len(grades))
	}
	if grades[0].Seen() {
		t.Error("g1 reported seen")
	}
	if !grades[1].Seen() {
		t.Error("g3 reported unseen")
	}
	if grades[0].FinalPoints == nil || *grades[0].FinalPoints != 95 {
		t.Errorf("FinalPoints = %v", grades[0].FinalPoints)
	}
}

func TestClassGradesEmptyOverview(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"gradeOverview":[]}}`))
	})

	grades, err := c.ClassGrades(context.Background(), testCred, "slug")
	if err != nil {
		t.Fatalf("ClassGrades: %v", err)
	}
	if grades == nil || len(grades) != 0 {
		t.Errorf("grades = %v, want empty non-nil", grades)
	}
}

func TestGradeFeedback(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeOp(t, r)
		if req.Variables["assessmentId"] != "as1" || req.Variables["userId"] != "halo-u1" {
			t.Errorf("variables = %v", req.Variables)
		}
		w.Write([]byte(`{"data":{"assessmentFeedback":{"id":"g1","finalPoints":18,
			"assessment":{"id":"as1","title":"Essay 1","points":20},
			"finalComment":{"comment":"<p>Nice work</p>"}}}}`))
	})

	fb, err := c.GradeFeedback(context.Background(), testCred, "as1", "halo-u1")
	if err != nil {
		t.Fatalf("GradeFeedback: %v", err)
	}
	if fb.Assessment.Title != "Essay 1" || fb.FinalComment == nil || fb.FinalComment.Comment != "<p>Nice work</p>" {
		t.Errorf("feedback = %+v", fb)
	}
}

func TestUserOverview(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"userInfo":{"id":"halo-u1","firstName":"Ada","lastName":"L"},
			"classes":{"courseClasses":[{"id":"c1","slugId":"CS-101","courseCode":"CS-101","stage":"CURRENT",
			"students":[{"userId":"halo-u1","status":"ACTIVE"}]}]}}}`))
	})

	ov, err := c.UserOverview(context.Background(), testCred, "halo-u1")
	if err != nil {
		t.Fatalf("UserOverview: %v", err)
	}
	if ov.User.Name() != "Ada L" {
		t.Errorf("Name = %q", ov.User.Name())
	}
	if len(ov.Classes) != 1 {
		t.Fatalf("classes = %d, want 1", len(ov.Classes))
	}
	if s, ok := ov.Classes[0].Student("halo-u1"); !ok || s.Status != "ACTIVE" {
		t.Errorf("Student = %+v, %v", s, ok)
	}
}

func TestUserID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token-validate/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["userToken"] != "auth-token" || body["contextToken"] != "ctx-token" {
			t.Errorf("body = %v", body)
		}
		w.Write([]byte(`{"payload":{"userid":"halo-u1"}}`))
	})

	id, err := c.UserID(context.Background(), testCred)
	if err != nil {
		t.Fatalf("UserID: %v", err)
	}
	if id != "halo-u1" {
		t.Errorf("id = %q", id)
	}
}

func TestRefresh(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/refresh-token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		cookie := r.Header.Get("Cookie")
		if !strings.Contains(cookie, AuthCookie+"=auth-token") || !strings.Contains(cookie, ContextCookie+"=ctx-token") {
			t.Errorf("cookie = %q", cookie)
		}
		w.Write([]byte(`{"TE1TX0FVVEg":"new-auth","TE1TX0NPTlRFWFQ":"new-ctx"}`))
	})

	next, err := c.Refresh(context.Background(), testCred)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.Auth != "new-auth" || next.Context != "new-ctx" {
		t.Errorf("next = %+v", next)
	}
}

func TestRefreshMissingTokens(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"TE1TX0FVVEg":"only-auth"}`))
	})

	if _, err := c.Refresh(context.Background(), testCred); err == nil {
		t.Fatal("expected error for partial token pair")
	}
}

func TestContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.InboxForums(ctx, testCred); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
