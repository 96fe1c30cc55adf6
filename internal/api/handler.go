package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/halowatch/internal/credential"
	"github.com/kalambet/halowatch/internal/halo"
	"github.com/kalambet/halowatch/internal/health"
	"github.com/kalambet/halowatch/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// CredentialStatuses reports credential lifecycle state.
type CredentialStatuses interface {
	Status(userID string) (credential.Status, bool)
	Statuses() []credential.Status
}

// HealthReporter reports background job health.
type HealthReporter interface {
	Report() []health.JobStatus
	Healthy() bool
}

// RosterSyncer refreshes one user's classes and forums.
type RosterSyncer interface {
	SyncUser(ctx context.Context, userID string) error
}

type AppDeps struct {
	Store       *storage.Store
	Credentials CredentialStatuses
	Health      HealthReporter
	Roster      RosterSyncer // optional; if nil, linking does not trigger a roster sync
	Token       string
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string             `json:"status"`
	Jobs      []health.JobStatus `json:"jobs"`
	Snapshots map[string]int     `json:"snapshots,omitempty"`
}

// LinkRequest is the body of PUT /credentials/{user}.
type LinkRequest struct {
	Auth    string `json:"auth"`
	Context string `json:"context"`
}

// MemberRequest is the body of PUT /classes/{id}/members/{user}.
type MemberRequest struct {
	Status             string `json:"status"`
	GradeNotifications *bool  `json:"grade_notifications"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/credentials", handleListCredentials(deps))
		r.Get("/credentials/{user}", handleGetCredential(deps))
		r.Put("/credentials/{user}", handleLinkCredential(deps))
		r.Delete("/credentials/{user}", handleUnlinkCredential(deps))

		r.Get("/classes", handleListClasses(deps))
		r.Put("/classes/{id}", handlePutClass(deps))
		r.Get("/classes/{id}/members", handleListMembers(deps))
		r.Put("/classes/{id}/members/{user}", handlePutMember(deps))

		r.Put("/users/{user}/forums/{forum}", handlePutForum(deps))
		r.Post("/users/{user}/sync", handleSyncUser(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Jobs: deps.Health.Report()}
		code := http.StatusOK
		if !deps.Health.Healthy() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		if counts, err := deps.Store.SnapshotCounts(r.Context()); err == nil {
			resp.Snapshots = counts
		}
		writeJSON(w, code, resp)
	}
}

func handleListCredentials(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := deps.Credentials.Statuses()
		if statuses == nil {
			statuses = []credential.Status{}
		}
		writeJSON(w, http.StatusOK, statuses)
	}
}

func handleGetCredential(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		status, ok := deps.Credentials.Status(user)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no credential for %s", user)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleLinkCredential(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req LinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !(halo.Credential{Auth: req.Auth, Context: req.Context}).Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "auth and context are required")
			return
		}

		if err := deps.Store.PutCredential(r.Context(), storage.Credential{UserID: user, Auth: req.Auth, Context: req.Context}); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store credential: %v", err)
			return
		}

		if deps.Roster != nil {
			ctx := context.WithoutCancel(r.Context())
			go func() {
				if err := deps.Roster.SyncUser(ctx, user); err != nil {
					slog.Warn("roster sync after link failed", "user_id", user, "error", err)
				}
			}()
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "linked"})
	}
}

func handleUnlinkCredential(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		err := deps.Store.DeleteCredential(r.Context(), user)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no credential for %s", user)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete credential: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
	}
}

func handleListClasses(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		classes, err := deps.Store.ListClasses(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list classes: %v", err)
			return
		}
		if classes == nil {
			classes = []storage.Class{}
		}
		writeJSON(w, http.StatusOK, classes)
	}
}

func handlePutClass(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var c storage.Class
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		c.ID = chi.URLParam(r, "id")
		switch c.Stage {
		case "", storage.StagePreStart, storage.StageCurrent, storage.StagePost:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown stage %q", c.Stage)
			return
		}

		if err := deps.Store.UpsertClass(r.Context(), c); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save class: %v", err)
			return
		}
		saved, err := deps.Store.GetClass(r.Context(), c.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load class: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

func handleListMembers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		members, err := deps.Store.Members(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list members: %v", err)
			return
		}
		if members == nil {
			members = []storage.ClassMember{}
		}
		writeJSON(w, http.StatusOK, members)
	}
}

func handlePutMember(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		classID := chi.URLParam(r, "id")
		user := chi.URLParam(r, "user")

		var req MemberRequest
		if r.ContentLength != 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}
		switch req.Status {
		case "", storage.MemberActive, storage.MemberInactive:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", req.Status)
			return
		}

		if _, err := deps.Store.GetClass(r.Context(), classID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "class %s not found", classID)
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load class: %v", err)
			return
		}

		m := storage.ClassMember{ClassID: classID, UserID: user, Status: req.Status, GradeNotifications: true}
		if err := deps.Store.UpsertMember(r.Context(), m); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save member: %v", err)
			return
		}
		if req.GradeNotifications != nil {
			if err := deps.Store.SetGradeNotifications(r.Context(), classID, user, *req.GradeNotifications); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to set grade notifications: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	}
}

func handlePutForum(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		forum := chi.URLParam(r, "forum")
		if err := deps.Store.AddInboxForum(r.Context(), user, forum); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to add forum: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	}
}

func handleSyncUser(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Roster == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "roster sync not available")
			return
		}
		user := chi.URLParam(r, "user")
		if err := deps.Roster.SyncUser(r.Context(), user); err != nil {
			httpError(w, http.StatusBadGateway, "upstream_error", "roster sync failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
