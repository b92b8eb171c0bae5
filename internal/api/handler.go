// Package api exposes the HTTP surface: the streaming chat endpoint and the
// management routes for threads, skills, connections and tools.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/concierge/internal/intent"
	"github.com/kalambet/concierge/internal/routing"
	"github.com/kalambet/concierge/internal/session"
	"github.com/kalambet/concierge/internal/storage"
	"github.com/kalambet/concierge/internal/tools"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps bundles everything the handlers need.
type Deps struct {
	Store      *storage.Store
	Sessions   *session.Manager
	Router     *routing.Index
	Classifier *intent.Classifier
	Tools      *tools.Cache
	Token      string
}

// NewHandler returns the full HTTP handler. All routes except /health
// require the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chat/stream", handleChatStream(deps))
		r.Post("/classify", handleClassify(deps))

		r.Get("/threads", handleListThreads(deps))
		r.Get("/threads/{id}", handleGetThread(deps))
		r.Get("/threads/{id}/messages", handleListThreadMessages(deps))
		r.Delete("/threads/{id}", handleDeleteThread(deps))

		r.Post("/skills", handleCreateSkill(deps))
		r.Get("/skills", handleListSkills(deps))
		r.Get("/skills/{id}", handleGetSkill(deps))
		r.Patch("/skills/{id}", handleUpdateSkill(deps))
		r.Delete("/skills/{id}", handleDeleteSkill(deps))
		r.Post("/skills/{id}/phrasings", handleSeedPhrasings(deps))
		r.Put("/skills/{id}/connections/{connectionID}", handleLinkConnection(deps))
		r.Delete("/skills/{id}/connections/{connectionID}", handleUnlinkConnection(deps))
		r.Get("/skills/{id}/tools", handleSkillTools(deps))

		r.Post("/connections", handleCreateConnection(deps))
		r.Get("/connections", handleListConnections(deps))
		r.Get("/connections/{id}", handleGetConnection(deps))
		r.Delete("/connections/{id}", handleDeleteConnection(deps))
		r.Post("/connections/{id}/discover", handleDiscover(deps))
		r.Get("/connections/{id}/tools", handleConnectionTools(deps))
		r.Get("/connections/{id}/cache-status", handleCacheStatus(deps))

		r.Patch("/tools/{id}", handleSetToolAvailability(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// storageError maps storage and discovery sentinels onto HTTP responses.
func storageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, storage.ErrConflict):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, tools.ErrDiscoveryFailed):
		httpError(w, http.StatusBadGateway, "discovery_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
