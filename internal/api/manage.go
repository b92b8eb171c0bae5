package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/concierge/internal/storage"
)

// --- threads ---

type threadResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserID    string    `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toThreadResponse(t storage.Thread) threadResponse {
	return threadResponse{
		ID:        t.ID,
		Title:     t.Title,
		UserID:    t.UserID,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func handleListThreads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threads, err := deps.Store.ListThreads(0)
		if err != nil {
			storageError(w, err)
			return
		}
		out := make([]threadResponse, len(threads))
		for i, t := range threads {
			out[i] = toThreadResponse(t)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		thread, err := deps.Store.GetThread(chi.URLParam(r, "id"))
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toThreadResponse(thread))
	}
}

type messageResponse struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

func handleListThreadMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetThread(id); err != nil {
			storageError(w, err)
			return
		}
		msgs, err := deps.Store.ListRecentMessages(id, 0)
		if err != nil {
			storageError(w, err)
			return
		}
		out := make([]messageResponse, len(msgs))
		for i, m := range msgs {
			out[i] = messageResponse{
				ID:        m.ID,
				Seq:       m.Seq,
				Role:      m.Role,
				Text:      m.TextContent,
				CreatedAt: m.CreatedAt,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDeleteThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Store.DeleteThread(id); err != nil {
			storageError(w, err)
			return
		}
		deps.Sessions.Remove(id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- skills ---

type skillRequest struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	SystemPrompt string `json:"systemPrompt"`
}

func handleCreateSkill(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req skillRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Code == "" || req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "code and name are required")
			return
		}
		skill := storage.Skill{
			ID:           uuid.NewString(),
			Code:         req.Code,
			Name:         req.Name,
			SystemPrompt: req.SystemPrompt,
			Active:       true,
		}
		if err := deps.Store.CreateSkill(skill); err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, skill)
	}
}

func handleListSkills(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skills, err := deps.Store.ListSkills()
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, skills)
	}
}

func handleGetSkill(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skill, err := deps.Store.GetSkill(chi.URLParam(r, "id"))
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, skill)
	}
}

func handleUpdateSkill(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SystemPrompt string `json:"systemPrompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		id := chi.URLParam(r, "id")
		if err := deps.Store.UpdateSkillPrompt(id, req.SystemPrompt); err != nil {
			storageError(w, err)
			return
		}
		skill, err := deps.Store.GetSkill(id)
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, skill)
	}
}

func handleDeleteSkill(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skill, err := deps.Store.GetSkill(chi.URLParam(r, "id"))
		if err != nil {
			storageError(w, err)
			return
		}
		if err := deps.Store.DeleteSkill(skill.ID); err != nil {
			storageError(w, err)
			return
		}
		if err := deps.Router.RemoveSkill(skill.Code); err != nil {
			storageError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSeedPhrasings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Phrasings []string `json:"phrasings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Phrasings) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "phrasings is required and must not be empty")
			return
		}
		skill, err := deps.Store.GetSkill(chi.URLParam(r, "id"))
		if err != nil {
			storageError(w, err)
			return
		}
		count, err := deps.Router.Seed(r.Context(), skill.Code, skill.Name, req.Phrasings)
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"seeded": count})
	}
}

func handleLinkConnection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skill, err := deps.Store.GetSkill(chi.URLParam(r, "id"))
		if err != nil {
			storageError(w, err)
			return
		}
		conn, err := deps.Store.GetConnection(chi.URLParam(r, "connectionID"))
		if err != nil {
			storageError(w, err)
			return
		}
		if err := deps.Store.LinkSkillConnection(skill.ID, conn.ID); err != nil {
			storageError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleUnlinkConnection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.UnlinkSkillConnection(chi.URLParam(r, "id"), chi.URLParam(r, "connectionID")); err != nil {
			storageError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSkillTools(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skill, err := deps.Store.GetSkill(chi.URLParam(r, "id"))
		if err != nil {
			storageError(w, err)
			return
		}
		list, err := deps.Tools.ToolsForSkill(r.Context(), skill.ID)
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// --- connections ---

type connectionRequest struct {
	Name   string                   `json:"name"`
	Kind   string                   `json:"kind"`
	Config storage.ConnectionConfig `json:"config"`
}

func handleCreateConnection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		switch req.Kind {
		case storage.KindMCP:
			if req.Config.Command == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "kind %q requires config.command", req.Kind)
				return
			}
		case storage.KindMCPHTTP, storage.KindOpenAPI:
			if req.Config.Endpoint == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "kind %q requires config.endpoint", req.Kind)
				return
			}
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported connection kind %q", req.Kind)
			return
		}

		conn := storage.Connection{
			ID:     uuid.NewString(),
			Name:   req.Name,
			Kind:   req.Kind,
			Config: req.Config,
			Active: true,
		}
		if err := deps.Store.CreateConnection(conn); err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conn)
	}
}

func handleListConnections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := deps.Store.ListConnections()
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conns)
	}
}

func handleGetConnection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := deps.Store.GetConnection(chi.URLParam(r, "id"))
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conn)
	}
}

func handleDeleteConnection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteConnection(chi.URLParam(r, "id")); err != nil {
			storageError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDiscover(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Tools.GetTools(r.Context(), chi.URLParam(r, "id"), false)
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleConnectionTools(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Tools.GetTools(r.Context(), chi.URLParam(r, "id"), true)
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleCacheStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetConnection(id); err != nil {
			storageError(w, err)
			return
		}
		status, err := deps.Tools.Status(id)
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// --- tools ---

func handleSetToolAvailability(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Available *bool `json:"available"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Available == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "available is required")
			return
		}
		id := chi.URLParam(r, "id")
		if err := deps.Tools.SetAvailability(id, *req.Available); err != nil {
			storageError(w, err)
			return
		}
		tool, err := deps.Store.GetDiscoveredTool(id)
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tool)
	}
}

// --- intent ---

func handleClassify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}
		result, err := deps.Classifier.Classify(r.Context(), req.Message)
		if err != nil {
			storageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"label":      result.Label,
			"reason":     result.Reason,
			"confidence": result.Confidence,
			"cached":     result.Cached,
		})
	}
}
