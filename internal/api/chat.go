package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kalambet/concierge/internal/routing"
	"github.com/kalambet/concierge/internal/session"
)

// ChatRequest is the body of POST /chat/stream.
type ChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId"`
}

type metadataFrame struct {
	IsNewConversation bool    `json:"isNewConversation"`
	ThreadID          string  `json:"threadId"`
	Title             *string `json:"title"`
}

type dataFrame struct {
	ThreadID string `json:"threadId"`
	Text     string `json:"text"`
}

type errorFrame struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// sseWriter writes server-sent event frames and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) frame(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleChatStream runs one chat turn and relays the model output as an SSE
// stream: one metadata frame before any model output, one data frame per
// text fragment, then done or error. Client disconnects stop the stream
// silently.
func handleChatStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		var opts session.TurnOptions
		if raw := r.Header.Get("X-Routing-Threshold"); raw != "" {
			threshold, err := strconv.ParseFloat(raw, 64)
			if err != nil || threshold <= 0 || threshold > 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "X-Routing-Threshold must be a number in (0, 1]")
				return
			}
			opts.ScoreThreshold = threshold
		}
		if code := r.Header.Get("X-Skill-Code"); code != "" {
			// Reject unknown or inactive skills before the stream opens.
			if _, err := deps.Router.Forced(r.Context(), code); err != nil {
				storageError(w, err)
				return
			}
			opts.SkillCode = code
		}

		res, err := deps.Sessions.Resolve(r.Context(), req.ThreadID, req.Message)
		if err != nil {
			storageError(w, err)
			return
		}

		sse, ok := newSSEWriter(w)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		meta := metadataFrame{
			IsNewConversation: res.IsNew,
			ThreadID:          res.Thread.ID,
			Title:             titleOrNull(res.Thread.Title),
		}
		if err := sse.frame("metadata", meta); err != nil {
			return
		}

		turnCtx := &routing.TurnContext{}
		_, err = res.Session.Run(r.Context(), req.Message, opts, turnCtx, func(delta string) error {
			if delta == "" {
				return nil
			}
			return sse.frame("data", dataFrame{ThreadID: res.Thread.ID, Text: delta})
		})
		if err != nil {
			// Disconnects are not errors; anything else gets one error frame.
			if r.Context().Err() != nil {
				slog.Debug("chat stream cancelled", "thread", res.Thread.ID)
				return
			}
			slog.Error("chat turn failed", "thread", res.Thread.ID, "error", err)
			sse.frame("error", errorFrame{Error: err.Error(), Code: turnErrorCode(err)})
			return
		}

		if inst, ok := turnCtx.Get(); ok && inst.SkillCode != "" {
			slog.Debug("chat turn routed", "thread", res.Thread.ID, "skill", inst.SkillCode)
		}
		sse.frame("done", meta)
	}
}

// turnErrorCode picks the error-frame code for a failed turn: store failures
// get their own code, everything else is attributed to the model call.
func turnErrorCode(err error) string {
	if errors.Is(err, session.ErrStoreFailed) {
		return "store_error"
	}
	return "model_invocation_error"
}

func titleOrNull(title string) *string {
	if title == "" {
		return nil
	}
	return &title
}
