package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/fastfollow/internal/chat"
	"github.com/ashureev/fastfollow/internal/identity"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ChatRequest is the body of POST /api/chat. At most one of Message and
// Select is set; Layer optionally pins Select to the menu it was shown with.
// A blank message streams only "done".
type ChatRequest struct {
	Message string `json:"message,omitempty"`
	Select  *int   `json:"select,omitempty"`
	Layer   string `json:"layer,omitempty"`
}

func (req ChatRequest) input() (chat.Input, error) {
	switch {
	case req.Select != nil && req.Message != "":
		return chat.Input{}, errors.New("send either message or select, not both")
	case req.Select != nil:
		return chat.SelectFrom(req.Layer, *req.Select), nil
	}
	return chat.ParseInput(req.Message), nil
}

// HandleConfig handles GET /api/config.
func (h *Handler) HandleConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]int{"menu_size": h.cfg.Followup.MenuSize})
}

// HandleMe handles GET /api/me.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load user", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"user_id":    user.UserID,
		"username":   user.Username,
		"session_id": identity.SessionIDFromContext(r.Context()),
		"created_at": user.CreatedAt,
		"idle":       user.IdleFor(time.Now()).Round(time.Second).String(),
	})
}

// HandleChat handles POST /api/chat. The session's updates are streamed as
// SSE "update" events in order, followed by "done", or "error" on failure.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	in, err := req.input()
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	in = in.Via("http")

	session := h.sessions.Get(userID, sessionID)
	if session.Busy() {
		Error(w, http.StatusConflict, chat.ErrSessionBusy.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	slog.Info("Chat request",
		"user_id", userID,
		"session_id", sessionID,
		"input", in.Kind.String(),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	for update, err := range session.Handle(r.Context(), in) {
		if err != nil {
			if !started && errors.Is(err, chat.ErrSessionBusy) {
				Error(w, http.StatusConflict, err.Error())
				return
			}
			start()
			slog.Error("Chat operation failed", "user_id", userID, "session_id", sessionID, "error", err)
			if writeErr := writeSSEJSON(w, "error", map[string]string{"error": err.Error()}); writeErr != nil {
				slog.Warn("failed to write SSE error event", "error", writeErr)
				return
			}
			flusher.Flush()
			return
		}

		start()
		if err := writeSSEJSON(w, "update", update); err != nil {
			slog.Warn("failed to write SSE update event", "error", err)
			return
		}
		flusher.Flush()
	}

	start()
	if err := writeSSEJSON(w, "done", map[string]string{"state": string(session.View().State)}); err != nil {
		slog.Warn("failed to write SSE done event", "error", err)
		return
	}
	flusher.Flush()
}

// HandleState handles GET /api/chat/state.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	JSON(w, http.StatusOK, h.sessions.Get(userID, sessionID).View())
}

// HandleHistory handles GET /api/chat/history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	exchanges, err := h.repo.ListExchanges(r.Context(), userID, sessionID, limit)
	if err != nil {
		slog.Error("Failed to list exchanges", "user_id", userID, "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"exchanges": exchanges})
}

// HandleReset handles DELETE /api/chat. It drops the session's conversation
// and its logged exchanges.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	if s, ok := h.sessions.Lookup(userID, sessionID); ok && s.Busy() {
		Error(w, http.StatusConflict, chat.ErrSessionBusy.Error())
		return
	}
	dropped := h.sessions.Drop(userID, sessionID)

	deleted, err := h.repo.DeleteExchanges(r.Context(), userID, sessionID)
	if err != nil {
		slog.Error("Failed to delete exchanges", "user_id", userID, "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete history")
		return
	}

	slog.Info("Chat session reset", "user_id", userID, "session_id", sessionID, "dropped", dropped, "deleted", deleted)
	JSON(w, http.StatusOK, map[string]any{"dropped": dropped, "deleted": deleted})
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEJSON(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	return writeSSE(w, event, string(data))
}
