// Package wschat serves the chat over a websocket. Each client frame is one
// user action; the server answers with the session's updates in order.
package wschat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/fastfollow/internal/chat"
	"github.com/ashureev/fastfollow/internal/identity"
	"github.com/ashureev/fastfollow/internal/store"
	"github.com/coder/websocket"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
)

// clientFrame is a message from the browser.
type clientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Index   int    `json:"index,omitempty"`
	Layer   string `json:"layer,omitempty"`
}

// serverFrame is a message to the browser.
type serverFrame struct {
	Type   string       `json:"type"`
	Update *chat.Update `json:"update,omitempty"`
	View   *chat.View   `json:"view,omitempty"`
	State  string       `json:"state,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Handler upgrades requests to websockets bound to the caller's chat session.
type Handler struct {
	repo          store.Repository
	sessions      *chat.Manager
	conns         *ConnRegistry
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a websocket chat handler.
func NewHandler(repo store.Repository, sessions *chat.Manager, conns *ConnRegistry, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		repo:          repo,
		sessions:      sessions,
		conns:         conns,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(readLimit)

	h.conns.Register(userID, sessionID, ws)
	defer h.conns.Unregister(userID, sessionID, ws)

	view := h.sessions.Get(userID, sessionID).View()
	if err := h.writeFrame(r.Context(), ws, serverFrame{Type: "state", View: &view}); err != nil {
		slog.Debug("Failed to send initial state", "error", err)
		return
	}

	h.readLoop(r.Context(), ws, userID, sessionID)
	slog.Info("Chat socket ended", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			if err := h.writeFrame(ctx, ws, serverFrame{Type: "error", Error: "invalid frame"}); err != nil {
				return
			}
			continue
		}

		var in chat.Input
		switch frame.Type {
		case "ping":
			if err := h.writeFrame(ctx, ws, serverFrame{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
				return
			}
			continue
		case "ask":
			in = chat.ParseInput(frame.Content)
		case "select":
			in = chat.SelectFrom(frame.Layer, frame.Index)
		default:
			if err := h.writeFrame(ctx, ws, serverFrame{Type: "error", Error: "unknown frame type"}); err != nil {
				return
			}
			continue
		}

		// Idle sessions can be evicted while the socket stays open.
		if err := h.run(ctx, ws, h.sessions.Get(userID, sessionID), in.Via("ws")); err != nil {
			slog.Debug("Failed to write chat frame", "error", err, "user_id", userID)
			return
		}

		go h.touch(userID, sessionID)
	}
}

// run handles one action and relays its updates. Only write errors are returned.
func (h *Handler) run(ctx context.Context, ws *websocket.Conn, session *chat.Session, in chat.Input) error {
	for update, err := range session.Handle(ctx, in) {
		if err != nil {
			return h.writeFrame(ctx, ws, serverFrame{Type: "error", Error: err.Error()})
		}
		if err := h.writeFrame(ctx, ws, serverFrame{Type: "update", Update: update}); err != nil {
			return err
		}
	}
	return h.writeFrame(ctx, ws, serverFrame{Type: "done", State: string(session.View().State)})
}

func (h *Handler) touch(userID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.repo.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
		slog.Warn("Failed to update last seen", "error", err, "user_id", userID, "session_id", sessionID)
	}
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
