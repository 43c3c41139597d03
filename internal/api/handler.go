// Package api provides HTTP handlers for the fastfollow API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/fastfollow/internal/chat"
	"github.com/ashureev/fastfollow/internal/config"
	"github.com/ashureev/fastfollow/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler serves the chat API.
type Handler struct {
	repo        store.Repository
	sessions    *chat.Manager
	rateLimiter *RateLimiter
	cfg         *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *chat.Manager, cfg *config.Config) *Handler {
	return &Handler{
		repo:        repo,
		sessions:    sessions,
		rateLimiter: NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		cfg:         cfg,
	}
}

// RateLimiter exposes the limiter so the caller can run its eviction loop.
func (h *Handler) RateLimiter() *RateLimiter {
	return h.rateLimiter
}

// RegisterRoutes mounts the API under r. Requests must already carry an identity.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/config", h.HandleConfig)
	r.Get("/me", h.HandleMe)
	r.Route("/chat", func(r chi.Router) {
		r.Post("/", h.HandleChat)
		r.Delete("/", h.HandleReset)
		r.Get("/state", h.HandleState)
		r.Get("/history", h.HandleHistory)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
