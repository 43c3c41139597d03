// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/fastfollow/internal/domain"
)

// Repository defines the interface for persisting users and the exchange log.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// RecordExchange appends an exchange to the log. An empty ID is assigned.
	RecordExchange(ctx context.Context, exchange *domain.Exchange) error

	// ListExchanges returns the most recent exchanges of a session, oldest first.
	ListExchanges(ctx context.Context, userID, sessionID string, limit int) ([]domain.Exchange, error)

	// DeleteExchanges removes the logged exchanges of a session.
	DeleteExchanges(ctx context.Context, userID, sessionID string) (int64, error)

	// CleanupExchanges removes exchanges older than the retention window.
	CleanupExchanges(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
