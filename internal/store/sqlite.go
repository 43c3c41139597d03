package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/fastfollow/internal/domain"
	"github.com/ashureev/fastfollow/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	exchangeMu sync.Mutex // serializes exchange writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		kind TEXT NOT NULL,
		input TEXT NOT NULL,
		response TEXT NOT NULL,
		base TEXT,
		menu_size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges(user_id, session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// RecordExchange appends an exchange to the log.
// Retries with exponential backoff when the database is busy.
func (s *SQLiteStore) RecordExchange(ctx context.Context, exchange *domain.Exchange) error {
	if exchange.ID == "" {
		exchange.ID = uuid.NewString()
	}
	if exchange.CreatedAt.IsZero() {
		exchange.CreatedAt = time.Now()
	}

	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.recordExchangeOnce(ctx, exchange)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
			slog.Debug("RecordExchange failed with SQLITE_BUSY, retrying",
				"user_id", exchange.UserID,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return fmt.Errorf("record exchange for %s after %d attempts: %w", exchange.UserID, i+1, err)
	}

	return nil
}

func (s *SQLiteStore) recordExchangeOnce(ctx context.Context, e *domain.Exchange) error {
	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()

	query := `
		INSERT INTO exchanges (id, seq, user_id, session_id, channel, kind, input, response, base, menu_size, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM exchanges WHERE user_id = ? AND session_id = ?),
		        ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var base interface{}
	if e.Base != "" {
		base = e.Base
	}

	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.UserID, e.SessionID,
		e.UserID, e.SessionID, e.Channel, e.Kind, e.Input, e.Response, base, e.MenuSize,
		e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}
	return nil
}

// ListExchanges returns up to limit most recent exchanges of a session, oldest first.
func (s *SQLiteStore) ListExchanges(ctx context.Context, userID, sessionID string, limit int) ([]domain.Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, session_id, channel, kind, input, response, base, menu_size, created_at
		FROM (
			SELECT * FROM exchanges WHERE user_id = ? AND session_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close exchange rows", "error", closeErr)
		}
	}()

	var out []domain.Exchange
	for rows.Next() {
		var e domain.Exchange
		var base sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.SessionID, &e.Channel, &e.Kind,
			&e.Input, &e.Response, &base, &e.MenuSize, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan exchange row: %w", err)
		}
		e.Base = base.String
		e.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return out, nil
}

// DeleteExchanges removes the logged exchanges of a session.
func (s *SQLiteStore) DeleteExchanges(ctx context.Context, userID, sessionID string) (int64, error) {
	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE user_id = ? AND session_id = ?`, userID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete exchanges: %w", err)
	}
	return result.RowsAffected()
}

// CleanupExchanges removes exchanges older than the retention window.
func (s *SQLiteStore) CleanupExchanges(ctx context.Context, retention time.Duration) (int64, error) {
	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()

	threshold := time.Now().Add(-retention).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup exchanges: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
