package domain

import (
	"time"
)

// Exchange is one recorded (user input, response) pair of a chat session.
type Exchange struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Channel   string    `json:"channel"`
	Kind      string    `json:"kind"`
	Input     string    `json:"input"`
	Response  string    `json:"response"`
	Base      string    `json:"base,omitempty"`
	MenuSize  int       `json:"menu_size"`
	CreatedAt time.Time `json:"created_at"`
}
