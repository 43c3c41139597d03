package chat

import (
	"github.com/ashureev/fastfollow/internal/followup"
)

// UpdateKind tells the presentation layer what changed.
type UpdateKind string

const (
	// UpdateAnswer carries a new question's visible answer and its entries.
	UpdateAnswer UpdateKind = "answer"
	// UpdateImmediate carries a cached follow-up answer; entries are unchanged.
	UpdateImmediate UpdateKind = "immediate"
	// UpdateMenu carries the entries of a rotated layer.
	UpdateMenu UpdateKind = "menu"
	// UpdateNotice carries an informational reply; entries are unchanged.
	UpdateNotice UpdateKind = "notice"
)

const (
	noFollowupsNotice = "No follow-ups available. Ask a new question."
	staleMenuNotice   = "That menu has been replaced. Choose from the latest follow-ups."
)

// Exchange is one transcript line: what the user sent and what they got back.
type Exchange struct {
	Input    string `json:"input"`
	Response string `json:"response"`
}

// Entry is one selectable slot. Hidden slots have an empty label.
type Entry struct {
	Index   int    `json:"index"`
	Label   string `json:"label"`
	Visible bool   `json:"visible"`
}

// Update is one UI change. A nil Entries means the entries did not change.
// Layer identifies the menu layer Entries belong to.
type Update struct {
	Kind     UpdateKind `json:"kind"`
	Exchange *Exchange  `json:"exchange,omitempty"`
	Entries  []Entry    `json:"entries,omitempty"`
	Layer    string     `json:"layer,omitempty"`
}

// Entries lays a menu out over k slots, hiding slots past the menu's end.
func Entries(menu followup.Menu, k int) []Entry {
	entries := make([]Entry, k)
	for i := range entries {
		entries[i].Index = i + 1
		if i < len(menu) {
			entries[i].Label = menu[i]
			entries[i].Visible = true
		}
	}
	return entries
}
