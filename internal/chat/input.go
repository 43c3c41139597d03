// Package chat is the presentation boundary of the follow-up cache: it turns
// user input into conversation operations and conversation results into
// transcript entries and selectable menu entries.
package chat

import (
	"strconv"
	"strings"
)

// InputKind discriminates Input.
type InputKind int

const (
	// InputEmpty is blank input; handling it is a no-op.
	InputEmpty InputKind = iota
	// InputQuestion starts a fresh layer from free text.
	InputQuestion
	// InputSelect picks a menu entry by 1-based index.
	InputSelect
)

func (k InputKind) String() string {
	switch k {
	case InputQuestion:
		return "question"
	case InputSelect:
		return "select"
	default:
		return "empty"
	}
}

// Input is one user action. It is built once at the edge and never re-parsed.
type Input struct {
	Kind    InputKind
	Text    string
	Index   int
	Channel string
	// Layer, when set, is the menu layer the selection was made from.
	Layer string
}

// NewQuestion returns a question input, or an empty input for blank text.
func NewQuestion(text string) Input {
	text = strings.TrimSpace(text)
	if text == "" {
		return Input{Kind: InputEmpty}
	}
	return Input{Kind: InputQuestion, Text: text}
}

// Select returns a selection input for a 1-based menu index.
func Select(index int) Input {
	return Input{Kind: InputSelect, Index: index, Text: strconv.Itoa(index)}
}

// SelectFrom returns a selection that only applies while layer is the
// session's current menu layer.
func SelectFrom(layer string, index int) Input {
	in := Select(index)
	in.Layer = layer
	return in
}

// ParseInput classifies typed text: blank is empty, all digits is a
// selection, anything else is a new question.
func ParseInput(raw string) Input {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Input{Kind: InputEmpty}
	}
	if isDigits(text) {
		n, err := strconv.Atoi(text)
		if err != nil {
			// Too large for int; still a selection, and never in range.
			n = -1
		}
		return Input{Kind: InputSelect, Index: n, Text: text}
	}
	return Input{Kind: InputQuestion, Text: text}
}

// Via tags the input with the transport it arrived on.
func (in Input) Via(channel string) Input {
	in.Channel = channel
	return in
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
