package followup

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultHeaderPhrases are the line prefixes treated as section headers.
var DefaultHeaderPhrases = []string{"follow-ups", "followups", "questions:"}

// Menu is an ordered list of distinct follow-up questions. Position i (0-based)
// is selected with index i+1.
type Menu []string

// Render formats the menu as the numbered list appended to a visible answer.
// An empty menu renders as the empty string.
func (m Menu) Render() string {
	if len(m) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nFollow-ups:")
	for i, q := range m {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(q)
	}
	return b.String()
}

type lineKind int

const (
	lineBlank lineKind = iota
	lineHeader
	lineCandidate
)

// MenuParser turns raw generated text into a Menu.
type MenuParser struct {
	headers []string
}

// NewMenuParser returns a parser that discards lines starting with any of the
// given header phrases (case-insensitive). A nil slice selects DefaultHeaderPhrases.
func NewMenuParser(headerPhrases []string) *MenuParser {
	if headerPhrases == nil {
		headerPhrases = DefaultHeaderPhrases
	}
	headers := make([]string, 0, len(headerPhrases))
	for _, h := range headerPhrases {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			headers = append(headers, h)
		}
	}
	return &MenuParser{headers: headers}
}

// Parse returns at most limit distinct candidate questions in input order.
func (p *MenuParser) Parse(raw string, limit int) Menu {
	menu := Menu{}
	if limit <= 0 {
		return menu
	}
	seen := make(map[string]struct{}, limit)
	for _, line := range strings.Split(raw, "\n") {
		kind, text := p.classify(line)
		if kind != lineCandidate {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		menu = append(menu, text)
		if len(menu) >= limit {
			break
		}
	}
	return menu
}

func (p *MenuParser) classify(line string) (lineKind, string) {
	text := strings.TrimSpace(stripMarker(strings.TrimLeftFunc(line, unicode.IsSpace)))
	if text == "" {
		return lineBlank, ""
	}
	lower := strings.ToLower(text)
	for _, h := range p.headers {
		if strings.HasPrefix(lower, h) {
			return lineHeader, text
		}
	}
	return lineCandidate, text
}

// stripMarker removes one leading enumeration marker: digits followed by '.'
// and whitespace, or a '-' / '•' bullet followed by whitespace.
func stripMarker(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 {
		if i < len(s) && s[i] == '.' && startsWithSpace(s[i+1:]) {
			return s[i+1:]
		}
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	if (r == '-' || r == '•') && startsWithSpace(s[size:]) {
		return s[size:]
	}
	return s
}

func startsWithSpace(s string) bool {
	r, size := utf8.DecodeRuneInString(s)
	return size > 0 && unicode.IsSpace(r)
}
