package followup

import "fmt"

const noCachedAnswer = "Sorry, no cached answer found."

// layer is one generation cycle: the base question, its menu and the answer
// cache keyed by 1-based menu index. A layer is built completely before it is
// published and is never modified afterwards.
type layer struct {
	base    string
	menu    Menu
	answers map[int]string
}

func newLayer(base string, menu Menu, answers []string) *layer {
	l := &layer{
		base:    base,
		menu:    menu,
		answers: make(map[int]string, len(menu)),
	}
	for i := range menu {
		l.answers[i+1] = answers[i]
	}
	return l
}

func (l *layer) inRange(index int) bool {
	return l != nil && index >= 1 && index <= len(l.menu)
}

func (l *layer) size() int {
	if l == nil {
		return 0
	}
	return len(l.menu)
}

// immediate returns the cached answer for index, or the user-facing message
// for an out-of-range index or a missing entry.
func (l *layer) immediate(index int) string {
	if !l.inRange(index) {
		return fmt.Sprintf("Please choose a number between 1 and %d.", l.size())
	}
	answer, ok := l.answers[index]
	if !ok {
		return noCachedAnswer
	}
	return answer
}
