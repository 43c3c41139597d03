package followup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// State is the conversation's position in its two-state machine.
type State string

const (
	// StateIdle means no layer has been generated yet; only Ask is meaningful.
	StateIdle State = "idle"
	// StateMenuActive means a menu and its full answer cache are published.
	StateMenuActive State = "menu_active"
)

// Option configures a Conversation.
type Option func(*Conversation)

// WithMenuSize sets K, the maximum number of follow-ups per layer.
func WithMenuSize(k int) Option {
	return func(c *Conversation) {
		if k > 0 {
			c.k = k
		}
	}
}

// WithParser sets the menu parser, e.g. one with custom header phrases.
func WithParser(p *MenuParser) Option {
	return func(c *Conversation) {
		if p != nil {
			c.parser = p
		}
	}
}

// WithConcurrency bounds the number of follow-up answers generated in parallel.
func WithConcurrency(n int) Option {
	return func(c *Conversation) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets the logger used for layer diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conversation) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Conversation holds exactly one layer of a session. It has no internal
// locking: callers run one operation at a time per Conversation.
type Conversation struct {
	gen         Generator
	parser      *MenuParser
	k           int
	concurrency int
	logger      *slog.Logger
	current     *layer
}

// New creates an idle conversation backed by gen.
func New(gen Generator, opts ...Option) *Conversation {
	c := &Conversation{
		gen:    gen,
		parser: NewMenuParser(nil),
		k:      DefaultMenuSize,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.concurrency == 0 {
		c.concurrency = c.k
	}
	return c
}

// K returns the configured menu size.
func (c *Conversation) K() int { return c.k }

// State reports whether a layer has been published.
func (c *Conversation) State() State {
	if c.current == nil {
		return StateIdle
	}
	return StateMenuActive
}

// Base returns the question anchoring the current layer.
func (c *Conversation) Base() string {
	if c.current == nil {
		return ""
	}
	return c.current.base
}

// Menu returns a copy of the current menu.
func (c *Conversation) Menu() Menu {
	if c.current == nil {
		return Menu{}
	}
	return append(Menu{}, c.current.menu...)
}

// Ask answers question, generates a fresh menu for it and caches an answer
// for every entry. The previous layer is replaced only when every generation
// call succeeded.
func (c *Conversation) Ask(ctx context.Context, question string) (string, Menu, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", nil, ErrEmptyQuestion
	}

	mainAnswer, err := c.gen.Answer(ctx, question)
	if err != nil {
		return "", nil, generationError("answer", err)
	}
	if strings.TrimSpace(mainAnswer) == "" {
		return "", nil, generationError("answer", errBlankOutput)
	}

	next, err := c.buildLayer(ctx, question, "User question: "+question+"\nAnswer: "+mainAnswer)
	if err != nil {
		return "", nil, err
	}
	c.current = next
	c.logger.Debug("layer published", "trigger", "ask", "menu_len", len(next.menu))

	return mainAnswer + next.menu.Render(), c.Menu(), nil
}

// PeekImmediate returns the cached answer for a 1-based index, or a
// user-facing range message when the index is not on the current menu.
func (c *Conversation) PeekImmediate(index int) string {
	return c.current.immediate(index)
}

// RotateNextLayer makes the follow-up at index the new base question and
// replaces the current layer with one generated from it.
func (c *Conversation) RotateNextLayer(ctx context.Context, index int) (Menu, error) {
	if !c.current.inRange(index) {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrOutOfRange, index, c.current.size())
	}
	selected := c.current.menu[index-1]
	immediate := c.current.answers[index]

	next, err := c.buildLayer(ctx, selected, "Base: "+selected+"\nAnswer: "+immediate)
	if err != nil {
		return nil, err
	}
	c.current = next
	c.logger.Debug("layer published", "trigger", "rotate", "index", index, "menu_len", len(next.menu))

	return c.Menu(), nil
}

// buildLayer proposes follow-ups for promptContext and answers each of them
// relative to base. Nothing is published here.
func (c *Conversation) buildLayer(ctx context.Context, base, promptContext string) (*layer, error) {
	raw, err := c.gen.ProposeFollowups(ctx, promptContext)
	if err != nil {
		return nil, generationError("propose followups", err)
	}
	menu := c.parser.Parse(raw, c.k)
	if len(menu) == 0 {
		c.logger.Debug("proposal yielded no follow-ups", "raw_len", len(raw))
	}

	answers := make([]string, len(menu))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, q := range menu {
		g.Go(func() error {
			answer, err := c.gen.AnswerFollowup(gctx, base, q)
			if err != nil {
				return generationError("answer followup", err)
			}
			if strings.TrimSpace(answer) == "" {
				return generationError("answer followup", errBlankOutput)
			}
			answers[i] = answer
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return newLayer(base, menu, answers), nil
}
