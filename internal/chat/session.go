package chat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/fastfollow/internal/domain"
	"github.com/ashureev/fastfollow/internal/followup"
	"github.com/google/uuid"
)

// ErrSessionBusy is yielded when an operation is already running on the session.
var ErrSessionBusy = errors.New("session busy")

// ExchangeRecorder persists transcript lines. Recording is best effort.
type ExchangeRecorder interface {
	RecordExchange(ctx context.Context, exchange *domain.Exchange) error
}

// View is a read-only snapshot of a session for rendering.
type View struct {
	State      followup.State `json:"state"`
	Base       string         `json:"base,omitempty"`
	MenuSize   int            `json:"menu_size"`
	Layer      string         `json:"layer,omitempty"`
	Entries    []Entry        `json:"entries"`
	Transcript []Exchange     `json:"transcript"`
}

// Session owns one conversation and runs one operation on it at a time.
type Session struct {
	userID    string
	sessionID string
	conv      *followup.Conversation
	recorder  ExchangeRecorder
	logger    *slog.Logger

	opMu sync.Mutex

	viewMu     sync.RWMutex
	transcript []Exchange
	entries    []Entry
	layer      string
	base       string
	state      followup.State

	lastActive atomic.Int64
}

func newSession(userID, sessionID string, conv *followup.Conversation, recorder ExchangeRecorder, logger *slog.Logger) *Session {
	s := &Session{
		userID:    userID,
		sessionID: sessionID,
		conv:      conv,
		recorder:  recorder,
		logger:    logger,
		entries:   Entries(nil, conv.K()),
		state:     conv.State(),
	}
	s.touch()
	return s
}

// Handle runs one user action and yields the UI updates it produces, in the
// order they must be shown. A selection yields the cached answer before the
// rotated menu. Breaking out of the loop early skips the remaining work.
func (s *Session) Handle(ctx context.Context, in Input) iter.Seq2[*Update, error] {
	return func(yield func(*Update, error) bool) {
		if in.Kind == InputEmpty {
			return
		}
		if !s.opMu.TryLock() {
			yield(nil, ErrSessionBusy)
			return
		}
		defer s.opMu.Unlock()
		s.touch()

		switch in.Kind {
		case InputQuestion:
			s.ask(ctx, in, yield)
		case InputSelect:
			s.choose(ctx, in, yield)
		}
	}
}

func (s *Session) ask(ctx context.Context, in Input, yield func(*Update, error) bool) {
	visible, menu, err := s.conv.Ask(ctx, in.Text)
	if err != nil {
		s.logger.Warn("ask failed", "user_id", s.userID, "session_id", s.sessionID, "error", err)
		yield(nil, err)
		return
	}

	ex := Exchange{Input: in.Text, Response: visible}
	entries := Entries(menu, s.conv.K())
	layer := s.publish(&ex, entries)
	s.record(ctx, in, UpdateAnswer, ex)

	yield(&Update{Kind: UpdateAnswer, Exchange: &ex, Entries: entries, Layer: layer}, nil)
}

func (s *Session) choose(ctx context.Context, in Input, yield func(*Update, error) bool) {
	if in.Layer != "" && in.Layer != s.currentLayer() {
		s.notify(ctx, in, staleMenuNotice, yield)
		return
	}
	menuLen := len(s.conv.Menu())
	if menuLen == 0 {
		s.notify(ctx, in, noFollowupsNotice, yield)
		return
	}

	ex := Exchange{Input: in.Text, Response: s.conv.PeekImmediate(in.Index)}
	s.publish(&ex, nil)
	s.record(ctx, in, UpdateImmediate, ex)
	if !yield(&Update{Kind: UpdateImmediate, Exchange: &ex}, nil) {
		return
	}
	if in.Index < 1 || in.Index > menuLen {
		return
	}

	menu, err := s.conv.RotateNextLayer(ctx, in.Index)
	if err != nil {
		s.logger.Warn("rotate failed", "user_id", s.userID, "session_id", s.sessionID, "index", in.Index, "error", err)
		yield(nil, err)
		return
	}
	entries := Entries(menu, s.conv.K())
	layer := s.publish(nil, entries)
	yield(&Update{Kind: UpdateMenu, Entries: entries, Layer: layer}, nil)
}

func (s *Session) notify(ctx context.Context, in Input, text string, yield func(*Update, error) bool) {
	ex := Exchange{Input: in.Text, Response: text}
	s.publish(&ex, nil)
	s.record(ctx, in, UpdateNotice, ex)
	yield(&Update{Kind: UpdateNotice, Exchange: &ex}, nil)
}

// publish appends ex to the transcript and, when entries is non-nil, starts
// a new menu layer. It returns the current layer ID.
func (s *Session) publish(ex *Exchange, entries []Entry) string {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if ex != nil {
		s.transcript = append(s.transcript, *ex)
	}
	if entries != nil {
		s.entries = entries
		s.layer = uuid.NewString()
	}
	s.base = s.conv.Base()
	s.state = s.conv.State()
	return s.layer
}

func (s *Session) currentLayer() string {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.layer
}

func (s *Session) record(ctx context.Context, in Input, kind UpdateKind, ex Exchange) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.RecordExchange(ctx, &domain.Exchange{
		UserID:    s.userID,
		SessionID: s.sessionID,
		Channel:   in.Channel,
		Kind:      string(kind),
		Input:     ex.Input,
		Response:  ex.Response,
		Base:      s.conv.Base(),
		MenuSize:  len(s.conv.Menu()),
	})
	if err != nil {
		s.logger.Warn("failed to record exchange", "user_id", s.userID, "session_id", s.sessionID, "error", err)
	}
}

// View returns a snapshot safe to render while an operation is running.
func (s *Session) View() View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return View{
		State:      s.state,
		Base:       s.base,
		MenuSize:   s.conv.K(),
		Layer:      s.layer,
		Entries:    append([]Entry(nil), s.entries...),
		Transcript: append([]Exchange{}, s.transcript...),
	}
}

// Busy reports whether an operation is in flight.
func (s *Session) Busy() bool {
	if s.opMu.TryLock() {
		s.opMu.Unlock()
		return false
	}
	return true
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the session was last fetched or started an operation.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}
