package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/fastfollow/internal/domain"
	"github.com/ashureev/fastfollow/internal/followup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGenerator proposes from a queue and answers deterministically.
// When gate is set, Answer blocks until it is closed.
type stubGenerator struct {
	mu        sync.Mutex
	proposals []string
	gate      chan struct{}
	entered   chan struct{}
	failNext  error
}

func (g *stubGenerator) Answer(ctx context.Context, question string) (string, error) {
	if g.gate != nil {
		close(g.entered)
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "main: " + question, nil
}

func (g *stubGenerator) ProposeFollowups(_ context.Context, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failNext != nil {
		err := g.failNext
		g.failNext = nil
		return "", err
	}
	if len(g.proposals) == 0 {
		return "", nil
	}
	raw := g.proposals[0]
	g.proposals = g.proposals[1:]
	return raw, nil
}

func (g *stubGenerator) AnswerFollowup(_ context.Context, base, q string) (string, error) {
	return base + " / " + q, nil
}

type memRecorder struct {
	mu        sync.Mutex
	exchanges []domain.Exchange
}

func (r *memRecorder) RecordExchange(_ context.Context, e *domain.Exchange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges = append(r.exchanges, *e)
	return nil
}

func newTestManager(gen followup.Generator, rec ExchangeRecorder) *Manager {
	return NewManager(func() *followup.Conversation {
		return followup.New(gen, followup.WithMenuSize(4))
	}, rec, nil)
}

func collect(t *testing.T, s *Session, in Input) ([]*Update, error) {
	t.Helper()
	var updates []*Update
	for u, err := range s.Handle(context.Background(), in) {
		if err != nil {
			return updates, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func TestParseInput(t *testing.T) {
	cases := []struct {
		raw  string
		want Input
	}{
		{"", Input{Kind: InputEmpty}},
		{"   \n", Input{Kind: InputEmpty}},
		{" 2 ", Input{Kind: InputSelect, Index: 2, Text: "2"}},
		{"0", Input{Kind: InputSelect, Index: 0, Text: "0"}},
		{"99999999999999999999999", Input{Kind: InputSelect, Index: -1, Text: "99999999999999999999999"}},
		{"-1", Input{Kind: InputQuestion, Text: "-1"}},
		{"2 please", Input{Kind: InputQuestion, Text: "2 please"}},
		{" What is TCP? ", Input{Kind: InputQuestion, Text: "What is TCP?"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseInput(tc.raw), "%q", tc.raw)
	}
	assert.Equal(t, Input{Kind: InputSelect, Index: 3, Text: "3", Channel: "ws"}, Select(3).Via("ws"))
	assert.Equal(t, Input{Kind: InputSelect, Index: 2, Text: "2", Layer: "L1"}, SelectFrom("L1", 2))
	assert.Equal(t, InputEmpty, NewQuestion("  ").Kind)
	assert.Equal(t, "question", InputQuestion.String())
}

func TestEntriesPadToK(t *testing.T) {
	entries := Entries(followup.Menu{"a", "b"}, 4)
	require.Len(t, entries, 4)
	assert.Equal(t, Entry{Index: 1, Label: "a", Visible: true}, entries[0])
	assert.Equal(t, Entry{Index: 2, Label: "b", Visible: true}, entries[1])
	assert.Equal(t, Entry{Index: 3}, entries[2])
	assert.Equal(t, Entry{Index: 4}, entries[3])
}

func TestQuestionYieldsSingleUpdate(t *testing.T) {
	rec := &memRecorder{}
	m := newTestManager(&stubGenerator{proposals: []string{"1. A?\n2. B?"}}, rec)
	s := m.Get("u", "tab")

	updates, err := collect(t, s, NewQuestion("Q?").Via("http"))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	u := updates[0]
	assert.Equal(t, UpdateAnswer, u.Kind)
	assert.Equal(t, "Q?", u.Exchange.Input)
	assert.Equal(t, "main: Q?\n\nFollow-ups:\n1. A?\n2. B?", u.Exchange.Response)
	assert.Equal(t, Entries(followup.Menu{"A?", "B?"}, 4), u.Entries)

	view := s.View()
	assert.Equal(t, followup.StateMenuActive, view.State)
	assert.Equal(t, "Q?", view.Base)
	assert.Len(t, view.Transcript, 1)

	require.Len(t, rec.exchanges, 1)
	assert.Equal(t, "http", rec.exchanges[0].Channel)
	assert.Equal(t, "answer", rec.exchanges[0].Kind)
	assert.Equal(t, 2, rec.exchanges[0].MenuSize)
}

func TestSelectionYieldsImmediateThenMenu(t *testing.T) {
	m := newTestManager(&stubGenerator{proposals: []string{"A?\nB?", "C?\nD?\nE?"}}, nil)
	s := m.Get("u", "tab")
	_, err := collect(t, s, NewQuestion("Q?"))
	require.NoError(t, err)

	var order []UpdateKind
	var menuSeenAtImmediate []Entry
	for u, err := range s.Handle(context.Background(), ParseInput("2")) {
		require.NoError(t, err)
		order = append(order, u.Kind)
		if u.Kind == UpdateImmediate {
			assert.Equal(t, "Q? / B?", u.Exchange.Response)
			assert.Equal(t, "2", u.Exchange.Input)
			assert.Nil(t, u.Entries)
			menuSeenAtImmediate = s.View().Entries
		}
		if u.Kind == UpdateMenu {
			assert.Nil(t, u.Exchange)
			assert.Equal(t, Entries(followup.Menu{"C?", "D?", "E?"}, 4), u.Entries)
		}
	}
	assert.Equal(t, []UpdateKind{UpdateImmediate, UpdateMenu}, order)
	assert.Equal(t, Entries(followup.Menu{"A?", "B?"}, 4), menuSeenAtImmediate)

	view := s.View()
	assert.Equal(t, "B?", view.Base)
	assert.Equal(t, []Exchange{
		{Input: "Q?", Response: "main: Q?\n\nFollow-ups:\n1. A?\n2. B?"},
		{Input: "2", Response: "Q? / B?"},
	}, view.Transcript)
}

func TestSelectionOutOfRangeDoesNotRotate(t *testing.T) {
	m := newTestManager(&stubGenerator{proposals: []string{"A?\nB?\nC?"}}, nil)
	s := m.Get("u", "tab")
	_, err := collect(t, s, NewQuestion("Q?"))
	require.NoError(t, err)

	updates, err := collect(t, s, Select(5))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateImmediate, updates[0].Kind)
	assert.Equal(t, "Please choose a number between 1 and 3.", updates[0].Exchange.Response)
	assert.Equal(t, "Q?", s.View().Base)
}

func TestSelectionWithoutMenu(t *testing.T) {
	rec := &memRecorder{}
	m := newTestManager(&stubGenerator{proposals: []string{""}}, rec)
	s := m.Get("u", "tab")

	updates, err := collect(t, s, Select(1).Via("http"))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateNotice, updates[0].Kind)
	assert.Equal(t, noFollowupsNotice, updates[0].Exchange.Response)

	require.Len(t, rec.exchanges, 1)
	assert.Equal(t, "notice", rec.exchanges[0].Kind)
	assert.Equal(t, noFollowupsNotice, rec.exchanges[0].Response)
	assert.Equal(t, "http", rec.exchanges[0].Channel)
	assert.Len(t, s.View().Transcript, len(rec.exchanges))

	_, err = collect(t, s, NewQuestion("Q?"))
	require.NoError(t, err)
	updates, err = collect(t, s, Select(1))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateNotice, updates[0].Kind)
}

func TestLayeredSelection(t *testing.T) {
	m := newTestManager(&stubGenerator{proposals: []string{"Why?\nHow?", "When?\nWhere?"}}, nil)
	s := m.Get("u", "tab")

	updates, err := collect(t, s, NewQuestion("What is DNS?"))
	require.NoError(t, err)
	first := updates[0].Layer
	require.NotEmpty(t, first)
	assert.Equal(t, first, s.View().Layer)

	updates, err = collect(t, s, SelectFrom(first, 1))
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Empty(t, updates[0].Layer)
	second := updates[1].Layer
	require.NotEmpty(t, second)
	assert.NotEqual(t, first, second)

	// A selection from the replaced layer must not resolve against the new menu.
	updates, err = collect(t, s, SelectFrom(first, 2))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateNotice, updates[0].Kind)
	assert.Equal(t, staleMenuNotice, updates[0].Exchange.Response)
	assert.Equal(t, "Why?", s.View().Base)
	assert.Equal(t, Entries(followup.Menu{"When?", "Where?"}, 4), s.View().Entries)

	updates, err = collect(t, s, SelectFrom(second, 2))
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, "Why? / Where?", updates[0].Exchange.Response)
}

func TestEmptyInputIsNoop(t *testing.T) {
	m := newTestManager(&stubGenerator{}, nil)
	s := m.Get("u", "tab")
	updates, err := collect(t, s, ParseInput("  "))
	require.NoError(t, err)
	assert.Empty(t, updates)
	assert.Empty(t, s.View().Transcript)
}

func TestRotateFailureYieldsErrorAfterImmediate(t *testing.T) {
	gen := &stubGenerator{proposals: []string{"A?\nB?"}}
	m := newTestManager(gen, nil)
	s := m.Get("u", "tab")
	_, err := collect(t, s, NewQuestion("Q?"))
	require.NoError(t, err)

	gen.failNext = errors.New("model down")
	updates, err := collect(t, s, Select(1))
	require.ErrorIs(t, err, followup.ErrGeneration)
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateImmediate, updates[0].Kind)

	view := s.View()
	assert.Equal(t, "Q?", view.Base)
	assert.Equal(t, Entries(followup.Menu{"A?", "B?"}, 4), view.Entries)
}

func TestConcurrentOperationIsRejected(t *testing.T) {
	gen := &stubGenerator{gate: make(chan struct{}), entered: make(chan struct{})}
	m := newTestManager(gen, nil)
	s := m.Get("u", "tab")

	done := make(chan error, 1)
	go func() {
		_, err := collect(t, s, NewQuestion("slow"))
		done <- err
	}()
	<-gen.entered
	assert.True(t, s.Busy())

	_, err := collect(t, s, NewQuestion("fast"))
	require.ErrorIs(t, err, ErrSessionBusy)

	close(gen.gate)
	require.NoError(t, <-done)
	assert.False(t, s.Busy())
}

func TestManagerSessionsAreIndependent(t *testing.T) {
	m := newTestManager(&stubGenerator{proposals: []string{"A?", "B?"}}, nil)
	a := m.Get("u", "tab-1")
	b := m.Get("u", "tab-2")
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.Get("u", "tab-1"))

	_, err := collect(t, a, NewQuestion("first"))
	require.NoError(t, err)
	assert.Equal(t, followup.StateIdle, b.View().State)
	assert.Equal(t, 2, m.Len())

	assert.True(t, m.Drop("u", "tab-1"))
	assert.False(t, m.Drop("u", "tab-1"))
	_, ok := m.Lookup("u", "tab-1")
	assert.False(t, ok)
	assert.Equal(t, followup.StateIdle, m.Get("u", "tab-1").View().State)
}

func TestEvictIdle(t *testing.T) {
	m := newTestManager(&stubGenerator{}, nil)
	m.Get("u", "old")
	fresh := m.Get("u", "fresh")

	now := time.Now().Add(time.Hour)
	fresh.lastActive.Store(now.UnixNano())

	assert.Equal(t, 1, m.EvictIdle(now, 30*time.Minute))
	_, ok := m.Lookup("u", "old")
	assert.False(t, ok)
	_, ok = m.Lookup("u", "fresh")
	assert.True(t, ok)
}

func TestGetRefreshesActivity(t *testing.T) {
	m := newTestManager(&stubGenerator{}, nil)
	s := m.Get("u", "tab")
	stale := time.Now().Add(-2 * time.Hour)
	s.lastActive.Store(stale.UnixNano())

	assert.Same(t, s, m.Get("u", "tab"))
	assert.True(t, s.LastActive().After(stale))
	assert.Zero(t, m.EvictIdle(time.Now(), time.Hour))
}

type countingCleaner struct {
	calls     int
	retention time.Duration
}

func (c *countingCleaner) CleanupExchanges(_ context.Context, retention time.Duration) (int64, error) {
	c.calls++
	c.retention = retention
	return 3, nil
}

func TestSweep(t *testing.T) {
	m := newTestManager(&stubGenerator{}, nil)
	s := m.Get("u", "tab")
	s.lastActive.Store(time.Now().Add(-2 * time.Hour).UnixNano())
	cleaner := &countingCleaner{}

	sweep(context.Background(), m, JanitorConfig{SessionTTL: time.Hour, Retention: 24 * time.Hour, Cleaner: cleaner})

	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 1, cleaner.calls)
	assert.Equal(t, 24*time.Hour, cleaner.retention)
}
