package converse

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choruslabs/chorus/internal/config"
	"github.com/choruslabs/chorus/internal/ledger"
	"github.com/choruslabs/chorus/internal/persona"
	"github.com/choruslabs/chorus/internal/pipeline"
	"github.com/choruslabs/chorus/internal/scope"
	"github.com/choruslabs/chorus/internal/testutil"
)

func sessionFixture(t *testing.T, credits int, streams ...*testutil.ScriptedStream) (*Session, *scope.Scope, *testutil.ScriptedProvider, *testutil.Surface) {
	t.Helper()

	cfg := config.Default()
	provider := &testutil.ScriptedProvider{Streams: streams}
	surface := testutil.NewSurface()
	streamer := pipeline.NewStreamer(provider, surface, nil, cfg.Pipeline, nil)
	lg := ledger.New(cfg.Credits, &testutil.Notices{}, nil)

	sc := scope.New("guild", "")
	sc.Credits = credits

	a, err := persona.New("Alice")
	require.NoError(t, err)
	a.Prompt = "Alice is a bard."
	b, err := persona.New("Bob")
	require.NoError(t, err)
	b.Prompt = "Bob is a blacksmith."

	s := NewSession(sc, "chan", "A quiet evening at the tavern.", a, b, Config{
		Streamer: streamer,
		Ledger:   lg,
		Window:   14,
		Delay:    0,
	})
	return s, sc, provider, surface
}

func turnStreams(texts ...string) []*testutil.ScriptedStream {
	out := make([]*testutil.ScriptedStream, 0, len(texts))
	for _, text := range texts {
		out = append(out, &testutil.ScriptedStream{Events: testutil.TextEvents(text)})
	}
	return out
}

func TestSessionRun(t *testing.T) {
	t.Parallel()
	s, sc, provider, _ := sessionFixture(t, 100, turnStreams(
		"Alice speaks first.", "Bob answers.", "Alice again.", "Bob closes the round.",
	)...)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, StatePaused, s.State())

	// Two rounds of two turns each.
	require.Len(t, provider.Requests, 4)
	assert.Equal(t, 96, sc.Credits)

	recs := sc.Records()
	assert.Equal(t, scope.RecordConverse, recs[len(recs)-1].Kind)

	// The first request carries both framing blocks and the scenario.
	first := provider.Requests[0].Entries
	require.GreaterOrEqual(t, len(first), 2)
	assert.Contains(t, first[0].Content, RoleplayInstruction)
	assert.Contains(t, first[0].Content, "Current scenario: A quiet evening at the tavern.")
	assert.Contains(t, first[1].Content, "Alice is a bard.")
	assert.Contains(t, first[1].Content, "Write one response as Alice.")

	// The listener hears the speaker's answer as a plain user turn.
	second := provider.Requests[1].Entries
	var heard bool
	for _, e := range second {
		if e.Role == persona.RoleUser && e.Content == "Alice speaks first." {
			heard = true
		}
	}
	assert.True(t, heard)
}

func TestSessionClonesAreIsolated(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	provider := &testutil.ScriptedProvider{Streams: turnStreams("One.", "Two.", "Three.", "Four.")}
	streamer := pipeline.NewStreamer(provider, testutil.NewSurface(), nil, cfg.Pipeline, nil)
	lg := ledger.New(cfg.Credits, &testutil.Notices{}, nil)

	sc := scope.New("guild", "")
	sc.Credits = 100

	a, err := persona.New("Alice")
	require.NoError(t, err)
	a.History.Append(persona.Entry{Role: persona.RoleUser, Content: "original history"})
	b, err := persona.New("Bob")
	require.NoError(t, err)

	s := NewSession(sc, "chan", "", a, b, Config{Streamer: streamer, Ledger: lg, Window: 14})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 1, a.History.Len(), "the original persona's history is untouched")
}

func TestSessionCreditExhaustionEndsEarly(t *testing.T) {
	t.Parallel()
	// One credit covers only the first turn.
	s, sc, provider, _ := sessionFixture(t, 1, turnStreams("Alice speaks.", "never used")...)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, StatePaused, s.State())
	assert.Len(t, provider.Requests, 1, "the run stops at the first unaffordable turn")
	assert.Equal(t, 0, sc.Credits)
}

func TestSessionRunTwiceFails(t *testing.T) {
	t.Parallel()
	s, _, _, _ := sessionFixture(t, 100, turnStreams("a", "b", "c", "d")...)
	require.NoError(t, s.Run(context.Background()))
	assert.Error(t, s.Run(context.Background()))
}

func TestSessionResume(t *testing.T) {
	t.Parallel()
	s, _, provider, _ := sessionFixture(t, 100, turnStreams(
		"a1", "b1", "a2", "b2", // first run
		"a3", "b3", "a4", "b4", // resumed run
	)...)

	ctx := context.Background()
	require.NoError(t, s.Run(ctx))
	require.NoError(t, s.Resume(ctx))
	assert.Equal(t, StatePaused, s.State())
	assert.Len(t, provider.Requests, 8)

	// Resumption re-asserts the roleplay framing before the next turn.
	resumed := provider.Requests[4].Entries
	reframed := false
	for i := len(resumed) - 1; i >= 0; i-- {
		e := resumed[i]
		if e.Role == persona.RoleSystem && strings.Contains(e.Content, RoleplayInstruction) && i > 1 {
			reframed = true
			break
		}
	}
	assert.True(t, reframed)
}

func TestSessionResumeRequiresPause(t *testing.T) {
	t.Parallel()
	s, _, _, _ := sessionFixture(t, 100)
	assert.ErrorIs(t, s.Resume(context.Background()), ErrNotPaused)
}

func TestSessionTrim(t *testing.T) {
	t.Parallel()
	s, _, _, _ := sessionFixture(t, 100)

	p, err := persona.New("Alice")
	require.NoError(t, err)
	p.History.Append(persona.Entry{Role: persona.RoleSystem, Content: "frame one"})
	p.History.Append(persona.Entry{Role: persona.RoleSystem, Content: "frame two"})
	for i := 0; i < 20; i++ {
		p.History.Append(persona.Entry{Role: persona.RoleUser, Content: "turn"})
	}

	s.trim(p)

	assert.LessOrEqual(t, p.History.Len(), 14)
	assert.Equal(t, "frame one", p.History.At(0).Content)
	assert.Equal(t, "frame two", p.History.At(1).Content)
}

func TestSessionTurnDelayHonorsContext(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	provider := &testutil.ScriptedProvider{Streams: turnStreams("a")}
	streamer := pipeline.NewStreamer(provider, testutil.NewSurface(), nil, cfg.Pipeline, nil)
	lg := ledger.New(cfg.Credits, &testutil.Notices{}, nil)

	sc := scope.New("guild", "")
	sc.Credits = 100
	a, err := persona.New("Alice")
	require.NoError(t, err)
	b, err := persona.New("Bob")
	require.NoError(t, err)

	s := NewSession(sc, "chan", "", a, b, Config{
		Streamer: streamer,
		Ledger:   lg,
		Window:   14,
		Delay:    time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.Equal(t, StatePaused, s.State())
}

func TestManager(t *testing.T) {
	t.Parallel()

	newManager := func(streams ...*testutil.ScriptedStream) (*Manager, *testutil.ScriptedProvider) {
		cfg := config.Default()
		provider := &testutil.ScriptedProvider{Streams: streams}
		streamer := pipeline.NewStreamer(provider, testutil.NewSurface(), nil, cfg.Pipeline, nil)
		lg := ledger.New(cfg.Credits, &testutil.Notices{}, nil)
		return NewManager(Config{Streamer: streamer, Ledger: lg, Window: 14, Delay: 0}), provider
	}

	newPair := func(t *testing.T) (*scope.Scope, *persona.Persona, *persona.Persona) {
		t.Helper()
		sc := scope.New("guild", "")
		sc.Credits = 100
		a, err := persona.New("Alice")
		require.NoError(t, err)
		b, err := persona.New("Bob")
		require.NoError(t, err)
		return sc, a, b
	}

	t.Run("start then resume reuses the channel session", func(t *testing.T) {
		t.Parallel()
		m, provider := newManager(turnStreams(
			"a1", "b1", "a2", "b2", "a3", "b3", "a4", "b4",
		)...)
		sc, a, b := newPair(t)

		ctx := context.Background()
		require.NoError(t, m.Start(ctx, sc, "stage", "", a, b))
		require.Len(t, provider.Requests, 4)

		scopeID, ok := m.ScopeID("stage")
		require.True(t, ok)
		assert.Equal(t, "guild", scopeID)

		require.NoError(t, m.Resume(ctx, "stage"))
		assert.Len(t, provider.Requests, 8)
	})

	t.Run("resume without a session", func(t *testing.T) {
		t.Parallel()
		m, _ := newManager()
		err := m.Resume(context.Background(), "empty")
		assert.ErrorIs(t, err, ErrNoSession)

		_, ok := m.ScopeID("empty")
		assert.False(t, ok)
	})

	t.Run("a new start replaces the previous session", func(t *testing.T) {
		t.Parallel()
		m, provider := newManager(turnStreams(
			"a1", "b1", "a2", "b2", "c1", "d1", "c2", "d2",
		)...)
		sc, a, b := newPair(t)

		ctx := context.Background()
		require.NoError(t, m.Start(ctx, sc, "stage", "", a, b))
		require.NoError(t, m.Start(ctx, sc, "stage", "", a, b))
		require.Len(t, provider.Requests, 8, "the second start plays its own opening rounds")
	})
}
