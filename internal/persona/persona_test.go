package persona

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("valid name", func(t *testing.T) {
		t.Parallel()
		p, err := New("Alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", p.Name)
		assert.Equal(t, TierStandard, p.Tier)
		assert.Equal(t, TriggerAlways, p.Trigger)
		require.NotNil(t, p.History)
		assert.Equal(t, 0, p.History.Len())
	})

	t.Run("rejected names", func(t *testing.T) {
		t.Parallel()
		for _, name := range []string{"", "   ", strings.Repeat("x", MaxNameLength+1)} {
			_, err := New(name)
			assert.Error(t, err, "name %q should be rejected", name)
		}
	})
}

func TestSameName(t *testing.T) {
	t.Parallel()
	assert.True(t, SameName("Alice", "alice"))
	assert.True(t, SameName(" Alice ", "ALICE"))
	assert.False(t, SameName("Alice", "Alicia"))
	assert.False(t, SameName("", "Alice"))
}

func TestBindLorebook(t *testing.T) {
	t.Parallel()

	t.Run("enforces limit", func(t *testing.T) {
		t.Parallel()
		p, err := New("Alice")
		require.NoError(t, err)
		for _, name := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, p.BindLorebook(name))
		}
		err = p.BindLorebook("f")
		assert.ErrorIs(t, err, ErrTooManyLorebooks)
	})

	t.Run("rebinding is a no-op", func(t *testing.T) {
		t.Parallel()
		p, err := New("Alice")
		require.NoError(t, err)
		require.NoError(t, p.BindLorebook("tavern"))
		require.NoError(t, p.BindLorebook("tavern"))
		assert.Len(t, p.Lorebooks, 1)
	})
}

func TestSetPromptClearsHistory(t *testing.T) {
	t.Parallel()
	p, err := New("Alice")
	require.NoError(t, err)
	p.History.Append(Entry{Role: RoleSystem, Content: "old prompt"})
	p.History.Append(Entry{Role: RoleUser, Content: "hello"})

	p.SetPrompt("new prompt")

	assert.Equal(t, "new prompt", p.Prompt)
	assert.Equal(t, 0, p.History.Len())
}

func TestClone(t *testing.T) {
	t.Parallel()
	p, err := New("Alice")
	require.NoError(t, err)
	p.Prompt = "a wandering bard"
	require.NoError(t, p.BindLorebook("songs"))
	p.DataName = "Ballads, vol. 1"
	p.DataKind = DataKindPages
	p.History.Append(Entry{Role: RoleUser, Content: "hi"})

	cp := p.Clone()

	assert.Equal(t, p.Name, cp.Name)
	assert.Equal(t, p.Prompt, cp.Prompt)
	assert.Equal(t, 0, cp.History.Len(), "clone starts with a fresh history")
	assert.Empty(t, cp.DataName)
	assert.Empty(t, cp.DataKind)

	cp.Lorebooks = append(cp.Lorebooks, "extra")
	assert.Len(t, p.Lorebooks, 1, "clone must not share the lorebook slice")
}

func TestHistoryAppendCoalescesAssistant(t *testing.T) {
	t.Parallel()

	t.Run("consecutive assistant turns merge", func(t *testing.T) {
		t.Parallel()
		h := NewHistory()
		h.Append(Entry{Role: RoleUser, Content: "hi"})
		h.Append(Entry{Role: RoleAssistant, Content: "first"})
		h.Append(Entry{Role: RoleAssistant, Content: "second"})

		require.Equal(t, 2, h.Len())
		assert.Equal(t, "first\nsecond", h.At(1).Content)
	})

	t.Run("empty placeholder takes first content", func(t *testing.T) {
		t.Parallel()
		h := NewHistory()
		h.Append(Entry{Role: RoleUser, Content: "hi"})
		h.Append(Entry{Role: RoleAssistant})
		h.Append(Entry{Role: RoleAssistant, Content: "reply"})

		require.Equal(t, 2, h.Len())
		assert.Equal(t, "reply", h.At(1).Content)
	})

	t.Run("user turns never coalesce", func(t *testing.T) {
		t.Parallel()
		h := NewHistory()
		h.Append(Entry{Role: RoleUser, Content: "one"})
		h.Append(Entry{Role: RoleUser, Content: "two"})
		assert.Equal(t, 2, h.Len())
	})
}

func TestHistoryInsertAndReplace(t *testing.T) {
	t.Parallel()
	h := NewHistory()
	h.Append(Entry{Role: RoleSystem, Content: "prompt"})
	h.Append(Entry{Role: RoleUser, Content: "hello"})

	h.Insert(1, Entry{Role: RoleSystem, Content: "lore"})
	require.Equal(t, 3, h.Len())
	assert.Equal(t, "lore", h.At(1).Content)
	assert.Equal(t, "hello", h.At(2).Content)

	h.Replace(1, Entry{Role: RoleSystem, Content: "updated lore"})
	assert.Equal(t, "updated lore", h.At(1).Content)
}

func TestHistoryRemoveRange(t *testing.T) {
	t.Parallel()
	h := NewHistory()
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		h.Append(Entry{Role: RoleUser, Content: c})
	}

	h.RemoveRange(1, 3)

	require.Equal(t, 3, h.Len())
	assert.Equal(t, "a", h.At(0).Content)
	assert.Equal(t, "d", h.At(1).Content)
	assert.Equal(t, "e", h.At(2).Content)
}

func TestHistoryRemoveLast(t *testing.T) {
	t.Parallel()
	h := NewHistory()
	h.Append(Entry{Role: RoleUser, Content: "a"})
	h.Append(Entry{Role: RoleAssistant, Content: "b"})

	h.RemoveLast(1)
	require.Equal(t, 1, h.Len())

	h.RemoveLast(5)
	assert.Equal(t, 0, h.Len(), "over-removal clears without panicking")
}

func TestHistoryFirstNonSystem(t *testing.T) {
	t.Parallel()
	h := NewHistory()
	h.Append(Entry{Role: RoleSystem, Content: "prompt"})
	h.Append(Entry{Role: RoleSystem, Content: "lore"})
	h.Append(Entry{Role: RoleUser, Content: "hello"})
	assert.Equal(t, 2, h.FirstNonSystem())

	all := NewHistory()
	all.Append(Entry{Role: RoleSystem, Content: "prompt"})
	assert.Equal(t, 1, all.FirstNonSystem(), "all-system history points past the end")
}

func TestHistoryLastAssistant(t *testing.T) {
	t.Parallel()
	h := NewHistory()
	_, ok := h.LastAssistant()
	assert.False(t, ok)

	h.Append(Entry{Role: RoleUser, Content: "hi"})
	h.Append(Entry{Role: RoleAssistant, Content: "hello there"})
	h.Append(Entry{Role: RoleUser, Content: "bye"})

	text, ok := h.LastAssistant()
	require.True(t, ok)
	assert.Equal(t, "hello there", text)
}

func TestHistoryJSONRoundTrip(t *testing.T) {
	t.Parallel()
	h := NewHistory()
	h.Append(Entry{Role: RoleSystem, Content: "prompt"})
	h.Append(Entry{Role: RoleUser, Content: "hi", Name: "Sam"})
	h.Append(Entry{Role: RoleAssistant, Content: "hello"})

	data, err := json.Marshal(h)
	require.NoError(t, err)

	restored := NewHistory()
	require.NoError(t, json.Unmarshal(data, restored))
	require.Equal(t, h.Len(), restored.Len())
	for i := 0; i < h.Len(); i++ {
		assert.Equal(t, h.At(i), restored.At(i))
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{Role: RoleSystem, Content: "You are a helpful assistant."},
		{Role: RoleUser, Content: "Hello there", Name: "Sam"},
	}

	t.Run("premium charges more per entry", func(t *testing.T) {
		t.Parallel()
		std := EstimateTokens(TierStandard, entries, false)
		prem := EstimateTokens(TierPremium, entries, false)
		assert.Greater(t, prem, std)
	})

	t.Run("tool declaration adds fixed overhead", func(t *testing.T) {
		t.Parallel()
		without := EstimateTokens(TierStandard, entries, false)
		with := EstimateTokens(TierStandard, entries, true)
		assert.Equal(t, toolDeclarationTokens, with-without)
	})

	t.Run("empty history still counts reply priming", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, replyPrimingTokens, EstimateTokens(TierStandard, nil, false))
	})

	t.Run("longer content costs more", func(t *testing.T) {
		t.Parallel()
		short := EstimateTokens(TierStandard, []Entry{{Role: RoleUser, Content: "hi"}}, false)
		long := EstimateTokens(TierStandard, []Entry{{Role: RoleUser, Content: "a considerably longer message body"}}, false)
		assert.Greater(t, long, short)
	})
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultParams().Validate())

	bad := DefaultParams()
	bad.Temperature = 3.5
	assert.Error(t, bad.Validate())
}
