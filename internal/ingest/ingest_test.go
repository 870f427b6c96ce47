package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choruslabs/chorus/internal/testutil"
)

func TestMerge(t *testing.T) {
	t.Parallel()

	t.Run("document pieces pass through with page tags", func(t *testing.T) {
		t.Parallel()
		pieces := []Piece{
			{Location: "1", Content: "first page"},
			{Location: "2", Content: "second page"},
		}
		items := Merge(KindDocument, pieces)
		require.Len(t, items, 2)
		assert.Equal(t, "(Page: 1)first page", items[0].Content)
		assert.Equal(t, "(Page: 2)second page", items[1].Content)
	})

	t.Run("transcript pieces get timestamp tags", func(t *testing.T) {
		t.Parallel()
		items := Merge(KindTranscript, []Piece{{Location: "00:42", Content: "hello"}})
		require.Len(t, items, 1)
		assert.Equal(t, "(Timestamp: 00:42)hello", items[0].Content)
	})

	t.Run("lorebook lines pair without overlap", func(t *testing.T) {
		t.Parallel()
		pieces := []Piece{
			{Content: "a"}, {Content: "b"}, {Content: "c"}, {Content: "d"}, {Content: "e"},
		}
		items := Merge(KindLorebook, pieces)
		require.Len(t, items, 3)
		assert.Equal(t, "a b", items[0].Content)
		assert.Equal(t, "c d", items[1].Content)
		assert.Equal(t, "e", items[2].Content)
	})

	t.Run("overflow windows overlap by one", func(t *testing.T) {
		t.Parallel()
		pieces := []Piece{{Content: "a"}, {Content: "b"}, {Content: "c"}}
		items := Merge(KindOverflow, pieces)
		require.Len(t, items, 3)
		assert.Equal(t, "a b", items[0].Content)
		assert.Equal(t, "b c", items[1].Content)
		assert.Equal(t, "c", items[2].Content)
	})

	t.Run("empty input yields no items", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, Merge(KindDocument, nil))
	})
}

func TestSplitPages(t *testing.T) {
	t.Parallel()

	t.Run("short page stays whole", func(t *testing.T) {
		t.Parallel()
		pieces := SplitPages([]Page{{Number: "3", Text: "short"}})
		require.Len(t, pieces, 1)
		assert.Equal(t, "3", pieces[0].Location)
		assert.Equal(t, "short", pieces[0].Content)
	})

	t.Run("long page splits on the chunk length", func(t *testing.T) {
		t.Parallel()
		text := strings.Repeat("x", PageChunkLength+10)
		pieces := SplitPages([]Page{{Number: "1", Text: text}})
		require.Len(t, pieces, 2)
		assert.Len(t, pieces[0].Content, PageChunkLength)
		assert.Len(t, pieces[1].Content, 10)
		assert.Equal(t, "1", pieces[1].Location, "both chunks keep the page location")
	})

	t.Run("splits count runes not bytes", func(t *testing.T) {
		t.Parallel()
		text := strings.Repeat("語", PageChunkLength+1)
		pieces := SplitPages([]Page{{Number: "1", Text: text}})
		require.Len(t, pieces, 2)
		assert.Equal(t, PageChunkLength, len([]rune(pieces[0].Content)))
	})
}

func TestSplitLines(t *testing.T) {
	t.Parallel()

	pieces := SplitLines("first entry\n\n  \nsecond entry\n")
	require.Len(t, pieces, 2)
	assert.Equal(t, "first entry", pieces[0].Content)
	assert.Equal(t, "second entry", pieces[1].Content)

	assert.Empty(t, SplitLines("   \n \n"))
}

func TestReplaceNamespace(t *testing.T) {
	t.Parallel()

	t.Run("clears then writes from id zero", func(t *testing.T) {
		t.Parallel()
		store := testutil.NewMemStore()
		g := New(store, nil)

		pieces := []Piece{{Content: "a"}, {Content: "b"}, {Content: "c"}}
		err := g.ReplaceNamespace(context.Background(), "ns", KindLorebook, pieces)
		require.NoError(t, err)

		assert.Equal(t, []string{"ns"}, store.Deleted)
		require.Len(t, store.Upserts, 1)
		assert.Equal(t, 0, store.Upserts[0].StartID)
		assert.Len(t, store.Upserts[0].Items, 2)
	})

	t.Run("delete failure aborts the write", func(t *testing.T) {
		t.Parallel()
		store := testutil.NewMemStore()
		store.DeleteErr = errors.New("store down")
		g := New(store, nil)

		err := g.ReplaceNamespace(context.Background(), "ns", KindLorebook, []Piece{{Content: "a"}})
		assert.Error(t, err)
		assert.Empty(t, store.Upserts)
	})
}
