// Package ingest chunks already-extracted document text, transcripts, and
// knowledge-base entries into semantic store items. It does not parse PDFs
// or fetch media; callers hand it extracted pieces.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/memstore"
)

// Kind selects the location-tag format and merge geometry for a batch.
type Kind int

const (
	// KindDocument tags pieces with their page number.
	KindDocument Kind = iota
	// KindTranscript tags pieces with their timestamp.
	KindTranscript
	// KindLorebook carries no location tags; pieces are standalone entries.
	KindLorebook
	// KindOverflow is evicted conversation turns; overlapping windows keep
	// adjacent turns retrievable together.
	KindOverflow
)

// Merge geometry per kind. Document and transcript pieces are already
// page/segment sized, so they pass through one to one. Lorebook entries
// are short lines and get paired so neighbours share an embedding.
const (
	documentWindow = 1
	documentStride = 1
	lorebookWindow = 2
	lorebookStride = 2
	overflowWindow = 2
	overflowStride = 1

	// PageChunkLength caps a single document piece; longer pages are split
	// before merging.
	PageChunkLength = 1000
)

// Piece is one extracted unit of source text: a page chunk, a transcript
// segment, or a lorebook line. Location is the page number or timestamp,
// empty for lorebook entries.
type Piece struct {
	Location string
	Content  string
}

// Merge folds pieces into store items using the kind's window and stride.
// Each item joins a window of piece contents with single spaces and, for
// located kinds, prefixes the first piece's location tag.
func Merge(kind Kind, pieces []Piece) []memstore.Item {
	window, stride := documentWindow, documentStride
	switch kind {
	case KindLorebook:
		window, stride = lorebookWindow, lorebookStride
	case KindOverflow:
		window, stride = overflowWindow, overflowStride
	}

	var items []memstore.Item
	for i := 0; i < len(pieces); i += stride {
		end := min(len(pieces), i+window)
		contents := make([]string, 0, end-i)
		for _, p := range pieces[i:end] {
			contents = append(contents, p.Content)
		}

		var tag string
		switch kind {
		case KindDocument:
			tag = fmt.Sprintf("(Page: %s)", pieces[i].Location)
		case KindTranscript:
			tag = fmt.Sprintf("(Timestamp: %s)", pieces[i].Location)
		}

		items = append(items, memstore.Item{
			Content: tag + strings.Join(contents, " "),
		})
	}
	return items
}

// Page is one page of an extracted document.
type Page struct {
	Number string
	Text   string
}

// SplitPages turns extracted pages into pieces, splitting any page longer
// than PageChunkLength into multiple pieces sharing the page's location.
func SplitPages(pages []Page) []Piece {
	var pieces []Piece
	for _, page := range pages {
		runes := []rune(page.Text)
		for i := 0; i < len(runes); i += PageChunkLength {
			end := min(len(runes), i+PageChunkLength)
			pieces = append(pieces, Piece{
				Location: page.Number,
				Content:  string(runes[i:end]),
			})
		}
	}
	return pieces
}

// SplitLines turns raw lorebook text into one piece per non-empty line.
func SplitLines(text string) []Piece {
	var pieces []Piece
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		pieces = append(pieces, Piece{Content: line})
	}
	return pieces
}

// Ingester writes chunked batches into the semantic store.
type Ingester struct {
	store  memstore.Store
	logger log.Logger
}

func New(store memstore.Store, logger log.Logger) *Ingester {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Ingester{store: store, logger: logger}
}

// ReplaceNamespace clears the namespace and writes the merged pieces from
// id zero. Used when a persona's uploaded document is replaced and when a
// lorebook is created, so stale entries never survive a re-upload.
func (g *Ingester) ReplaceNamespace(ctx context.Context, namespace string, kind Kind, pieces []Piece) error {
	if err := g.store.DeleteNamespace(ctx, namespace); err != nil {
		return fmt.Errorf("clear namespace %q: %w", namespace, err)
	}

	items := Merge(kind, pieces)
	if _, err := g.store.Upsert(ctx, namespace, items, 0); err != nil {
		return fmt.Errorf("ingest into %q: %w", namespace, err)
	}

	g.logger.Info("ingested batch", "namespace", namespace, "pieces", len(pieces), "items", len(items))
	return nil
}

// ClearNamespaces deletes each namespace, continuing past failures and
// returning the first error. Used for cascade deletion when a persona is
// removed or its prompt is reassigned.
func (g *Ingester) ClearNamespaces(ctx context.Context, namespaces ...string) error {
	var first error
	for _, ns := range namespaces {
		if err := g.store.DeleteNamespace(ctx, ns); err != nil {
			g.logger.Warn("namespace deletion failed", "namespace", ns, "error", err)
			if first == nil {
				first = fmt.Errorf("clear namespace %q: %w", ns, err)
			}
		}
	}
	return first
}
