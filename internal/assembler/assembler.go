// Package assembler builds and repairs the turn history sent to the model:
// system instruction, retrieval blocks, eviction into the semantic store,
// and the inbound user turn, in a fixed order.
package assembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/choruslabs/chorus/internal/ingest"
	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/memstore"
	"github.com/choruslabs/chorus/internal/persona"
)

const (
	// topK bounds every retrieval query.
	topK = 3

	// keepRecent is how many trailing entries eviction always retains.
	keepRecent = 3
)

// Injected blocks end with a fixed sentinel so a later pass can recognize
// its own block and replace it in place instead of duplicating it.
const (
	lorebookSentinel = "use this information in your response."
	documentSentinel = "</Excerpt>"
	memorySentinel   = "</END OF PREVIOUS CHAT MESSAGES>"
)

// Inbound is the event text being responded to, with the sender's display
// name for attributed user turns.
type Inbound struct {
	Text       string
	SenderName string
}

// Assembler prepares a persona's history before a model request. Store
// failures never block preparation; the affected augmentation is skipped
// and logged.
type Assembler struct {
	store  memstore.Store
	window int
	logger log.Logger
}

// New creates an assembler. window is the bounded history size beyond
// which semantic overflow evicts old turns.
func New(store memstore.Store, window int, logger log.Logger) *Assembler {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Assembler{store: store, window: window, logger: logger}
}

// Prepare mutates the persona's history in place: system instruction,
// lorebook blocks, document excerpt, long-term memory (eviction plus
// recall), then the user turn. Each retrieval block is placed at a working
// index that advances only when a block is actually present, so absent
// augmentations never shift later ones and re-running with the same
// inbound text replaces rather than duplicates every block.
func (a *Assembler) Prepare(ctx context.Context, agent *persona.Persona, scopeID string, in Inbound, appendUserTurn bool) {
	h := agent.History
	if h.Len() == 0 || h.At(0).Role != persona.RoleSystem {
		h.Insert(0, persona.Entry{Role: persona.RoleSystem, Content: agent.Prompt})
	}
	wi := 0

	for _, lb := range agent.Lorebooks {
		ns := memstore.LorebookNamespace(scopeID, agent.Name, lb)
		results, err := a.store.Query(ctx, in.Text, ns, topK)
		if err != nil {
			a.logger.Warn("lorebook query failed", "namespace", ns, "error", err)
			continue
		}
		if len(results) == 0 {
			continue
		}
		block := fmt.Sprintf(
			"[Important character and world information for %s]:\n%s\n[End of character and world information]. Be sure to dynamically and creatively %s",
			agent.Name, strings.Join(results, "\n"), lorebookSentinel)
		wi = placeBlock(h, wi, block, lorebookSentinel)
	}

	if agent.DataName != "" {
		ns := memstore.DataNamespace(scopeID, agent.Name)
		results, err := a.store.Query(ctx, in.Text, ns, topK)
		if err != nil {
			a.logger.Warn("document query failed", "namespace", ns, "error", err)
		} else if len(results) > 0 {
			cite := "page number"
			if agent.DataKind == persona.DataKindTimestamps {
				cite = "timestamp"
			}
			block := fmt.Sprintf(
				"The user uploaded the data of a %s. If relevant, respond to the user using this new information. If you cannot answer the user, tell them to be more specific about the question. Always include the %s from which you derived your answer. The following is an excerpt from the new information.\n<Excerpt>\n%s\n%s",
				agent.DataName, cite, strings.Join(results, ""), documentSentinel)
			wi = placeBlock(h, wi, block, documentSentinel)
		}
	}

	if agent.LongTermMemory {
		a.overflow(ctx, agent, scopeID)

		ns := memstore.OverflowNamespace(scopeID, agent.Name)
		results, err := a.store.Query(ctx, in.Text, ns, topK)
		if err != nil {
			a.logger.Warn("memory query failed", "namespace", ns, "error", err)
		} else if len(results) > 0 {
			block := fmt.Sprintf(
				"<Here are some previous chat messages. If relevant, use the information from these messages in your response>\n%s\n%s",
				strings.Join(results, "\n"), memorySentinel)
			wi = placeBlock(h, wi, block, memorySentinel)
		}
	}

	if appendUserTurn {
		content := in.Text
		if agent.IncludeUsernames && in.SenderName != "" {
			content = in.SenderName + ": " + content
		}
		h.Append(persona.Entry{Role: persona.RoleUser, Content: content, Name: in.SenderName})
	}
}

// overflow moves the oldest non-system turns into the semantic store when
// the history exceeds the bounded window, keyed by the persona's cursor so
// repeated evictions write strictly increasing ids. The eviction boundary
// shrinks until the retained suffix begins with a user turn, keeping role
// alternation intact. On store failure nothing is removed.
func (a *Assembler) overflow(ctx context.Context, agent *persona.Persona, scopeID string) {
	h := agent.History
	if h.Len() <= a.window {
		return
	}

	start := h.FirstNonSystem()
	end := h.Len() - keepRecent
	for end > start && h.At(end).Role != persona.RoleUser {
		end--
	}
	if end <= start {
		return
	}

	entries := h.Entries()[start:end]
	pieces := make([]ingest.Piece, 0, len(entries))
	for _, e := range entries {
		pieces = append(pieces, ingest.Piece{Content: e.Content})
	}

	ns := memstore.OverflowNamespace(scopeID, agent.Name)
	next, err := a.store.Upsert(ctx, ns, ingest.Merge(ingest.KindOverflow, pieces), agent.Cursor+1)
	if err != nil {
		a.logger.Warn("overflow upsert failed", "namespace", ns, "error", err)
		return
	}
	agent.Cursor = next
	h.RemoveRange(start, end)
	a.logger.Debug("evicted turns", "namespace", ns, "count", len(entries), "cursor", next)
}

// placeBlock inserts or replaces a system block directly after the working
// index and returns the block's position. A block is replaced only when
// the entry already there is a system entry carrying the same sentinel.
func placeBlock(h *persona.History, wi int, content, sentinel string) int {
	target := wi + 1
	if target < h.Len() {
		if e := h.At(target); e.Role == persona.RoleSystem && strings.HasSuffix(e.Content, sentinel) {
			h.Replace(target, persona.Entry{Role: persona.RoleSystem, Content: content})
			return target
		}
	}
	h.Insert(target, persona.Entry{Role: persona.RoleSystem, Content: content})
	return target
}
