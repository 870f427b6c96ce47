package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/choruslabs/chorus/internal/display"
	"github.com/choruslabs/chorus/internal/ingest"
	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/memstore"
	"github.com/choruslabs/chorus/internal/persona"
	"github.com/choruslabs/chorus/internal/scope"
)

// Uploads consumes the pending-operation slot: the message that arrives
// while an operation is outstanding carries the payload (lorebook lines,
// document text, or a replacement prompt). Outcomes are reported on the
// surface; a failed upload clears the slot rather than wedging the scope.
type Uploads struct {
	ingester *ingest.Ingester
	surface  display.Surface
	logger   log.Logger
}

func NewUploads(ingester *ingest.Ingester, surface display.Surface, logger log.Logger) *Uploads {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Uploads{ingester: ingester, surface: surface, logger: logger}
}

// HandlePending applies the payload for the taken operation. The caller
// holds the scope lock.
func (u *Uploads) HandlePending(ctx context.Context, sc *scope.Scope, op scope.PendingOp, ev Event) error {
	agent, ok := sc.PersonaNamed(op.AgentName)
	if !ok {
		u.notify(ctx, ev.ChannelID, fmt.Sprintf("No persona named %s in this scope.", op.AgentName))
		return nil
	}

	switch op.Kind {
	case scope.OpLorebook:
		return u.lorebook(ctx, sc, agent.Name, op.LorebookName, ev)
	case scope.OpDocument:
		return u.document(ctx, sc, agent, ev)
	case scope.OpLongPrompt:
		agent.SetPrompt(ev.Text)
		// The persona's accumulated memory and document belong to the old
		// identity; drop them with the history.
		if err := u.ingester.ClearNamespaces(ctx,
			memstore.OverflowNamespace(sc.ID, agent.Name),
			memstore.DataNamespace(sc.ID, agent.Name),
		); err != nil {
			u.logger.Warn("memory cascade failed", "scope_id", sc.ID, "persona", agent.Name, "error", err)
		}
		agent.DataName = ""
		agent.DataKind = ""
		agent.Cursor = 0
		u.notify(ctx, ev.ChannelID, fmt.Sprintf("Prompt for %s replaced. Conversation history and memory cleared.", agent.Name))
		return nil
	default:
		u.logger.Warn("unhandled pending operation", "kind", op.Kind, "scope_id", sc.ID)
		return nil
	}
}

// HandleRemove deletes the persona and cascades its semantic namespaces:
// overflow memory, the attached document, and every bound lorebook. The
// caller holds the scope lock.
func (u *Uploads) HandleRemove(ctx context.Context, sc *scope.Scope, name string) error {
	agent, err := sc.RemovePersona(name)
	if err != nil {
		return err
	}
	namespaces := memstore.PersonaNamespaces(sc.ID, agent.Name, agent.Lorebooks)
	return u.ingester.ClearNamespaces(ctx, namespaces...)
}

func (u *Uploads) lorebook(ctx context.Context, sc *scope.Scope, agentName, lorebookName string, ev Event) error {
	pieces := ingest.SplitLines(ev.Text)
	if len(pieces) == 0 {
		u.notify(ctx, ev.ChannelID, "The lorebook is empty. Send the entries as plain text, one per line.")
		return nil
	}
	ns := memstore.LorebookNamespace(sc.ID, agentName, lorebookName)
	if err := u.ingester.ReplaceNamespace(ctx, ns, ingest.KindLorebook, pieces); err != nil {
		u.notify(ctx, ev.ChannelID, fmt.Sprintf("Storing lorebook %s failed. Try again later.", lorebookName))
		return fmt.Errorf("ingest lorebook %s: %w", lorebookName, err)
	}
	agent, _ := sc.PersonaNamed(agentName)
	if err := agent.BindLorebook(lorebookName); err != nil {
		u.notify(ctx, ev.ChannelID, fmt.Sprintf("Cannot bind %s: %v.", lorebookName, err))
		return nil
	}
	u.notify(ctx, ev.ChannelID, fmt.Sprintf("Lorebook %s created with %d entries and bound to %s.", lorebookName, len(pieces), agentName))
	return nil
}

func (u *Uploads) document(ctx context.Context, sc *scope.Scope, agent *persona.Persona, ev Event) error {
	pieces := ingest.SplitPages([]ingest.Page{{Number: "1", Text: ev.Text}})
	if len(pieces) == 0 {
		u.notify(ctx, ev.ChannelID, "The document is empty. Send the text to attach.")
		return nil
	}
	ns := memstore.DataNamespace(sc.ID, agent.Name)
	if err := u.ingester.ReplaceNamespace(ctx, ns, ingest.KindDocument, pieces); err != nil {
		u.notify(ctx, ev.ChannelID, "Storing the document failed. Try again later.")
		return fmt.Errorf("ingest document: %w", err)
	}
	agent.DataName = documentLabel(ev.Text)
	agent.DataKind = persona.DataKindPages
	u.notify(ctx, ev.ChannelID, fmt.Sprintf("Document attached to %s as %q.", agent.Name, agent.DataName))
	return nil
}

// documentLabel derives a short display name from the document's first line.
func documentLabel(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > 40 {
			return string(runes[:40])
		}
		return line
	}
	return "Untitled document"
}

func (u *Uploads) notify(ctx context.Context, channelID, text string) {
	if u.surface == nil {
		return
	}
	if _, err := display.SendAll(ctx, u.surface, channelID, text, display.DefaultChunkBudget); err != nil {
		u.logger.Warn("pending notice failed", "error", err)
	}
}
