// Package orchestrator routes inbound events to the scope's personas:
// invocation order, mention gating, output chaining, and per-persona
// failure isolation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/choruslabs/chorus/internal/assembler"
	"github.com/choruslabs/chorus/internal/ledger"
	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/persona"
	"github.com/choruslabs/chorus/internal/pipeline"
	"github.com/choruslabs/chorus/internal/scope"
)

// priorityScanChars bounds how far into the inbound text persona names
// are searched for priority ordering.
const priorityScanChars = 700

// Event is one inbound message to a scope's channel.
type Event struct {
	ScopeID    string
	ChannelID  string
	Text       string
	SenderName string

	// Mentioned is set when the event explicitly references the bot
	// identity, which satisfies mention-only gating.
	Mentioned bool

	// ReplyToPersona names the persona whose message this event replies
	// to, empty otherwise. A reply also satisfies mention-only gating for
	// that persona.
	ReplyToPersona string
}

// PendingHandler consumes an event when the scope has a multi-step
// operation waiting for input, such as lorebook or document upload text.
type PendingHandler interface {
	HandlePending(ctx context.Context, sc *scope.Scope, op scope.PendingOp, ev Event) error
}

// Orchestrator drives the full response path for one inbound event.
type Orchestrator struct {
	registry *scope.Registry
	asm      *assembler.Assembler
	streamer *pipeline.Streamer
	ledger   *ledger.Ledger
	pending  PendingHandler // optional
	cooldown time.Duration
	logger   log.Logger
}

func New(registry *scope.Registry, asm *assembler.Assembler, streamer *pipeline.Streamer, lg *ledger.Ledger, pending PendingHandler, cooldown time.Duration, logger log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Orchestrator{
		registry: registry,
		asm:      asm,
		streamer: streamer,
		ledger:   lg,
		pending:  pending,
		cooldown: cooldown,
		logger:   logger,
	}
}

// HandleEvent processes one inbound event under the scope's pipeline
// lock. Personas named in the leading text respond first regardless of
// mention gating; the rest follow in stored order under their trigger
// policy, each hearing the outputs of those that already responded.
// A persona's failure never blocks the ones after it.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) error {
	sc, unlock, err := o.registry.Lock(ctx, ev.ScopeID)
	if err != nil {
		return fmt.Errorf("lock scope %s: %w", ev.ScopeID, err)
	}
	defer unlock()

	if op, ok := sc.TakePending(); ok && o.pending != nil {
		return o.pending.HandlePending(ctx, sc, op, ev)
	}

	bound := boundPersonas(sc, ev.ChannelID)
	if len(bound) == 0 {
		return nil
	}
	if !sc.CooledDown(o.cooldown) {
		o.logger.Debug("event dropped by cooldown", "scope", sc.ID, "channel", ev.ChannelID)
		return nil
	}

	priority := prioritySubset(ev.Text, bound)
	inPriority := make(map[*persona.Persona]bool, len(priority))
	for _, agent := range priority {
		inPriority[agent] = true
	}

	var processed []*persona.Persona
	for _, agent := range priority {
		o.invoke(ctx, sc, agent, ev, processed)
		processed = append(processed, agent)
	}

	for _, agent := range bound {
		if inPriority[agent] {
			continue
		}
		if o.shouldFire(agent, ev) {
			o.invoke(ctx, sc, agent, ev, processed)
		} else {
			o.record(agent, ev, processed)
		}
		processed = append(processed, agent)
	}
	return nil
}

func (o *Orchestrator) shouldFire(agent *persona.Persona, ev Event) bool {
	if agent.Trigger != persona.TriggerMention {
		return true
	}
	return ev.Mentioned || (ev.ReplyToPersona != "" && persona.SameName(ev.ReplyToPersona, agent.Name))
}

// invoke runs the prepare/authorize/respond/debit sequence for one
// persona. Errors are isolated here; the streamer has already notified
// the user and rolled the history back.
func (o *Orchestrator) invoke(ctx context.Context, sc *scope.Scope, agent *persona.Persona, ev Event, processed []*persona.Persona) {
	cost := o.ledger.Cost(agent.Tier, agent.EstimateHistoryTokens())
	if err := o.ledger.Authorize(ctx, sc, ev.ChannelID, cost); err != nil {
		if !errors.Is(err, ledger.ErrInsufficientCredits) {
			o.logger.Warn("authorization failed", "scope", sc.ID, "persona", agent.Name, "error", err)
		}
		return
	}

	o.asm.Prepare(ctx, agent, sc.ID, assembler.Inbound{Text: ev.Text, SenderName: ev.SenderName}, true)
	chainOutputs(agent, processed)

	if _, err := o.streamer.Respond(ctx, agent, sc, ev.ChannelID); err != nil {
		o.logger.Warn("persona invocation failed", "scope", sc.ID, "persona", agent.Name, "error", err)
		return
	}
	o.ledger.Debit(sc, cost)
}

// record keeps a mention-gated persona in the loop without a model call:
// the inbound text and the outputs of already-processed personas land in
// its history as context.
func (o *Orchestrator) record(agent *persona.Persona, ev Event, processed []*persona.Persona) {
	content := ev.Text
	if ev.SenderName != "" {
		content = ev.SenderName + ": " + content
	}
	agent.History.Append(persona.Entry{Role: persona.RoleUser, Content: content, Name: ev.SenderName})
	chainOutputs(agent, processed)
}

// chainOutputs appends each processed persona's latest answer as a
// synthetic attributed user entry, which is how personas hear each other.
func chainOutputs(agent *persona.Persona, processed []*persona.Persona) {
	for _, prior := range processed {
		if prior == agent {
			continue
		}
		text, ok := prior.History.LastAssistant()
		if !ok || text == "" {
			continue
		}
		agent.History.Append(persona.Entry{
			Role:    persona.RoleUser,
			Content: prior.Name + ": " + text,
			Name:    prior.Name,
		})
	}
}

func boundPersonas(sc *scope.Scope, channelID string) []*persona.Persona {
	var out []*persona.Persona
	for _, p := range sc.Personas {
		if p.BoundTo(channelID) {
			out = append(out, p)
		}
	}
	return out
}

// prioritySubset returns the personas whose names occur in the leading
// window of the text, ordered by first occurrence ascending. The sort is
// stable, so simultaneous occurrences keep stored list order.
func prioritySubset(text string, agents []*persona.Persona) []*persona.Persona {
	runes := []rune(text)
	if len(runes) > priorityScanChars {
		runes = runes[:priorityScanChars]
	}
	window := strings.ToLower(string(runes))

	type hit struct {
		agent *persona.Persona
		at    int
	}
	var hits []hit
	for _, a := range agents {
		if i := strings.Index(window, strings.ToLower(a.Name)); i >= 0 {
			hits = append(hits, hit{agent: a, at: i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })

	out := make([]*persona.Persona, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.agent)
	}
	return out
}
