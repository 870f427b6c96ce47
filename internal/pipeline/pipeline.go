// Package pipeline executes one model invocation end to end: issue the
// streaming request, buffer deltas into display chunks, intercept and run
// tool calls, and finalize the assembled message.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/choruslabs/chorus/internal/config"
	"github.com/choruslabs/chorus/internal/display"
	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/model"
	"github.com/choruslabs/chorus/internal/persona"
	"github.com/choruslabs/chorus/internal/scope"
	"github.com/choruslabs/chorus/internal/tools"
)

// State tracks one invocation through its lifecycle.
type State int

const (
	StatePending State = iota
	StateStreaming
	StateToolCallPending
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateToolCallPending:
		return "toolcall_pending"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal errors for a failed invocation. The user notice has already
// been sent and the history rolled back by the time these are returned.
var (
	// ErrContextTooLarge means the history exceeds the model's context
	// window. Not auto-recovered; the user must clear memory.
	ErrContextTooLarge = errors.New("context too large for model")

	// ErrProviderTransient is a provider-side failure worth retrying.
	ErrProviderTransient = errors.New("provider transient error")

	// ErrProviderUnknown is an unclassified provider failure.
	ErrProviderUnknown = errors.New("provider unknown error")
)

// User-facing notices for each failure class.
const (
	noticeContextTooLarge = "The chat history is too long for this model. Clear this persona's memory and try again."
	noticeTransient       = "The model provider had a server error. Please try again."
	noticeUnknown         = "There was a small hiccup getting your response. Please try again."
)

// SearchFallback is substituted as the tool result when the web search
// itself fails, so the conversation continues instead of erroring out.
const SearchFallback = "An error occurred while searching the web. Tell the user to try again later."

// Result is a finalized response.
type Result struct {
	Ref    display.MessageRef
	Text   string
	Tokens int
}

// Streamer drives model invocations. It mutates the persona's history:
// the in-flight assistant turn accumulates in the final history entry, and
// failures roll back the just-appended turn pair.
type Streamer struct {
	provider model.Provider
	surface  display.Surface
	searcher tools.Searcher
	cfg      config.Pipeline
	logger   log.Logger
}

func NewStreamer(provider model.Provider, surface display.Surface, searcher tools.Searcher, cfg config.Pipeline, logger log.Logger) *Streamer {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Streamer{
		provider: provider,
		surface:  surface,
		searcher: searcher,
		cfg:      cfg,
		logger:   logger,
	}
}

// Respond appends an assistant placeholder and streams the model's answer
// into it, flushing to the display surface on the configured cadence. On
// success it records an analytics entry and returns the assembled message.
func (s *Streamer) Respond(ctx context.Context, agent *persona.Persona, sc *scope.Scope, channelID string) (Result, error) {
	return s.respond(ctx, agent, sc, channelID, display.MessageRef{})
}

// Continue asks the persona to extend its previous answer into a new
// message. No user turn is appended; a system nudge marks the request.
func (s *Streamer) Continue(ctx context.Context, agent *persona.Persona, sc *scope.Scope, channelID string) (Result, error) {
	agent.History.Append(persona.Entry{Role: persona.RoleSystem, Content: "Continue"})
	res, err := s.respond(ctx, agent, sc, channelID, display.MessageRef{})
	if err == nil {
		sc.AppendRecord(scope.RecordContinue, 0)
	}
	return res, err
}

// Regenerate discards the persona's last answer and streams a replacement
// into the same display message.
func (s *Streamer) Regenerate(ctx context.Context, agent *persona.Persona, sc *scope.Scope, channelID string, ref display.MessageRef) (Result, error) {
	if last, ok := agent.History.Last(); ok && last.Role == persona.RoleAssistant {
		agent.History.RemoveLast(1)
	}
	res, err := s.respond(ctx, agent, sc, channelID, ref)
	if err == nil {
		sc.AppendRecord(scope.RecordRegenerate, 0)
	}
	return res, err
}

func (s *Streamer) respond(ctx context.Context, agent *persona.Persona, sc *scope.Scope, channelID string, ref display.MessageRef) (Result, error) {
	agent.History.Append(persona.Entry{Role: persona.RoleAssistant})
	res, err := s.stream(ctx, agent, channelID, ref, agent.WebSearch)
	if err != nil {
		return Result{}, err
	}
	sc.AppendRecord(scope.RecordResponse, res.Tokens)
	return res, nil
}

// stream is one STREAMING pass. The trailing history entry is the
// assistant accumulator; ref is the physical message being edited, zero
// until the first flush sends one. A tool-call recursion re-enters with
// allowTools false, so at most one tool round-trip happens per turn.
func (s *Streamer) stream(ctx context.Context, agent *persona.Persona, channelID string, ref display.MessageRef, allowTools bool) (Result, error) {
	h := agent.History
	state := StatePending
	s.logger.Debug("invocation started", "state", state, "persona", agent.Name, "tools", allowTools && agent.WebSearch)

	req := model.Request{
		Tier:            agent.Tier,
		Entries:         h.Entries()[:h.Len()-1], // exclude the placeholder
		MaxOutputTokens: s.cfg.MaxOutputTokens,
		Params:          agent.Params,
		EnableSearch:    allowTools && agent.WebSearch,
	}

	stream, err := s.provider.Stream(ctx, req)
	if err != nil {
		return Result{}, s.fail(ctx, agent, channelID, err)
	}
	defer func() { _ = stream.Close() }()
	state = StateStreaming

	var (
		pending   strings.Builder
		toolName  string
		toolArgs  strings.Builder
		events    int
		numBreaks int
	)

	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, s.fail(ctx, agent, channelID, err)
		}

		if ev.IsToolDelta() {
			toolName += ev.ToolName
			toolArgs.WriteString(ev.ToolArgs)
		} else {
			pending.WriteString(ev.Text)
		}
		events++

		if events%s.cfg.FlushCadence == 0 && toolName == "" {
			ref, numBreaks = s.flush(ctx, h, channelID, ref, &pending, numBreaks)
		}
	}

	if toolName != "" && allowTools {
		state = StateToolCallPending
		s.logger.Debug("tool call intercepted", "state", state, "tool", toolName, "persona", agent.Name)
		ref = s.runTool(ctx, agent, channelID, ref, toolName, toolArgs.String())
		return s.stream(ctx, agent, channelID, ref, false)
	}
	if toolName != "" {
		s.logger.Warn("tool call ignored on recursed pass", "tool", toolName, "persona", agent.Name)
	}

	ref, _ = s.flush(ctx, h, channelID, ref, &pending, numBreaks)
	state = StateFinalized

	last, _ := h.Last()
	tokens := agent.EstimateHistoryTokens()
	s.logger.Info("response finalized", "state", state, "persona", agent.Name, "chars", len(last.Content), "tokens", tokens)
	return Result{Ref: ref, Text: last.Content, Tokens: tokens}, nil
}

// flush moves buffered deltas into the history accumulator and pushes the
// current chunk to the display. Chunks already sent are never rewritten;
// when the text grows past the current chunk the chunk is sealed with a
// final edit and the overflow starts a new message. Display errors are
// logged and skipped; the history accumulator stays authoritative.
func (s *Streamer) flush(ctx context.Context, h *persona.History, channelID string, ref display.MessageRef, pending *strings.Builder, numBreaks int) (display.MessageRef, int) {
	h.AppendToLast(pending.String())
	pending.Reset()

	last, ok := h.Last()
	if !ok || last.Content == "" {
		return ref, numBreaks
	}
	budget := s.cfg.ChunkBudget

	if (ref == display.MessageRef{}) {
		sent, err := s.surface.Send(ctx, channelID, display.Chunk(last.Content, 0, budget))
		if err != nil {
			s.logger.Warn("display send failed", "channel", channelID, "error", err)
			return ref, numBreaks
		}
		return sent, numBreaks
	}

	if display.FitsInChunks(last.Content, numBreaks+1, budget) {
		if err := s.surface.Edit(ctx, ref, display.Chunk(last.Content, numBreaks, budget)); err != nil {
			s.logger.Warn("display edit failed", "channel", channelID, "error", err)
		}
		return ref, numBreaks
	}

	// Seal the full chunk, then open the next message with the overflow.
	if err := s.surface.Edit(ctx, ref, display.Chunk(last.Content, numBreaks, budget)); err != nil {
		s.logger.Warn("display edit failed", "channel", channelID, "error", err)
	}
	numBreaks++
	sent, err := s.surface.Send(ctx, channelID, display.Chunk(last.Content, numBreaks, budget))
	if err != nil {
		s.logger.Warn("display send failed", "channel", channelID, "error", err)
		return ref, numBreaks
	}
	return sent, numBreaks
}

// runTool executes the accumulated tool call and swaps the assistant
// placeholder for a function-role result entry. Execution failures never
// propagate; the fallback text becomes the result.
func (s *Streamer) runTool(ctx context.Context, agent *persona.Persona, channelID string, ref display.MessageRef, name, args string) display.MessageRef {
	result := SearchFallback
	if name == model.SearchToolName && s.searcher != nil {
		query := parseQuery(args)
		ref = s.notifySearching(ctx, channelID, ref, query)
		if text, err := s.searcher.Search(ctx, query); err != nil {
			s.logger.Warn("web search failed", "query", query, "error", err)
		} else {
			result = text
		}
	} else {
		s.logger.Warn("unsupported tool call", "tool", name, "persona", agent.Name)
	}

	// Swap the placeholder for the function result, then open a fresh
	// accumulator for the follow-up pass.
	agent.History.RemoveLast(1)
	agent.History.Append(persona.Entry{Role: persona.RoleFunction, Name: model.SearchToolName, Content: result})
	agent.History.Append(persona.Entry{Role: persona.RoleAssistant})
	return ref
}

func (s *Streamer) notifySearching(ctx context.Context, channelID string, ref display.MessageRef, query string) display.MessageRef {
	text := fmt.Sprintf("Searching the web for %q...", query)
	if (ref == display.MessageRef{}) {
		sent, err := s.surface.Send(ctx, channelID, text)
		if err != nil {
			s.logger.Warn("display send failed", "channel", channelID, "error", err)
			return ref
		}
		return sent
	}
	if err := s.surface.Edit(ctx, ref, text); err != nil {
		s.logger.Warn("display edit failed", "channel", channelID, "error", err)
	}
	return ref
}

// fail is the FAILED transition: classify the provider error, roll back
// the just-appended turn pair, notify the user, and return the matching
// terminal error.
func (s *Streamer) fail(ctx context.Context, agent *persona.Persona, channelID string, err error) error {
	agent.History.RemoveLast(2)

	notice := noticeUnknown
	terminal := ErrProviderUnknown
	if perr, ok := model.AsProviderError(err); ok {
		switch perr.Code {
		case model.CodeContextLength:
			notice = noticeContextTooLarge
			terminal = ErrContextTooLarge
		case model.CodeServerError:
			notice = noticeTransient
			terminal = ErrProviderTransient
		}
	}

	s.logger.Error("stream failed", "state", StateFailed, "persona", agent.Name, "error", err)
	if _, serr := s.surface.Send(ctx, channelID, notice); serr != nil {
		s.logger.Warn("failure notice not delivered", "channel", channelID, "error", serr)
	}
	return fmt.Errorf("%w: %v", terminal, err)
}

// parseQuery flattens the tool call's JSON arguments into a single search
// query, joining values in stable key order.
func parseQuery(args string) string {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return strings.TrimSpace(args)
	}
	keys := make([]string, 0, len(parsed))
	for k := range parsed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprint(parsed[k]))
	}
	return strings.Join(parts, " ")
}
