// Package converse runs the two-party scripted dialogue mode: two cloned
// personas alternating turns under injected role and scenario framing.
package converse

import (
	"context"
	"fmt"
	"time"

	"github.com/choruslabs/chorus/internal/ledger"
	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/persona"
	"github.com/choruslabs/chorus/internal/pipeline"
	"github.com/choruslabs/chorus/internal/scope"
)

// RoleplayInstruction frames both participants before every run. It is
// re-asserted on resumption because trimming may have removed it.
const RoleplayInstruction = "Lets roleplay. During the roleplay, act as the character in the given description."

// roundsPerRun is how many full A/B exchanges happen before the session
// pauses and waits for an explicit resume.
const roundsPerRun = 2

// State is the session lifecycle.
type State int

const (
	StateSetup State = iota
	StateAlternate
	StatePaused
)

// ErrNotPaused is returned by Resume when the session is not waiting.
var ErrNotPaused = fmt.Errorf("session is not paused")

// Session drives an alternating dialogue between two persona clones.
// Clones start with fresh histories and have memory, search, and document
// access disabled, so the session never touches the originals' state.
type Session struct {
	a, b      *persona.Persona
	sc        *scope.Scope
	channelID string
	scenario  string

	streamer *pipeline.Streamer
	ledger   *ledger.Ledger
	window   int
	delay    time.Duration
	logger   log.Logger

	state State
}

// Config carries session collaborators and tuning.
type Config struct {
	Streamer *pipeline.Streamer
	Ledger   *ledger.Ledger

	// Window bounds each clone's history between rounds.
	Window int

	// Delay separates consecutive turns to stay under provider rate limits.
	Delay time.Duration

	Logger log.Logger
}

// NewSession clones both personas and prepares a session in SETUP state.
func NewSession(sc *scope.Scope, channelID, scenario string, a, b *persona.Persona, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Session{
		a:         a.Clone(),
		b:         b.Clone(),
		sc:        sc,
		channelID: channelID,
		scenario:  scenario,
		streamer:  cfg.Streamer,
		ledger:    cfg.Ledger,
		window:    cfg.Window,
		delay:     cfg.Delay,
		logger:    logger,
	}
}

// State returns the session lifecycle state.
func (s *Session) State() State { return s.state }

// Run injects the role and prompt framing into both clones and plays the
// first rounds, leaving the session paused for an explicit resume. Credit
// exhaustion ends the run early without error.
func (s *Session) Run(ctx context.Context) error {
	if s.state != StateSetup {
		return fmt.Errorf("session already started")
	}
	s.frameFull(s.a)
	s.frameFull(s.b)
	return s.alternate(ctx, false)
}

// Resume re-enters the alternating loop from a pause, re-asserting the
// roleplay framing first.
func (s *Session) Resume(ctx context.Context) error {
	if s.state != StatePaused {
		return ErrNotPaused
	}
	return s.alternate(ctx, true)
}

func (s *Session) alternate(ctx context.Context, reframe bool) error {
	s.state = StateAlternate
	s.trim(s.a)
	s.trim(s.b)
	if reframe {
		s.frameRoleplay(s.a)
		s.frameRoleplay(s.b)
	}

	for round := 0; round < roundsPerRun; round++ {
		if round > 0 {
			s.frameRoleplay(s.a)
			s.frameRoleplay(s.b)
		}
		ok, err := s.turn(ctx, s.a, s.b)
		if err != nil || !ok {
			s.state = StatePaused
			return err
		}
		ok, err = s.turn(ctx, s.b, s.a)
		if err != nil || !ok {
			s.state = StatePaused
			return err
		}
	}

	s.state = StatePaused
	s.sc.AppendRecord(scope.RecordConverse, 0)
	return nil
}

// turn has the speaker respond and feeds its answer into the listener's
// history. Returns false to end the run early when credits run out.
func (s *Session) turn(ctx context.Context, speaker, listener *persona.Persona) (bool, error) {
	cost := s.ledger.Cost(speaker.Tier, speaker.EstimateHistoryTokens())
	if err := s.ledger.Authorize(ctx, s.sc, s.channelID, cost); err != nil {
		s.logger.Info("session ended early", "scope", s.sc.ID, "persona", speaker.Name, "error", err)
		return false, nil
	}

	if _, err := s.streamer.Respond(ctx, speaker, s.sc, s.channelID); err != nil {
		return false, fmt.Errorf("turn for %s: %w", speaker.Name, err)
	}
	s.ledger.Debit(s.sc, cost)

	if text, ok := speaker.History.LastAssistant(); ok && text != "" {
		listener.History.Append(persona.Entry{Role: persona.RoleUser, Content: text})
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(s.delay):
	}
	return true, nil
}

func (s *Session) frameFull(p *persona.Persona) {
	s.frameRoleplay(p)
	p.History.Append(persona.Entry{
		Role:    persona.RoleSystem,
		Content: fmt.Sprintf("%s\nWrite one response as %s.\n%s", p.Prompt, p.Name, s.scenarioLine()),
	})
}

func (s *Session) frameRoleplay(p *persona.Persona) {
	p.History.Append(persona.Entry{
		Role:    persona.RoleSystem,
		Content: fmt.Sprintf("%s Only write one response as %s.\n%s", RoleplayInstruction, p.Name, s.scenarioLine()),
	})
}

func (s *Session) scenarioLine() string {
	if s.scenario == "" {
		return ""
	}
	return "Current scenario: " + s.scenario
}

// trim drops the oldest post-framing turn pairs until the history fits
// the bounded window. The two leading framing blocks always survive.
func (s *Session) trim(p *persona.Persona) {
	h := p.History
	for h.Len() > s.window && h.Len() > 4 {
		h.RemoveRange(2, 4)
	}
}
