// Package summarize runs a long ingested text through the response
// pipeline in bounded excerpts, using a throwaway low-temperature persona.
package summarize

import (
	"context"
	"fmt"

	"github.com/choruslabs/chorus/internal/ledger"
	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/persona"
	"github.com/choruslabs/chorus/internal/pipeline"
	"github.com/choruslabs/chorus/internal/scope"
)

// ChunkSize is how many runes of source text one summary pass covers.
const ChunkSize = 12000

// Summarizer prices and runs summary jobs. Each job is one flat charge
// covering every excerpt pass.
type Summarizer struct {
	streamer *pipeline.Streamer
	ledger   *ledger.Ledger
	logger   log.Logger
}

func New(streamer *pipeline.Streamer, lg *ledger.Ledger, logger log.Logger) *Summarizer {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Summarizer{streamer: streamer, ledger: lg, logger: logger}
}

// Cost prices a summary job: one and a half credits per excerpt pass,
// rounded up.
func Cost(text string) int {
	passes := len([]rune(text))/ChunkSize + 1
	return (passes*3 + 1) / 2
}

// Run summarizes text excerpt by excerpt, streaming each summary to the
// channel. The whole job is authorized up front and debited once on
// completion.
func (s *Summarizer) Run(ctx context.Context, sc *scope.Scope, channelID, dataName, text string) error {
	cost := Cost(text)
	if err := s.ledger.Authorize(ctx, sc, channelID, cost); err != nil {
		return err
	}

	agent, err := persona.New("Summarizer")
	if err != nil {
		return err
	}
	agent.Prompt = fmt.Sprintf("Write short, expert, bulletpoint summaries on the given excerpt from the %s.", dataName)
	agent.Params = persona.Params{Temperature: 0, TopP: 1}
	agent.LongTermMemory = false
	agent.History.Append(persona.Entry{Role: persona.RoleSystem, Content: agent.Prompt})

	runes := []rune(text)
	for i := 0; i < len(runes); i += ChunkSize {
		end := min(len(runes), i+ChunkSize)
		agent.History.Append(persona.Entry{Role: persona.RoleUser, Content: string(runes[i:end])})

		if _, err := s.streamer.Respond(ctx, agent, sc, channelID); err != nil {
			return fmt.Errorf("summary pass at rune %d: %w", i, err)
		}
		// Each pass stands alone: drop the excerpt and its summary so the
		// next excerpt sees only the instruction.
		agent.History.RemoveLast(2)
	}

	s.ledger.Debit(sc, cost)
	s.logger.Info("summary finished", "scope", sc.ID, "data", dataName, "cost", cost)
	return nil
}
