// Package display is the boundary to whatever renders messages to users:
// a chat platform webhook, a web client, a test capture.
package display

import (
	"context"
	"fmt"
	"math"
	"unicode/utf8"
)

// DefaultChunkBudget is the character budget for one physical message.
const DefaultChunkBudget = 1970

// MessageRef identifies a sent message so it can be edited in place.
type MessageRef struct {
	ChannelID string
	MessageID string
}

// Surface sends and edits messages. Both operations must be safe to
// retry: a repeated Edit with the same text is a no-op downstream.
type Surface interface {
	Send(ctx context.Context, channelID, text string) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, text string) error
}

// Chunk returns the text of chunk k of accumulated, where chunks are
// consecutive budget-sized rune windows. Earlier chunks never change as
// the text grows, so boundaries are stable across stream flushes.
func Chunk(accumulated string, k, budget int) string {
	runes := []rune(accumulated)
	start := k * budget
	if start >= len(runes) {
		return ""
	}
	end := min(len(runes), start+budget)
	return string(runes[start:end])
}

// NumChunks reports how many budget-sized chunks the text occupies.
// Empty text still occupies one chunk.
func NumChunks(text string, budget int) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 1
	}
	return int(math.Ceil(float64(n) / float64(budget)))
}

// FitsInChunks reports whether the text still fits within n chunks, i.e.
// whether a new physical message is needed before the next flush.
func FitsInChunks(text string, n, budget int) bool {
	return utf8.RuneCountInString(text) <= n*budget
}

// Split breaks a complete message into send-ready pieces. When the text
// needs more than one physical message each piece carries a " (n/total)"
// suffix so readers can follow the sequence.
func Split(text string, budget int) []string {
	total := NumChunks(text, budget)
	if total == 1 {
		return []string{text}
	}
	pieces := make([]string, 0, total)
	for k := 0; k < total; k++ {
		pieces = append(pieces, fmt.Sprintf("%s (%d/%d)", Chunk(text, k, budget), k+1, total))
	}
	return pieces
}

// SendAll sends a complete message through the surface, splitting it when
// it exceeds the budget, and returns the ref of the last piece.
func SendAll(ctx context.Context, surface Surface, channelID, text string, budget int) (MessageRef, error) {
	var ref MessageRef
	for _, piece := range Split(text, budget) {
		var err error
		ref, err = surface.Send(ctx, channelID, piece)
		if err != nil {
			return MessageRef{}, err
		}
	}
	return ref, nil
}
