package persona

import "unicode/utf8"

// Per-entry encoding overheads. The premium tier's tokenizer charges one
// extra token per entry and discounts named entries; the other tiers charge
// one fewer per entry and a surcharge for names.
const (
	premiumTokensPerEntry  = 4
	premiumTokensPerName   = -1
	standardTokensPerEntry = 3
	standardTokensPerName  = 1

	// replyPrimingTokens accounts for the assistant-turn priming every reply
	// carries on the wire.
	replyPrimingTokens = 3

	// toolDeclarationTokens is the fixed overhead of declaring the search
	// capability on a request.
	toolDeclarationTokens = 60
)

// estimateTokens provides a rough token count for a text fragment.
// Rune count divided by 2 is a conservative estimate that holds for both
// English (~4 chars/token) and CJK (~1.5 chars/token) text.
func estimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 2
}

// EstimateTokens estimates the encoded size of a turn history for the given
// tier, applying the provider's per-entry and per-name overheads. withTools
// adds the search capability declaration overhead.
//
// The eviction policy uses this estimate to keep histories inside the
// provider's context window before submission, never after rejection.
func EstimateTokens(tier Tier, entries []Entry, withTools bool) int {
	perEntry, perName := standardTokensPerEntry, standardTokensPerName
	if tier == TierPremium {
		perEntry, perName = premiumTokensPerEntry, premiumTokensPerName
	}

	total := 0
	for _, e := range entries {
		total += perEntry
		total += estimateTokens(string(e.Role))
		total += estimateTokens(e.Content)
		if e.Name != "" {
			total += estimateTokens(e.Name) + perName
		}
	}
	total += replyPrimingTokens
	if withTools {
		total += toolDeclarationTokens
	}
	return total
}

// EstimateHistoryTokens is a convenience wrapper over a persona's own
// history and capability flags.
func (p *Persona) EstimateHistoryTokens() int {
	return EstimateTokens(p.Tier, p.History.Entries(), p.WebSearch)
}
