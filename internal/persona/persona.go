// Package persona defines the chat persona data model: identity, generation
// parameters, trigger policy, and the ordered turn history sent to the model.
//
// Thread Safety: a Persona is NOT safe for concurrent mutation. The scope
// registry serializes pipeline runs per scope; see internal/scope.
package persona

import (
	"errors"
	"fmt"
	"strings"
)

// Tier selects a model pricing/context class. The ledger maps tiers to
// credit costs; internal/config maps tiers to provider model IDs.
type Tier string

const (
	// TierStandard is the default low-cost tier.
	TierStandard Tier = "standard"

	// TierLargeContext is the extended-context tier. Responses on this tier
	// pay a surcharge proportional to context size (see internal/ledger).
	TierLargeContext Tier = "large-context"

	// TierPremium is the highest-quality, flat-cost tier.
	TierPremium Tier = "premium"
)

// Trigger controls when a persona responds to inbound events.
type Trigger string

const (
	// TriggerAlways fires on every inbound event in a bound channel.
	TriggerAlways Trigger = "always"

	// TriggerMention fires only when the event explicitly references the
	// persona (or replies to it). An explicit name mention in the inbound
	// text overrides this policy.
	TriggerMention Trigger = "mention-only"
)

// DataKind distinguishes paged documents from timed transcripts, which
// cite page numbers and timestamps respectively.
type DataKind string

const (
	DataKindPages      DataKind = "pages"
	DataKindTimestamps DataKind = "timestamps"
)

// Limits on persona configuration.
const (
	// MaxLorebooks bounds the number of knowledge bases bound to a persona.
	MaxLorebooks = 5

	// MaxNameLength bounds the persona identity name.
	MaxNameLength = 80
)

var (
	// ErrInvalidName indicates an empty or oversized persona name.
	ErrInvalidName = errors.New("invalid persona name")

	// ErrParamOutOfRange indicates a generation parameter outside its bounds.
	ErrParamOutOfRange = errors.New("generation parameter out of range")

	// ErrTooManyLorebooks indicates the lorebook binding limit was exceeded.
	ErrTooManyLorebooks = errors.New("too many lorebooks")
)

// Params are the sampling parameters sent with every model request.
// Each field is a bounded real number; see Validate.
type Params struct {
	Temperature      float64
	TopP             float64
	PresencePenalty  float64
	FrequencyPenalty float64
}

// DefaultParams returns the generation defaults for new personas.
func DefaultParams() Params {
	return Params{
		Temperature:      0.7,
		TopP:             1.0,
		PresencePenalty:  0.9,
		FrequencyPenalty: 0.9,
	}
}

// Validate checks each parameter against its provider-accepted range.
func (p Params) Validate() error {
	check := func(name string, v, lo, hi float64) error {
		if v < lo || v > hi {
			return fmt.Errorf("%w: %s=%v (must be %v..%v)", ErrParamOutOfRange, name, v, lo, hi)
		}
		return nil
	}
	if err := check("temperature", p.Temperature, 0, 2); err != nil {
		return err
	}
	if err := check("top_p", p.TopP, 0, 1); err != nil {
		return err
	}
	if err := check("presence_penalty", p.PresencePenalty, -2, 2); err != nil {
		return err
	}
	return check("frequency_penalty", p.FrequencyPenalty, -2, 2)
}

// Persona is a configured chat persona. Identity names are unique within a
// scope, case-insensitive.
type Persona struct {
	Name     string
	Channels []string // channel IDs the persona is bound to
	Tier     Tier
	Prompt   string // system instruction
	Params   Params

	Trigger          Trigger
	IncludeUsernames bool

	// LongTermMemory toggles the eviction policy: when true, turns that fall
	// out of the bounded window overflow into the semantic store instead of
	// being discarded.
	LongTermMemory bool

	// WebSearch declares the external search capability on model requests.
	WebSearch bool

	// Lorebooks are bound knowledge-base names (max MaxLorebooks).
	Lorebooks []string

	// DataName labels the active uploaded document, empty when none.
	DataName string

	// DataKind selects the citation format for document excerpts.
	DataKind DataKind

	// Cursor is the monotonically increasing overflow id used as the
	// idempotency/ordering key for semantic-store upserts.
	Cursor int

	History *History
}

// New creates a persona with defaults and an empty history.
func New(name string) (*Persona, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return &Persona{
		Name:             name,
		Tier:             TierStandard,
		Params:           DefaultParams(),
		Trigger:          TriggerAlways,
		IncludeUsernames: true,
		LongTermMemory:   true,
		WebSearch:        false,
		History:          NewHistory(),
	}, nil
}

// ValidateName checks an identity name.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || len(trimmed) > MaxNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// SameName reports whether two persona names are equal under the scope's
// case-insensitive uniqueness rule.
func SameName(a, b string) bool {
	return strings.EqualFold(a, b)
}

// BoundTo reports whether the persona responds in the given channel.
func (p *Persona) BoundTo(channelID string) bool {
	for _, ch := range p.Channels {
		if ch == channelID {
			return true
		}
	}
	return false
}

// BindLorebook binds a knowledge-base name, enforcing the per-persona limit.
func (p *Persona) BindLorebook(name string) error {
	if len(p.Lorebooks) >= MaxLorebooks {
		return fmt.Errorf("%w: limit is %d", ErrTooManyLorebooks, MaxLorebooks)
	}
	for _, lb := range p.Lorebooks {
		if SameName(lb, name) {
			return nil // already bound
		}
	}
	p.Lorebooks = append(p.Lorebooks, name)
	return nil
}

// SetPrompt reassigns the system instruction and clears the turn history.
// History always restarts when the persona's role changes.
func (p *Persona) SetPrompt(prompt string) {
	p.Prompt = prompt
	p.History.Clear()
}

// Clone returns a copy suitable for a scripted conversation session: fresh
// history, memory, search, and document access disabled, mention gating off.
func (p *Persona) Clone() *Persona {
	cp := *p
	cp.Channels = append([]string(nil), p.Channels...)
	cp.Lorebooks = append([]string(nil), p.Lorebooks...)
	cp.History = NewHistory()
	cp.Trigger = TriggerAlways
	cp.LongTermMemory = false
	cp.WebSearch = false
	cp.DataName = ""
	cp.DataKind = ""
	return &cp
}
