// Package scope models the conversation/server context that owns personas,
// the prepaid credit balance, the pending-operation slot, and the analytics
// log, plus the registry that manages scope lifecycle.
package scope

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/choruslabs/chorus/internal/persona"
)

// MaxPersonas bounds the number of personas a scope may own.
const MaxPersonas = 20

var (
	// ErrTooManyPersonas indicates the per-scope persona limit was exceeded.
	ErrTooManyPersonas = errors.New("too many personas")

	// ErrDuplicateName indicates a persona name collision (case-insensitive).
	ErrDuplicateName = errors.New("duplicate persona name")

	// ErrPersonaNotFound indicates no persona with the given name exists.
	ErrPersonaNotFound = errors.New("persona not found")

	// ErrPendingBusy indicates the pending-operation slot is already occupied.
	ErrPendingBusy = errors.New("another operation is pending")
)

// OpKind tags a pending multi-step operation.
type OpKind string

// Pending operation kinds.
const (
	OpLorebook    OpKind = "lorebook"
	OpDocument    OpKind = "document"
	OpPersonaCard OpKind = "persona-card"
	OpLongPrompt  OpKind = "long-prompt"
)

// PendingOp identifies the single outstanding multi-step operation on a
// scope: the operation kind plus the persona it targets. LorebookName is set
// only for OpLorebook.
type PendingOp struct {
	Kind         OpKind
	AgentName    string
	LorebookName string
}

// Record is one append-only analytics entry.
type Record struct {
	ID     uuid.UUID
	Kind   string
	At     time.Time
	Tokens int
}

// Analytics record kinds.
const (
	RecordResponse     = "response"
	RecordOutOfCredits = "out_of_credits"
	RecordConverse     = "converse"
	RecordRegenerate   = "regenerate"
	RecordContinue     = "continue"
	RecordTopUp        = "top_up"
)

// Scope is a conversation/server context. All mutation must happen while
// holding the scope's pipeline lock via Registry.Lock; see package doc for
// the concurrency model.
type Scope struct {
	ID   string
	Name string

	// Credits is the prepaid integer balance. Debits are only applied after
	// successful authorization, so the balance never goes negative.
	Credits int

	Personas []*persona.Persona

	// LastInteraction drives the per-scope inbound cooldown.
	LastInteraction time.Time

	pending   *PendingOp
	analytics []Record
}

// New creates an empty scope.
func New(id, name string) *Scope {
	return &Scope{ID: id, Name: name}
}

// AddPersona adds a persona, enforcing the count limit and case-insensitive
// name uniqueness.
func (s *Scope) AddPersona(p *persona.Persona) error {
	if len(s.Personas) >= MaxPersonas {
		return fmt.Errorf("%w: limit is %d", ErrTooManyPersonas, MaxPersonas)
	}
	for _, existing := range s.Personas {
		if persona.SameName(existing.Name, p.Name) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, p.Name)
		}
	}
	s.Personas = append(s.Personas, p)
	return nil
}

// RemovePersona removes the named persona and returns it so the caller can
// cascade-delete its semantic namespaces.
func (s *Scope) RemovePersona(name string) (*persona.Persona, error) {
	for i, p := range s.Personas {
		if persona.SameName(p.Name, name) {
			s.Personas = append(s.Personas[:i], s.Personas[i+1:]...)
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrPersonaNotFound, name)
}

// PersonaNamed finds a persona by case-insensitive name.
func (s *Scope) PersonaNamed(name string) (*persona.Persona, bool) {
	for _, p := range s.Personas {
		if persona.SameName(p.Name, name) {
			return p, true
		}
	}
	return nil, false
}

// SetPending occupies the pending-operation slot. At most one multi-step
// operation may be outstanding per scope.
func (s *Scope) SetPending(op PendingOp) error {
	if s.pending != nil {
		return fmt.Errorf("%w: %s for %s", ErrPendingBusy, s.pending.Kind, s.pending.AgentName)
	}
	s.pending = &op
	return nil
}

// TakePending clears and returns the pending operation. The slot is cleared
// exactly once per flow: a second call returns false until SetPending runs
// again, regardless of whether the flow succeeded or failed.
func (s *Scope) TakePending() (PendingOp, bool) {
	if s.pending == nil {
		return PendingOp{}, false
	}
	op := *s.pending
	s.pending = nil
	return op, true
}

// HasPending reports whether an operation is outstanding without clearing it.
func (s *Scope) HasPending() bool { return s.pending != nil }

// AppendRecord appends to the analytics log.
func (s *Scope) AppendRecord(kind string, tokens int) {
	s.analytics = append(s.analytics, Record{
		ID:     uuid.New(),
		Kind:   kind,
		At:     time.Now(),
		Tokens: tokens,
	})
}

// Records returns a copy of the analytics log.
func (s *Scope) Records() []Record {
	cp := make([]Record, len(s.analytics))
	copy(cp, s.analytics)
	return cp
}

// CooledDown reports whether at least d has passed since the last inbound
// interaction, and records now as the new interaction time when it has.
func (s *Scope) CooledDown(d time.Duration) bool {
	now := time.Now()
	if now.Sub(s.LastInteraction) < d {
		return false
	}
	s.LastInteraction = now
	return true
}
