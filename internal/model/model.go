// Package model defines the model provider boundary: a streaming request
// carrying the ordered turn list and generation parameters, and an
// incremental event stream carrying content deltas, tool-call deltas, and
// machine-readable error codes.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/choruslabs/chorus/internal/persona"
)

// SearchToolName is the single tool the pipeline declares and executes.
const SearchToolName = "web_search"

// Request is a single streaming generation request.
type Request struct {
	Tier            persona.Tier
	Entries         []persona.Entry
	MaxOutputTokens int
	Params          persona.Params

	// EnableSearch declares the external web-search capability. The streamer
	// clears it on the follow-up pass after a tool round-trip.
	EnableSearch bool
}

// Event is one element of the incremental response stream. Exactly one of
// the delta fields is meaningful per event.
type Event struct {
	// Text is a content delta.
	Text string

	// ToolName and ToolArgs are tool-call deltas: the provider may announce
	// the name first and stream argument fragments across later events.
	ToolName string
	ToolArgs string
}

// IsToolDelta reports whether the event carries tool-call data.
func (e Event) IsToolDelta() bool { return e.ToolName != "" || e.ToolArgs != "" }

// Stream is an incremental response. Next returns io.EOF after the
// terminating sentinel; provider error events surface as *ProviderError.
// Close releases the underlying transport and is safe to call twice.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Provider issues streaming generation requests.
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Machine-readable provider error codes.
const (
	// CodeContextLength indicates the turn history exceeds the model's
	// context window. Not auto-recovered; the user must clear memory.
	CodeContextLength = "context_length_exceeded"

	// CodeServerError indicates a provider-side transient failure.
	CodeServerError = "server_error"

	// CodeUnknown covers everything else.
	CodeUnknown = "unknown"
)

// ProviderError is a machine-readable error event from the stream.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %s", e.Code, e.Message)
}

// AsProviderError extracts a *ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
