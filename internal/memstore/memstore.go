// Package memstore defines the semantic store boundary used for short-term
// overflow, uploaded-document excerpts, and lorebook entries, plus the
// PostgreSQL/pgvector implementation.
//
// Namespace convention, per scope and persona (persona names lowercased):
//
//	{scopeID}-{name}             short-term overflow
//	{scopeID}-{name}-data        uploaded-document excerpts
//	{scopeID}-{name}-{lorebook}  knowledge-base entries
package memstore

import (
	"context"
	"strings"
)

// Item is one upsert payload: content plus an optional location tag
// (page number or timestamp) already folded into the text by the ingester.
type Item struct {
	Content string
}

// Store is the semantic store contract. Upsert assigns ids startID,
// startID+1, ... and returns the next unused id, which callers persist as
// their overflow cursor. Query returns content strings ordered by
// similarity, best first.
type Store interface {
	Upsert(ctx context.Context, namespace string, items []Item, startID int) (nextID int, err error)
	Query(ctx context.Context, text, namespace string, topK int) ([]string, error)
	DeleteNamespace(ctx context.Context, namespace string) error
}

// OverflowNamespace names a persona's short-term overflow namespace.
func OverflowNamespace(scopeID, personaName string) string {
	return scopeID + "-" + strings.ToLower(personaName)
}

// DataNamespace names a persona's uploaded-document namespace.
func DataNamespace(scopeID, personaName string) string {
	return OverflowNamespace(scopeID, personaName) + "-data"
}

// LorebookNamespace names one of a persona's knowledge-base namespaces.
func LorebookNamespace(scopeID, personaName, lorebook string) string {
	return OverflowNamespace(scopeID, personaName) + "-" + strings.ToLower(lorebook)
}

// PersonaNamespaces lists every namespace owned by a persona, used for
// cascade deletion when the persona is removed from its scope.
func PersonaNamespaces(scopeID, personaName string, lorebooks []string) []string {
	out := []string{
		OverflowNamespace(scopeID, personaName),
		DataNamespace(scopeID, personaName),
	}
	for _, lb := range lorebooks {
		out = append(out, LorebookNamespace(scopeID, personaName, lb))
	}
	return out
}
