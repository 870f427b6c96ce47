// Package testutil provides in-memory fakes for the model provider,
// semantic store, and display surface boundaries.
package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/choruslabs/chorus/internal/display"
	"github.com/choruslabs/chorus/internal/memstore"
	"github.com/choruslabs/chorus/internal/model"
)

// ScriptedStream replays a fixed event sequence. After the events are
// drained it returns Err if set, io.EOF otherwise.
type ScriptedStream struct {
	Events []model.Event
	Err    error

	pos    int
	Closed bool
}

func (s *ScriptedStream) Next() (model.Event, error) {
	if s.pos < len(s.Events) {
		ev := s.Events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.Err != nil {
		return model.Event{}, s.Err
	}
	return model.Event{}, io.EOF
}

func (s *ScriptedStream) Close() error {
	s.Closed = true
	return nil
}

// ScriptedProvider hands out prepared streams in order and records every
// request it sees. A tool round-trip consumes two streams.
type ScriptedProvider struct {
	mu        sync.Mutex
	Streams   []*ScriptedStream
	StreamErr error // returned instead of a stream when set
	Requests  []model.Request
}

func (p *ScriptedProvider) Stream(_ context.Context, req model.Request) (model.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	if len(p.Streams) == 0 {
		return &ScriptedStream{}, nil
	}
	next := p.Streams[0]
	p.Streams = p.Streams[1:]
	return next, nil
}

// TextEvents builds one content-delta event per string.
func TextEvents(texts ...string) []model.Event {
	evs := make([]model.Event, 0, len(texts))
	for _, t := range texts {
		evs = append(evs, model.Event{Text: t})
	}
	return evs
}

// UpsertCall records one Store.Upsert invocation.
type UpsertCall struct {
	Namespace string
	StartID   int
	Items     []memstore.Item
}

// MemStore is an in-memory memstore.Store with canned query results.
type MemStore struct {
	mu sync.Mutex

	// Results maps namespace to the content strings Query returns.
	Results map[string][]string

	UpsertErr error
	QueryErr  error
	DeleteErr error

	Upserts  []UpsertCall
	Deleted  []string
	Contents map[string]map[int]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		Results:  make(map[string][]string),
		Contents: make(map[string]map[int]string),
	}
}

func (m *MemStore) Upsert(_ context.Context, namespace string, items []memstore.Item, startID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertErr != nil {
		return startID, m.UpsertErr
	}
	m.Upserts = append(m.Upserts, UpsertCall{Namespace: namespace, StartID: startID, Items: items})
	ns := m.Contents[namespace]
	if ns == nil {
		ns = make(map[int]string)
		m.Contents[namespace] = ns
	}
	id := startID
	for _, item := range items {
		ns[id] = item.Content
		id++
	}
	return id, nil
}

func (m *MemStore) Query(_ context.Context, _, namespace string, topK int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	results := m.Results[namespace]
	if len(results) > topK {
		results = results[:topK]
	}
	return append([]string(nil), results...), nil
}

func (m *MemStore) DeleteNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.Deleted = append(m.Deleted, namespace)
	delete(m.Contents, namespace)
	return nil
}

// SurfaceOp records one display operation.
type SurfaceOp struct {
	Kind string // "send" or "edit"
	Ref  display.MessageRef
	Text string
}

// Surface is a capturing display.Surface.
type Surface struct {
	mu sync.Mutex

	SendErr error
	EditErr error

	Ops      []SurfaceOp
	Messages map[string]string // message id -> latest text
	nextID   int
}

func NewSurface() *Surface {
	return &Surface{Messages: make(map[string]string)}
}

func (s *Surface) Send(_ context.Context, channelID, text string) (display.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return display.MessageRef{}, s.SendErr
	}
	s.nextID++
	ref := display.MessageRef{ChannelID: channelID, MessageID: fmt.Sprintf("m%d", s.nextID)}
	s.Ops = append(s.Ops, SurfaceOp{Kind: "send", Ref: ref, Text: text})
	s.Messages[ref.MessageID] = text
	return ref, nil
}

func (s *Surface) Edit(_ context.Context, ref display.MessageRef, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EditErr != nil {
		return s.EditErr
	}
	s.Ops = append(s.Ops, SurfaceOp{Kind: "edit", Ref: ref, Text: text})
	s.Messages[ref.MessageID] = text
	return nil
}

// Sends returns the texts of all send operations in order.
func (s *Surface) Sends() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, op := range s.Ops {
		if op.Kind == "send" {
			out = append(out, op.Text)
		}
	}
	return out
}

// Final returns the latest text of the message behind ref.
func (s *Surface) Final(ref display.MessageRef) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Messages[ref.MessageID]
}

// Notices collects ledger notices.
type Notices struct {
	mu    sync.Mutex
	Texts []string
}

func (n *Notices) Notify(_ context.Context, _ string, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Texts = append(n.Texts, text)
	return nil
}

// Count returns how many notices were delivered.
func (n *Notices) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Texts)
}
