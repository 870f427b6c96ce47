package converse

import (
	"context"
	"errors"
	"sync"

	"github.com/choruslabs/chorus/internal/persona"
	"github.com/choruslabs/chorus/internal/scope"
)

// ErrNoSession is returned by Resume when the channel holds no dialogue.
var ErrNoSession = errors.New("no session in this channel")

// Manager tracks at most one session per channel so a paused dialogue can
// be resumed later. Starting a new dialogue in a channel replaces the old
// one.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, sessions: make(map[string]*Session)}
}

// Start begins a dialogue between two of the scope's personas and plays
// the opening rounds. The caller holds the scope lock.
func (m *Manager) Start(ctx context.Context, sc *scope.Scope, channelID, scenario string, a, b *persona.Persona) error {
	s := NewSession(sc, channelID, scenario, a, b, m.cfg)
	m.mu.Lock()
	m.sessions[channelID] = s
	m.mu.Unlock()
	return s.Run(ctx)
}

// ScopeID reports which scope owns the channel's session, so a caller can
// take the right lock before Resume.
func (m *Manager) ScopeID(channelID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[channelID]; ok {
		return s.sc.ID, true
	}
	return "", false
}

// Resume continues the channel's paused dialogue. The caller holds the
// owning scope's lock.
func (m *Manager) Resume(ctx context.Context, channelID string) error {
	m.mu.Lock()
	s, ok := m.sessions[channelID]
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	return s.Resume(ctx)
}
