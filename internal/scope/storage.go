package scope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/persona"
)

// snapshot is the persisted wire form of a Scope, covering the unexported
// pending slot and analytics log.
type snapshot struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Credits         int                `json:"credits"`
	Personas        []*persona.Persona `json:"personas,omitempty"`
	LastInteraction time.Time          `json:"last_interaction"`
	Pending         *PendingOp         `json:"pending,omitempty"`
	Analytics       []Record           `json:"analytics,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s *Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshot{
		ID:              s.ID,
		Name:            s.Name,
		Credits:         s.Credits,
		Personas:        s.Personas,
		LastInteraction: s.LastInteraction,
		Pending:         s.pending,
		Analytics:       s.analytics,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Personas saved without a
// history get a fresh one.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.ID = snap.ID
	s.Name = snap.Name
	s.Credits = snap.Credits
	s.Personas = snap.Personas
	s.LastInteraction = snap.LastInteraction
	s.pending = snap.Pending
	s.analytics = snap.Analytics
	for _, p := range s.Personas {
		if p.History == nil {
			p.History = persona.NewHistory()
		}
	}
	return nil
}

// StorageDB is the subset of pgxpool.Pool the scope storage needs.
type StorageDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ StorageDB = (*pgxpool.Pool)(nil)

// PostgresStorage persists scopes as JSON documents.
type PostgresStorage struct {
	db     StorageDB
	logger log.Logger
}

func NewPostgresStorage(db StorageDB, logger log.Logger) *PostgresStorage {
	if logger == nil {
		logger = log.NewNop()
	}
	return &PostgresStorage{db: db, logger: logger}
}

// Load fetches a scope document, returning a fresh empty scope when none
// has been saved yet.
func (p *PostgresStorage) Load(ctx context.Context, scopeID string) (*Scope, error) {
	var data []byte
	err := p.db.QueryRow(ctx, `SELECT data FROM chorus_scopes WHERE id = $1`, scopeID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return New(scopeID, ""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load scope %s: %w", scopeID, err)
	}

	sc := &Scope{}
	if err := json.Unmarshal(data, sc); err != nil {
		return nil, fmt.Errorf("decode scope %s: %w", scopeID, err)
	}
	return sc, nil
}

// Save upserts the scope document.
func (p *PostgresStorage) Save(ctx context.Context, s *Scope) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode scope %s: %w", s.ID, err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO chorus_scopes (id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		s.ID, data)
	if err != nil {
		return fmt.Errorf("save scope %s: %w", s.ID, err)
	}
	p.logger.Debug("saved scope", "scope_id", s.ID, "personas", len(s.Personas))
	return nil
}
