package scope

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/choruslabs/chorus/internal/log"
)

// Storage loads and saves scope records. Implementations wrap whatever
// document store the deployment uses; tests use an in-memory fake.
//
// Load is called once per scope on first access. Save is called on the
// flush interval and on Close.
type Storage interface {
	Load(ctx context.Context, scopeID string) (*Scope, error)
	Save(ctx context.Context, s *Scope) error
}

// Registry is the injected session-state store for active scopes: an
// in-memory map keyed by scope ID, hydrated from Storage on first access and
// flushed back on an interval.
//
// Concurrency model: the event pipeline provides no cross-event mutual
// exclusion by itself, and concurrent inbound events on one scope would
// interleave context mutations across I/O suspension points. Registry
// therefore exposes a per-scope cooperative mutex; the orchestrator holds it
// for the duration of a pipeline run, serializing events per scope while
// leaving distinct scopes fully concurrent.
type Registry struct {
	storage Storage
	logger  log.Logger

	mu     sync.Mutex
	scopes map[string]*entry
}

type entry struct {
	scope *Scope
	lock  sync.Mutex // per-scope pipeline lock
	dirty bool
}

// NewRegistry creates a registry backed by the given storage.
func NewRegistry(storage Storage, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Registry{
		storage: storage,
		logger:  logger,
		scopes:  make(map[string]*entry),
	}
}

// Get returns the scope for id, loading it from storage on first access.
func (r *Registry) Get(ctx context.Context, id string) (*Scope, error) {
	e, err := r.entryFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.scope, nil
}

// Lock acquires the per-scope pipeline lock and returns the scope plus an
// unlock function. The scope is marked dirty for the next flush.
func (r *Registry) Lock(ctx context.Context, id string) (*Scope, func(), error) {
	e, err := r.entryFor(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	e.lock.Lock()
	e.dirty = true
	return e.scope, e.lock.Unlock, nil
}

func (r *Registry) entryFor(ctx context.Context, id string) (*entry, error) {
	r.mu.Lock()
	if e, ok := r.scopes[id]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	// Load outside the registry lock; a racing loader for the same id is
	// resolved below by keeping the first registration.
	sc, err := r.storage.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading scope %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.scopes[id]; ok {
		return e, nil
	}
	e := &entry{scope: sc}
	r.scopes[id] = e
	r.logger.Debug("hydrated scope", "scope_id", id, "personas", len(sc.Personas))
	return e, nil
}

// Flush saves every dirty scope. Failures are logged per scope and do not
// stop the sweep.
func (r *Registry) Flush(ctx context.Context) {
	r.mu.Lock()
	dirty := make(map[string]*entry)
	for id, e := range r.scopes {
		if e.dirty {
			dirty[id] = e
		}
	}
	r.mu.Unlock()

	for id, e := range dirty {
		e.lock.Lock()
		err := r.storage.Save(ctx, e.scope)
		if err == nil {
			e.dirty = false
		}
		e.lock.Unlock()
		if err != nil {
			r.logger.Error("flushing scope", "scope_id", id, "error", err)
		}
	}
}

// Run flushes dirty scopes every interval until ctx is canceled, then
// performs a final flush.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}
