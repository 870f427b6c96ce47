package scope

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStorage is an in-memory Storage with call counting.
type fakeStorage struct {
	mu      sync.Mutex
	scopes  map[string]*Scope
	loads   int
	saves   []string
	loadErr error
	saveErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{scopes: make(map[string]*Scope)}
}

func (f *fakeStorage) Load(_ context.Context, scopeID string) (*Scope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if sc, ok := f.scopes[scopeID]; ok {
		return sc, nil
	}
	return New(scopeID, ""), nil
}

func (f *fakeStorage) Save(_ context.Context, s *Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves = append(f.saves, s.ID)
	f.scopes[s.ID] = s
	return nil
}

func TestRegistryLoadsOnFirstAccess(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	r := NewRegistry(storage, nil)
	ctx := context.Background()

	sc, err := r.Get(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "guild-1", sc.ID)

	again, err := r.Get(ctx, "guild-1")
	require.NoError(t, err)
	assert.Same(t, sc, again, "second access returns the hydrated instance")
	assert.Equal(t, 1, storage.loads)
}

func TestRegistryLoadError(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	storage.loadErr = errors.New("db down")
	r := NewRegistry(storage, nil)

	_, err := r.Get(context.Background(), "guild-1")
	assert.Error(t, err)
}

func TestRegistryLockSerializesScope(t *testing.T) {
	t.Parallel()
	r := NewRegistry(newFakeStorage(), nil)
	ctx := context.Background()

	sc, unlock, err := r.Lock(ctx, "guild-1")
	require.NoError(t, err)
	sc.Credits = 5

	acquired := make(chan struct{})
	go func() {
		sc2, unlock2, err2 := r.Lock(ctx, "guild-1")
		assert.NoError(t, err2)
		assert.Equal(t, 10, sc2.Credits, "second holder sees the first holder's writes")
		unlock2()
		close(acquired)
	}()

	sc.Credits = 10
	unlock()
	<-acquired
}

func TestRegistryFlushSavesOnlyDirty(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	r := NewRegistry(storage, nil)
	ctx := context.Background()

	// Read-only access does not dirty the scope.
	_, err := r.Get(ctx, "clean")
	require.NoError(t, err)

	_, unlock, err := r.Lock(ctx, "dirty")
	require.NoError(t, err)
	unlock()

	r.Flush(ctx)
	assert.Equal(t, []string{"dirty"}, storage.saves)

	// A successful flush clears the dirty mark.
	r.Flush(ctx)
	assert.Len(t, storage.saves, 1)
}

func TestRegistryFlushRetriesAfterFailure(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	r := NewRegistry(storage, nil)
	ctx := context.Background()

	_, unlock, err := r.Lock(ctx, "guild-1")
	require.NoError(t, err)
	unlock()

	storage.saveErr = errors.New("db down")
	r.Flush(ctx)
	assert.Empty(t, storage.saves)

	storage.saveErr = nil
	r.Flush(ctx)
	assert.Equal(t, []string{"guild-1"}, storage.saves, "scope stays dirty until a save succeeds")
}
