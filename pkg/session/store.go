package session

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var ErrNotFound = errors.New("session not found")

type Store interface {
	Get(ctx context.Context, id string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in a size-bounded LRU whose entries expire after ttl.
type MemoryStore struct {
	cache *expirable.LRU[string, *State]
}

func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{cache: expirable.NewLRU[string, *State](maxEntries, nil, ttl)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*State, error) {
	state, ok := m.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, state *State) error {
	m.cache.Add(state.ID, state.Clone())
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.cache.Remove(id)
	return nil
}

func (m *MemoryStore) Len() int {
	return m.cache.Len()
}
