package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/muainishi/platform/pkg/common/logger"
)

// Manager serialises state transitions per session.
// TODO: locks are process-local; running several replicas on the redis backend needs a distributed lock.
type Manager struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, locks: make(map[string]*sessionLock)}
}

func (m *Manager) acquire(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sessionLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) load(ctx context.Context, id string) (*State, error) {
	state, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return New(id), nil
	}
	return state, err
}

// Get returns the session's state, or a blank one when it does not exist yet.
func (m *Manager) Get(ctx context.Context, id string) (*State, error) {
	return m.load(ctx, id)
}

// Update runs fn against the session under its lock and saves the result.
// An error from fn leaves the stored state untouched.
func (m *Manager) Update(ctx context.Context, id string, fn func(*State) error) (*State, error) {
	release := m.acquire(id)
	defer release()

	state, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	state.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(ctx, state); err != nil {
		logger.Log.WithError(err).WithField("session_id", id).Error("Failed to save session")
		return nil, err
	}
	return state.Clone(), nil
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	release := m.acquire(id)
	defer release()
	return m.store.Delete(ctx, id)
}

// Len reports the number of live sessions when the store can count them.
func (m *Manager) Len() (int, bool) {
	counter, ok := m.store.(interface{ Len() int })
	if !ok {
		return 0, false
	}
	return counter.Len(), true
}
