package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-grouping/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store persists requests, groups and confirmations. The engine keeps the
// authoritative state in memory and writes through to the store.
type Store interface {
	SaveRequest(ctx context.Context, r models.RideRequest) error
	UpdateRequest(ctx context.Context, r models.RideRequest) error
	// SaveGroup inserts or updates a group together with its confirmations.
	SaveGroup(ctx context.Context, g models.Group, confirmations []models.Confirmation) error
}

type MemoryStore struct {
	mu            sync.RWMutex
	requests      map[string]models.RideRequest
	groups        map[string]models.Group
	confirmations map[string][]models.Confirmation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[string]models.RideRequest),
		groups:        make(map[string]models.Group),
		confirmations: make(map[string][]models.Confirmation),
	}
}

func (m *MemoryStore) SaveRequest(_ context.Context, r models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) UpdateRequest(_ context.Context, r models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return ErrNotFound
	}
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) SaveGroup(_ context.Context, g models.Group, cs []models.Confirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.Members = append([]string(nil), g.Members...)
	m.groups[g.ID] = g
	m.confirmations[g.ID] = append([]models.Confirmation(nil), cs...)
	return nil
}

func (m *MemoryStore) Request(id string) (models.RideRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	return r, ok
}

func (m *MemoryStore) Group(id string) (models.Group, []models.Confirmation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	return g, append([]models.Confirmation(nil), m.confirmations[id]...), ok
}
