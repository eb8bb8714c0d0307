// Package identity resolves requester profiles (gender, rider capability,
// trust) from the identity service. Lookups are read-only.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-grouping/internal/models"
)

// ErrNotFound means the identity service has no profile for the user. Callers
// treat the requester as having an unknown profile rather than failing.
var ErrNotFound = errors.New("profile not found")

type Directory interface {
	Lookup(ctx context.Context, userID string) (models.Profile, error)
}

// Static is an in-memory Directory for local runs and tests.
type Static struct {
	mu       sync.RWMutex
	profiles map[string]models.Profile
	failures map[string]error
}

func NewStatic(profiles ...models.Profile) *Static {
	s := &Static{profiles: make(map[string]models.Profile), failures: make(map[string]error)}
	for _, p := range profiles {
		s.Put(p)
	}
	return s
}

func (s *Static) Put(p models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Known = true
	s.profiles[p.UserID] = p
}

// Fail makes every lookup for userID return err until cleared with a nil err.
func (s *Static) Fail(userID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, userID)
		return
	}
	s.failures[userID] = err
}

func (s *Static) Lookup(_ context.Context, userID string) (models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.failures[userID]; ok {
		return models.Profile{}, err
	}
	p, ok := s.profiles[userID]
	if !ok {
		return models.Profile{}, ErrNotFound
	}
	return p, nil
}
