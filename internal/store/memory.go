package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tonsurance/hedge-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	policies  map[string]*model.Policy
	positions map[string]*model.HedgePosition
	transfers []model.ReserveTransfer
	scenarios map[string]model.Scenario
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies:  make(map[string]*model.Policy),
		positions: make(map[string]*model.HedgePosition),
		scenarios: make(map[string]model.Scenario),
	}
}

func (s *MemoryStore) CreatePolicy(_ context.Context, p *model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[p.ID]; ok {
		return fmt.Errorf("policy %s: %w", p.ID, ErrAlreadyExists)
	}
	copy := *p
	s.policies[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, id string) (*model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListActivePolicies(_ context.Context, now time.Time) ([]model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Policy
	for _, p := range s.policies {
		if p.Active(now) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].IssuedAt.Before(result[j].IssuedAt) })
	return result, nil
}

func (s *MemoryStore) CreateHedgePosition(_ context.Context, pos *model.HedgePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[pos.PolicyID]; ok {
		return fmt.Errorf("hedge position %s: %w", pos.PolicyID, ErrAlreadyExists)
	}
	s.positions[pos.PolicyID] = pos.Clone()
	return nil
}

func (s *MemoryStore) GetHedgePosition(_ context.Context, policyID string) (*model.HedgePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[policyID]
	if !ok {
		return nil, fmt.Errorf("hedge position %s: %w", policyID, ErrNotFound)
	}
	return pos.Clone(), nil
}

func (s *MemoryStore) ListHedgePositions(_ context.Context) ([]model.HedgePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.HedgePosition, 0, len(s.positions))
	for _, pos := range s.positions {
		result = append(result, *pos.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PolicyID < result[j].PolicyID })
	return result, nil
}

// UpdateHedgePosition holds the write lock for the whole read-modify-write,
// so fn must not call back into the store.
func (s *MemoryStore) UpdateHedgePosition(_ context.Context, policyID string, fn PositionUpdate) (*model.HedgePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.positions[policyID]
	if !ok {
		return nil, fmt.Errorf("hedge position %s: %w", policyID, ErrNotFound)
	}

	// Mutate a copy so a failed update leaves no trace.
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.positions[policyID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) InsertReserveTransfer(_ context.Context, t *model.ReserveTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *t
	s.transfers = append(s.transfers, copy)
	return nil
}

func (s *MemoryStore) ListReserveTransfers(_ context.Context, policyID string) ([]model.ReserveTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ReserveTransfer
	for _, t := range s.transfers {
		if t.PolicyID == policyID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpsertScenario(_ context.Context, sc *model.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *sc
	s.scenarios[sc.Name] = copy
	return nil
}

func (s *MemoryStore) ListScenarios(_ context.Context) ([]model.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Scenario, 0, len(s.scenarios))
	for _, sc := range s.scenarios {
		result = append(result, sc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}
